package version

// Current is the release version reported in the outbound User-Agent.
const Current = "1.1.0"
