package phoneid

import (
	"context"
	"net/http"
)

// AddonLive routes lookups to the read-only live endpoint (GET, no body)
// instead of the standard endpoint (POST with an addons body).
const AddonLive = "live"

// DefaultAddons are requested on every standard lookup unless explicitly
// disabled by configuration.
var DefaultAddons = []string{"contact", "number_deactivation", "porting_history"}

// StatusTransportFailure is the sentinel status code recorded when an
// attempt never received an HTTP response (connect error or timeout).
const StatusTransportFailure = -1

// Outcome is the terminal result of one lookup: every processed number gets
// exactly one, whether the request succeeded, failed or never completed.
type Outcome struct {
	Phone      string
	StatusCode int

	// StatusDescription is the service's status.description when the
	// response carried one, or a synthetic failure label otherwise.
	StatusDescription string

	// Body is the raw response JSON. Non-JSON responses are wrapped as
	// {"raw_text": ...}; transport failures as {"error": ...}.
	Body []byte
}

// Lookup performs a single lookup attempt for one canonical number.
type Lookup interface {
	Lookup(ctx context.Context, phone string) (Outcome, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, phone string) (Outcome, error)

func (f LookupFunc) Lookup(ctx context.Context, phone string) (Outcome, error) {
	return f(ctx, phone)
}

// Disposition is the retry decision for one attempt.
type Disposition int

const (
	DispositionSuccess Disposition = iota
	DispositionTerminalFailure
	DispositionRetryable
)

// Classify maps one attempt's observable result to a retry decision. err is
// the transport error, if any; status is the HTTP status when a response was
// received. 429 and every 5xx are retryable, any other non-2xx is terminal.
func Classify(status int, err error) Disposition {
	if err != nil {
		return DispositionRetryable
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return DispositionRetryable
	}
	if status >= 200 && status < 300 {
		return DispositionSuccess
	}
	return DispositionTerminalFailure
}
