// Package config handles loading and validation of batch-run configuration.
// Values layer as: built-in defaults, then an optional YAML file, then
// environment variables (PHONEID_ prefix), then command-line flags applied
// by the caller.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mdp18/phoneid-batch/internal/normalize"
	"github.com/mdp18/phoneid-batch/internal/phoneid"
)

// Config is the full configuration surface for one batch run. It is fixed
// for the lifetime of the run; there is no reload.
type Config struct {
	BaseURL string `yaml:"base_url" env:"PHONEID_BASE_URL"`

	// Addons are custom addon tokens requested alongside the defaults.
	// The "live" token switches routing to the live endpoint.
	Addons          []string `yaml:"addons" env:"PHONEID_ADDONS"`
	AddonsFile      string   `yaml:"addons_file" env:"PHONEID_ADDONS_FILE"`
	NoDefaultAddons bool     `yaml:"no_default_addons" env:"PHONEID_NO_DEFAULT_ADDONS"`

	UCID string `yaml:"ucid" env:"PHONEID_UCID"`

	Timeout     time.Duration `yaml:"timeout" env:"PHONEID_TIMEOUT"`
	Concurrency int           `yaml:"concurrency" env:"PHONEID_CONCURRENCY"`
	MaxRetries  int           `yaml:"max_retries" env:"PHONEID_MAX_RETRIES"`
	Backoff     time.Duration `yaml:"backoff" env:"PHONEID_BACKOFF"`
	BackoffMax  time.Duration `yaml:"backoff_max" env:"PHONEID_BACKOFF_MAX"`

	// BackoffJitter spreads each backoff sleep by up to the given fraction
	// in either direction. Zero disables jitter.
	BackoffJitter float64 `yaml:"backoff_jitter" env:"PHONEID_BACKOFF_JITTER"`

	TPSLimit float64 `yaml:"tps_limit" env:"PHONEID_TPS_LIMIT"`

	Output string `yaml:"out" env:"PHONEID_OUT"`
	Proxy  string `yaml:"proxy" env:"PHONEID_PROXY"`

	MinDigits     int  `yaml:"min_digits" env:"PHONEID_MIN_DIGITS"`
	MaxDigits     int  `yaml:"max_digits" env:"PHONEID_MAX_DIGITS"`
	NoSkipInvalid bool `yaml:"no_skip_invalid" env:"PHONEID_NO_SKIP_INVALID"`
}

// Credentials are sourced from the environment only; they never appear in
// config files or flags.
type Credentials struct {
	CustomerID string `env:"TELE_SIGN_CUSTOMER_ID,notEmpty"`
	APIKey     string `env:"TELE_SIGN_API_KEY,notEmpty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:     phoneid.DefaultBaseURL,
		Timeout:     15 * time.Second,
		Concurrency: 5,
		MaxRetries:  3,
		Backoff:     1 * time.Second,
		Output:      "phoneid_results.csv",
		MinDigits:   normalize.DefaultMinDigits,
		MaxDigits:   normalize.DefaultMaxDigits,
	}
}

// Load builds a Config from defaults, an optional YAML file and environment
// overrides. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadCredentials reads the TeleSign auth pair from the environment.
func LoadCredentials() (Credentials, error) {
	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	return creds, nil
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %s)", c.Timeout)
	}
	if c.Backoff <= 0 {
		return fmt.Errorf("backoff must be positive (got %s)", c.Backoff)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1) (got %g)", c.BackoffJitter)
	}
	if c.TPSLimit < 0 {
		return fmt.Errorf("tps limit must be >= 0 (got %g)", c.TPSLimit)
	}
	if c.MinDigits < 1 || c.MaxDigits < c.MinDigits {
		return fmt.Errorf("digit bounds must satisfy 1 <= min <= max (got %d..%d)", c.MinDigits, c.MaxDigits)
	}
	if strings.TrimSpace(c.Output) == "" {
		return fmt.Errorf("output path is required")
	}
	return nil
}

// Bounds returns the configured digit-count range.
func (c Config) Bounds() normalize.Bounds {
	return normalize.Bounds{Min: c.MinDigits, Max: c.MaxDigits}
}

// ResolveAddons merges inline addons, the addons file and the defaults into
// the final ordered, deduplicated addon set for the run.
func (c Config) ResolveAddons() ([]string, error) {
	custom := splitAddons(c.Addons)

	if strings.TrimSpace(c.AddonsFile) != "" {
		fromFile, err := readAddonsFile(c.AddonsFile)
		if err != nil {
			return nil, err
		}
		custom = append(custom, fromFile...)
	}

	return phoneid.MergeAddons(custom, !c.NoDefaultAddons), nil
}

// splitAddons expands comma/semicolon-separated entries so both
// PHONEID_ADDONS="a,b" and repeated YAML items work.
func splitAddons(raw []string) []string {
	var out []string
	for _, entry := range raw {
		entry = strings.ReplaceAll(entry, ";", ",")
		for _, a := range strings.Split(entry, ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			out = append(out, a)
		}
	}
	return out
}

// readAddonsFile parses an addons file: either a sequence of tokens or a
// mapping with an "addons" sequence. JSON files parse fine since JSON is a
// YAML subset.
func readAddonsFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read addons file: %w", err)
	}

	var asList []string
	if err := yaml.Unmarshal(b, &asList); err == nil {
		return splitAddons(asList), nil
	}

	var asMap struct {
		Addons []string `yaml:"addons"`
	}
	if err := yaml.Unmarshal(b, &asMap); err == nil && len(asMap.Addons) > 0 {
		return splitAddons(asMap.Addons), nil
	}

	return nil, fmt.Errorf("addons file %s must be a sequence or an object with an 'addons' sequence", path)
}
