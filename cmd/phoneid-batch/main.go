package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mdp18/phoneid-batch/internal/app"
	"github.com/mdp18/phoneid-batch/internal/config"
	"github.com/mdp18/phoneid-batch/internal/util"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cfg, err := config.Load(strings.TrimSpace(os.Getenv("PHONEID_CONFIG")))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("phoneid-batch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { usage(os.Stderr, fs) }

	var inputPath string
	var addons string
	fs.StringVar(&inputPath, "input", "", "Input CSV or TXT file: one phone number per row (CSV uses the first column)")
	fs.StringVar(&addons, "addons", strings.Join(cfg.Addons, ","), "Custom addons, comma/semicolon-separated; include 'live' to use the live endpoint (env: PHONEID_ADDONS)")
	fs.StringVar(&cfg.AddonsFile, "addons-file", cfg.AddonsFile, "YAML/JSON file with an addons list (env: PHONEID_ADDONS_FILE)")
	fs.BoolVar(&cfg.NoDefaultAddons, "no-default-addons", cfg.NoDefaultAddons, "Do not include the default addons (contact, number_deactivation, porting_history)")
	fs.StringVar(&cfg.UCID, "ucid", cfg.UCID, "Optional use-case code, e.g. 'BACF' (env: PHONEID_UCID)")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "API base URL (env: PHONEID_BASE_URL)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout (env: PHONEID_TIMEOUT)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Number of parallel workers (env: PHONEID_CONCURRENCY)")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retries on 429/5xx/network failure (env: PHONEID_MAX_RETRIES)")
	fs.DurationVar(&cfg.Backoff, "backoff", cfg.Backoff, "Exponential backoff base (env: PHONEID_BACKOFF)")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Cap on a single backoff sleep, 0 disables the cap (env: PHONEID_BACKOFF_MAX)")
	fs.Float64Var(&cfg.BackoffJitter, "backoff-jitter", cfg.BackoffJitter, "Jitter fraction in [0,1) applied to each backoff sleep, 0 disables (env: PHONEID_BACKOFF_JITTER)")
	fs.Float64Var(&cfg.TPSLimit, "tps-limit", cfg.TPSLimit, "Max requests per second across all workers, 0 disables (env: PHONEID_TPS_LIMIT)")
	fs.StringVar(&cfg.Output, "out", cfg.Output, "Output CSV path (env: PHONEID_OUT)")
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "Outbound HTTPS proxy URL (env: PHONEID_PROXY)")
	fs.IntVar(&cfg.MinDigits, "min-digits", cfg.MinDigits, "Minimum digits for a valid phone (env: PHONEID_MIN_DIGITS)")
	fs.IntVar(&cfg.MaxDigits, "max-digits", cfg.MaxDigits, "Maximum digits for a valid phone (env: PHONEID_MAX_DIGITS)")
	fs.BoolVar(&cfg.NoSkipInvalid, "no-skip-invalid", cfg.NoSkipInvalid, "Emit a rejection row for invalid records instead of dropping them")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.Addons = splitFlagList(addons)

	if inputPath == "" && fs.NArg() == 1 {
		inputPath = fs.Arg(0)
	}
	if inputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "phoneid-batch requires --input (or a single positional input path)")
		usage(os.Stderr, fs)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "credentials error: %s\n", util.RedactSecrets(err.Error()))
		return 2
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	start := time.Now()
	if err := app.Run(ctx, inputPath, cfg, creds, logger); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "batch run failed: %s\n", util.RedactSecrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "Wrote results to %s in %s\n", cfg.Output, time.Since(start).Round(time.Millisecond))
	return 0
}

func splitFlagList(s string) []string {
	s = strings.ReplaceAll(s, ";", ",")
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func usage(w *os.File, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `phoneid-batch: batch-call TeleSign PhoneID for a list of phone numbers

Usage:
  phoneid-batch --input numbers.csv [flags]

Environment:
  TELE_SIGN_CUSTOMER_ID  TeleSign customer ID (required)
  TELE_SIGN_API_KEY      TeleSign API key (required)
  PHONEID_CONFIG         Optional YAML config file; flags override it

Flags:
`)
	fs.PrintDefaults()
}
