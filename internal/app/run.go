// Package app wires the batch run together: input reading, lookup
// execution and output writing, with per-request run logging.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mdp18/phoneid-batch/internal/config"
	"github.com/mdp18/phoneid-batch/internal/normalize"
	"github.com/mdp18/phoneid-batch/internal/phoneid"
	"github.com/mdp18/phoneid-batch/internal/pipeline"
	"github.com/mdp18/phoneid-batch/internal/util"
	"github.com/mdp18/phoneid-batch/pkg/pipeline/worker"
)

// Run executes one batch: reads phone records from inputPath, looks them up
// and writes the result CSV to cfg.Output. A batch with zero parseable
// records still produces a header-only output file.
func Run(ctx context.Context, inputPath string, cfg config.Config, creds config.Credentials, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	logf := func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		logger.Printf("run=%s "+format, prefix...)
	}
	runStart := time.Now()

	addons, err := cfg.ResolveAddons()
	if err != nil {
		return err
	}

	client, err := phoneid.New(phoneid.Config{
		BaseURL:    cfg.BaseURL,
		CustomerID: creds.CustomerID,
		APIKey:     creds.APIKey,
		UCID:       cfg.UCID,
		Addons:     addons,
		ProxyURL:   cfg.Proxy,
	})
	if err != nil {
		return err
	}

	logf(
		"batch start: input=%s output=%s addons=%s ucid=%q concurrency=%d maxRetries=%d timeout=%s backoff=%s tpsLimit=%g bounds=%d..%d skipInvalid=%t",
		inputPath,
		cfg.Output,
		strings.Join(addons, ","),
		cfg.UCID,
		cfg.Concurrency,
		cfg.MaxRetries,
		cfg.Timeout,
		cfg.Backoff,
		cfg.TPSLimit,
		cfg.MinDigits,
		cfg.MaxDigits,
		!cfg.NoSkipInvalid,
	)

	inF, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = inF.Close()
	}()

	records, err := pipeline.ReadNumbers(inF, isCSV(inputPath))
	if err != nil {
		return err
	}
	logf("loaded %d records from input", len(records))
	if len(records) == 0 {
		logf("no phone numbers parsed from input; writing header-only output")
	}

	skipped := 0
	rows, err := pipeline.LookupNumbers(ctx, records, newTracedLookup(client, logger, runID, cfg), pipeline.Options{
		Workers:           cfg.Concurrency,
		MaxRetries:        cfg.MaxRetries,
		RequestTimeout:    cfg.Timeout,
		TPSLimit:          cfg.TPSLimit,
		BackoffBase:       cfg.Backoff,
		BackoffMax:        cfg.BackoffMax,
		BackoffJitterFrac: cfg.BackoffJitter,
		Bounds:            cfg.Bounds(),
		SkipInvalid:       !cfg.NoSkipInvalid,
		OnSkip: func(raw string, reason normalize.Reason) {
			skipped++
			logf("skipping invalid phone number: %q (%s)", raw, reason)
		},
	})
	if err != nil {
		return err
	}

	outF, err := os.Create(cfg.Output)
	if err != nil {
		return err
	}
	defer func() {
		_ = outF.Close()
	}()

	if err := pipeline.WriteCSV(outF, rows); err != nil {
		return err
	}
	if err := outF.Close(); err != nil {
		return err
	}

	okRows, failedRows, rejectedRows := countRows(rows)
	logf(
		"batch complete: wrote %d rows to %s (ok=%d failed=%d rejected=%d skipped=%d) duration=%s",
		len(rows),
		cfg.Output,
		okRows,
		failedRows,
		rejectedRows,
		skipped,
		time.Since(runStart).Round(time.Millisecond),
	)
	return nil
}

func isCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

func countRows(rows []pipeline.Row) (ok, failed, rejected int) {
	for _, row := range rows {
		switch {
		case row.StatusCode >= 200 && row.StatusCode < 300:
			ok++
		case row.StatusCode == pipeline.StatusCodeRejected:
			rejected++
		default:
			failed++
		}
	}
	return ok, failed, rejected
}

// tracedLookup logs every lookup attempt with its per-record attempt count,
// outcome and timing. Attempts are counted per input record, not per number,
// so duplicate numbers in the input trace independently.
type tracedLookup struct {
	next       phoneid.Lookup
	logger     *log.Logger
	runID      string
	maxRetries int

	mu       sync.Mutex
	attempts map[attemptKey]int
}

// attemptKey identifies one input record. Lookups made outside the pipeline
// carry no record index and fall back to counting per number.
type attemptKey struct {
	idx     int
	indexed bool
	phone   string
}

func newTracedLookup(next phoneid.Lookup, logger *log.Logger, runID string, cfg config.Config) *tracedLookup {
	return &tracedLookup{
		next:       next,
		logger:     logger,
		runID:      runID,
		maxRetries: cfg.MaxRetries,
		attempts:   make(map[attemptKey]int),
	}
}

func (t *tracedLookup) Lookup(ctx context.Context, phone string) (phoneid.Outcome, error) {
	attempt := t.nextAttempt(ctx, phone)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Printf(
		"run=%s lookup request: phone=%s attempt=%d deadlineIn=%s",
		t.runID,
		phone,
		attempt,
		deadlineIn,
	)

	start := time.Now()
	out, err := t.next.Lookup(ctx, phone)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		retryable := worker.IsTransient(err)
		willRetry := retryable && attempt <= t.maxRetries
		t.logger.Printf(
			"run=%s lookup response: phone=%s attempt=%d duration=%s status=%d retryable=%t willRetry=%t error=%q",
			t.runID,
			phone,
			attempt,
			elapsed,
			out.StatusCode,
			retryable,
			willRetry,
			util.RedactSecrets(err.Error()),
		)
		return out, err
	}

	t.logger.Printf(
		"run=%s lookup response: phone=%s attempt=%d duration=%s status=%d description=%q",
		t.runID,
		phone,
		attempt,
		elapsed,
		out.StatusCode,
		out.StatusDescription,
	)
	return out, nil
}

func (t *tracedLookup) nextAttempt(ctx context.Context, phone string) int {
	key := attemptKey{phone: phone}
	if idx, ok := pipeline.RecordIndex(ctx); ok {
		key = attemptKey{idx: idx, indexed: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	return t.attempts[key]
}
