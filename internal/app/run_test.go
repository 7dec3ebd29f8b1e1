package app_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mdp18/phoneid-batch/internal/app"
	"github.com/mdp18/phoneid-batch/internal/config"
	"github.com/mdp18/phoneid-batch/internal/mockphoneid"
)

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Output = filepath.Join(t.TempDir(), "results.csv")
	cfg.Backoff = 1 * time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	return cfg
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func readOutput(t *testing.T, path string) [][]string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return rows
}

func TestRunEndToEnd(t *testing.T) {
	srv := mockphoneid.New()
	srv.RequireBasicAuth("customer-1", "key-1")
	srv.Script("15555550101", 503, 200) // transient blip, recovers on retry
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := testConfig(t, ts.URL)
	input := writeInput(t, "numbers.csv", "phone_number\n+1 (555) 555-0100\n15555550101\n12\n")

	var logBuf bytes.Buffer
	logger := log.New(&logBuf, "", 0)

	err := app.Run(context.Background(), input, cfg, config.Credentials{
		CustomerID: "customer-1",
		APIKey:     "key-1",
	}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := readOutput(t, cfg.Output)
	// Header + 2 rows: "12" is dropped by the default skip-invalid policy.
	if len(rows) != 3 {
		t.Fatalf("expected 3 CSV rows, got %d: %v", len(rows), rows)
	}
	if rows[0][0] != "phone" || rows[0][1] != "status_code" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][0] != "15555550100" || rows[1][1] != "200" {
		t.Fatalf("unexpected row: %v", rows[1])
	}
	if rows[2][0] != "15555550101" || rows[2][1] != "200" {
		t.Fatalf("retry should have recovered: %v", rows[2])
	}

	logs := logBuf.String()
	if !strings.Contains(logs, "skipping invalid phone number") {
		t.Fatalf("expected skip log, got:\n%s", logs)
	}
	if !strings.Contains(logs, "batch complete") {
		t.Fatalf("expected completion log, got:\n%s", logs)
	}
}

func TestRunDuplicateNumbersTraceIndependently(t *testing.T) {
	srv := mockphoneid.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := testConfig(t, ts.URL)
	cfg.Concurrency = 1
	input := writeInput(t, "numbers.csv", "phone_number\n15555550100\n15555550100\n")

	var logBuf bytes.Buffer

	err := app.Run(context.Background(), input, cfg, config.Credentials{
		CustomerID: "customer-1",
		APIKey:     "key-1",
	}, log.New(&logBuf, "", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Each record is a fresh lookup, so both trace as a first attempt even
	// though they carry the same number.
	logs := logBuf.String()
	firstAttempts := strings.Count(logs, "lookup request: phone=15555550100 attempt=1")
	if firstAttempts != 2 {
		t.Fatalf("expected 2 first-attempt traces, got %d:\n%s", firstAttempts, logs)
	}
	if strings.Contains(logs, "attempt=2") {
		t.Fatalf("no retries happened, attempt count must not carry across records:\n%s", logs)
	}

	rows := readOutput(t, cfg.Output)
	if len(rows) != 3 || rows[1][1] != "200" || rows[2][1] != "200" {
		t.Fatalf("unexpected output rows: %v", rows)
	}
}

func TestRunNoSkipInvalidEmitsRejectionRows(t *testing.T) {
	srv := mockphoneid.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := testConfig(t, ts.URL)
	cfg.NoSkipInvalid = true
	input := writeInput(t, "numbers.csv", "phone_number\n15555550100\n12\n")

	err := app.Run(context.Background(), input, cfg, config.Credentials{
		CustomerID: "customer-1",
		APIKey:     "key-1",
	}, log.New(&bytes.Buffer{}, "", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := readOutput(t, cfg.Output)
	if len(rows) != 3 {
		t.Fatalf("expected 3 CSV rows, got %d: %v", len(rows), rows)
	}
	if rows[2][0] != "12" || rows[2][1] != "0" || rows[2][2] != "invalid_length" {
		t.Fatalf("unexpected rejection row: %v", rows[2])
	}
	// No network call for the rejected record.
	if calls := srv.Calls(); len(calls) != 1 {
		t.Fatalf("expected 1 lookup, got %d", len(calls))
	}
}

func TestRunZeroValidInputsWritesHeaderOnly(t *testing.T) {
	srv := mockphoneid.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := testConfig(t, ts.URL)
	input := writeInput(t, "numbers.csv", "phone_number\n")

	err := app.Run(context.Background(), input, cfg, config.Credentials{
		CustomerID: "customer-1",
		APIKey:     "key-1",
	}, log.New(&bytes.Buffer{}, "", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := readOutput(t, cfg.Output)
	if len(rows) != 1 {
		t.Fatalf("expected header-only output, got %v", rows)
	}
	if calls := srv.Calls(); len(calls) != 0 {
		t.Fatalf("expected no lookups, got %d", len(calls))
	}
}

func TestRunTextInput(t *testing.T) {
	srv := mockphoneid.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := testConfig(t, ts.URL)
	input := writeInput(t, "numbers.txt", "+1 555 555 0100\n15555550101\n")

	err := app.Run(context.Background(), input, cfg, config.Credentials{
		CustomerID: "customer-1",
		APIKey:     "key-1",
	}, log.New(&bytes.Buffer{}, "", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := readOutput(t, cfg.Output)
	if len(rows) != 3 {
		t.Fatalf("expected 3 CSV rows, got %d: %v", len(rows), rows)
	}
}

func TestRunMissingInputFile(t *testing.T) {
	cfg := testConfig(t, "https://example.invalid")

	err := app.Run(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), cfg, config.Credentials{
		CustomerID: "customer-1",
		APIKey:     "key-1",
	}, log.New(&bytes.Buffer{}, "", 0))
	if err == nil {
		t.Fatalf("expected error for missing input")
	}
}
