package pipeline_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mdp18/phoneid-batch/internal/mockphoneid"
	"github.com/mdp18/phoneid-batch/internal/normalize"
	"github.com/mdp18/phoneid-batch/internal/phoneid"
	"github.com/mdp18/phoneid-batch/internal/pipeline"
)

// stubLookup answers every number with a canned 200 outcome and counts calls.
type stubLookup struct {
	calls atomic.Int64
	delay time.Duration
}

func (s *stubLookup) Lookup(_ context.Context, phone string) (phoneid.Outcome, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return phoneid.Outcome{
		Phone:             phone,
		StatusCode:        200,
		StatusDescription: "Transaction successfully completed",
		Body:              []byte(`{"status":{"code":300}}`),
	}, nil
}

func TestLookupNumbersOneRowPerRecord(t *testing.T) {
	t.Parallel()

	records := []string{"+1 (555) 555-0100", "15555550101", "12", "not-a-number"}
	stub := &stubLookup{}

	rows, err := pipeline.LookupNumbers(context.Background(), records, stub, pipeline.Options{
		Workers:     4,
		SkipInvalid: false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != len(records) {
		t.Fatalf("expected %d rows, got %d", len(records), len(rows))
	}

	if rows[0].Phone != "15555550100" || rows[0].StatusCode != 200 {
		t.Fatalf("unexpected row[0]: %#v", rows[0])
	}
	if rows[2].StatusCode != pipeline.StatusCodeRejected || rows[2].StatusDescription != "invalid_length" {
		t.Fatalf("unexpected row[2]: %#v", rows[2])
	}
	if rows[3].StatusCode != pipeline.StatusCodeRejected || rows[3].StatusDescription != "invalid_format" {
		t.Fatalf("unexpected row[3]: %#v", rows[3])
	}

	// Rejected records must never reach the network.
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("expected 2 lookups, got %d", got)
	}
}

func TestLookupNumbersTagsEachRecordIndex(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := make(map[int]string)
	lk := phoneid.LookupFunc(func(ctx context.Context, phone string) (phoneid.Outcome, error) {
		idx, ok := pipeline.RecordIndex(ctx)
		if !ok {
			t.Error("lookup context missing record index")
		}
		mu.Lock()
		seen[idx] = phone
		mu.Unlock()
		return phoneid.Outcome{Phone: phone, StatusCode: 200}, nil
	})

	// The same number twice: each record keeps its own index.
	records := []string{"15555550100", "15555550100", "15555550101"}
	rows, err := pipeline.LookupNumbers(context.Background(), records, lk, pipeline.Options{Workers: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct record indexes, got %v", seen)
	}
	if seen[0] != "15555550100" || seen[1] != "15555550100" || seen[2] != "15555550101" {
		t.Fatalf("unexpected index mapping: %v", seen)
	}
}

func TestLookupNumbersSkipInvalidDropsRecords(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var skipped []string

	rows, err := pipeline.LookupNumbers(context.Background(), []string{"phone_number", "15555550100", "12"}, &stubLookup{}, pipeline.Options{
		SkipInvalid: true,
		OnSkip: func(raw string, reason normalize.Reason) {
			mu.Lock()
			skipped = append(skipped, raw+":"+string(reason))
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "phone_number" strips to no digits, "12" is too short; both dropped.
	if len(rows) != 1 || rows[0].Phone != "15555550100" {
		t.Fatalf("unexpected rows: %#v", rows)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skips observed, got %v", skipped)
	}
}

func TestLookupNumbersInvalidRowWithoutNetworkCall(t *testing.T) {
	t.Parallel()

	stub := &stubLookup{}
	rows, err := pipeline.LookupNumbers(context.Background(), []string{"12"}, stub, pipeline.Options{
		SkipInvalid: false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].StatusDescription != "invalid_length" || rows[0].JSON != "{}" {
		t.Fatalf("unexpected row: %#v", rows[0])
	}
	if stub.calls.Load() != 0 {
		t.Fatalf("invalid record must not be looked up")
	}
}

func TestLookupNumbersPreservesInputOrder(t *testing.T) {
	t.Parallel()

	records := []string{
		"15555550109", "15555550108", "15555550107", "15555550106",
		"15555550105", "15555550104", "15555550103", "15555550102",
	}
	rows, err := pipeline.LookupNumbers(context.Background(), records, &stubLookup{delay: 2 * time.Millisecond}, pipeline.Options{
		Workers: 8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, rec := range records {
		if rows[i].Phone != rec {
			t.Fatalf("row %d out of order: got %q, want %q", i, rows[i].Phone, rec)
		}
	}
}

func TestLookupNumbersEmptyInput(t *testing.T) {
	t.Parallel()

	rows, err := pipeline.LookupNumbers(context.Background(), nil, &stubLookup{}, pipeline.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestLookupNumbersRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	srv := mockphoneid.New()
	srv.Script("15555550100", 503, 503, 200)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := phoneid.New(phoneid.Config{
		BaseURL:    ts.URL,
		CustomerID: "customer-1",
		APIKey:     "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := pipeline.LookupNumbers(context.Background(), []string{"15555550100"}, client, pipeline.Options{
		Workers:     1,
		MaxRetries:  3,
		BackoffBase: 1 * time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0].StatusCode != 200 {
		t.Fatalf("expected recovery to 200, got %#v", rows[0])
	}
	if got := len(srv.Calls()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestLookupNumbersExhaustedRetriesKeepLastOutcome(t *testing.T) {
	t.Parallel()

	srv := mockphoneid.New()
	srv.Script("15555550100", 503)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := phoneid.New(phoneid.Config{
		BaseURL:    ts.URL,
		CustomerID: "customer-1",
		APIKey:     "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := pipeline.LookupNumbers(context.Background(), []string{"15555550100"}, client, pipeline.Options{
		Workers:     1,
		MaxRetries:  2,
		BackoffBase: 1 * time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0].StatusCode != 503 {
		t.Fatalf("row must carry the last observed status: %#v", rows[0])
	}
	if !strings.Contains(rows[0].JSON, "unavailable") {
		t.Fatalf("row must carry the last response body: %#v", rows[0])
	}
	// MaxRetries=2 caps the total at 3 attempts.
	if got := len(srv.Calls()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestLookupNumbersClientErrorSingleAttempt(t *testing.T) {
	t.Parallel()

	srv := mockphoneid.New()
	srv.Script("15555550100", http.StatusNotFound)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := phoneid.New(phoneid.Config{
		BaseURL:    ts.URL,
		CustomerID: "customer-1",
		APIKey:     "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := pipeline.LookupNumbers(context.Background(), []string{"15555550100"}, client, pipeline.Options{
		Workers:     1,
		MaxRetries:  5,
		BackoffBase: 1 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0].StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected row: %#v", rows[0])
	}
	if got := len(srv.Calls()); got != 1 {
		t.Fatalf("4xx must not be retried: got %d attempts", got)
	}
}

func TestLookupNumbersTPSLimitBoundsThroughput(t *testing.T) {
	t.Parallel()

	records := make([]string, 10)
	for i := range records {
		records[i] = "1555555010" + string(rune('0'+i))
	}

	begin := time.Now()
	rows, err := pipeline.LookupNumbers(context.Background(), records, &stubLookup{}, pipeline.Options{
		Workers:  10,
		TPSLimit: 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != len(records) {
		t.Fatalf("expected %d rows, got %d", len(records), len(rows))
	}

	// 10 requests at 20 TPS with burst 1 need at least 9 gaps of 50ms,
	// regardless of worker count.
	if elapsed, min := time.Since(begin), 9*(time.Second/20); elapsed < min {
		t.Fatalf("run finished in %s, TPS cap requires >= %s", elapsed, min)
	}
}
