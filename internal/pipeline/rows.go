package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/mdp18/phoneid-batch/internal/normalize"
	"github.com/mdp18/phoneid-batch/internal/phoneid"
	"github.com/mdp18/phoneid-batch/pkg/pipeline/worker"
)

// Row is the stable output schema: one row per processed input record.
type Row struct {
	Phone             string
	StatusCode        int
	StatusDescription string
	JSON              string
}

// StatusCodeRejected is recorded for records rejected by normalization
// before any network call. Distinct from phoneid.StatusTransportFailure,
// which means a request was attempted but never completed.
const StatusCodeRejected = 0

type Options struct {
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration
	TPSLimit       float64

	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffJitterFrac float64

	Bounds normalize.Bounds

	// SkipInvalid drops records that fail normalization instead of
	// emitting a rejection row for them.
	SkipInvalid bool

	// OnSkip, when set, observes every record dropped by SkipInvalid.
	OnSkip func(raw string, reason normalize.Reason)
}

// Header returns the stable CSV header for Row.
func Header() []string {
	return []string{
		"phone",
		"status_code",
		"status_description",
		"json",
	}
}

// recordIndexKey carries a record's input position through the context so
// wrappers around the lookup can tell apart records that share one number.
type recordIndexKey struct{}

// WithRecordIndex tags ctx with the input position of the record being
// looked up.
func WithRecordIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, recordIndexKey{}, idx)
}

// RecordIndex returns the input position tagged by WithRecordIndex.
func RecordIndex(ctx context.Context) (int, bool) {
	idx, ok := ctx.Value(recordIndexKey{}).(int)
	return idx, ok
}

type lookupJob struct {
	idx   int
	phone string
}

// LookupNumbers runs the lookup over all raw records and returns one row per
// surviving record, in input order regardless of completion order.
//
// Lookup failures are recorded per-row and do not fail the full run.
func LookupNumbers(ctx context.Context, records []string, lk phoneid.Lookup, opts Options) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	var pending []lookupJob

	for _, raw := range records {
		digits, reason := normalize.Normalize(raw, opts.Bounds)
		if reason != "" {
			if opts.SkipInvalid {
				if opts.OnSkip != nil {
					opts.OnSkip(raw, reason)
				}
				continue
			}
			rows = append(rows, Row{
				Phone:             strings.TrimSpace(raw),
				StatusCode:        StatusCodeRejected,
				StatusDescription: string(reason),
				JSON:              "{}",
			})
			continue
		}
		pending = append(pending, lookupJob{idx: len(rows), phone: digits})
		rows = append(rows, Row{Phone: digits})
	}

	process := func(ctx context.Context, j lookupJob) (phoneid.Outcome, error) {
		return lk.Lookup(WithRecordIndex(ctx, j.idx), j.phone)
	}

	out, err := worker.ProcessAll(ctx, pending, process, worker.Options{
		Workers:           opts.Workers,
		MaxRetries:        opts.MaxRetries,
		RequestTimeout:    opts.RequestTimeout,
		RateLimitTPS:      opts.TPSLimit,
		BackoffBase:       opts.BackoffBase,
		BackoffMax:        opts.BackoffMax,
		BackoffJitterFrac: opts.BackoffJitterFrac,
	})
	if err != nil {
		return nil, err
	}

	for i, res := range out {
		rows[pending[i].idx] = rowFromResult(pending[i].phone, res)
	}
	return rows, nil
}

func rowFromResult(phone string, res worker.Result[lookupJob, phoneid.Outcome]) Row {
	o := res.Output
	row := Row{
		Phone:             phone,
		StatusCode:        o.StatusCode,
		StatusDescription: o.StatusDescription,
		JSON:              string(o.Body),
	}
	if row.JSON == "" {
		row.JSON = "{}"
	}
	// A leftover error means the retry budget ran out on a retryable
	// condition; surface that when the service gave no description.
	if res.Err != nil && row.StatusDescription == "" {
		row.StatusDescription = "exhausted_retries"
	}
	return row
}
