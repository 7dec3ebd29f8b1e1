package core

// TransientError marks an error as retryable by worker implementations.
//
// Lookup attempts that fail with a retryable condition (429, 5xx, transport
// errors) are wrapped in this type so the pool retries them with backoff
// instead of recording a terminal outcome on the first attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
