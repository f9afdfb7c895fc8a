package delivery

import "github.com/hookrelay/hookrelay/internal/retry"

// defaultRetryableStatusCodes is spec's default retryable-set: 408,
// 429, 500, 502, 503, 504, plus 0 meaning "no status code at all"
// (connection-level failure).
var defaultRetryableStatusCodes = map[int]bool{
	0:   true,
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Policy decides whether a failed attempt is retryable and computes
// its backoff, per spec §4.6: policy(statusCode, attempt, maxAttempts)
// -> {retry, drop}.
type Policy struct {
	MaxAttempts         int
	DeadLetterThreshold int
	RetryableCodes      map[int]bool
	Backoff             retry.Backoff
}

func NewPolicy(maxAttempts, deadLetterThreshold int, backoff retry.Backoff) Policy {
	return Policy{
		MaxAttempts:         maxAttempts,
		DeadLetterThreshold: deadLetterThreshold,
		RetryableCodes:      defaultRetryableStatusCodes,
		Backoff:             backoff,
	}
}

// Admits reports whether another attempt should be scheduled after
// attemptNumber (1-indexed, the attempt that just ran) given the
// status code it returned (nil for a connection-level failure).
func (p Policy) Admits(statusCode *int, attemptNumber int) bool {
	if attemptNumber >= p.MaxAttempts {
		return false
	}
	if statusCode == nil {
		return true
	}
	codes := p.RetryableCodes
	if codes == nil {
		codes = defaultRetryableStatusCodes
	}
	return codes[*statusCode]
}

// DeadLetter reports whether an exhausted event should move straight
// to dead-letter rather than just failed.
func (p Policy) DeadLetter(attemptNumber int) bool {
	return attemptNumber >= p.DeadLetterThreshold
}
