package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Result holds the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry executes fn with exponential backoff between failed attempts, up to
// maxAttempts times. fn receives the current attempt number (1-indexed).
// Context cancellation is checked before each attempt and during the sleep,
// allowing graceful shutdown.
//
// On exhaustion the returned error is ErrMaxAttemptsExhausted; the last
// attempt's error is available on the Result.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) (Result, error) {
	var result Result

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		err := fn(attempt)
		if err == nil {
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		// No sleep after the final attempt.
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrMaxAttemptsExhausted
}
