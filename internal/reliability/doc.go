// Package reliability provides bounded retry primitives.
//
// Retry runs an operation under a RetryPolicy and stops early when the
// operation reports a non-retryable error:
//
//	policy := NewFixedDelay(time.Second, 9)
//	err := Retry(ctx, "connect", policy, func(attempt int) error {
//	    return dial()
//	})
//
// When the policy gives up, Retry returns a *RetryError carrying the
// number of attempts and the last error.
package reliability
