// Package reliability provides caller-side retry for broker operations.
//
// The connection manager never retries or reconnects on its own; callers
// that want another attempt wrap the operation:
//
//	err := reliability.Retry(ctx, "connect", reliability.NewExponentialBackoff(
//	    100*time.Millisecond, 5*time.Second, 2.0, 3,
//	), client.Connect)
//
// IsRetryable decides which broker errors are worth another attempt.
package reliability
