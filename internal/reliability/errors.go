package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/messaging"
)

// ErrMaxRetriesExceeded matches every *RetryError
var ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is makes errors.Is(err, ErrMaxRetriesExceeded) true
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// RetryableError overrides the default classification of Err
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// IsRetryable classifies broker errors. Lost or unreachable connections and
// failed publishes are retryable; configuration, topology conflicts, closed
// clients and cancelled contexts are not. Unknown errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var override RetryableError
	if errors.As(err, &override) {
		return override.Retryable
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, messaging.ErrBrokerClosed), errors.Is(err, messaging.ErrNilHandler):
		return false
	case errors.Is(err, rabbitmq.ErrInvalidConfiguration), errors.Is(err, rabbitmq.ErrInvalidTopology):
		return false
	case rabbitmq.IsConnectionError(err):
		return true
	}

	var topologyErr *rabbitmq.TopologyError
	if errors.As(err, &topologyErr) {
		return false
	}

	return true
}
