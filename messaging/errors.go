package messaging

import "errors"

var (
	// ErrCallExpired is returned when a call expires before its reply arrives
	ErrCallExpired = errors.New("messaging: call expired before a reply arrived")
	// ErrNoReplyTo is returned when replying to a delivery without a reply queue
	ErrNoReplyTo = errors.New("messaging: delivery has no reply-to queue")
	// ErrBrokerClosed is returned by operations on a closed broker
	ErrBrokerClosed = errors.New("messaging: broker is closed")
	// ErrNilHandler is returned when subscribing a nil handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")
	// ErrDuplicateCorrelationID is returned when a correlation ID is already pending
	ErrDuplicateCorrelationID = errors.New("messaging: correlation ID already pending")
)
