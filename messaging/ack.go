package messaging

import "sync"

// AckOnce wraps the acknowledgment of one delivery so that any number of
// handlers can ask for it while the broker sees exactly one ack. Calls after
// the first return the first call's result.
type AckOnce struct {
	mu    sync.Mutex
	ackFn func() error
	done  bool
	err   error
}

// NewAckOnce creates a guard around ack
func NewAckOnce(ack func() error) *AckOnce {
	return &AckOnce{ackFn: ack}
}

// settledAck is handed to handlers of auto-ack consumers
func settledAck() *AckOnce {
	return &AckOnce{done: true}
}

// Ack acknowledges the delivery on the first call only
func (a *AckOnce) Ack() error {
	return a.settle(a.ackFn)
}

// Acked reports whether the delivery has been settled
func (a *AckOnce) Acked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// settle runs fn unless the delivery was already settled. Concurrent callers
// wait for the first one to finish.
func (a *AckOnce) settle(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return a.err
	}
	a.done = true
	if fn != nil {
		a.err = fn()
	}
	return a.err
}
