package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CallState is the lifecycle state of an RPC call
type CallState int

const (
	CallPending CallState = iota
	CallReplied
	CallExpired
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallReplied:
		return "replied"
	case CallExpired:
		return "expired"
	}
	return "unknown"
}

// ReplyHandler is invoked with the reply of a call, on the reply queue's
// consumer goroutine
type ReplyHandler func(ctx context.Context, reply *Delivery)

// Call tracks one outstanding request
type Call struct {
	correlationID string
	onReply       ReplyHandler
	createdAt     time.Time
	deadline      time.Time

	mu    sync.Mutex
	state CallState
	reply *Delivery
	err   error
	done  chan struct{}
	timer *time.Timer
}

func newCall(correlationID string, onReply ReplyHandler, ttl time.Duration) *Call {
	now := time.Now()
	c := &Call{
		correlationID: correlationID,
		onReply:       onReply,
		createdAt:     now,
		done:          make(chan struct{}),
	}
	if ttl > 0 {
		c.deadline = now.Add(ttl)
	}
	return c
}

// CorrelationID returns the ID replies must carry
func (c *Call) CorrelationID() string {
	return c.correlationID
}

// State returns the current state
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the call is replied or expired
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the reply arrives, the call expires, or ctx is done. A
// cancelled ctx does not expire the call.
func (c *Call) Wait(ctx context.Context) (*Delivery, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply, c.err
}

// finish moves a pending call to its final state. It reports false when the
// call was already finished.
func (c *Call) finish(state CallState, reply *Delivery, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CallPending {
		return false
	}
	c.state = state
	c.reply = reply
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.done)
	return true
}

func (c *Call) expired(now time.Time) bool {
	return !c.deadline.IsZero() && now.After(c.deadline)
}

// CorrelationRouter matches replies on a shared reply queue to pending calls
// by correlation ID. Unmatched replies are dropped.
type CorrelationRouter struct {
	logger        *slog.Logger
	sweepInterval time.Duration

	mu     sync.Mutex
	calls  map[string]*Call
	closed bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// RouterOption configures the CorrelationRouter
type RouterOption func(*CorrelationRouter)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *CorrelationRouter) {
		r.logger = logger
	}
}

// WithSweepInterval sets how often expired calls are collected
func WithSweepInterval(interval time.Duration) RouterOption {
	return func(r *CorrelationRouter) {
		r.sweepInterval = interval
	}
}

// NewCorrelationRouter creates a router. Calls registered with a ttl expire on
// their own timer; Start additionally runs a sweeper collecting any call past
// its deadline.
func NewCorrelationRouter(options ...RouterOption) *CorrelationRouter {
	r := &CorrelationRouter{
		logger:        slog.Default(),
		sweepInterval: 30 * time.Second,
		calls:         make(map[string]*Call),
		stop:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register adds a pending call. A ttl of zero means the call never expires on
// its own.
func (r *CorrelationRouter) Register(correlationID string, onReply ReplyHandler, ttl time.Duration) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrBrokerClosed
	}
	if _, exists := r.calls[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, correlationID)
	}

	call := newCall(correlationID, onReply, ttl)
	if ttl > 0 {
		call.timer = time.AfterFunc(ttl, func() {
			if r.expire(call) {
				r.logger.Debug("call expired", "correlationId", correlationID, "ttl", ttl)
			}
		})
	}
	r.calls[correlationID] = call
	return call, nil
}

// expire ends call with ErrCallExpired, unregistering it only if the ID still
// belongs to it
func (r *CorrelationRouter) expire(call *Call) bool {
	r.mu.Lock()
	if r.calls[call.correlationID] == call {
		delete(r.calls, call.correlationID)
	}
	r.mu.Unlock()

	return call.finish(CallExpired, nil, ErrCallExpired)
}

// Route hands reply to the call it belongs to. It reports false for replies
// without a pending call: unknown IDs, late replies and duplicates.
func (r *CorrelationRouter) Route(ctx context.Context, reply *Delivery) bool {
	r.mu.Lock()
	call, ok := r.calls[reply.CorrelationID]
	if ok {
		delete(r.calls, reply.CorrelationID)
	}
	r.mu.Unlock()

	if !ok || !call.finish(CallReplied, reply, nil) {
		r.logger.Debug("dropping unmatched reply", "correlationId", reply.CorrelationID)
		return false
	}

	if call.onReply != nil {
		call.onReply(ctx, reply)
	}
	return true
}

// Expire ends a pending call with ErrCallExpired
func (r *CorrelationRouter) Expire(correlationID string) bool {
	return r.fail(correlationID, ErrCallExpired)
}

// fail ends a pending call with err
func (r *CorrelationRouter) fail(correlationID string, err error) bool {
	r.mu.Lock()
	call, ok := r.calls[correlationID]
	if ok {
		delete(r.calls, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	return call.finish(CallExpired, nil, err)
}

// Pending returns the number of calls awaiting a reply
func (r *CorrelationRouter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Start runs the expiry sweeper until ctx is done or Stop is called
func (r *CorrelationRouter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				if n := r.sweep(now); n > 0 {
					r.logger.Debug("expired pending calls", "count", n)
				}
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop ends the sweeper and waits for it
func (r *CorrelationRouter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// sweep expires calls whose deadline passed before now
func (r *CorrelationRouter) sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*Call
	for id, call := range r.calls {
		if call.expired(now) {
			expired = append(expired, call)
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()

	for _, call := range expired {
		call.finish(CallExpired, nil, ErrCallExpired)
	}
	return len(expired)
}

// Close stops the sweeper and expires every pending call. Register fails
// afterwards.
func (r *CorrelationRouter) Close() {
	r.Stop()

	r.mu.Lock()
	r.closed = true
	calls := r.calls
	r.calls = make(map[string]*Call)
	r.mu.Unlock()

	for _, call := range calls {
		call.finish(CallExpired, nil, ErrCallExpired)
	}
}
