package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes deliveries of a subscription. All handlers of a queue
// share one AckOnce per delivery; the first Ack wins.
type Handler interface {
	Handle(ctx context.Context, delivery *Delivery, ack *AckOnce) error
}

// HandlerFunc adapts a function to Handler. Function values cannot be
// compared, so every HandlerFunc passed to Subscribe is a new registration.
type HandlerFunc func(ctx context.Context, delivery *Delivery, ack *AckOnce) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, delivery *Delivery, ack *AckOnce) error {
	return f(ctx, delivery, ack)
}

// Middleware decorates a Handler
type Middleware func(next Handler) Handler

// Subscription is the capability returned by Subscribe. It removes exactly
// the handler it was created for.
type Subscription struct {
	Queue string

	handler  Handler
	registry *SubscriptionRegistry
}

// Unsubscribe removes the handler from its queue. The network consumer keeps
// running. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.registry.Unsubscribe(s)
}

type queueEntry struct {
	subs       []*Subscription
	info       *rabbitmq.ConsumerInfo
	starting   chan struct{}
	autoAck    bool
	middleware bool
}

// SubscriptionRegistry multiplexes local handlers over one network consumer
// per queue
type SubscriptionRegistry struct {
	consumer      *rabbitmq.Consumer
	topology      *rabbitmq.TopologyManager
	codecs        *serialization.Registry
	logger        *slog.Logger
	rejectOnError bool
	middleware    []Middleware

	mu     sync.RWMutex
	queues map[string]*queueEntry
}

// RegistryOption configures the SubscriptionRegistry
type RegistryOption func(*SubscriptionRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.logger = logger
	}
}

// WithCodecs sets the registry used to decode deliveries
func WithCodecs(codecs *serialization.Registry) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.codecs = codecs
	}
}

// WithRejectOnError rejects a delivery with requeue when a handler fails.
// By default the delivery is left unacknowledged.
func WithRejectOnError(reject bool) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.rejectOnError = reject
	}
}

// WithMiddleware wraps every handler at dispatch time. The first middleware
// is the outermost.
func WithMiddleware(middleware ...Middleware) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// NewSubscriptionRegistry creates a registry starting consumers through
// consumer and declaring route queues through topology
func NewSubscriptionRegistry(consumer *rabbitmq.Consumer, topology *rabbitmq.TopologyManager, options ...RegistryOption) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		consumer: consumer,
		topology: topology,
		codecs:   serialization.DefaultRegistry(),
		logger:   slog.Default(),
		queues:   make(map[string]*queueEntry),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Subscribe registers handler on the route queue of exchange and bindingKey,
// declaring the queue and its binding if needed
func (r *SubscriptionRegistry) Subscribe(ctx context.Context, exchange, bindingKey string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	queue, err := r.topology.DeclareQueueAndBind(ctx, exchange, bindingKey)
	if err != nil {
		return nil, err
	}

	return r.SubscribeQueue(ctx, queue, handler)
}

// subscribeConfig holds per-queue consumer settings
type subscribeConfig struct {
	autoAck      bool
	noMiddleware bool
}

// SubscribeOption configures SubscribeQueue
type SubscribeOption func(*subscribeConfig)

// WithAutoAck lets the broker consider deliveries acknowledged on send. It
// only takes effect for the call that starts the queue's consumer.
func WithAutoAck() SubscribeOption {
	return func(c *subscribeConfig) {
		c.autoAck = true
	}
}

// withoutMiddleware keeps registry middleware away from a queue's handlers
func withoutMiddleware() SubscribeOption {
	return func(c *subscribeConfig) {
		c.noMiddleware = true
	}
}

// SubscribeQueue registers handler on an existing queue. The first handler
// starts the queue's only network consumer with prefetch 1; later handlers
// are appended. Registering the same handler again returns its existing
// Subscription.
func (r *SubscriptionRegistry) SubscribeQueue(ctx context.Context, queue string, handler Handler, options ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	cfg := &subscribeConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	for {
		r.mu.Lock()
		entry, ok := r.queues[queue]
		if !ok {
			entry = &queueEntry{autoAck: cfg.autoAck, middleware: !cfg.noMiddleware}
			r.queues[queue] = entry
		}

		// another caller is starting the consumer; wait for its outcome
		if entry.starting != nil {
			starting := entry.starting
			r.mu.Unlock()
			select {
			case <-starting:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// the handler is registered before the consumer starts so the first
		// delivery finds it
		sub, added := entry.add(r, queue, handler)
		if entry.running() {
			r.mu.Unlock()
			if added {
				r.logger.Debug("handler registered", "queue", queue)
			}
			return sub, nil
		}

		starting := make(chan struct{})
		entry.starting = starting
		r.mu.Unlock()

		info, err := r.startConsumer(ctx, queue, entry.autoAck)

		r.mu.Lock()
		entry.starting = nil
		close(starting)
		if err != nil {
			if added {
				entry.remove(sub)
			}
			if len(entry.subs) == 0 && r.queues[queue] == entry {
				delete(r.queues, queue)
			}
			r.mu.Unlock()
			return nil, err
		}
		entry.info = info
		r.queues[queue] = entry
		r.mu.Unlock()

		r.logger.Debug("consumer started", "queue", queue)
		return sub, nil
	}
}

// startConsumer starts the network consumer of queue. It talks to the broker
// and must be called without r.mu held.
func (r *SubscriptionRegistry) startConsumer(ctx context.Context, queue string, autoAck bool) (*rabbitmq.ConsumerInfo, error) {
	info, err := r.consumer.Subscribe(ctx, queue, r.dispatcher(queue),
		rabbitmq.WithPrefetchCount(1),
		rabbitmq.WithAutoAck(autoAck),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer for queue %s: %w", queue, err)
	}
	return info, nil
}

// running reports whether the entry has a live network consumer; caller holds r.mu
func (e *queueEntry) running() bool {
	return e.info != nil && !e.info.Stopped()
}

// add returns the subscription of handler, creating it when the handler is
// not registered yet; caller holds r.mu
func (e *queueEntry) add(r *SubscriptionRegistry, queue string, handler Handler) (*Subscription, bool) {
	for _, sub := range e.subs {
		if sameHandler(sub.handler, handler) {
			return sub, false
		}
	}

	sub := &Subscription{
		Queue:    queue,
		handler:  handler,
		registry: r,
	}
	e.subs = append(e.subs, sub)
	return sub, true
}

// remove drops sub from the entry; caller holds r.mu
func (e *queueEntry) remove(sub *Subscription) bool {
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Unsubscribe removes sub from its queue. The network consumer keeps running
// even when no handler is left.
func (r *SubscriptionRegistry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.queues[sub.Queue]
	if !ok {
		return
	}
	if entry.remove(sub) {
		r.logger.Debug("handler removed", "queue", sub.Queue, "handlers", len(entry.subs))
	}
}

// HandlerCount returns the number of handlers registered on queue
func (r *SubscriptionRegistry) HandlerCount(queue string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.queues[queue]; ok {
		return len(entry.subs)
	}
	return 0
}

// ConsumerCount returns the number of running network consumers
func (r *SubscriptionRegistry) ConsumerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, entry := range r.queues {
		if entry.running() {
			count++
		}
	}
	return count
}

// QueueCount returns the number of queues a consumer was started for
func (r *SubscriptionRegistry) QueueCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// dispatcher returns the consumer callback of queue. Every handler runs, in
// registration order, on a snapshot of the list, so a concurrent Unsubscribe
// only affects later deliveries. A failing handler does not keep the others
// from seeing the delivery.
func (r *SubscriptionRegistry) dispatcher(queue string) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		r.mu.RLock()
		var subs []*Subscription
		autoAck, wrap := false, false
		if entry, ok := r.queues[queue]; ok {
			subs = append(subs, entry.subs...)
			autoAck = entry.autoAck
			wrap = entry.middleware
		}
		r.mu.RUnlock()

		if len(subs) == 0 {
			r.logger.Debug("no handler for delivery", "queue", queue, "messageId", d.MessageId)
			return nil
		}

		ack := settledAck()
		if !autoAck {
			ack = NewAckOnce(func() error { return d.Ack(false) })
		}

		delivery := newDelivery(d, r.codecs)
		var errs []error
		for _, sub := range subs {
			handler := sub.handler
			if wrap {
				handler = r.wrap(handler)
			}
			if err := invoke(ctx, handler, delivery, ack); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			return nil
		}

		// the delivery stays unacknowledged unless a handler already acked it
		if r.rejectOnError {
			if rejectErr := ack.settle(func() error { return d.Reject(true) }); rejectErr != nil {
				r.logger.Warn("failed to reject delivery", "queue", queue, "error", rejectErr)
			}
		}
		return fmt.Errorf("handler failed: %w", errors.Join(errs...))
	}
}

func (r *SubscriptionRegistry) wrap(handler Handler) Handler {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	return handler
}

// invoke runs one handler, turning a panic into an error
func invoke(ctx context.Context, handler Handler, delivery *Delivery, ack *AckOnce) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in handler: %v", rec)
		}
	}()
	return handler.Handle(ctx, delivery, ack)
}

// sameHandler compares handlers by identity. Values whose dynamic type is not
// comparable, like functions, are never the same.
func sameHandler(a, b Handler) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// consumerRunning reports whether queue has a live network consumer
func (r *SubscriptionRegistry) consumerRunning(queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.queues[queue]
	return ok && entry.running()
}

// forget drops every handler of queue. Used for reply queues that died with
// their connection.
func (r *SubscriptionRegistry) forget(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, queue)
}
