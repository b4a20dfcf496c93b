package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. Acknowledgment is the handler's job
// unless the consumer runs with auto-ack.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer starts network-level consumers on the shared channel and feeds
// their deliveries, one at a time and in broker order, to a handler.
type Consumer struct {
	manager *ConnectionManager
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*ConsumerInfo
	closed bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// consumeConfig holds per-queue consume settings
type consumeConfig struct {
	prefetchCount int
	autoAck       bool
	exclusive     bool
	consumerTag   string
}

// ConsumeOption configures a single Subscribe call
type ConsumeOption func(*consumeConfig)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumeOption {
	return func(c *consumeConfig) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumeOption {
	return func(c *consumeConfig) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumeOption {
	return func(c *consumeConfig) {
		c.consumerTag = tag
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager: manager,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*ConsumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks one running network consumer
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Prefetch    int
	AutoAck     bool
	Done        chan struct{}

	channel Channel
	cancel  context.CancelFunc
}

// Stopped reports whether the consumer loop has exited
func (i *ConsumerInfo) Stopped() bool {
	select {
	case <-i.Done:
		return true
	default:
		return false
	}
}

// Subscribe starts consuming queue. The returned consumer keeps running until
// Unsubscribe, Close, or the channel going away; ctx only bounds the setup.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, options ...ConsumeOption) (*ConsumerInfo, error) {
	cfg := &consumeConfig{
		prefetchCount: 1,
		consumerTag:   "ctag-" + uuid.NewString(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConsumerClosed
	}
	c.mu.Unlock()

	ch, err := c.manager.Channel(ctx)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: cfg.consumerTag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if !cfg.autoAck {
		// per-consumer limit: global=false applies to consumers started after it
		if err := ch.Qos(cfg.prefetchCount, 0, false); err != nil {
			return nil, &ConsumerError{
				Queue:       queue,
				ConsumerTag: cfg.consumerTag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		cfg.consumerTag,
		cfg.autoAck,
		cfg.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: cfg.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(c.ctx)
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: cfg.consumerTag,
		Prefetch:    cfg.prefetchCount,
		AutoAck:     cfg.autoAck,
		Done:        make(chan struct{}),
		channel:     ch,
		cancel:      cancel,
	}

	c.mu.Lock()
	c.active[queue] = info
	c.mu.Unlock()

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", info.ConsumerTag,
		"prefetchCount", cfg.prefetchCount,
		"autoAck", cfg.autoAck,
	)

	return info, nil
}

// processMessages handles incoming messages sequentially
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		if c.active[info.Queue] == info {
			delete(c.active, info.Queue)
		}
		c.mu.Unlock()
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			if !info.channel.IsClosed() {
				if err := info.channel.Cancel(info.ConsumerTag, false); err != nil {
					c.logger.Warn("failed to cancel consumer", "queue", info.Queue, "error", err)
				}
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", info.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// handleMessage runs the handler, turning a panic into an error so one bad
// message does not kill the consumer loop
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(ctx, delivery)
}

// Unsubscribe cancels the network consumer of queue and waits for its loop
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info.cancel()
	<-info.Done
	return nil
}

// Close stops every consumer. It does not wait for handlers in flight.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return nil
}

// GetActiveConsumers returns the queues with a running consumer
func (c *Consumer) GetActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for queue := range c.active {
		queues = append(queues, queue)
	}
	return queues
}
