package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectBroker implements publish/subscribe over direct exchanges. Every
// route "<exchange>.<key>" maps to one durable queue.
type DirectBroker struct {
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	registry  *SubscriptionRegistry
	codec     serialization.Codec
	logger    *slog.Logger
}

// DirectOption configures the DirectBroker
type DirectOption func(*DirectBroker)

// WithCodec sets the codec used to encode published values
func WithCodec(codec serialization.Codec) DirectOption {
	return func(b *DirectBroker) {
		b.codec = codec
	}
}

// WithDirectLogger sets the logger
func WithDirectLogger(logger *slog.Logger) DirectOption {
	return func(b *DirectBroker) {
		b.logger = logger
	}
}

// NewDirectBroker creates a direct broker
func NewDirectBroker(topology *rabbitmq.TopologyManager, publisher *rabbitmq.Publisher, registry *SubscriptionRegistry, options ...DirectOption) *DirectBroker {
	b := &DirectBroker{
		topology:  topology,
		publisher: publisher,
		registry:  registry,
		codec:     serialization.JSON,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// publishConfig holds per-message publish settings
type publishConfig struct {
	correlationID string
	replyTo       string
	messageID     string
	headers       amqp.Table
	codec         serialization.Codec
	transient     bool
}

// PublishOption configures a single publish
type PublishOption func(*publishConfig)

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) PublishOption {
	return func(c *publishConfig) {
		c.correlationID = id
	}
}

// WithReplyTo sets the queue replies should go to
func WithReplyTo(queue string) PublishOption {
	return func(c *publishConfig) {
		c.replyTo = queue
	}
}

// WithMessageID overrides the generated message ID
func WithMessageID(id string) PublishOption {
	return func(c *publishConfig) {
		c.messageID = id
	}
}

// WithHeaders sets message headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(c *publishConfig) {
		c.headers = amqp.Table(headers)
	}
}

// WithMessageCodec encodes this message with codec instead of the broker default
func WithMessageCodec(codec serialization.Codec) PublishOption {
	return func(c *publishConfig) {
		c.codec = codec
	}
}

// WithTransient publishes without persistence
func WithTransient() PublishOption {
	return func(c *publishConfig) {
		c.transient = true
	}
}

// Publish declares the direct exchange and the route queue of routingKey,
// then publishes message. Publishing an exchange or key for the first time
// creates them on the broker.
func (b *DirectBroker) Publish(ctx context.Context, exchange, routingKey string, message interface{}, options ...PublishOption) error {
	if err := b.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    exchange,
		Kind:    rabbitmq.ExchangeDirect,
		Durable: true,
	}); err != nil {
		return err
	}

	if _, err := b.topology.DeclareQueueAndBind(ctx, exchange, routingKey); err != nil {
		return err
	}

	msg, err := b.buildPublishing(message, options...)
	if err != nil {
		return err
	}

	if err := b.publisher.Publish(ctx, exchange, routingKey, msg); err != nil {
		return err
	}

	b.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"correlationId", msg.CorrelationId,
	)
	return nil
}

// buildPublishing encodes message and applies options
func (b *DirectBroker) buildPublishing(message interface{}, options ...PublishOption) (amqp.Publishing, error) {
	cfg := &publishConfig{codec: b.codec}
	for _, opt := range options {
		opt(cfg)
	}

	body, contentType, err := serialization.Encode(cfg.codec, message)
	if err != nil {
		return amqp.Publishing{}, err
	}

	if cfg.messageID == "" {
		cfg.messageID = uuid.NewString()
	}

	deliveryMode := amqp.Persistent
	if cfg.transient {
		deliveryMode = amqp.Transient
	}

	return amqp.Publishing{
		Headers:       cfg.headers,
		ContentType:   contentType,
		DeliveryMode:  deliveryMode,
		CorrelationId: cfg.correlationID,
		ReplyTo:       cfg.replyTo,
		MessageId:     cfg.messageID,
		Body:          body,
	}, nil
}

// Consume declares the direct exchange and the route queue of bindingKey and
// registers handler on it. The handler must Ack through the guard.
func (b *DirectBroker) Consume(ctx context.Context, exchange, bindingKey string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	if err := b.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    exchange,
		Kind:    rabbitmq.ExchangeDirect,
		Durable: true,
	}); err != nil {
		return nil, err
	}

	return b.registry.Subscribe(ctx, exchange, bindingKey, handler)
}

// ConsumeAuto is Consume for handlers that do not deal with acknowledgment:
// the delivery is acked once fn returns nil
func (b *DirectBroker) ConsumeAuto(ctx context.Context, exchange, bindingKey string, fn func(ctx context.Context, delivery *Delivery) error) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}

	return b.Consume(ctx, exchange, bindingKey, HandlerFunc(func(ctx context.Context, delivery *Delivery, ack *AckOnce) error {
		if err := fn(ctx, delivery); err != nil {
			return err
		}
		return ack.Ack()
	}))
}

// Unsubscribe removes the handler behind sub
func (b *DirectBroker) Unsubscribe(sub *Subscription) {
	b.registry.Unsubscribe(sub)
}
