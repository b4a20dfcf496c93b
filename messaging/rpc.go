package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ServeHandler computes the reply to a request. Returning []byte sends the
// bytes as is; any other value is encoded with the broker's codec.
type ServeHandler func(ctx context.Context, request *Delivery) (interface{}, error)

// RPCBroker implements request/reply on top of the direct pattern. Requests
// of one broker share a single exclusive reply queue; replies are matched to
// calls by correlation ID.
type RPCBroker struct {
	direct    *DirectBroker
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	registry  *SubscriptionRegistry
	router    *CorrelationRouter
	cache     ReplyCache
	codec     serialization.Codec
	logger    *slog.Logger
	timeout   time.Duration

	mu         sync.Mutex
	replyQueue string
	replySub   *Subscription
	closed     bool
}

// RPCOption configures the RPCBroker
type RPCOption func(*RPCBroker)

// WithRPCLogger sets the logger
func WithRPCLogger(logger *slog.Logger) RPCOption {
	return func(b *RPCBroker) {
		b.logger = logger
	}
}

// WithRequestTimeout expires calls that get no reply within timeout. Zero,
// the default, waits forever.
func WithRequestTimeout(timeout time.Duration) RPCOption {
	return func(b *RPCBroker) {
		b.timeout = timeout
	}
}

// WithReplyCache makes Serve answer redelivered requests from cache
func WithReplyCache(cache ReplyCache) RPCOption {
	return func(b *RPCBroker) {
		b.cache = cache
	}
}

// WithReplyCodec sets the codec used to encode replies
func WithReplyCodec(codec serialization.Codec) RPCOption {
	return func(b *RPCBroker) {
		b.codec = codec
	}
}

// WithCorrelationRouter replaces the broker's router
func WithCorrelationRouter(router *CorrelationRouter) RPCOption {
	return func(b *RPCBroker) {
		b.router = router
	}
}

// NewRPCBroker creates an RPC broker. The router's sweeper is started and
// runs until Close.
func NewRPCBroker(direct *DirectBroker, options ...RPCOption) *RPCBroker {
	b := &RPCBroker{
		direct:    direct,
		topology:  direct.topology,
		publisher: direct.publisher,
		registry:  direct.registry,
		codec:     direct.codec,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	if b.router == nil {
		b.router = NewCorrelationRouter(WithRouterLogger(b.logger))
	}
	b.router.Start(context.Background())

	return b
}

// requestConfig holds per-request settings
type requestConfig struct {
	ttl            time.Duration
	publishOptions []PublishOption
}

// RequestOption configures a single request
type RequestOption func(*requestConfig)

// WithTTL expires this call after ttl, overriding the broker timeout
func WithTTL(ttl time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.ttl = ttl
	}
}

// WithRequestPublishOptions passes options to the underlying publish
func WithRequestPublishOptions(options ...PublishOption) RequestOption {
	return func(c *requestConfig) {
		c.publishOptions = append(c.publishOptions, options...)
	}
}

// Request publishes message to exchange with routingKey and returns the
// pending call. onReply, if set, runs when the matching reply arrives.
func (b *RPCBroker) Request(ctx context.Context, exchange, routingKey string, message interface{}, onReply ReplyHandler, options ...RequestOption) (*Call, error) {
	cfg := &requestConfig{ttl: b.timeout}
	for _, opt := range options {
		opt(cfg)
	}

	replyQueue, err := b.ensureReplyQueue(ctx)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	call, err := b.router.Register(correlationID, onReply, cfg.ttl)
	if err != nil {
		return nil, err
	}

	publishOptions := append([]PublishOption{
		WithReplyTo(replyQueue),
		WithCorrelationID(correlationID),
	}, cfg.publishOptions...)

	if err := b.direct.Publish(ctx, exchange, routingKey, message, publishOptions...); err != nil {
		b.router.fail(correlationID, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	b.logger.Debug("request sent",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", correlationID,
		"replyTo", replyQueue,
	)
	return call, nil
}

// Invoke sends a request and waits for its reply. The call is expired when
// ctx ends first.
func (b *RPCBroker) Invoke(ctx context.Context, exchange, routingKey string, message interface{}, options ...RequestOption) (*Delivery, error) {
	call, err := b.Request(ctx, exchange, routingKey, message, nil, options...)
	if err != nil {
		return nil, err
	}

	reply, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		b.router.Expire(call.CorrelationID())
	}
	return reply, err
}

// ensureReplyQueue declares the reply queue and starts its auto-ack consumer
// on first use. Exclusive queues die with their connection, so a stopped
// consumer means a new queue.
func (b *RPCBroker) ensureReplyQueue(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBrokerClosed
	}

	if b.replyQueue != "" {
		if b.registry.consumerRunning(b.replyQueue) {
			return b.replyQueue, nil
		}
		b.logger.Warn("reply queue lost, declaring a new one", "queue", b.replyQueue)
		b.registry.forget(b.replyQueue)
		b.replyQueue = ""
		b.replySub = nil
	}

	queue, err := b.topology.DeclareReplyQueue(ctx)
	if err != nil {
		return "", err
	}

	sub, err := b.registry.SubscribeQueue(ctx, queue, HandlerFunc(b.routeReply), WithAutoAck(), withoutMiddleware())
	if err != nil {
		return "", err
	}

	b.replyQueue = queue
	b.replySub = sub
	b.logger.Info("reply queue ready", "queue", queue)
	return queue, nil
}

// routeReply is the reply queue handler
func (b *RPCBroker) routeReply(ctx context.Context, reply *Delivery, _ *AckOnce) error {
	b.router.Route(ctx, reply)
	return nil
}

// Reply sends payload to the reply queue of request and then acks request
func (b *RPCBroker) Reply(ctx context.Context, request *Delivery, ack *AckOnce, payload interface{}) error {
	if request.ReplyTo == "" {
		return ErrNoReplyTo
	}

	body, contentType, err := serialization.Encode(b.codec, payload)
	if err != nil {
		return err
	}

	if err := b.sendReply(ctx, request, CachedReply{Body: body, ContentType: contentType}); err != nil {
		return err
	}
	return ack.Ack()
}

func (b *RPCBroker) sendReply(ctx context.Context, request *Delivery, reply CachedReply) error {
	return b.publisher.SendToQueue(ctx, request.ReplyTo, amqp.Publishing{
		ContentType:   reply.ContentType,
		CorrelationId: request.CorrelationID,
		MessageId:     uuid.NewString(),
		Body:          reply.Body,
	})
}

// Serve consumes requests on the route queue of exchange and bindingKey,
// replies with what handler returns and acks. Requests without a reply queue
// are acked and dropped.
func (b *RPCBroker) Serve(ctx context.Context, exchange, bindingKey string, handler ServeHandler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	return b.direct.Consume(ctx, exchange, bindingKey, HandlerFunc(func(ctx context.Context, request *Delivery, ack *AckOnce) error {
		return b.serveOne(ctx, request, ack, handler)
	}))
}

func (b *RPCBroker) serveOne(ctx context.Context, request *Delivery, ack *AckOnce, handler ServeHandler) error {
	if request.ReplyTo == "" {
		b.logger.Warn("request without reply-to, dropping",
			"routingKey", request.RoutingKey,
			"messageId", request.MessageID,
		)
		return ack.Ack()
	}

	useCache := b.cache != nil && request.CorrelationID != ""

	if useCache && request.Redelivered {
		cached, ok, err := b.cache.Get(ctx, request.CorrelationID)
		if err != nil {
			b.logger.Warn("reply cache lookup failed", "correlationId", request.CorrelationID, "error", err)
		} else if ok {
			b.logger.Debug("answering redelivered request from cache", "correlationId", request.CorrelationID)
			if err := b.sendReply(ctx, request, cached); err != nil {
				return err
			}
			return ack.Ack()
		}
	}

	payload, err := handler(ctx, request)
	if err != nil {
		return err
	}

	body, contentType, err := serialization.Encode(b.codec, payload)
	if err != nil {
		return err
	}
	reply := CachedReply{Body: body, ContentType: contentType}

	if useCache {
		if err := b.cache.Set(ctx, request.CorrelationID, reply); err != nil {
			b.logger.Warn("failed to cache reply", "correlationId", request.CorrelationID, "error", err)
		}
	}

	if err := b.sendReply(ctx, request, reply); err != nil {
		return err
	}
	return ack.Ack()
}

// Pending returns the number of calls awaiting a reply
func (b *RPCBroker) Pending() int {
	return b.router.Pending()
}

// ReplyQueue returns the current reply queue, empty before the first request
func (b *RPCBroker) ReplyQueue() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replyQueue
}

// Close expires every pending call and removes the reply handler. The
// connection is left to its owner.
func (b *RPCBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.replySub
	b.replySub = nil
	b.mu.Unlock()

	b.router.Close()
	if sub != nil {
		b.registry.Unsubscribe(sub)
	}
	return nil
}
