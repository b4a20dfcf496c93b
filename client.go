// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker is the application entry point: one Client owns a broker
// connection and offers publish/consume and request/reply on it.
package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-broker/config"
	"github.com/glimte/mmate-broker/health"
	"github.com/glimte/mmate-broker/interceptors"
	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/messaging"
	"github.com/glimte/mmate-broker/replycache"
	"github.com/glimte/mmate-broker/serialization"
)

// Client provides the main entry point for mmate-broker
type Client struct {
	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	registry  *messaging.SubscriptionRegistry
	direct    *messaging.DirectBroker
	rpc       *messaging.RPCBroker
	health    *health.Registry
	cache     messaging.ReplyCache
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with default settings
func NewClient(url string) (*Client, error) {
	return NewClientWithOptions(url, WithDefaultLogger())
}

// NewClientWithOptions creates a client. Nothing is dialed until the first
// operation or Connect.
func NewClientWithOptions(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: url cannot be empty", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := &clientConfig{
		logger:               slog.Default(),
		codec:                serialization.JSON,
		pendingCallThreshold: 1000,
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.heartbeat > 0 {
		connOpts = append(connOpts, rabbitmq.WithHeartbeat(cfg.heartbeat))
	}
	if cfg.connectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(cfg.connectTimeout))
	}
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	var publisherOpts []rabbitmq.PublisherOption
	if cfg.publishTimeout > 0 {
		publisherOpts = append(publisherOpts, rabbitmq.WithPublishTimeout(cfg.publishTimeout))
	}

	topology := rabbitmq.NewTopologyManager(manager)
	publisher := rabbitmq.NewPublisher(manager, publisherOpts...)
	consumer := rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(cfg.logger))

	registryOpts := []messaging.RegistryOption{
		messaging.WithRegistryLogger(cfg.logger),
		messaging.WithRejectOnError(cfg.rejectOnError),
	}
	if len(cfg.interceptors) > 0 {
		chain := interceptors.NewInterceptorChain(cfg.interceptors...)
		registryOpts = append(registryOpts, messaging.WithMiddleware(chain.Middleware()))
	}
	registry := messaging.NewSubscriptionRegistry(consumer, topology, registryOpts...)
	direct := messaging.NewDirectBroker(topology, publisher, registry,
		messaging.WithCodec(cfg.codec),
		messaging.WithDirectLogger(cfg.logger),
	)

	rpcOpts := []messaging.RPCOption{
		messaging.WithRPCLogger(cfg.logger),
		messaging.WithRequestTimeout(cfg.requestTimeout),
	}
	if cfg.replyCache != nil {
		rpcOpts = append(rpcOpts, messaging.WithReplyCache(cfg.replyCache))
	}
	rpc := messaging.NewRPCBroker(direct, rpcOpts...)

	checks := health.NewRegistry(
		health.NewConnectionChecker(manager, false),
		health.NewRPCChecker(rpc, cfg.pendingCallThreshold),
		health.NewConsumerChecker(registry),
	)
	if pinger, ok := cfg.replyCache.(health.Pinger); ok {
		checks.Register(health.NewPingChecker("reply_cache", pinger))
	}

	return &Client{
		manager:   manager,
		topology:  topology,
		publisher: publisher,
		consumer:  consumer,
		registry:  registry,
		direct:    direct,
		rpc:       rpc,
		health:    checks,
		cache:     cfg.replyCache,
		logger:    cfg.logger,
	}, nil
}

// NewClientFromConfig creates a client from loaded configuration. Options
// are applied after the configuration.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := cfg.SerializationCodec()
	if err != nil {
		return nil, err
	}

	fromConfig := []ClientOption{
		WithHeartbeat(cfg.Heartbeat),
		WithConnectTimeout(cfg.ConnectTimeout),
		WithPublishTimeout(cfg.PublishTimeout),
		WithRequestTimeout(cfg.RequestTimeout),
		WithCodec(codec),
		WithRejectOnError(cfg.RejectOnError),
	}

	switch cfg.ReplyCache.Backend {
	case config.CacheMemory:
		fromConfig = append(fromConfig, WithReplyCache(messaging.NewMemoryReplyCache(cfg.ReplyCache.TTL)))
	case config.CacheRedis:
		cache, err := replycache.NewFromURL(cfg.ReplyCache.RedisURL, replycache.WithTTL(cfg.ReplyCache.TTL))
		if err != nil {
			return nil, err
		}
		fromConfig = append(fromConfig, WithReplyCache(cache))
	}

	return NewClientWithOptions(cfg.URL, append(fromConfig, options...)...)
}

// Connect establishes the connection ahead of the first operation
func (c *Client) Connect(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.manager.EnsureConnected(ctx)
}

// Publish sends message to exchange with routingKey
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, message interface{}, options ...messaging.PublishOption) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.direct.Publish(ctx, exchange, routingKey, message, options...)
}

// Consume registers handler for messages routed to exchange with bindingKey
func (c *Client) Consume(ctx context.Context, exchange, bindingKey string, handler messaging.Handler) (*messaging.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.direct.Consume(ctx, exchange, bindingKey, handler)
}

// ConsumeAuto registers fn and acks each message after fn returns nil
func (c *Client) ConsumeAuto(ctx context.Context, exchange, bindingKey string, fn func(ctx context.Context, delivery *messaging.Delivery) error) (*messaging.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.direct.ConsumeAuto(ctx, exchange, bindingKey, fn)
}

// Request sends message as an RPC request; onReply runs with the reply
func (c *Client) Request(ctx context.Context, exchange, routingKey string, message interface{}, onReply messaging.ReplyHandler, options ...messaging.RequestOption) (*messaging.Call, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.rpc.Request(ctx, exchange, routingKey, message, onReply, options...)
}

// Invoke sends an RPC request and waits for the reply
func (c *Client) Invoke(ctx context.Context, exchange, routingKey string, message interface{}, options ...messaging.RequestOption) (*messaging.Delivery, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.rpc.Invoke(ctx, exchange, routingKey, message, options...)
}

// Serve answers RPC requests routed to exchange with bindingKey
func (c *Client) Serve(ctx context.Context, exchange, bindingKey string, handler messaging.ServeHandler) (*messaging.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.rpc.Serve(ctx, exchange, bindingKey, handler)
}

// Unsubscribe removes the handler behind sub. Its queue keeps its consumer.
func (c *Client) Unsubscribe(sub *messaging.Subscription) {
	c.registry.Unsubscribe(sub)
}

// Health runs every health check
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// RPC returns the request/reply broker
func (c *Client) RPC() *messaging.RPCBroker {
	return c.rpc
}

// Registry returns the subscription registry
func (c *Client) Registry() *messaging.SubscriptionRegistry {
	return c.registry
}

// ConnectionState returns the state of the broker connection
func (c *Client) ConnectionState() rabbitmq.ConnectionState {
	return c.manager.State()
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messaging.ErrBrokerClosed
	}
	return nil
}

// Close expires pending calls, stops consumers and closes the channel and
// connection. A closed client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.rpc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rpc: %w", err))
	}
	if err := c.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("consumer: %w", err))
	}
	if err := c.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("connection: %w", err))
	}
	if closer, ok := c.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reply cache: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	c.logger.Info("client closed")
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger               *slog.Logger
	dialer               rabbitmq.Dialer
	heartbeat            time.Duration
	connectTimeout       time.Duration
	publishTimeout       time.Duration
	requestTimeout       time.Duration
	codec                serialization.Codec
	rejectOnError        bool
	replyCache           messaging.ReplyCache
	interceptors         []interceptors.Interceptor
	pendingCallThreshold int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(c *clientConfig) {
		c.logger = slog.Default()
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// WithHeartbeat sets the connection heartbeat
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.heartbeat = interval
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.connectTimeout = timeout
	}
}

// WithPublishTimeout bounds publishes whose context has no deadline
func WithPublishTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.publishTimeout = timeout
	}
}

// WithRequestTimeout expires RPC calls without a reply after timeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.requestTimeout = timeout
	}
}

// WithCodec sets the codec for published messages and replies
func WithCodec(codec serialization.Codec) ClientOption {
	return func(c *clientConfig) {
		c.codec = codec
	}
}

// WithRejectOnError requeues deliveries whose handler failed
func WithRejectOnError(reject bool) ClientOption {
	return func(c *clientConfig) {
		c.rejectOnError = reject
	}
}

// WithReplyCache answers redelivered RPC requests from cache
func WithReplyCache(cache messaging.ReplyCache) ClientOption {
	return func(c *clientConfig) {
		c.replyCache = cache
	}
}

// WithInterceptors runs every delivery through interceptors before its
// handler, in the order given
func WithInterceptors(chain ...interceptors.Interceptor) ClientOption {
	return func(c *clientConfig) {
		c.interceptors = append(c.interceptors, chain...)
	}
}

// WithPendingCallThreshold sets when the rpc health check degrades
func WithPendingCallThreshold(threshold int) ClientOption {
	return func(c *clientConfig) {
		c.pendingCallThreshold = threshold
	}
}
