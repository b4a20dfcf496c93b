package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-broker/messaging"
)

// Interceptor processes deliveries before they reach the subscription handler
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	return i.fn(ctx, delivery, ack, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps handler so a delivery passes every interceptor first
func (c *InterceptorChain) Then(handler messaging.Handler) messaging.Handler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce) error {
			return interceptor.Intercept(ctx, delivery, ack, next)
		})
	}
	return handler
}

// Middleware adapts the chain for messaging.WithMiddleware
func (c *InterceptorChain) Middleware() messaging.Middleware {
	return c.Then
}

// Execute runs the chain around finalHandler for one delivery
func (c *InterceptorChain) Execute(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, finalHandler messaging.Handler) error {
	return c.Then(finalHandler).Handle(ctx, delivery, ack)
}

// LoggingInterceptor logs delivery processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	start := time.Now()

	i.logger.Debug("processing delivery",
		"exchange", delivery.Exchange,
		"routingKey", delivery.RoutingKey,
		"messageId", delivery.MessageID,
		"correlationId", delivery.CorrelationID,
	)

	err := next.Handle(ctx, delivery, ack)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("delivery processing failed",
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("delivery processed",
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageID,
			"acked", ack.Acked(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-route processing metrics
type MetricsCollector interface {
	IncrementMessageCount(route string)
	RecordProcessingTime(route string, duration time.Duration)
	IncrementErrorCount(route string, errorType string)
}

// MetricsInterceptor collects metrics about delivery processing. Deliveries
// are grouped by "<exchange>.<routingKey>", the route queue name.
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	route := delivery.RoutingKey
	if delivery.Exchange != "" {
		route = delivery.Exchange + "." + delivery.RoutingKey
	}

	start := time.Now()
	i.collector.IncrementMessageCount(route)

	err := next.Handle(ctx, delivery, ack)
	i.collector.RecordProcessingTime(route, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(route, fmt.Sprintf("%T", err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TimeoutInterceptor bounds the handler context. Handlers must honor ctx;
// the delivery stays with its handler until it returns.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Handle(timeoutCtx, delivery, ack)
	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("processing timeout after %v for message %s: %w", i.timeout, delivery.MessageID, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ErrorHandler decides what happens to a failed delivery. Returning nil
// swallows the error.
type ErrorHandler interface {
	HandleError(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, err error) error
}

// ErrorHandlingInterceptor passes handler failures to an ErrorHandler
type ErrorHandlingInterceptor struct {
	errorHandler ErrorHandler
	logger       *slog.Logger
}

// NewErrorHandlingInterceptor creates a new error handling interceptor
func NewErrorHandlingInterceptor(errorHandler ErrorHandler, logger *slog.Logger) *ErrorHandlingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorHandlingInterceptor{
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *ErrorHandlingInterceptor) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	err := next.Handle(ctx, delivery, ack)
	if err == nil {
		return nil
	}

	if handled := i.errorHandler.HandleError(ctx, delivery, ack, err); handled != nil {
		return handled
	}

	i.logger.Warn("handler error handled",
		"routingKey", delivery.RoutingKey,
		"messageId", delivery.MessageID,
		"error", err,
	)
	return nil
}

// Name implements Interceptor
func (i *ErrorHandlingInterceptor) Name() string {
	return "ErrorHandlingInterceptor"
}

// AckOnError acknowledges failed deliveries so a poison message is not
// redelivered forever
type AckOnError struct{}

// HandleError implements ErrorHandler
func (AckOnError) HandleError(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, err error) error {
	if ackErr := ack.Ack(); ackErr != nil {
		return fmt.Errorf("ack after handler error %v: %w", err, ackErr)
	}
	return nil
}
