package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-broker/messaging"
)

// MessageFilter defines the interface for delivery filtering
type MessageFilter interface {
	// ShouldProcess returns true if the delivery should be processed
	ShouldProcess(ctx context.Context, delivery *messaging.Delivery) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, delivery *messaging.Delivery) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, delivery *messaging.Delivery) (bool, error) {
	return f(ctx, delivery)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the delivery without running the handler
	SkipSilently SkipBehavior = iota
	// SkipWithError returns an error, leaving the delivery unacknowledged
	SkipWithError
	// SkipWithLog acknowledges the delivery and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor filters deliveries based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, delivery)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if shouldProcess {
		return next.Handle(ctx, delivery, ack)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("message filtered: routingKey=%s, id=%s", delivery.RoutingKey, delivery.MessageID)
	case SkipWithLog:
		i.logger.Info("delivery skipped by filter",
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageID,
		)
	}
	// a skipped delivery must not hold the prefetch slot
	return ack.Ack()
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, delivery *messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, delivery)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, delivery *messaging.Delivery) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, delivery)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// HeaderFilter passes deliveries whose header equals value
type HeaderFilter struct {
	header string
	value  interface{}
}

// NewHeaderFilter creates a filter on a single header value
func NewHeaderFilter(header string, value interface{}) *HeaderFilter {
	return &HeaderFilter{header: header, value: value}
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, delivery *messaging.Delivery) (bool, error) {
	v, ok := delivery.Headers[f.header]
	return ok && v == f.value, nil
}

// ContentTypeFilter passes deliveries with one of the allowed content types.
// Parameters such as charset are ignored.
type ContentTypeFilter struct {
	allowed map[string]bool
}

// NewContentTypeFilter creates a content type filter
func NewContentTypeFilter(contentTypes ...string) *ContentTypeFilter {
	allowed := make(map[string]bool, len(contentTypes))
	for _, ct := range contentTypes {
		allowed[ct] = true
	}
	return &ContentTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *ContentTypeFilter) ShouldProcess(ctx context.Context, delivery *messaging.Delivery) (bool, error) {
	contentType, _, _ := strings.Cut(delivery.ContentType, ";")
	return f.allowed[strings.TrimSpace(contentType)], nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, delivery)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, delivery, ack, next)
	}

	return next.Handle(ctx, delivery, ack)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
