package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-broker/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, delivery *messaging.Delivery, ack *messaging.AckOnce) error {
	args := m.Called(ctx, delivery, ack)
	return args.Error(0)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(route string) {
	m.Called(route)
}

func (m *mockMetricsCollector) RecordProcessingTime(route string, duration time.Duration) {
	m.Called(route, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(route string, errorType string) {
	m.Called(route, errorType)
}

func newDelivery() *messaging.Delivery {
	return &messaging.Delivery{
		Body:        []byte(`"Test data"`),
		Exchange:    "orders",
		RoutingKey:  "created",
		MessageID:   "msg-1",
		ContentType: "application/json",
		Headers:     map[string]interface{}{"tenant": "acme"},
	}
}

func countingAck() (*messaging.AckOnce, *int32) {
	var acks int32
	return messaging.NewAckOnce(func() error {
		atomic.AddInt32(&acks, 1)
		return nil
	}), &acks
}

func recordOrder(name string, order *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
		*order = append(*order, name)
		return next.Handle(ctx, d, ack)
	})
}

func TestInterceptorChain(t *testing.T) {
	ctx := context.Background()

	t.Run("runs interceptors in order before the handler", func(t *testing.T) {
		var order []string
		chain := NewInterceptorChain(recordOrder("first", &order)).
			Add(recordOrder("second", &order))

		handler := messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
			order = append(order, "handler")
			return nil
		})

		ack, _ := countingAck()
		require.NoError(t, chain.Execute(ctx, newDelivery(), ack, handler))
		assert.Equal(t, []string{"first", "second", "handler"}, order)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
	})

	t.Run("empty chain calls the handler directly", func(t *testing.T) {
		handler := &mockHandler{}
		delivery := newDelivery()
		ack, _ := countingAck()
		handler.On("Handle", mock.Anything, delivery, ack).Return(nil)

		require.NoError(t, NewInterceptorChain().Execute(ctx, delivery, ack, handler))
		handler.AssertExpectations(t)
	})

	t.Run("interceptors can stop the chain", func(t *testing.T) {
		stop := NewInterceptorFunc("stop", func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
			return errors.New("rejected")
		})
		handler := &mockHandler{}

		ack, _ := countingAck()
		err := NewInterceptorChain(stop).Execute(ctx, newDelivery(), ack, handler)

		assert.EqualError(t, err, "rejected")
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	interceptor := NewLoggingInterceptor(logger)

	ack, _ := countingAck()
	err := interceptor.Intercept(ctx, newDelivery(), ack, messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
		return errors.New("boom")
	}))

	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "processing delivery")
	assert.Contains(t, buf.String(), "delivery processing failed")
	assert.Contains(t, buf.String(), "messageId=msg-1")
	assert.Equal(t, "LoggingInterceptor", interceptor.Name())
}

func TestMetricsInterceptor(t *testing.T) {
	ctx := context.Background()

	t.Run("records count and duration per route", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "orders.created").Return()
		collector.On("RecordProcessingTime", "orders.created", mock.AnythingOfType("time.Duration")).Return()

		ack, _ := countingAck()
		err := NewMetricsInterceptor(collector).Intercept(ctx, newDelivery(), ack, messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
			return nil
		}))

		require.NoError(t, err)
		collector.AssertExpectations(t)
		collector.AssertNotCalled(t, "IncrementErrorCount", mock.Anything, mock.Anything)
	})

	t.Run("records errors by type", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "orders.created").Return()
		collector.On("RecordProcessingTime", "orders.created", mock.Anything).Return()
		collector.On("IncrementErrorCount", "orders.created", "*errors.errorString").Return()

		ack, _ := countingAck()
		err := NewMetricsInterceptor(collector).Intercept(ctx, newDelivery(), ack, messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
			return errors.New("failed")
		}))

		assert.Error(t, err)
		collector.AssertExpectations(t)
	})
}

func TestTimeoutInterceptor(t *testing.T) {
	ctx := context.Background()

	t.Run("handler sees a deadline", func(t *testing.T) {
		ack, _ := countingAck()
		err := NewTimeoutInterceptor(time.Second).Intercept(ctx, newDelivery(), ack, messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil
		}))
		assert.NoError(t, err)
	})

	t.Run("slow handlers fail with a timeout", func(t *testing.T) {
		ack, _ := countingAck()
		err := NewTimeoutInterceptor(10*time.Millisecond).Intercept(ctx, newDelivery(), ack, messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
			<-ctx.Done()
			return ctx.Err()
		}))

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "processing timeout")
	})
}

func TestErrorHandlingInterceptor(t *testing.T) {
	ctx := context.Background()
	failing := messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
		return errors.New("poison")
	})

	t.Run("AckOnError settles failed deliveries", func(t *testing.T) {
		ack, acks := countingAck()

		err := NewErrorHandlingInterceptor(AckOnError{}, nil).Intercept(ctx, newDelivery(), ack, failing)

		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(acks))
	})

	t.Run("successful deliveries bypass the error handler", func(t *testing.T) {
		ack, acks := countingAck()

		err := NewErrorHandlingInterceptor(AckOnError{}, nil).Intercept(ctx, newDelivery(), ack, messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
			return nil
		}))

		assert.NoError(t, err)
		assert.Equal(t, int32(0), atomic.LoadInt32(acks))
	})
}

func TestChainAsRegistryMiddleware(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.New()
	manager := rabbitmq.NewConnectionManager("amqp://localhost/", rabbitmq.WithDialer(broker.Dial))
	defer manager.Close()

	var intercepted int32
	chain := NewInterceptorChain(NewInterceptorFunc("count", func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce, next messaging.Handler) error {
		atomic.AddInt32(&intercepted, 1)
		return next.Handle(ctx, d, ack)
	}))

	consumer := rabbitmq.NewConsumer(manager)
	defer consumer.Close()
	topology := rabbitmq.NewTopologyManager(manager)
	registry := messaging.NewSubscriptionRegistry(consumer, topology, messaging.WithMiddleware(chain.Middleware()))
	direct := messaging.NewDirectBroker(topology, rabbitmq.NewPublisher(manager), registry)

	handled := make(chan struct{}, 1)
	handler := messaging.HandlerFunc(func(ctx context.Context, d *messaging.Delivery, ack *messaging.AckOnce) error {
		handled <- struct{}{}
		return ack.Ack()
	})
	_, err := direct.Consume(ctx, "orders", "created", handler)
	require.NoError(t, err)

	require.NoError(t, direct.Publish(ctx, "orders", "created", "order-1"))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&intercepted))
	assert.Eventually(t, func() bool {
		return broker.Acks("orders.created") == 1
	}, 2*time.Second, 5*time.Millisecond)
}
