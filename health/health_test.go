package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/glimte/mmate-broker/internal/rabbitmq/rabbitmqtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type fixedCounts struct {
	pending, consumers, queues int
}

func (f fixedCounts) Pending() int       { return f.pending }
func (f fixedCounts) ConsumerCount() int { return f.consumers }
func (f fixedCounts) QueueCount() int    { return f.queues }

type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }

func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Name: "slow", Status: StatusHealthy}
}

func TestConnectionChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("unconnected manager is degraded without probing", func(t *testing.T) {
		broker := rabbitmqtest.New()
		manager := rabbitmq.NewConnectionManager("amqp://localhost/", rabbitmq.WithDialer(broker.Dial))

		result := NewConnectionChecker(manager, false).Check(ctx)

		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "unconnected", result.Details["state"])
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("probing connects", func(t *testing.T) {
		broker := rabbitmqtest.New()
		manager := rabbitmq.NewConnectionManager("amqp://localhost/", rabbitmq.WithDialer(broker.Dial))
		defer manager.Close()

		result := NewConnectionChecker(manager, true).Check(ctx)

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("probe failures are unhealthy", func(t *testing.T) {
		broker := rabbitmqtest.New()
		broker.SetDialError(errors.New("connection refused"))
		manager := rabbitmq.NewConnectionManager("amqp://localhost/", rabbitmq.WithDialer(broker.Dial))

		result := NewConnectionChecker(manager, true).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "connection refused")
	})

	t.Run("closed connections are unhealthy", func(t *testing.T) {
		broker := rabbitmqtest.New()
		manager := rabbitmq.NewConnectionManager("amqp://localhost/", rabbitmq.WithDialer(broker.Dial))
		require.NoError(t, manager.EnsureConnected(ctx))
		require.NoError(t, manager.Close())

		result := NewConnectionChecker(manager, false).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "closed", result.Details["state"])
	})
}

func TestRPCChecker(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, NewRPCChecker(fixedCounts{pending: 3}, 10).Check(ctx).Status)
	assert.Equal(t, StatusDegraded, NewRPCChecker(fixedCounts{pending: 11}, 10).Check(ctx).Status)
	assert.Equal(t, StatusHealthy, NewRPCChecker(fixedCounts{pending: 500}, 0).Check(ctx).Status)
}

func TestConsumerChecker(t *testing.T) {
	ctx := context.Background()

	healthy := NewConsumerChecker(fixedCounts{consumers: 2, queues: 2}).Check(ctx)
	assert.Equal(t, StatusHealthy, healthy.Status)

	stopped := NewConsumerChecker(fixedCounts{consumers: 1, queues: 3}).Check(ctx)
	assert.Equal(t, StatusUnhealthy, stopped.Status)
	assert.Equal(t, "2 of 3 consumers stopped", stopped.Message)
}

func TestPingChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("successful ping", func(t *testing.T) {
		pinger := &MockPinger{}
		pinger.On("Ping", mock.Anything).Return(nil)

		result := NewPingChecker("reply_cache", pinger).Check(ctx)

		assert.Equal(t, "reply_cache", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		pinger.AssertExpectations(t)
	})

	t.Run("failed ping", func(t *testing.T) {
		pinger := &MockPinger{}
		pinger.On("Ping", mock.Anything).Return(errors.New("i/o timeout"))

		result := NewPingChecker("reply_cache", pinger).Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "i/o timeout", result.Error)
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("overall status is the worst check", func(t *testing.T) {
		registry := NewRegistry(
			NewRPCChecker(fixedCounts{pending: 20}, 10),
			NewConsumerChecker(fixedCounts{consumers: 1, queues: 1}),
		)

		overall := registry.Check(ctx)

		assert.Equal(t, StatusDegraded, overall.Status)
		assert.Len(t, overall.Checks, 2)
		assert.Equal(t, StatusHealthy, overall.Checks["consumers"].Status)
	})

	t.Run("unregistered checks are skipped", func(t *testing.T) {
		registry := NewRegistry(NewConsumerChecker(fixedCounts{consumers: 0, queues: 1}))
		registry.Unregister("consumers")

		overall := registry.Check(ctx)
		assert.Equal(t, StatusHealthy, overall.Status)
		assert.Empty(t, overall.Checks)
	})

	t.Run("checks outliving ctx are unhealthy", func(t *testing.T) {
		registry := NewRegistry(slowChecker{})

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		overall := registry.Check(checkCtx)
		assert.Equal(t, StatusUnhealthy, overall.Status)
		assert.Equal(t, "check timed out", overall.Checks["slow"].Message)
	})
}
