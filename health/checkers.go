package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
)

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager
	probe   bool
}

// NewConnectionChecker creates a connection checker. With probe set the check
// connects if needed; otherwise a manager that has not connected yet is
// reported as degraded.
func NewConnectionChecker(manager *rabbitmq.ConnectionManager, probe bool) *ConnectionChecker {
	return &ConnectionChecker{manager: manager, probe: probe}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if c.probe {
		if _, err := c.manager.Channel(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "Failed to open channel"
			result.Error = err.Error()
			result.Duration = time.Since(start)
			result.Details["state"] = c.manager.State().String()
			return result
		}
	}

	state := c.manager.State()
	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateUnconnected:
		result.Status = StatusDegraded
		result.Message = "Not connected yet"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	result.Details["state"] = state.String()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PendingCalls is implemented by messaging.RPCBroker
type PendingCalls interface {
	Pending() int
}

// RPCChecker reports outstanding RPC calls
type RPCChecker struct {
	calls     PendingCalls
	threshold int
}

// NewRPCChecker creates a checker that degrades once more than threshold
// calls are waiting for replies
func NewRPCChecker(calls PendingCalls, threshold int) *RPCChecker {
	return &RPCChecker{calls: calls, threshold: threshold}
}

func (c *RPCChecker) Name() string {
	return "rpc"
}

func (c *RPCChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.calls.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Pending calls within limit",
		Timestamp: start,
		Details: map[string]interface{}{
			"pending":   pending,
			"threshold": c.threshold,
		},
	}
	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High pending call count: %d", pending)
	}
	result.Duration = time.Since(start)
	return result
}

// ConsumerCounter is implemented by messaging.SubscriptionRegistry
type ConsumerCounter interface {
	ConsumerCount() int
	QueueCount() int
}

// ConsumerChecker reports queues whose consumer stopped, which happens when
// the channel they ran on went away
type ConsumerChecker struct {
	consumers ConsumerCounter
}

// NewConsumerChecker creates a consumer checker
func NewConsumerChecker(consumers ConsumerCounter) *ConsumerChecker {
	return &ConsumerChecker{consumers: consumers}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	running := c.consumers.ConsumerCount()
	queues := c.consumers.QueueCount()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "All consumers running",
		Timestamp: start,
		Details: map[string]interface{}{
			"running": running,
			"queues":  queues,
		},
	}
	if running < queues {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d of %d consumers stopped", queues-running, queues)
	}
	result.Duration = time.Since(start)
	return result
}

// Pinger is implemented by dependencies that can be pinged, like the Redis
// reply cache
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker pings an external dependency
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a ping checker registered under name
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Ping succeeded",
		Timestamp: start,
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
