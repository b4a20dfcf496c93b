package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the AMQP exchange type
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = amqp.ExchangeDirect
	ExchangeTopic   ExchangeKind = amqp.ExchangeTopic
	ExchangeFanout  ExchangeKind = amqp.ExchangeFanout
	ExchangeHeaders ExchangeKind = amqp.ExchangeHeaders
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// bindingKey identifies a binding in the declaration cache
type bindingKey struct {
	queue, exchange, routingKey string
}

// RouteQueueName is the queue serving one key on one exchange.
func RouteQueueName(exchange, key string) string {
	return exchange + "." + key
}

// TopologyManager declares exchanges, queues and bindings over the shared
// channel. Declarations are remembered per connection, so asserting the same
// entity twice reaches the broker once. Whether a redeclaration matches the
// earlier kind or durability is not checked.
type TopologyManager struct {
	manager *ConnectionManager

	mu        sync.Mutex
	exchanges map[string]struct{}
	queues    map[string]struct{}
	bindings  map[bindingKey]struct{}
	current   string
}

// NewTopologyManager creates a topology manager and registers it for
// connection state changes so its cache follows the connection lifetime
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	tm := &TopologyManager{manager: manager}
	tm.reset()
	manager.AddStateListener(tm)
	return tm
}

// DeclareExchange idempotently ensures the exchange exists and records it as
// the current exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return fmt.Errorf("%w: exchange name cannot be empty", ErrInvalidTopology)
	}
	if exchange.Kind == "" {
		exchange.Kind = ExchangeDirect
	}

	ch, err := tm.manager.Channel(ctx)
	if err != nil {
		return err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.exchanges[exchange.Name]; !ok {
		err := ch.ExchangeDeclare(
			exchange.Name,
			string(exchange.Kind),
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "exchange",
				Name:      exchange.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		tm.exchanges[exchange.Name] = struct{}{}
	}

	tm.current = exchange.Name
	return nil
}

// DeclareQueue idempotently declares a named queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	if queue.Name == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidTopology)
	}

	ch, err := tm.manager.Channel(ctx)
	if err != nil {
		return err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	return tm.declareQueue(ch, queue)
}

// BindQueue idempotently binds a queue to an exchange
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	ch, err := tm.manager.Channel(ctx)
	if err != nil {
		return err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	return tm.bindQueue(ch, binding)
}

// DeclareQueueAndBind asserts the durable queue "<exchange>.<key>" and binds
// it to exchange with key. It returns the queue name.
func (tm *TopologyManager) DeclareQueueAndBind(ctx context.Context, exchange, key string) (string, error) {
	if exchange == "" {
		return "", fmt.Errorf("%w: exchange name cannot be empty", ErrInvalidTopology)
	}

	ch, err := tm.manager.Channel(ctx)
	if err != nil {
		return "", err
	}

	name := RouteQueueName(exchange, key)

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := tm.declareQueue(ch, QueueDeclaration{Name: name, Durable: true}); err != nil {
		return "", err
	}
	if err := tm.bindQueue(ch, Binding{Queue: name, Exchange: exchange, RoutingKey: key}); err != nil {
		return "", err
	}
	return name, nil
}

// DeclareReplyQueue declares an exclusive queue named by the broker. It is
// never cached: every call creates a new queue.
func (tm *TopologyManager) DeclareReplyQueue(ctx context.Context) (string, error) {
	ch, err := tm.manager.Channel(ctx)
	if err != nil {
		return "", err
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &TopologyError{
			Component: "queue",
			Name:      "(reply)",
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q.Name, nil
}

// CurrentExchange returns the most recently declared exchange
func (tm *TopologyManager) CurrentExchange() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.current
}

// OnConnected implements ConnectionStateListener
func (tm *TopologyManager) OnConnected() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.reset()
}

// OnDisconnected implements ConnectionStateListener
func (tm *TopologyManager) OnDisconnected(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.reset()
}

// OnChannelReopened implements ChannelReopenListener. Declarations are
// asserted again on the new channel.
func (tm *TopologyManager) OnChannelReopened() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.reset()
}

func (tm *TopologyManager) reset() {
	tm.exchanges = make(map[string]struct{})
	tm.queues = make(map[string]struct{})
	tm.bindings = make(map[bindingKey]struct{})
	tm.current = ""
}

// declareQueue declares a queue on the given channel; caller holds tm.mu
func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) error {
	if _, ok := tm.queues[queue.Name]; ok {
		return nil
	}

	_, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.queues[queue.Name] = struct{}{}
	return nil
}

// bindQueue binds a queue to an exchange on the given channel; caller holds tm.mu
func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	key := bindingKey{queue: binding.Queue, exchange: binding.Exchange, routingKey: binding.RoutingKey}
	if _, ok := tm.bindings[key]; ok {
		return nil
	}

	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "create",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.bindings[key] = struct{}{}
	return nil
}
