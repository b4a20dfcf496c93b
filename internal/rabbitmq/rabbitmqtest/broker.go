// Package rabbitmqtest provides an in-memory AMQP broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces. It models exchanges,
// bindings, durable and exclusive queues, per-consumer prefetch, manual and
// automatic acknowledgment and redelivery on channel close, which is enough to
// exercise the messaging patterns without a running RabbitMQ.
package rabbitmqtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/mmate-broker/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Published records one accepted publish
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type binding struct {
	queue string
	key   string
}

type exchange struct {
	name     string
	kind     string
	declares int
	bindings []binding
}

type queue struct {
	name      string
	owner     *Connection
	declares  int
	bindCalls int
	ready     []message
	consumers []*consumer
	next      int
	acks      int
	rejects   int
}

type consumer struct {
	tag      string
	channel  *Channel
	queue    *queue
	autoAck  bool
	prefetch int
	unacked  int
	out      chan amqp.Delivery
}

type inflight struct {
	consumer *consumer
	msg      message
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Connection
	published []Published
	dials     int
	dialErr   error
	failures  map[string]error
	holds     map[string]chan struct{}
	tagSeq    uint64
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		failures:  make(map[string]error),
		holds:     make(map[string]chan struct{}),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// SetDialError makes every following dial fail with err; nil restores dialing
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailNext makes the next call of op fail with err. Known ops are
// "exchange.declare", "queue.declare", "queue.bind", "publish" and "consume".
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

func (b *Broker) takeFailure(op string) error {
	err, ok := b.failures[op]
	if ok {
		delete(b.failures, op)
	}
	return err
}

// Hold makes the next call of op block until release is called. Only
// "consume" is supported. The broker stays usable while the call waits.
func (b *Broker) Hold(op string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.holds[op] = gate
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (b *Broker) wait(op string) {
	b.mu.Lock()
	gate, ok := b.holds[op]
	if ok {
		delete(b.holds, op)
	}
	b.mu.Unlock()

	if ok {
		<-gate
	}
}

// CloseConnections simulates the broker dropping every client connection
func (b *Broker) CloseConnections(reason string) {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// Dials returns how many connections were attempted
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// HasExchange reports whether the exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// ExchangeKind returns the declared kind of an exchange
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.kind
	}
	return ""
}

// ExchangeDeclares returns how many times the exchange was declared
func (b *Broker) ExchangeDeclares(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.declares
	}
	return 0
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueCount returns the number of queues
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// QueueDeclares returns how many times the queue was declared
func (b *Broker) QueueDeclares(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.declares
	}
	return 0
}

// BindCalls returns how many bind calls targeted the queue
func (b *Broker) BindCalls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.bindCalls
	}
	return 0
}

// Bindings returns the number of distinct bindings on an exchange
func (b *Broker) Bindings(exchange string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[exchange]; ok {
		return len(ex.bindings)
	}
	return 0
}

// ConsumerCount returns the number of consumers on the queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Ready returns the number of messages waiting in the queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered, unacknowledged messages
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range q.consumers {
		n += c.unacked
	}
	return n
}

// Acks returns the number of acknowledgments the queue received
func (b *Broker) Acks(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.acks
	}
	return 0
}

// Published returns every accepted publish in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// route returns the queues a publish reaches; caller holds b.mu
func (b *Broker) route(exchangeName, key string) ([]*queue, error) {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}

	var targets []*queue
	seen := make(map[string]bool)
	for _, bnd := range ex.bindings {
		if seen[bnd.queue] || !matches(ex.kind, bnd.key, key) {
			continue
		}
		if q, ok := b.queues[bnd.queue]; ok {
			seen[bnd.queue] = true
			targets = append(targets, q)
		}
	}
	return targets, nil
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// pump hands ready messages to consumers with prefetch capacity; caller holds b.mu
func (b *Broker) pump(q *queue) {
	for len(q.ready) > 0 {
		c := q.pickConsumer()
		if c == nil {
			return
		}

		msg := q.ready[0]
		delivery := amqp.Delivery{
			Acknowledger:    c.channel,
			Headers:         msg.pub.Headers,
			ContentType:     msg.pub.ContentType,
			ContentEncoding: msg.pub.ContentEncoding,
			DeliveryMode:    msg.pub.DeliveryMode,
			Priority:        msg.pub.Priority,
			CorrelationId:   msg.pub.CorrelationId,
			ReplyTo:         msg.pub.ReplyTo,
			Expiration:      msg.pub.Expiration,
			MessageId:       msg.pub.MessageId,
			Timestamp:       msg.pub.Timestamp,
			Type:            msg.pub.Type,
			UserId:          msg.pub.UserId,
			AppId:           msg.pub.AppId,
			ConsumerTag:     c.tag,
			Redelivered:     msg.redelivered,
			Exchange:        msg.exchange,
			RoutingKey:      msg.key,
			Body:            append([]byte(nil), msg.pub.Body...),
		}

		b.tagSeq++
		delivery.DeliveryTag = b.tagSeq

		select {
		case c.out <- delivery:
		default:
			// consumer buffer full; keep the message for later
			return
		}

		q.ready = q.ready[1:]
		if !c.autoAck {
			c.unacked++
			c.channel.unacked[delivery.DeliveryTag] = &inflight{consumer: c, msg: msg}
		} else {
			q.acks++
		}
	}
}

// pickConsumer round-robins over consumers that may take another delivery
func (q *queue) pickConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.autoAck || c.prefetch == 0 || c.unacked < c.prefetch {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// Connection is an in-memory connection
type Connection struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*inflight),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(reason *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range c.channels {
		ch.shutdown(reason)
	}

	// exclusive queues die with their connection
	for name, q := range b.queues {
		if q.owner == c {
			delete(b.queues, name)
			for _, ex := range b.exchanges {
				kept := ex.bindings[:0]
				for _, bnd := range ex.bindings {
					if bnd.queue != name {
						kept = append(kept, bnd)
					}
				}
				ex.bindings = kept
			}
		}
	}

	for i, conn := range b.conns {
		if conn == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}

	for _, receiver := range c.notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
	c.notify = nil
}

// Channel is an in-memory channel. It also acknowledges its deliveries.
type Channel struct {
	conn      *Connection
	closed    bool
	prefetch  int
	consumers map[string]*consumer
	unacked   map[uint64]*inflight
	notify    []chan *amqp.Error
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func (ch *Channel) lock() *Broker {
	b := ch.conn.broker
	b.mu.Lock()
	return b
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.takeFailure("exchange.declare"); err != nil {
		return err
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name),
			}
		}
		ex.declares++
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, declares: 1}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := b.takeFailure("queue.declare"); err != nil {
		return amqp.Queue{}, err
	}

	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	q.declares++

	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.takeFailure("queue.bind"); err != nil {
		return err
	}

	q, ok := b.queues[name]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}

	q.bindCalls++
	for _, bnd := range ex.bindings {
		if bnd.queue == name && bnd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.takeFailure("publish"); err != nil {
		return err
	}

	targets, err := b.route(exchangeName, key)
	if err != nil {
		return err
	}

	msg.Body = append([]byte(nil), msg.Body...)
	b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: key, Msg: msg})

	for _, q := range targets {
		q.ready = append(q.ready, message{exchange: exchangeName, key: key, pub: msg})
		b.pump(q)
	}
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.conn.broker.wait("consume")

	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeFailure("consume"); err != nil {
		return nil, err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)}
	}

	c := &consumer{
		tag:      tag,
		channel:  ch,
		queue:    q,
		autoAck:  autoAck,
		prefetch: ch.prefetch,
		out:      make(chan amqp.Delivery, 1024),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.pump(q)

	return c.out, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.queue.removeConsumer(c)
	close(c.out)
	b.pump(c.queue)
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	b := ch.lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	b := ch.lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// shutdown requeues unacknowledged deliveries and stops consumers; caller holds b.mu
func (ch *Channel) shutdown(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker

	touched := make(map[*queue]bool)
	for _, inf := range ch.unacked {
		q := inf.consumer.queue
		msg := inf.msg
		msg.redelivered = true
		q.ready = append([]message{msg}, q.ready...)
		touched[q] = true
	}
	ch.unacked = make(map[uint64]*inflight)

	for tag, c := range ch.consumers {
		c.queue.removeConsumer(c)
		close(c.out)
		touched[c.queue] = true
		delete(ch.consumers, tag)
	}

	for q := range touched {
		if _, alive := b.queues[q.name]; alive {
			b.pump(q)
		}
	}

	for _, receiver := range ch.notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
	ch.notify = nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	return ch.settle(b, tag, multiple, func(q *queue, msg message) {
		q.acks++
	})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.lock()
	defer b.mu.Unlock()

	return ch.settle(b, tag, multiple, func(q *queue, msg message) {
		if requeue {
			msg.redelivered = true
			q.ready = append([]message{msg}, q.ready...)
			return
		}
		q.rejects++
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settle finalizes one or more deliveries; caller holds b.mu
func (ch *Channel) settle(b *Broker, tag uint64, multiple bool, fn func(*queue, message)) error {
	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else {
		tags = []uint64{tag}
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		inf, ok := ch.unacked[t]
		if !ok {
			return &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t),
			}
		}
		delete(ch.unacked, t)
		inf.consumer.unacked--
		fn(inf.consumer.queue, inf.msg)
		touched[inf.consumer.queue] = true
	}

	for q := range touched {
		b.pump(q)
	}
	return nil
}
