package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the lifecycle state of a ConnectionManager
type ConnectionState int

const (
	StateUnconnected ConnectionState = iota
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionStateListener receives connection state change notifications.
// Listeners run synchronously and must not call back into the manager.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ChannelReopenListener is implemented by state listeners that also want to
// know when the shared channel was replaced on a live connection. Consumers
// and declarations made on the old channel are gone by then.
type ChannelReopenListener interface {
	OnChannelReopened()
}

// ConnectionManager owns one broker connection and the single channel
// multiplexed over it. It connects lazily and never reconnects on its own:
// after a close the next EnsureConnected dials again.
type ConnectionManager struct {
	url            string
	dialer         Dialer
	heartbeat      time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	state   ConnectionState
	conn    Connection
	channel Channel
	// generation increments on every successful connect so a stale close
	// notification cannot tear down a newer connection
	generation uint64

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectTimeout bounds how long a single dial may take
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager. Nothing is dialed
// until EnsureConnected is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dialer:         DialAMQP,
		heartbeat:      60 * time.Second,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		state:          StateUnconnected,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// EnsureConnected establishes the connection and its channel if absent.
// Errors are returned as is; retrying is up to the caller.
func (cm *ConnectionManager) EnsureConnected(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateConnected && cm.conn != nil && !cm.conn.IsClosed() {
		if cm.channel != nil && !cm.channel.IsClosed() {
			return nil
		}
		// the broker closed the channel (e.g. a failed declaration) but the
		// connection survived; consumers on the old channel are gone
		ch, err := cm.conn.Channel()
		if err != nil {
			return &ConnectionError{
				Op:        "reopen channel",
				URL:       SanitizeURL(cm.url),
				Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
				Timestamp: time.Now(),
			}
		}
		cm.channel = ch
		cm.logger.Warn("channel reopened", "url", SanitizeURL(cm.url))
		cm.notifyChannelReopened()
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.channel = ch
	cm.state = StateConnected
	cm.generation++

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watchClose(cm.generation, notifyClose)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// dial runs the dialer bounded by ctx and the connect timeout
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dialer(cm.url, amqp.Config{
			Heartbeat: cm.heartbeat,
			Locale:    "en_US",
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil

	case <-connCtx.Done():
		// the dial may still succeed; close whatever it returns
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// Channel returns the shared channel, connecting first if needed
func (cm *ConnectionManager) Channel(ctx context.Context) (Channel, error) {
	if err := cm.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.channel == nil || cm.channel.IsClosed() {
		return nil, ErrChannelClosed
	}
	return cm.channel, nil
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Close closes the channel and then the connection. Closing a manager that
// never connected, or closing twice, is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state != StateConnected {
		cm.mu.Unlock()
		return nil
	}

	ch, conn := cm.channel, cm.conn
	cm.channel = nil
	cm.conn = nil
	cm.state = StateClosed
	cm.mu.Unlock()

	var firstErr error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			firstErr = err
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
	cm.notifyDisconnected(nil)

	return firstErr
}

// watchClose moves the manager to StateClosed when the broker drops the
// connection. It does not reconnect.
func (cm *ConnectionManager) watchClose(generation uint64, notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if !ok || amqpErr == nil {
		// graceful close, handled by Close
		return
	}

	cm.mu.Lock()
	if cm.generation != generation || cm.state != StateConnected {
		cm.mu.Unlock()
		return
	}
	cm.state = StateClosed
	cm.conn = nil
	cm.channel = nil
	cm.mu.Unlock()

	cm.logger.Error("connection closed by broker", "error", amqpErr)
	cm.notifyDisconnected(amqpErr)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyChannelReopened() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		if l, ok := listener.(ChannelReopenListener); ok {
			l.OnChannelReopened()
		}
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}
