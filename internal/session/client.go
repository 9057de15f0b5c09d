package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/payload"
)

// maxQoS is the highest MQTT QoS level.
const maxQoS = 2

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client is one MQTT session bound to a transport provider.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers run without internal locks held and may call any method,
//     including Close.
type Client struct {
	id       bus.Identity
	address  string
	provider Provider
	router   *bus.Router

	// mu guards state and listeners.
	mu        sync.Mutex
	state     State
	listeners *registry

	logger   Logger
	loggerMu sync.RWMutex
}

// Option configures a Client at construction.
type Option func(*Client)

// WithIdentity uses id instead of a generated identity.
func WithIdentity(id bus.Identity) Option {
	return func(c *Client) {
		c.id = id
	}
}

// WithLogger sets the logger used for handler panics and lifecycle debug logs.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a session for the broker at address.
//
// It allocates an identity, registers it with the provider and routes the
// identity's events from router to the new Client.
//
// Parameters:
//   - address: Broker URL handed to the provider (e.g. "tcp://host:1883")
//   - provider: Transport that executes protocol commands
//   - router: Shared event router the provider dispatches to
//   - opts: Optional settings (WithIdentity, WithLogger)
//
// Returns:
//   - *Client: Session in StateFresh
//   - error: If dependencies are missing or routing fails
func New(address string, provider Provider, router *bus.Router, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("session: provider is required")
	}
	if router == nil {
		return nil, fmt.Errorf("session: router is required")
	}

	c := &Client{
		address:   address,
		provider:  provider,
		router:    router,
		state:     StateFresh,
		listeners: newRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.id == "" {
		id, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		c.id = id
	}

	provider.RegisterSession(c.id)

	routes := []struct {
		kind bus.Kind
		cb   bus.Callback
	}{
		{bus.KindConnect, c.onRoutedConnect},
		{bus.KindDisconnect, c.onRoutedDisconnect},
		{bus.KindMessage, c.onRoutedMessage},
		{bus.KindError, c.onRoutedError},
	}
	for _, r := range routes {
		if err := router.OnRouted(c.id, r.kind, r.cb); err != nil {
			router.Release(c.id)
			provider.ReleaseSession(c.id)
			return nil, fmt.Errorf("routing session events: %w", err)
		}
	}

	return c, nil
}

// ID returns the session identity.
func (c *Client) ID() bus.Identity {
	return c.id
}

// Address returns the broker address given to New.
func (c *Client) Address() string {
	return c.address
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the state is StateConnected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// SetLogger replaces the logger. A nil logger disables logging.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// check applies guard to the current state.
func (c *Client) check(guard func(State) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return guard(c.state)
}

// =============================================================================
// Commands
// =============================================================================

// Connect asks the provider to connect and waits for the outcome.
//
// Only one attempt may be in flight. On success the state becomes
// StateConnected and listeners receive ConnectEvent{Reconnected: false}
// exactly once, even if the provider also reports the connection as a
// routed event. On failure the previous state is restored and the error
// wraps ErrConnectFailed.
//
// The acknowledgement is applied on the session's event goroutine, in order
// with routed events, and Connect returns after its listeners have run.
// Connect must therefore not be called from an event handler.
//
// Cancelling ctx stops the wait only: the attempt stays in flight and its
// outcome is still applied to the session.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	c.mu.Lock()
	if err := c.state.guardConnect(); err != nil {
		c.mu.Unlock()
		return err
	}
	prev := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	result := make(chan error, 1)
	var once sync.Once
	c.provider.Connect(c.id, c.address, opts.Transport(), func(err error) {
		once.Do(func() {
			apply := func() {
				c.completeConnect(prev, err)
				result <- err
			}
			if !c.router.Post(c.id, apply) {
				apply()
			}
		})
	})

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connect: %w", ctx.Err())
	}
}

// completeConnect applies the provider's connect acknowledgement.
func (c *Client) completeConnect(prev State, err error) {
	if err == nil {
		c.markConnected(false)
		return
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = prev
	}
	c.mu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Debug("session connect failed", "identity", string(c.id), "error", err)
	}
}

// markConnected is the only transition into StateConnected. It is shared by
// the connect acknowledgement and routed connect events; a non-reconnect
// event for an already connected session is the same connection reported
// twice and is not re-emitted.
func (c *Client) markConnected(reconnected bool) {
	c.mu.Lock()
	emit := false
	switch c.state {
	case StateClosed:
	case StateConnected:
		emit = reconnected
	default:
		c.state = StateConnected
		emit = true
	}
	var handlers []Handler
	if emit {
		handlers = c.listeners.take(EventConnect)
	}
	c.mu.Unlock()

	if emit {
		if logger := c.getLogger(); logger != nil {
			logger.Debug("session connected", "identity", string(c.id), "reconnected", reconnected)
		}
		c.emit(handlers, ConnectEvent{Reconnected: reconnected})
	}
}

// Sync waits until every event routed to the session before the call has
// been delivered to its listeners. Like Connect, it must not be called from
// an event handler.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.check(State.guardOpen); err != nil {
		return err
	}
	done := make(chan struct{})
	if !c.router.Post(c.id, func() { close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session events: %w", ctx.Err())
	}
}

// Subscribe subscribes to topics at the given QoS. Requires StateConnected.
// The outcome is not tracked; failures arrive as ErrorEvent.
func (c *Client) Subscribe(topics []string, qos byte) error {
	if err := c.check(State.guardConnected); err != nil {
		return err
	}
	if err := validateTopics(topics); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	c.provider.Subscribe(c.id, topics, qos)
	return nil
}

// Unsubscribe removes subscriptions for topics. Requires StateConnected.
func (c *Client) Unsubscribe(topics []string) error {
	if err := c.check(State.guardConnected); err != nil {
		return err
	}
	if err := validateTopics(topics); err != nil {
		return err
	}

	c.provider.Unsubscribe(c.id, topics)
	return nil
}

// WillMessage configures the last-will message the broker publishes if the
// connection drops unexpectedly. It only takes effect for a later Connect.
func (c *Client) WillMessage(topic string, p payload.Payload, qos byte, retained bool) error {
	if err := c.check(State.guardOpen); err != nil {
		return err
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	b, err := payload.Encode(p)
	if err != nil {
		return err
	}

	c.provider.ConfigureWill(c.id, topic, b, qos, retained)
	return nil
}

// Publish sends p to topic. Requires StateConnected.
//
// Example:
//
//	client.Publish("lights/1", payload.Hex("68656c6c6f"), 0, false) // sends "hello"
func (c *Client) Publish(topic string, p payload.Payload, qos byte, retained bool) error {
	if err := c.check(State.guardConnected); err != nil {
		return err
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	b, err := payload.Encode(p)
	if err != nil {
		return err
	}

	c.provider.Publish(c.id, topic, b, qos, retained)
	return nil
}

// Disconnect asks the provider to close the connection. The state changes
// when the provider reports the disconnect event.
func (c *Client) Disconnect() error {
	if err := c.check(State.guardOpen); err != nil {
		return err
	}

	c.provider.Disconnect(c.id)
	return nil
}

// Close releases the identity and the listener registry. It is irreversible
// and requires StateFresh or StateDisconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if err := c.state.guardClose(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateClosed
	c.listeners.clear()
	c.mu.Unlock()

	c.router.Release(c.id)
	c.provider.ReleaseSession(c.id)
	return nil
}

func validateTopics(topics []string) error {
	if len(topics) == 0 {
		return ErrInvalidTopic
	}
	for _, t := range topics {
		if t == "" {
			return ErrInvalidTopic
		}
	}
	return nil
}

// =============================================================================
// Listeners
// =============================================================================

// On registers h for every event of kind.
func (c *Client) On(kind EventKind, h Handler) (ListenerID, error) {
	return c.addListener(kind, h, false)
}

// Once registers h for the next event of kind only.
func (c *Client) Once(kind EventKind, h Handler) (ListenerID, error) {
	return c.addListener(kind, h, true)
}

// Off removes the listener id from kind. Unknown ids are ignored.
func (c *Client) Off(kind EventKind, id ListenerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.guardOpen(); err != nil {
		return err
	}
	c.listeners.remove(kind, id)
	return nil
}

// ListenerCount returns the number of listeners registered for kind.
func (c *Client) ListenerCount(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners.count(kind)
}

func (c *Client) addListener(kind EventKind, h Handler, once bool) (ListenerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.guardOpen(); err != nil {
		return 0, err
	}
	if !kind.valid() {
		return 0, ErrInvalidEvent
	}
	if h == nil {
		return 0, ErrNilHandler
	}
	return c.listeners.add(kind, h, once), nil
}

// =============================================================================
// Routed events
// =============================================================================

func (c *Client) onRoutedConnect(ev bus.Event) {
	c.markConnected(ev.Reconnected)
}

func (c *Client) onRoutedDisconnect(ev bus.Event) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = c.state.afterDisconnect()
	handlers := c.listeners.take(EventDisconnect)
	c.mu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Debug("session disconnected", "identity", string(c.id), "cause", ev.Cause)
	}
	c.emit(handlers, DisconnectEvent{Cause: ev.Cause})
}

func (c *Client) onRoutedMessage(ev bus.Event) {
	data, err := base64.StdEncoding.DecodeString(ev.Payload)
	if err != nil {
		c.deliver(ErrorEvent{Err: fmt.Errorf("%w: topic %q: %w", ErrInvalidPayload, ev.Topic, err)})
		return
	}
	c.deliver(MessageEvent{Topic: ev.Topic, Payload: data})
}

func (c *Client) onRoutedError(ev bus.Event) {
	msg := ev.Error
	if msg == "" {
		msg = "unknown error"
	}
	c.deliver(ErrorEvent{Err: fmt.Errorf("%w: %s", ErrTransport, msg)})
}

// deliver emits ev to its listeners unless the session is closed.
func (c *Client) deliver(ev Event) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	handlers := c.listeners.take(ev.Kind())
	c.mu.Unlock()

	c.emit(handlers, ev)
}

// emit invokes handlers in order, stopping if the session is closed by one
// of them.
func (c *Client) emit(handlers []Handler, ev Event) {
	for _, h := range handlers {
		if c.State() == StateClosed {
			return
		}
		c.invoke(h, ev)
	}
}

// invoke calls h with panic recovery.
func (c *Client) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("session handler panic recovered",
					"identity", string(c.id),
					"event", string(ev.Kind()),
					"panic", r,
				)
			}
		}
	}()
	h.HandleEvent(ev)
}
