package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/session"
)

// disconnectCause is the cause reported for an explicit Disconnect.
const disconnectCause = "client disconnected"

// EventSink receives the events produced by the provider.
// *bus.Router implements it.
type EventSink interface {
	Dispatch(ev bus.Event)
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// ClientFactory creates a paho client from options.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithClientFactory replaces pahomqtt.NewClient.
func WithClientFactory(f ClientFactory) ProviderOption {
	return func(p *Provider) {
		p.newClient = f
	}
}

// WithOperationTimeout sets how long subscribe, unsubscribe and publish
// tokens are awaited before an error event is reported.
func WithOperationTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.opTimeout = d
	}
}

// Provider implements session.Provider on top of paho.mqtt.golang.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Commands never block on the network; token results are awaited on
//     background goroutines.
type Provider struct {
	sink      EventSink
	newClient ClientFactory
	opTimeout time.Duration

	mu       sync.RWMutex
	sessions map[bus.Identity]*sessionClient
	closed   bool

	// ops counts awaited tokens; opsIdle is closed when it drops to zero.
	opsMu   sync.Mutex
	ops     int
	opsIdle chan struct{}

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

var _ session.Provider = (*Provider)(nil)

// NewProvider creates a provider that reports events to sink.
func NewProvider(sink EventSink, opts ...ProviderOption) *Provider {
	p := &Provider{
		sink:      sink,
		newClient: pahomqtt.NewClient,
		opTimeout: defaultOperationTimeout,
		sessions:  make(map[bus.Identity]*sessionClient),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetLogger sets a logger for error and panic logging.
func (p *Provider) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (p *Provider) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Provider) emit(ev bus.Event) {
	p.sink.Dispatch(ev)
}

// emitError reports err as an error event for id.
func (p *Provider) emitError(id bus.Identity, err error) {
	p.emit(bus.Event{Kind: bus.KindError, Identity: id, Error: err.Error()})
}

// lookup returns the session for id, or an error describing why there is none.
func (p *Provider) lookup(id bus.Identity) (*sessionClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	sc, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sc, nil
}

// =============================================================================
// Session registry
// =============================================================================

// RegisterSession makes id known to the provider. Registering twice is a no-op.
func (p *Provider) RegisterSession(id bus.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.sessions[id]; !ok {
		p.sessions[id] = &sessionClient{id: id}
	}
}

// ReleaseSession forgets id and closes its connection without reporting
// further events.
func (p *Provider) ReleaseSession(id bus.Identity) {
	p.mu.Lock()
	sc, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	if !ok {
		return
	}
	sc.mu.Lock()
	c := sc.client
	sc.client = nil
	sc.generation++
	sc.mu.Unlock()

	if c != nil {
		go c.Disconnect(defaultDisconnectQuiesce)
	}
}

// SessionCount returns the number of registered identities.
func (p *Provider) SessionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// =============================================================================
// Connection
// =============================================================================

// Connect creates a paho client for id and connects it to address.
//
// done is called exactly once, from a background goroutine, with nil or an
// error wrapping ErrConnectionFailed, ErrTimeout, ErrInvalidOptions or
// ErrUnknownSession. The connect event for a successful attempt is reported
// separately through the sink.
func (p *Provider) Connect(id bus.Identity, address string, opts session.TransportOptions, done func(error)) {
	sc, err := p.lookup(id)
	if err != nil {
		go done(err)
		return
	}

	pahoOpts, err := buildClientOptions(id, address, opts, sc.getWill())
	if err != nil {
		go done(err)
		return
	}

	// paho copies the options in NewClient, so handlers go in first.
	prev, client, gen := sc.install(func(gen uint64) pahomqtt.Client {
		p.attachHandlers(pahoOpts, sc, gen)
		return p.newClient(pahoOpts)
	})
	if prev != nil {
		go prev.Disconnect(0)
	}

	token := client.Connect()
	wait := connectTimeout(opts) + p.opTimeout

	go func() {
		if !token.WaitTimeout(wait) {
			sc.detach(gen)
			client.Disconnect(0)
			done(fmt.Errorf("%w: %w after %v", ErrConnectionFailed, ErrTimeout, wait))
			return
		}
		if err := token.Error(); err != nil {
			sc.detach(gen)
			done(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
			return
		}
		done(nil)
	}()
}

// Disconnect closes the connection of id and reports a disconnect event
// once paho has finished.
func (p *Provider) Disconnect(id bus.Identity) {
	sc, err := p.lookup(id)
	if err != nil {
		p.emitError(id, err)
		return
	}

	sc.mu.Lock()
	gen := sc.generation
	sc.mu.Unlock()

	client := sc.detach(gen)
	if client == nil {
		p.emitError(id, ErrNotConnected)
		return
	}

	go func() {
		client.Disconnect(defaultDisconnectQuiesce)
		p.emit(bus.Event{Kind: bus.KindDisconnect, Identity: id, Cause: disconnectCause})
	}()
}

// ConfigureWill stores the last-will message used by the next Connect of id.
func (p *Provider) ConfigureWill(id bus.Identity, topic string, payload []byte, qos byte, retained bool) {
	sc, err := p.lookup(id)
	if err != nil {
		p.emitError(id, err)
		return
	}
	if err := ValidateTopicName(topic); err != nil {
		p.emitError(id, err)
		return
	}
	if qos > maxQoS {
		p.emitError(id, ErrInvalidQoS)
		return
	}

	sc.setWill(&will{topic: topic, payload: payload, qos: qos, retained: retained})
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close disconnects every session and rejects further commands.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[bus.Identity]*sessionClient)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sc := range sessions {
		sc.mu.Lock()
		c := sc.client
		sc.client = nil
		sc.generation++
		sc.mu.Unlock()
		if c == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect(defaultDisconnectQuiesce)
		}()
	}
	wg.Wait()
	return nil
}

// HealthCheck reports sessions that were asked to connect but currently
// have no open connection.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error wrapping ErrNotConnected otherwise
func (p *Provider) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProviderClosed
	}
	var down []string
	for id, sc := range p.sessions {
		if c := sc.current(); c != nil && !c.IsConnectionOpen() {
			down = append(down, string(id))
		}
	}
	p.mu.RUnlock()

	if len(down) > 0 {
		sort.Strings(down)
		return fmt.Errorf("%w: %v", ErrNotConnected, down)
	}
	return nil
}

// await reports a failed or timed-out token as an error event.
func (p *Provider) await(id bus.Identity, token pahomqtt.Token, failure error) {
	p.beginOp()
	go func() {
		defer p.endOp()
		if !token.WaitTimeout(p.opTimeout) {
			p.emitError(id, fmt.Errorf("%w: %w after %v", failure, ErrTimeout, p.opTimeout))
			return
		}
		if err := token.Error(); err != nil {
			p.emitError(id, fmt.Errorf("%w: %w", failure, err))
		}
	}()
}

func (p *Provider) beginOp() {
	p.opsMu.Lock()
	if p.ops == 0 {
		p.opsIdle = make(chan struct{})
	}
	p.ops++
	p.opsMu.Unlock()
}

func (p *Provider) endOp() {
	p.opsMu.Lock()
	p.ops--
	if p.ops == 0 {
		close(p.opsIdle)
	}
	p.opsMu.Unlock()
}

// Settle waits until every subscribe, unsubscribe and publish issued so far
// has completed and any failure has been dispatched as an error event.
// Tokens are bounded by the operation timeout, so Settle always returns.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: ctx.Err() if ctx ends first
func (p *Provider) Settle(ctx context.Context) error {
	p.opsMu.Lock()
	if p.ops == 0 {
		p.opsMu.Unlock()
		return nil
	}
	idle := p.opsIdle
	p.opsMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pending operations: %w", ctx.Err())
	}
}
