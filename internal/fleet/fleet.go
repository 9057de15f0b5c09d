package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
	"github.com/nerrad567/mqttsession/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttsession/internal/payload"
	"github.com/nerrad567/mqttsession/internal/session"
)

const (
	tracerName = "github.com/nerrad567/mqttsession/internal/fleet"

	// statusQoS is the QoS of online/offline status messages and status wills.
	statusQoS = 1

	// connectGrace is added to a session's connect timeout when waiting in Start.
	connectGrace = 5 * time.Second

	// defaultShutdownWait bounds the wait for each disconnect when the
	// Shutdown context has no deadline.
	defaultShutdownWait = 5 * time.Second
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PublishObserver is told about every publish request. *metrics.Collector
// implements it.
type PublishObserver interface {
	ObservePublish(session string, err error)
}

// Option configures a Fleet.
type Option func(*Fleet)

// WithSinks adds event sinks. Sinks are called in order.
func WithSinks(sinks ...Sink) Option {
	return func(f *Fleet) {
		f.sinks = append(f.sinks, sinks...)
	}
}

// WithLogger sets the fleet logger. Sessions log through it too.
func WithLogger(logger Logger) Option {
	return func(f *Fleet) {
		f.logger = logger
	}
}

// WithPublishObserver records publish outcomes.
func WithPublishObserver(o PublishObserver) Option {
	return func(f *Fleet) {
		f.publishObs = o
	}
}

// WithTracer replaces the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(f *Fleet) {
		f.tracer = t
	}
}

// Fleet is the set of configured sessions.
type Fleet struct {
	provider session.Provider
	router   *bus.Router

	order    []string
	sessions map[string]*member

	sinks      []Sink
	publishObs PublishObserver
	tracer     trace.Tracer

	logger   Logger
	loggerMu sync.RWMutex

	shutdownOnce sync.Once
}

// member is one configured session and its bookkeeping.
type member struct {
	cfg      config.SessionConfig
	client   *session.Client
	clientID string
	filters  []string

	mu          sync.Mutex
	connectedAt time.Time
	reconnects  int
	messages    uint64
	lastError   string
}

// New creates a session for every entry in cfgs. Nothing connects until
// Start.
//
// Parameters:
//   - cfgs: The sessions section of config.yaml (already validated)
//   - provider: Transport shared by every session
//   - router: Event router the provider dispatches to
//   - opts: WithSinks, WithLogger, WithPublishObserver, WithTracer
//
// Returns:
//   - *Fleet: Sessions in StateFresh
//   - error: ErrNoSessions, ErrDuplicateSession or a session setup failure
func New(cfgs []config.SessionConfig, provider session.Provider, router *bus.Router, opts ...Option) (*Fleet, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoSessions
	}

	f := &Fleet{
		provider: provider,
		router:   router,
		sessions: make(map[string]*member, len(cfgs)),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer(tracerName)
	}

	for _, cfg := range cfgs {
		if _, dup := f.sessions[cfg.Name]; dup {
			f.release()
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSession, cfg.Name)
		}
		m, err := f.newMember(cfg)
		if err != nil {
			f.release()
			return nil, fmt.Errorf("creating session %q: %w", cfg.Name, err)
		}
		f.sessions[cfg.Name] = m
		f.order = append(f.order, cfg.Name)
	}
	return f, nil
}

func (f *Fleet) newMember(cfg config.SessionConfig) (*member, error) {
	var sessOpts []session.Option
	if logger := f.getLogger(); logger != nil {
		sessOpts = append(sessOpts, session.WithLogger(logger))
	}

	client, err := session.New(cfg.Broker, f.provider, f.router, sessOpts...)
	if err != nil {
		return nil, err
	}

	m := &member{
		cfg:      cfg,
		client:   client,
		clientID: cfg.ClientID,
	}
	if m.clientID == "" {
		m.clientID = string(client.ID())
	}
	for _, s := range cfg.Subscriptions {
		m.filters = append(m.filters, s.Topic)
	}

	handler := session.HandlerFunc(func(ev session.Event) { f.onEvent(m, ev) })
	for _, kind := range []session.EventKind{
		session.EventConnect,
		session.EventDisconnect,
		session.EventMessage,
		session.EventError,
	} {
		if _, err := client.On(kind, handler); err != nil {
			client.Close() //nolint:errcheck // fresh client
			return nil, err
		}
	}

	if err := f.configureWill(m); err != nil {
		client.Close() //nolint:errcheck // fresh client
		return nil, err
	}
	return m, nil
}

// configureWill installs the explicit will, or the offline status will when
// status publishing is on.
func (f *Fleet) configureWill(m *member) error {
	if w := m.cfg.Will; w != nil {
		p, err := payload.Parse(w.Payload, w.Encoding)
		if err != nil {
			return fmt.Errorf("will payload: %w", err)
		}
		return m.client.WillMessage(w.Topic, p, byte(w.QoS), w.Retained) // #nosec G115 -- validated 0..2
	}
	if m.cfg.Status {
		return m.client.WillMessage(
			mqtt.Topics{}.SessionStatus(m.clientID),
			payload.Bytes(mqtt.OfflinePayload(m.clientID, mqtt.StatusReasonUnexpected)),
			statusQoS, true,
		)
	}
	return nil
}

// SetLogger replaces the logger.
func (f *Fleet) SetLogger(logger Logger) {
	f.loggerMu.Lock()
	f.logger = logger
	f.loggerMu.Unlock()
	for _, m := range f.sessions {
		m.client.SetLogger(logger)
	}
}

func (f *Fleet) getLogger() Logger {
	f.loggerMu.RLock()
	defer f.loggerMu.RUnlock()
	return f.logger
}

// Names returns the session names in configuration order.
func (f *Fleet) Names() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Client returns the session client for name.
func (f *Fleet) Client(name string) (*session.Client, bool) {
	m, ok := f.sessions[name]
	if !ok {
		return nil, false
	}
	return m.client, true
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start connects every session concurrently and waits for the outcomes.
// Subscriptions and the online status are sent from the connect handler, so
// they are repeated after transport reconnects.
//
// Returns:
//   - error: The joined connect failures, nil if every session connected
func (f *Fleet) Start(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range f.order {
		m := f.sessions[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.connect(ctx, m); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %q: %w", m.cfg.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Connect connects one session by name.
func (f *Fleet) Connect(ctx context.Context, name string) error {
	m, ok := f.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	return f.connect(ctx, m)
}

func (f *Fleet) connect(ctx context.Context, m *member) error {
	ctx, span := f.tracer.Start(ctx, "fleet.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mqtt.session", m.cfg.Name),
			attribute.String("mqtt.broker", m.cfg.Broker),
			attribute.String("mqtt.client_id", m.clientID),
		),
	)
	defer span.End()

	opts, err := connectOptions(m.cfg, m.clientID)
	if err != nil {
		f.recordFailure(m, span, err)
		return err
	}

	wait := opts.ConnectTimeout + connectGrace
	connectCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := m.client.Connect(connectCtx, opts); err != nil {
		f.recordFailure(m, span, err)
		if logger := f.getLogger(); logger != nil {
			logger.Warn("session connect failed", "session", m.cfg.Name, "broker", m.cfg.Broker, "error", err)
		}
		return err
	}

	span.SetStatus(codes.Ok, "")
	if logger := f.getLogger(); logger != nil {
		logger.Info("session connected", "session", m.cfg.Name, "broker", m.cfg.Broker, "client_id", m.clientID)
	}
	return nil
}

func (f *Fleet) recordFailure(m *member, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

// connectOptions maps a session config onto session.ConnectOptions, reading
// TLS files from disk.
func connectOptions(cfg config.SessionConfig, clientID string) (session.ConnectOptions, error) {
	opts := session.ConnectOptions{
		ClientID:             clientID,
		Username:             cfg.Auth.Username,
		Password:             cfg.Auth.Password,
		KeepAlive:            time.Duration(cfg.KeepAlive) * time.Second,
		ConnectTimeout:       time.Duration(cfg.ConnectTimeout) * time.Second,
		CleanSession:         cfg.CleanSession,
		AutoReconnect:        cfg.Reconnect.Enabled,
		MaxReconnectInterval: time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
	}
	if !cfg.TLS.Enabled() {
		return opts, nil
	}

	opts.TLS = &session.TLSOptions{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}
	if cfg.TLS.CertFile != "" {
		b, err := os.ReadFile(cfg.TLS.CertFile)
		if err != nil {
			return opts, fmt.Errorf("%w: cert_file: %w", ErrTLSFiles, err)
		}
		opts.TLS.Certificate = b
	}
	if cfg.TLS.CAFile != "" {
		b, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return opts, fmt.Errorf("%w: ca_file: %w", ErrTLSFiles, err)
		}
		opts.TLS.CA = b
	}
	return opts, nil
}

// Shutdown publishes the graceful offline status, disconnects every
// connected session, waits for each disconnect and closes every session.
// It runs once; later calls return nil.
func (f *Fleet) Shutdown(ctx context.Context) error {
	var errs []error
	f.shutdownOnce.Do(func() {
		for _, name := range f.order {
			if err := f.shutdownMember(ctx, f.sessions[name]); err != nil {
				errs = append(errs, fmt.Errorf("session %q: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}

func (f *Fleet) shutdownMember(ctx context.Context, m *member) error {
	c := m.client
	if c.State() == session.StateConnected && m.cfg.Status {
		//nolint:errcheck // best effort, the will covers a lost publish
		c.Publish(
			mqtt.Topics{}.SessionStatus(m.clientID),
			payload.Bytes(mqtt.OfflinePayload(m.clientID, mqtt.StatusReasonGraceful)),
			statusQoS, true,
		)
	}

	switch c.State() {
	case session.StateConnected, session.StateConnecting:
		done := make(chan struct{})
		id, err := c.Once(session.EventDisconnect, session.HandlerFunc(func(session.Event) { close(done) }))
		if err != nil {
			return err
		}
		if err := c.Disconnect(); err != nil {
			c.Off(session.EventDisconnect, id) //nolint:errcheck // cleanup
			return err
		}

		waitCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, defaultShutdownWait)
			defer cancel()
		}
		select {
		case <-done:
		case <-waitCtx.Done():
			return fmt.Errorf("waiting for disconnect: %w", waitCtx.Err())
		}
	}

	return c.Close()
}

// release closes every session created so far. Used when New fails.
func (f *Fleet) release() {
	for _, m := range f.sessions {
		m.client.Close() //nolint:errcheck // fresh clients
	}
}

// =============================================================================
// Publishing
// =============================================================================

// Publish sends p to topic through the named session.
//
// Parameters:
//   - ctx: Carries the trace span of the caller
//   - name: Configured session name
//   - topic: Topic name (no wildcards)
//   - p: Payload in any encoding
//   - qos: 0, 1 or 2
//   - retained: Broker retain flag
//
// Returns:
//   - error: ErrUnknownSession, mqtt.ErrInvalidTopic or a session error
//     (session.ErrNotConnected, session.ErrInvalidQoS, payload errors)
func (f *Fleet) Publish(ctx context.Context, name, topic string, p payload.Payload, qos byte, retained bool) error {
	_, span := f.tracer.Start(ctx, "fleet.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("mqtt.session", name),
			attribute.String("mqtt.topic", topic),
			attribute.Int("mqtt.qos", int(qos)),
			attribute.Bool("mqtt.retained", retained),
		),
	)
	defer span.End()

	err := f.publish(name, topic, p, qos, retained)
	if f.publishObs != nil {
		f.publishObs.ObservePublish(name, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (f *Fleet) publish(name, topic string, p payload.Payload, qos byte, retained bool) error {
	m, ok := f.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	if err := mqtt.ValidateTopicName(topic); err != nil {
		return err
	}
	return m.client.Publish(topic, p, qos, retained)
}

// =============================================================================
// Events
// =============================================================================

// onEvent handles every event of one session: bookkeeping, subscribe and
// status on connect, then the sinks.
func (f *Fleet) onEvent(m *member, ev session.Event) {
	out := Event{
		Session:  m.cfg.Name,
		Identity: string(m.client.ID()),
		Kind:     ev.Kind(),
		Time:     time.Now(),
	}

	switch e := ev.(type) {
	case session.ConnectEvent:
		out.Reconnected = e.Reconnected
		m.mu.Lock()
		m.connectedAt = out.Time
		m.lastError = ""
		if e.Reconnected {
			m.reconnects++
		}
		m.mu.Unlock()
		f.afterConnect(m)

	case session.DisconnectEvent:
		out.Detail = e.Cause
		m.mu.Lock()
		m.connectedAt = time.Time{}
		m.mu.Unlock()
		if logger := f.getLogger(); logger != nil {
			logger.Info("session disconnected", "session", m.cfg.Name, "cause", e.Cause)
		}

	case session.MessageEvent:
		out.Topic = e.Topic
		out.Payload = e.Payload
		m.mu.Lock()
		m.messages++
		m.mu.Unlock()

	case session.ErrorEvent:
		out.Detail = e.Err.Error()
		m.mu.Lock()
		m.lastError = out.Detail
		m.mu.Unlock()
		if logger := f.getLogger(); logger != nil {
			logger.Warn("session error", "session", m.cfg.Name, "error", e.Err)
		}
	}

	f.dispatch(out)
}

// afterConnect subscribes the configured filters grouped by QoS and
// publishes the online status.
func (f *Fleet) afterConnect(m *member) {
	logger := f.getLogger()

	for _, group := range groupByQoS(m.cfg.Subscriptions) {
		if err := m.client.Subscribe(group.topics, group.qos); err != nil && logger != nil {
			logger.Error("subscribe failed", "session", m.cfg.Name, "topics", group.topics, "error", err)
		}
	}

	if m.cfg.Status {
		err := m.client.Publish(
			mqtt.Topics{}.SessionStatus(m.clientID),
			payload.Bytes(mqtt.OnlinePayload(m.clientID)),
			statusQoS, true,
		)
		if err != nil && logger != nil {
			logger.Error("publishing online status failed", "session", m.cfg.Name, "error", err)
		}
	}
}

type qosGroup struct {
	qos    byte
	topics []string
}

// groupByQoS groups subscriptions by QoS, lowest first, keeping config
// order within a group.
func groupByQoS(subs []config.SubscriptionConfig) []qosGroup {
	byQoS := make(map[byte][]string)
	for _, s := range subs {
		q := byte(s.QoS) // #nosec G115 -- validated 0..2
		byQoS[q] = append(byQoS[q], s.Topic)
	}
	groups := make([]qosGroup, 0, len(byQoS))
	for q, topics := range byQoS {
		groups = append(groups, qosGroup{qos: q, topics: topics})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].qos < groups[j].qos })
	return groups
}

// dispatch hands ev to every sink, recovering sink panics so one sink
// cannot starve the rest.
func (f *Fleet) dispatch(ev Event) {
	for _, s := range f.sinks {
		f.deliver(s, ev)
	}
}

func (f *Fleet) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if logger := f.getLogger(); logger != nil {
				logger.Error("panic recovered in event sink",
					"session", ev.Session,
					"kind", string(ev.Kind),
					"panic", r,
				)
			}
		}
	}()
	s.HandleSessionEvent(ev)
}
