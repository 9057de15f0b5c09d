package fleet

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
	"github.com/nerrad567/mqttsession/internal/session"
)

const waitTimeout = 2 * time.Second

type published struct {
	id       bus.Identity
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type subscribed struct {
	id     bus.Identity
	topics []string
	qos    byte
}

type connected struct {
	id      bus.Identity
	address string
	opts    session.TransportOptions
}

// fakeProvider acknowledges connects synchronously and reports explicit
// disconnects on the router.
type fakeProvider struct {
	router *bus.Router

	mu          sync.Mutex
	registered  []bus.Identity
	released    []bus.Identity
	connects    []connected
	wills       []published
	publishes   []published
	subscribes  []subscribed
	disconnects int

	// failAddress makes connects to that broker fail.
	failAddress string
}

func newFakeProvider(router *bus.Router) *fakeProvider {
	return &fakeProvider{router: router}
}

func (p *fakeProvider) RegisterSession(id bus.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, id)
}

func (p *fakeProvider) Connect(id bus.Identity, address string, opts session.TransportOptions, done func(error)) {
	p.mu.Lock()
	p.connects = append(p.connects, connected{id: id, address: address, opts: opts})
	fail := address == p.failAddress
	p.mu.Unlock()

	if fail {
		done(errors.New("connection refused"))
		return
	}
	done(nil)
}

func (p *fakeProvider) Subscribe(id bus.Identity, topics []string, qos byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes = append(p.subscribes, subscribed{id: id, topics: topics, qos: qos})
}

func (p *fakeProvider) Unsubscribe(bus.Identity, []string) {}

func (p *fakeProvider) ConfigureWill(id bus.Identity, topic string, payload []byte, qos byte, retained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wills = append(p.wills, published{id: id, topic: topic, payload: payload, qos: qos, retained: retained})
}

func (p *fakeProvider) Publish(id bus.Identity, topic string, payload []byte, qos byte, retained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes = append(p.publishes, published{id: id, topic: topic, payload: payload, qos: qos, retained: retained})
}

func (p *fakeProvider) Disconnect(id bus.Identity) {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	p.router.Dispatch(bus.Event{Kind: bus.KindDisconnect, Identity: id, Cause: "client disconnected"})
}

func (p *fakeProvider) ReleaseSession(id bus.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
}

func (p *fakeProvider) snapshot() fakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fakeProvider{
		registered:  append([]bus.Identity(nil), p.registered...),
		released:    append([]bus.Identity(nil), p.released...),
		connects:    append([]connected(nil), p.connects...),
		wills:       append([]published(nil), p.wills...),
		publishes:   append([]published(nil), p.publishes...),
		subscribes:  append([]subscribed(nil), p.subscribes...),
		disconnects: p.disconnects,
	}
}

// eventSink collects events on a channel.
type eventSink struct {
	ch chan Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 64)}
}

func (s *eventSink) HandleSessionEvent(ev Event) {
	s.ch <- ev
}

// waitFor returns the next event of kind, skipping others.
func (s *eventSink) waitFor(t *testing.T, kind session.EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-s.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// eventually polls cond until it holds or the wait times out.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func plantConfig() config.SessionConfig {
	return config.SessionConfig{
		Name:           "plant",
		Broker:         "tcp://plant:1883",
		ClientID:       "gw-1",
		Auth:           config.MQTTAuthConfig{Username: "u", Password: "p"},
		KeepAlive:      30,
		ConnectTimeout: 5,
		CleanSession:   true,
		Reconnect:      config.ReconnectConfig{Enabled: true, MaxDelay: 60},
		Status:         true,
		Subscriptions: []config.SubscriptionConfig{
			{Topic: "plant/#", QoS: 0},
			{Topic: "alarms/+", QoS: 1},
			{Topic: "cmd/reply", QoS: 0},
		},
	}
}

// newTestFleet builds a fleet on a fresh router and fake provider.
func newTestFleet(t *testing.T, cfgs []config.SessionConfig, opts ...Option) (*Fleet, *fakeProvider, *bus.Router) {
	t.Helper()
	router := bus.NewRouter()
	t.Cleanup(router.Close)

	provider := newFakeProvider(router)
	f, err := New(cfgs, provider, router, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f, provider, router
}
