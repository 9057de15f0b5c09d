package session

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/mqttsession/internal/bus"
)

const waitTimeout = 2 * time.Second

type connectCall struct {
	id      bus.Identity
	address string
	opts    TransportOptions
}

type publishCall struct {
	id       bus.Identity
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type subscribeCall struct {
	id     bus.Identity
	topics []string
	qos    byte
}

// fakeProvider records commands and acknowledges connects synchronously
// unless hold is set.
type fakeProvider struct {
	mu     sync.Mutex
	router *bus.Router

	registered   []bus.Identity
	released     []bus.Identity
	connects     []connectCall
	publishes    []publishCall
	wills        []publishCall
	subscribes   []subscribeCall
	unsubscribes [][]string
	disconnects  int

	connectErr error
	hold       bool
	pending    func(error)

	// routeConnect also dispatches a non-reconnect connect event before
	// acknowledging, the way a real transport reports both.
	routeConnect bool
}

func newFakeProvider(router *bus.Router) *fakeProvider {
	return &fakeProvider{router: router}
}

func (p *fakeProvider) RegisterSession(id bus.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, id)
}

func (p *fakeProvider) Connect(id bus.Identity, address string, opts TransportOptions, done func(error)) {
	p.mu.Lock()
	p.connects = append(p.connects, connectCall{id: id, address: address, opts: opts})
	if p.hold {
		p.pending = done
		p.mu.Unlock()
		return
	}
	err := p.connectErr
	route := p.routeConnect
	p.mu.Unlock()

	if route && err == nil {
		p.router.Dispatch(bus.Event{Kind: bus.KindConnect, Identity: id})
	}
	done(err)
}

// release acknowledges a held connect.
func (p *fakeProvider) release(err error) {
	p.mu.Lock()
	done := p.pending
	p.pending = nil
	p.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (p *fakeProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

func (p *fakeProvider) Subscribe(id bus.Identity, topics []string, qos byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes = append(p.subscribes, subscribeCall{id: id, topics: topics, qos: qos})
}

func (p *fakeProvider) Unsubscribe(_ bus.Identity, topics []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribes = append(p.unsubscribes, topics)
}

func (p *fakeProvider) ConfigureWill(id bus.Identity, topic string, payload []byte, qos byte, retained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wills = append(p.wills, publishCall{id: id, topic: topic, payload: payload, qos: qos, retained: retained})
}

func (p *fakeProvider) Publish(id bus.Identity, topic string, payload []byte, qos byte, retained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes = append(p.publishes, publishCall{id: id, topic: topic, payload: payload, qos: qos, retained: retained})
}

func (p *fakeProvider) Disconnect(bus.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
}

func (p *fakeProvider) ReleaseSession(id bus.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
}

// recorder is a Handler that forwards events to a channel.
type recorder struct {
	ch chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 32)}
}

func (r *recorder) HandleEvent(ev Event) {
	r.ch <- ev
}

func (r *recorder) wait(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (r *recorder) pending() int {
	return len(r.ch)
}

// newTestClient returns a client with identity "abc123" wired to a fresh
// router and fake provider.
func newTestClient(t *testing.T) (*Client, *fakeProvider, *bus.Router) {
	t.Helper()
	router := bus.NewRouter()
	t.Cleanup(router.Close)

	provider := newFakeProvider(router)
	client, err := New("tcp://broker:1883", provider, router, WithIdentity("abc123"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client, provider, router
}

// flush dispatches a message to the client's identity and waits for it,
// which guarantees every earlier event for that identity was delivered.
func flush(t *testing.T, c *Client, router *bus.Router) {
	t.Helper()
	rec := newRecorder()
	id, err := c.Once(EventMessage, rec)
	if err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: c.ID(), Topic: "$flush"})
	rec.wait(t)
	_ = c.Off(EventMessage, id)
}
