package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/payload"
)

// =============================================================================
// Construction
// =============================================================================

func TestNew_RegistersIdentity(t *testing.T) {
	client, provider, router := newTestClient(t)

	if client.ID() != "abc123" {
		t.Errorf("ID() = %q, want %q", client.ID(), "abc123")
	}
	if len(provider.registered) != 1 || provider.registered[0] != "abc123" {
		t.Errorf("registered = %v, want [abc123]", provider.registered)
	}
	if router.Identities() != 1 {
		t.Errorf("router.Identities() = %d, want 1", router.Identities())
	}
	if client.State() != StateFresh {
		t.Errorf("State() = %v, want fresh", client.State())
	}
	if client.Address() != "tcp://broker:1883" {
		t.Errorf("Address() = %q", client.Address())
	}
}

func TestNew_GeneratesIdentity(t *testing.T) {
	router := bus.NewRouter()
	defer router.Close()
	provider := newFakeProvider(router)

	a, err := New("tcp://b:1883", provider, router)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, err := New("tcp://b:1883", provider, router)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if len(a.ID()) != identityLength {
		t.Errorf("len(ID()) = %d, want %d", len(a.ID()), identityLength)
	}
	if a.ID() == b.ID() {
		t.Errorf("two sessions share identity %q", a.ID())
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	router := bus.NewRouter()
	defer router.Close()

	if _, err := New("tcp://b:1883", nil, router); err == nil {
		t.Error("New() with nil provider should fail")
	}
	if _, err := New("tcp://b:1883", newFakeProvider(router), nil); err == nil {
		t.Error("New() with nil router should fail")
	}
}

// =============================================================================
// Connect
// =============================================================================

func TestConnect_EmitsInitialConnectOnce(t *testing.T) {
	client, provider, router := newTestClient(t)
	provider.routeConnect = true

	rec := newRecorder()
	if _, err := client.On(EventConnect, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	flush(t, client, router)

	ev, ok := rec.wait(t).(ConnectEvent)
	if !ok {
		t.Fatalf("event type = %T, want ConnectEvent", ev)
	}
	if ev.Reconnected {
		t.Error("initial ConnectEvent.Reconnected = true")
	}
	if n := rec.pending(); n != 0 {
		t.Errorf("extra connect events = %d, want 0", n)
	}
}

func TestConnect_PassesTransportOptions(t *testing.T) {
	client, provider, _ := newTestClient(t)

	opts := ConnectOptions{ClientID: "dev-1", Username: "u", KeepAlive: 30 * time.Second}
	if err := client.Connect(context.Background(), opts); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	call := provider.connects[0]
	if call.id != "abc123" || call.address != "tcp://broker:1883" {
		t.Errorf("connect call = %+v", call)
	}
	if call.opts.ClientID != "dev-1" || call.opts.KeepAliveSec != 30 {
		t.Errorf("transport opts = %+v", call.opts)
	}
}

func TestConnect_Twice(t *testing.T) {
	client, provider, _ := newTestClient(t)

	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	err := client.Connect(context.Background(), ConnectOptions{})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
	if provider.connectCount() != 1 {
		t.Errorf("provider connects = %d, want 1", provider.connectCount())
	}
}

func TestConnect_WhilePending(t *testing.T) {
	client, provider, _ := newTestClient(t)
	provider.hold = true

	result := make(chan error, 1)
	go func() {
		result <- client.Connect(context.Background(), ConnectOptions{})
	}()

	deadline := time.Now().Add(waitTimeout)
	for provider.connectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("provider never saw Connect")
		}
		time.Sleep(time.Millisecond)
	}

	if client.State() != StateConnecting {
		t.Errorf("State() = %v, want connecting", client.State())
	}
	if err := client.Connect(context.Background(), ConnectOptions{}); !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("Connect() while pending error = %v, want ErrConnectInProgress", err)
	}
	if err := client.Close(); !errors.Is(err, ErrNotDisconnected) {
		t.Errorf("Close() while pending error = %v, want ErrNotDisconnected", err)
	}

	provider.release(nil)

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Connect() error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Connect() did not return")
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after acknowledgement")
	}
}

func TestConnect_Failure(t *testing.T) {
	client, provider, _ := newTestClient(t)
	provider.connectErr = errors.New("connection refused")

	rec := newRecorder()
	if _, err := client.On(EventConnect, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	err := client.Connect(context.Background(), ConnectOptions{})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if client.State() != StateFresh {
		t.Errorf("State() = %v, want fresh", client.State())
	}
	if rec.pending() != 0 {
		t.Error("connect listener invoked after failure")
	}

	// A failed attempt may be retried.
	provider.connectErr = nil
	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Errorf("retry Connect() error = %v", err)
	}
}

func TestConnect_ContextCancelledStillApplies(t *testing.T) {
	client, provider, _ := newTestClient(t)
	provider.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Connect(ctx, ConnectOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() error = %v, want context.Canceled", err)
	}
	if client.State() != StateConnecting {
		t.Errorf("State() = %v, want connecting", client.State())
	}

	provider.release(nil)
	if err := client.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !client.IsConnected() {
		t.Errorf("State() = %v, want connected", client.State())
	}
}

func TestConnect_SerializedWithRoutedEvents(t *testing.T) {
	client, _, router := newTestClient(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	// The first connect listener triggers a disconnect for the same session
	// and stays busy; the disconnect must wait for every connect listener.
	if _, err := client.On(EventConnect, HandlerFunc(func(Event) {
		record("connect#1 start")
		router.Dispatch(bus.Event{Kind: bus.KindDisconnect, Identity: "abc123", Cause: "EOF"})
		time.Sleep(50 * time.Millisecond)
		record("connect#1 end")
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	if _, err := client.On(EventConnect, HandlerFunc(func(Event) {
		record("connect#2")
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	if _, err := client.On(EventDisconnect, HandlerFunc(func(Event) {
		record("disconnect")
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	mu.Lock()
	returned := len(order)
	mu.Unlock()
	if returned != 3 {
		t.Errorf("Connect() returned after %d listener steps, want 3", returned)
	}

	if err := client.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"connect#1 start", "connect#1 end", "connect#2", "disconnect"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
}

func TestConnect_AckAfterEarlierRoutedEvents(t *testing.T) {
	client, provider, router := newTestClient(t)
	provider.hold = true

	release := make(chan struct{})
	var seen atomic.Int32
	if _, err := client.On(EventMessage, HandlerFunc(func(Event) {
		<-release
		seen.Add(1)
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	connected := make(chan int32, 1)
	if _, err := client.On(EventConnect, HandlerFunc(func(Event) {
		connected <- seen.Load()
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- client.Connect(context.Background(), ConnectOptions{})
	}()
	deadline := time.Now().Add(waitTimeout)
	for provider.connectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("provider never saw Connect")
		}
		time.Sleep(time.Millisecond)
	}

	// A message routed before the acknowledgement is delivered first.
	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "t", Payload: "aGk="})
	provider.release(nil)
	close(release)

	select {
	case n := <-connected:
		if n != 1 {
			t.Errorf("connect listener saw %d earlier messages, want 1", n)
		}
	case <-time.After(waitTimeout):
		t.Fatal("connect listener not invoked")
	}
	if err := <-result; err != nil {
		t.Errorf("Connect() error = %v", err)
	}
}

func TestConnect_Reconnect(t *testing.T) {
	client, _, router := newTestClient(t)

	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	rec := newRecorder()
	if _, err := client.On(EventConnect, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindDisconnect, Identity: "abc123", Cause: "EOF"})
	router.Dispatch(bus.Event{Kind: bus.KindConnect, Identity: "abc123", Reconnected: true})

	ev := rec.wait(t).(ConnectEvent)
	if !ev.Reconnected {
		t.Error("ConnectEvent.Reconnected = false, want true")
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after reconnect")
	}
}

func TestSync(t *testing.T) {
	client, _, router := newTestClient(t)

	var got atomic.Int32
	if _, err := client.On(EventMessage, HandlerFunc(func(Event) {
		time.Sleep(5 * time.Millisecond)
		got.Add(1)
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "t", Payload: "aGk="})
	}

	if err := client.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got.Load() != 5 {
		t.Errorf("delivered before Sync returned = %d, want 5", got.Load())
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync() after Close error = %v, want ErrClosed", err)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestPublish_Hex(t *testing.T) {
	client, provider, _ := newTestClient(t)
	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Publish("lights/1", payload.Hex("68656c6c6f"), 1, true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(provider.publishes) != 1 {
		t.Fatalf("publishes = %d, want 1", len(provider.publishes))
	}
	got := provider.publishes[0]
	if got.topic != "lights/1" || string(got.payload) != "hello" || got.qos != 1 || !got.retained {
		t.Errorf("publish = %+v", got)
	}
}

func TestPublish_Validation(t *testing.T) {
	client, provider, _ := newTestClient(t)

	if err := client.Publish("t", payload.Text("x"), 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() before connect error = %v, want ErrNotConnected", err)
	}

	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	tests := []struct {
		name    string
		topic   string
		p       payload.Payload
		qos     byte
		wantErr error
	}{
		{"empty topic", "", payload.Text("x"), 0, ErrInvalidTopic},
		{"qos 3", "t", payload.Text("x"), 3, ErrInvalidQoS},
		{"bad hex", "t", payload.Hex("zz"), 0, payload.ErrInvalidHex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.p, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(provider.publishes) != 0 {
		t.Errorf("invalid publishes reached provider: %d", len(provider.publishes))
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	client, provider, _ := newTestClient(t)

	if err := client.Subscribe([]string{"a/#"}, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() before connect error = %v, want ErrNotConnected", err)
	}

	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Subscribe([]string{"a/#", "b/+"}, 2); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Subscribe(nil, 0); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(nil) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe([]string{"a"}, 5); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Unsubscribe([]string{"a/#"}); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if len(provider.subscribes) != 1 || len(provider.subscribes[0].topics) != 2 || provider.subscribes[0].qos != 2 {
		t.Errorf("subscribes = %+v", provider.subscribes)
	}
	if len(provider.unsubscribes) != 1 || provider.unsubscribes[0][0] != "a/#" {
		t.Errorf("unsubscribes = %v", provider.unsubscribes)
	}
}

func TestWillMessage_BeforeConnect(t *testing.T) {
	client, provider, _ := newTestClient(t)

	if err := client.WillMessage("status/abc", payload.Text("offline"), 1, true); err != nil {
		t.Fatalf("WillMessage() error = %v", err)
	}
	if len(provider.wills) != 1 || string(provider.wills[0].payload) != "offline" {
		t.Errorf("wills = %+v", provider.wills)
	}
}

func TestDisconnect_StateFollowsEvent(t *testing.T) {
	client, provider, _ := newTestClient(t)
	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	rec := newRecorder()
	if _, err := client.On(EventDisconnect, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if provider.disconnects != 1 {
		t.Errorf("provider disconnects = %d, want 1", provider.disconnects)
	}
	if !client.IsConnected() {
		t.Error("state changed before the disconnect event")
	}

	provider.router.Dispatch(bus.Event{Kind: bus.KindDisconnect, Identity: "abc123", Cause: "client disconnected"})

	ev := rec.wait(t).(DisconnectEvent)
	if ev.Cause != "client disconnected" {
		t.Errorf("Cause = %q", ev.Cause)
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() after disconnect error = %v", err)
	}
}

// =============================================================================
// Close
// =============================================================================

func TestClose_WhileConnected(t *testing.T) {
	client, _, _ := newTestClient(t)
	if err := client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); !errors.Is(err, ErrNotDisconnected) {
		t.Errorf("Close() error = %v, want ErrNotDisconnected", err)
	}
}

func TestClose_RejectsEverything(t *testing.T) {
	client, provider, router := newTestClient(t)

	rec := newRecorder()
	if _, err := client.On(EventMessage, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("State() = %v, want closed", client.State())
	}
	if len(provider.released) != 1 || provider.released[0] != "abc123" {
		t.Errorf("released = %v", provider.released)
	}
	if router.Identities() != 0 {
		t.Errorf("router.Identities() = %d, want 0", router.Identities())
	}

	calls := map[string]error{
		"Connect":     client.Connect(context.Background(), ConnectOptions{}),
		"Subscribe":   client.Subscribe([]string{"a"}, 0),
		"Unsubscribe": client.Unsubscribe([]string{"a"}),
		"Publish":     client.Publish("a", payload.Text("x"), 0, false),
		"WillMessage": client.WillMessage("a", payload.Text("x"), 0, false),
		"Disconnect":  client.Disconnect(),
		"Close":       client.Close(),
		"Off":         client.Off(EventMessage, 1),
	}
	_, onErr := client.On(EventMessage, rec)
	calls["On"] = onErr
	_, onceErr := client.Once(EventMessage, rec)
	calls["Once"] = onceErr

	for name, err := range calls {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("%s() after Close error = %v, want ErrClosed", name, err)
		}
	}

	before := router.Discarded()
	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "t", Payload: "aGk="})
	if router.Discarded() != before+1 {
		t.Error("event for closed session was not discarded")
	}
	time.Sleep(20 * time.Millisecond)
	if rec.pending() != 0 {
		t.Error("listener invoked after Close")
	}
}

// =============================================================================
// Routed events
// =============================================================================

func TestMessage_DecodesPayload(t *testing.T) {
	client, _, router := newTestClient(t)

	rec := newRecorder()
	if _, err := client.On(EventMessage, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "a/b", Payload: "aGVsbG8="})

	ev := rec.wait(t).(MessageEvent)
	if ev.Topic != "a/b" || string(ev.Payload) != "hello" {
		t.Errorf("MessageEvent = %+v", ev)
	}
}

func TestMessage_InvalidPayloadReportsError(t *testing.T) {
	client, _, router := newTestClient(t)

	errs := newRecorder()
	if _, err := client.On(EventError, errs); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "a", Payload: "%%%"})

	ev := errs.wait(t).(ErrorEvent)
	if !errors.Is(ev.Err, ErrInvalidPayload) {
		t.Errorf("ErrorEvent.Err = %v, want ErrInvalidPayload", ev.Err)
	}
}

func TestErrorEvent_WrapsTransport(t *testing.T) {
	client, _, router := newTestClient(t)

	rec := newRecorder()
	if _, err := client.On(EventError, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindError, Identity: "abc123", Error: "subscribe failed"})

	ev := rec.wait(t).(ErrorEvent)
	if !errors.Is(ev.Err, ErrTransport) {
		t.Errorf("ErrorEvent.Err = %v, want ErrTransport", ev.Err)
	}
}

func TestForeignIdentityIgnored(t *testing.T) {
	client, provider, router := newTestClient(t)
	other, err := New("tcp://broker:1883", provider, router, WithIdentity("other"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mine atomic.Int32
	if _, err := client.On(EventMessage, HandlerFunc(func(ev Event) {
		if ev.(MessageEvent).Topic == "t" {
			mine.Add(1)
		}
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	theirs := newRecorder()
	if _, err := other.On(EventMessage, theirs); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "other", Topic: "t", Payload: "aGk="})
	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "nobody", Topic: "t", Payload: "aGk="})
	theirs.wait(t)
	flush(t, client, router)

	if got := mine.Load(); got != 0 {
		t.Errorf("listener for abc123 invoked %d times for foreign events", got)
	}
}

// =============================================================================
// Listeners
// =============================================================================

func TestOnceAndOff(t *testing.T) {
	client, _, router := newTestClient(t)

	var onceCalls, onCalls atomic.Int32
	if _, err := client.Once(EventMessage, HandlerFunc(func(Event) { onceCalls.Add(1) })); err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	id, err := client.On(EventMessage, HandlerFunc(func(Event) { onCalls.Add(1) }))
	if err != nil {
		t.Fatalf("On() error = %v", err)
	}

	msg := bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "t", Payload: "aGk="}
	router.Dispatch(msg)
	router.Dispatch(msg)
	flush(t, client, router)

	if onceCalls.Load() != 1 {
		t.Errorf("once listener calls = %d, want 1", onceCalls.Load())
	}
	if onCalls.Load() != 3 {
		t.Errorf("on listener calls = %d, want 3", onCalls.Load())
	}

	if err := client.Off(EventMessage, id); err != nil {
		t.Fatalf("Off() error = %v", err)
	}
	if n := client.ListenerCount(EventMessage); n != 0 {
		t.Errorf("ListenerCount() = %d, want 0", n)
	}
	if err := client.Off(EventMessage, 999); err != nil {
		t.Errorf("Off(unknown) error = %v", err)
	}
}

func TestOn_Validation(t *testing.T) {
	client, _, _ := newTestClient(t)

	if _, err := client.On("bogus", HandlerFunc(func(Event) {})); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("On(bogus) error = %v, want ErrInvalidEvent", err)
	}
	if _, err := client.On(EventError, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("On(nil) error = %v, want ErrNilHandler", err)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	client, _, router := newTestClient(t)

	if _, err := client.On(EventMessage, HandlerFunc(func(Event) { panic("boom") })); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	rec := newRecorder()
	if _, err := client.On(EventMessage, rec); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: "abc123", Topic: "t", Payload: "aGk="})
	rec.wait(t)
}

func TestCloseFromHandler(t *testing.T) {
	client, _, router := newTestClient(t)

	closed := make(chan error, 1)
	if _, err := client.On(EventDisconnect, HandlerFunc(func(Event) {
		closed <- client.Close()
	})); err != nil {
		t.Fatalf("On() error = %v", err)
	}
	var after atomic.Int32
	if _, err := client.On(EventDisconnect, HandlerFunc(func(Event) { after.Add(1) })); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	router.Dispatch(bus.Event{Kind: bus.KindDisconnect, Identity: "abc123", Cause: "EOF"})

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close() from handler error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("handler not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	if after.Load() != 0 {
		t.Error("listener after Close was invoked")
	}
}
