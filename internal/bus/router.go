package bus

import (
	"sync"
	"sync/atomic"
)

// Logger is the optional logging interface used for callback panics.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
}

// Router fans a shared event stream out to per-identity callbacks.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Callbacks may call back into the Router (including Release).
type Router struct {
	mu        sync.RWMutex
	mailboxes map[Identity]*mailbox
	closed    bool

	discarded atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		mailboxes: make(map[Identity]*mailbox),
	}
}

// SetLogger sets a logger for recovered callback panics.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Router) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// OnRouted registers cb for events of the given kind addressed to id.
//
// Callbacks for the same identity and kind run in registration order.
func (r *Router) OnRouted(id Identity, kind Kind, cb Callback) error {
	if id == "" {
		return ErrEmptyIdentity
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}
	if cb == nil {
		return ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}

	mb, ok := r.mailboxes[id]
	if !ok {
		mb = newMailbox(id, r.getLogger)
		r.mailboxes[id] = mb
		go mb.run()
	}
	mb.add(kind, cb)
	return nil
}

// Dispatch routes ev to the callbacks registered for ev.Identity.
//
// It never blocks. Events for identities with no registration are dropped
// and counted (see Discarded).
func (r *Router) Dispatch(ev Event) {
	r.mu.RLock()
	mb, ok := r.mailboxes[ev.Identity]
	r.mu.RUnlock()

	if !ok || !mb.push(entry{ev: ev}) {
		r.discarded.Add(1)
	}
}

// Post runs fn on the delivery goroutine of id, after every event already
// dispatched to id. It reports false, without running fn, when id has no
// registration.
func (r *Router) Post(id Identity, fn func()) bool {
	if fn == nil {
		return false
	}
	r.mu.RLock()
	mb, ok := r.mailboxes[id]
	r.mu.RUnlock()

	return ok && mb.push(entry{fn: fn})
}

// Release removes every registration for id and drops its undelivered events.
// An event already being delivered finishes; no further events are delivered.
func (r *Router) Release(id Identity) {
	r.mu.Lock()
	mb, ok := r.mailboxes[id]
	delete(r.mailboxes, id)
	r.mu.Unlock()

	if ok {
		mb.stop()
	}
}

// Close releases every identity. Later registrations fail with ErrRouterClosed.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	mailboxes := r.mailboxes
	r.mailboxes = make(map[Identity]*mailbox)
	r.mu.Unlock()

	for _, mb := range mailboxes {
		mb.stop()
	}
}

// Discarded returns the number of events dropped because no identity matched.
func (r *Router) Discarded() uint64 {
	return r.discarded.Load()
}

// Identities returns the number of identities with live registrations.
func (r *Router) Identities() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mailboxes)
}

// entry is one queued item: a routed event, or a function posted with Post.
type entry struct {
	ev Event
	fn func()
}

// mailbox is an unbounded FIFO of entries for one identity, drained by a
// single goroutine.
type mailbox struct {
	id        Identity
	getLogger func() Logger

	mu        sync.Mutex
	queue     []entry
	callbacks map[Kind][]Callback
	stopped   bool

	wake chan struct{}
	done chan struct{}
}

func newMailbox(id Identity, getLogger func() Logger) *mailbox {
	return &mailbox{
		id:        id,
		getLogger: getLogger,
		callbacks: make(map[Kind][]Callback),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (m *mailbox) add(kind Kind, cb Callback) {
	m.mu.Lock()
	m.callbacks[kind] = append(m.callbacks[kind], cb)
	m.mu.Unlock()
}

// push enqueues e and reports whether it was accepted.
func (m *mailbox) push(e entry) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.queue = nil
	m.callbacks = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			e, cbs, ok := m.next()
			if !ok {
				break
			}
			if e.fn != nil {
				m.deliver(func(Event) { e.fn() }, Event{})
				continue
			}
			for _, cb := range cbs {
				m.deliver(cb, e.ev)
			}
		}
	}
}

// next pops the oldest entry together with a snapshot of its callbacks.
func (m *mailbox) next() (entry, []Callback, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || len(m.queue) == 0 {
		return entry{}, nil, false
	}
	e := m.queue[0]
	m.queue[0] = entry{}
	m.queue = m.queue[1:]
	if e.fn != nil {
		return e, nil, true
	}

	cbs := make([]Callback, len(m.callbacks[e.ev.Kind]))
	copy(cbs, m.callbacks[e.ev.Kind])
	return e, cbs, true
}

func (m *mailbox) deliver(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if logger := m.getLogger(); logger != nil {
				logger.Error("bus callback panic recovered",
					"identity", string(m.id),
					"kind", string(ev.Kind),
					"panic", r,
				)
			}
		}
	}()
	cb(ev)
}
