package session

// Handler receives session events. The receiver is the invocation context.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// ListenerID identifies a registered listener for Off.
type ListenerID uint64

type listener struct {
	id      ListenerID
	handler Handler
	once    bool
}

// registry holds listeners per event kind in insertion order.
// It is not safe for concurrent use; Client guards it with its mutex.
type registry struct {
	next   ListenerID
	byKind map[EventKind][]listener
}

func newRegistry() *registry {
	return &registry{byKind: make(map[EventKind][]listener)}
}

func (r *registry) add(kind EventKind, h Handler, once bool) ListenerID {
	r.next++
	r.byKind[kind] = append(r.byKind[kind], listener{id: r.next, handler: h, once: once})
	return r.next
}

func (r *registry) remove(kind EventKind, id ListenerID) bool {
	ls := r.byKind[kind]
	for i, l := range ls {
		if l.id == id {
			r.byKind[kind] = append(ls[:i:i], ls[i+1:]...)
			return true
		}
	}
	return false
}

// take returns the handlers to invoke for one event of kind, dropping
// once-listeners from the registry.
func (r *registry) take(kind EventKind) []Handler {
	ls := r.byKind[kind]
	if len(ls) == 0 {
		return nil
	}

	handlers := make([]Handler, 0, len(ls))
	kept := ls[:0:0]
	for _, l := range ls {
		handlers = append(handlers, l.handler)
		if !l.once {
			kept = append(kept, l)
		}
	}
	r.byKind[kind] = kept
	return handlers
}

func (r *registry) count(kind EventKind) int {
	return len(r.byKind[kind])
}

func (r *registry) clear() {
	r.byKind = make(map[EventKind][]listener)
}
