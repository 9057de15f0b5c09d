// Package bus demultiplexes the shared transport event stream by session
// identity.
//
// A single transport provider reports connect, disconnect, message and error
// events for every session it hosts onto one Router. Each session registers
// callbacks for its own identity; events addressed to other identities are
// discarded without side effects.
//
// # Delivery
//
// Dispatch never blocks the producer. Matching events are queued on an
// unbounded per-identity mailbox and delivered by a dedicated goroutine, so
// callbacks for one identity see events in production order across all
// kinds, while a slow callback only delays its own identity.
//
// # Usage
//
//	router := bus.NewRouter()
//	defer router.Close()
//
//	router.OnRouted(id, bus.KindMessage, func(ev bus.Event) {
//	    fmt.Println(ev.Topic)
//	})
//	router.Dispatch(bus.Event{Kind: bus.KindMessage, Identity: id, Topic: "a/b"})
package bus
