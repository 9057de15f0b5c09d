// Package session implements the client side of an MQTT session on top of
// an external transport provider.
//
// A Client owns one routing identity, a connection state machine and a
// listener registry. Protocol commands go to a Provider; lifecycle events
// come back on a shared bus.Router and are filtered by identity before they
// touch the Client.
//
// # Lifecycle
//
//	Fresh → Connecting → Connected ⇄ Disconnected → Closed
//
// Every operation checks the state first. A closed Client rejects
// everything with ErrClosed.
//
// # Events
//
// Listeners registered with On or Once receive ConnectEvent, DisconnectEvent,
// MessageEvent and ErrorEvent values. Connect is the only call that waits
// for the transport; all other outcomes arrive as events.
//
// # Usage
//
//	client, err := session.New("tcp://localhost:1883", provider, router)
//	if err != nil {
//	    return err
//	}
//	client.On(session.EventMessage, session.HandlerFunc(func(ev session.Event) {
//	    msg := ev.(session.MessageEvent)
//	    log.Printf("%s: %x", msg.Topic, msg.Payload)
//	}))
//	if err := client.Connect(ctx, session.ConnectOptions{CleanSession: true}); err != nil {
//	    return err
//	}
//	client.Subscribe([]string{"sensors/#"}, 1)
//	client.Publish("sensors/cmd", payload.Hex("0102"), 0, false)
package session
