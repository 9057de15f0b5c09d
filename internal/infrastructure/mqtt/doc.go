// Package mqtt is the paho-backed transport provider for MQTT sessions.
//
// A single Provider serves many sessions. Each registered identity gets its
// own paho client, created when the session connects. Everything the broker
// tells us (connection established, connection lost, messages, failed
// operations) is turned into a bus.Event tagged with the identity and handed
// to the EventSink, normally a *bus.Router.
//
// # Event mapping
//
//   - OnConnect: connect event; reconnect is false for the first connection
//     after Connect and true for paho auto-reconnects
//   - ConnectionLost: disconnect event, cause is the error text
//   - Disconnect command: disconnect event, cause "client disconnected"
//   - Default publish handler: message event, payload base64 encoded
//   - Failed subscribe, unsubscribe or publish tokens: error event
//
// # Usage
//
//	router := bus.NewRouter()
//	provider := mqtt.NewProvider(router)
//	defer provider.Close()
//
//	client, err := session.New("tcp://127.0.0.1:1883", provider, router)
//
// # Security Considerations
//
//   - TLS material arrives as base64 PEM and is decoded per connect
//   - TLS 1.2 is the minimum accepted version
//   - Credentials are passed to paho as-is and never logged
package mqtt
