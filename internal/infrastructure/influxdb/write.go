package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSessionEvent = "mqtt_session_event"
	MeasurementFleet        = "mqtt_fleet"
)

// SessionEvent is one routed session event as written to InfluxDB.
type SessionEvent struct {
	Session     string // configured session name
	Kind        string // connect, disconnect, message or error
	Topic       string
	PayloadSize int
	Reconnected bool
	Detail      string // disconnect cause or error text
	Time        time.Time
}

// WriteSessionEvent records one session event.
//
// Tags are the session name and event kind. The topic is a field, not a
// tag, because it is unbounded.
//
// Example:
//
//	client.WriteSessionEvent(influxdb.SessionEvent{
//	    Session: "plant", Kind: "message",
//	    Topic: "plant/line1/temp", PayloadSize: 5,
//	})
func (c *Client) WriteSessionEvent(ev SessionEvent) {
	if !c.IsConnected() {
		return
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	fields := map[string]any{"count": 1}
	switch ev.Kind {
	case "message":
		fields["topic"] = ev.Topic
		fields["payload_bytes"] = ev.PayloadSize
	case "connect":
		fields["reconnected"] = ev.Reconnected
	case "disconnect", "error":
		if ev.Detail != "" {
			fields["detail"] = ev.Detail
		}
	}

	c.writer.WritePoint(write.NewPoint(
		MeasurementSessionEvent,
		map[string]string{
			"session": ev.Session,
			"kind":    ev.Kind,
		},
		fields,
		at,
	))
}

// WriteFleetStatus records how many configured sessions are connected.
func (c *Client) WriteFleetStatus(connected, total int) {
	if !c.IsConnected() {
		return
	}

	c.writer.WritePoint(write.NewPoint(
		MeasurementFleet,
		nil,
		map[string]any{
			"connected": connected,
			"total":     total,
		},
		time.Now(),
	))
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
