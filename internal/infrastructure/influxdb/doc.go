// Package influxdb writes MQTT session telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Every routed session
// event becomes one mqtt_session_event point tagged with the session name and
// event kind, and the fleet periodically writes an mqtt_fleet point with the
// connected session count.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteSessionEvent(influxdb.SessionEvent{Session: "plant", Kind: "connect"})
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// failures are delivered to the SetOnError callback wrapped in ErrWriteFailed.
// Connection and health check errors are returned directly.
package influxdb
