// Package journal persists routed MQTT session events to SQLite.
//
// Every connect, disconnect, message and error event seen by a configured
// session is stored in the session_events table so operators can inspect
// recent traffic through the API. A Retainer prunes events older than the
// configured retention, optionally uploading them to S3-compatible storage
// as NDJSON first.
package journal
