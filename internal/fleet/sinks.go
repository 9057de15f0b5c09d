package fleet

import (
	"context"
	"time"

	"github.com/nerrad567/mqttsession/internal/infrastructure/config"
	"github.com/nerrad567/mqttsession/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqttsession/internal/journal"
	"github.com/nerrad567/mqttsession/internal/metrics"
	"github.com/nerrad567/mqttsession/internal/session"
)

// journalWriteTimeout bounds one journal insert.
const journalWriteTimeout = 2 * time.Second

// Event is a session event tagged with the session it came from.
type Event struct {
	Session     string            `json:"session"`
	Identity    string            `json:"identity"`
	Kind        session.EventKind `json:"kind"`
	Topic       string            `json:"topic,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Reconnected bool              `json:"reconnected,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Time        time.Time         `json:"time"`
}

// Sink receives every event of every session. Calls for one session are
// serialised; calls for different sessions may run concurrently.
type Sink interface {
	HandleSessionEvent(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// HandleSessionEvent implements Sink.
func (fn SinkFunc) HandleSessionEvent(ev Event) {
	fn(ev)
}

// JournalSink writes events to the journal.
type JournalSink struct {
	repo   journal.Repository
	logger Logger
}

// NewJournalSink returns a sink that records into repo. Write failures are
// logged when logger is non-nil.
func NewJournalSink(repo journal.Repository, logger Logger) *JournalSink {
	return &JournalSink{repo: repo, logger: logger}
}

// HandleSessionEvent implements Sink.
func (s *JournalSink) HandleSessionEvent(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	rec := &journal.Event{
		Session:     ev.Session,
		Identity:    ev.Identity,
		Kind:        string(ev.Kind),
		Topic:       ev.Topic,
		Payload:     ev.Payload,
		Reconnected: ev.Reconnected,
		Detail:      ev.Detail,
		Time:        ev.Time,
	}
	if err := s.repo.Record(ctx, rec); err != nil && s.logger != nil {
		s.logger.Error("journal write failed", "session", ev.Session, "kind", string(ev.Kind), "error", err)
	}
}

// InfluxSink writes events as InfluxDB points.
type InfluxSink struct {
	client *influxdb.Client
}

// NewInfluxSink returns a sink writing to client. A nil or closed client
// drops events.
func NewInfluxSink(client *influxdb.Client) *InfluxSink {
	return &InfluxSink{client: client}
}

// HandleSessionEvent implements Sink.
func (s *InfluxSink) HandleSessionEvent(ev Event) {
	if !s.client.IsConnected() {
		return
	}
	s.client.WriteSessionEvent(influxdb.SessionEvent{
		Session:     ev.Session,
		Kind:        string(ev.Kind),
		Topic:       ev.Topic,
		PayloadSize: len(ev.Payload),
		Reconnected: ev.Reconnected,
		Detail:      ev.Detail,
		Time:        ev.Time,
	})
}

// MetricsSink updates Prometheus collectors.
type MetricsSink struct {
	collector *metrics.Collector
}

// NewMetricsSink registers every session's subscription filters with c so
// message counts are labelled by the matching filter.
func NewMetricsSink(c *metrics.Collector, sessions []config.SessionConfig) (*MetricsSink, error) {
	for _, s := range sessions {
		filters := make([]string, 0, len(s.Subscriptions))
		for _, sub := range s.Subscriptions {
			filters = append(filters, sub.Topic)
		}
		if err := c.TrackSession(s.Name, filters); err != nil {
			return nil, err
		}
	}
	return &MetricsSink{collector: c}, nil
}

// HandleSessionEvent implements Sink.
func (s *MetricsSink) HandleSessionEvent(ev Event) {
	switch ev.Kind {
	case session.EventConnect:
		s.collector.ObserveConnect(ev.Session, ev.Reconnected)
	case session.EventDisconnect:
		s.collector.ObserveDisconnect(ev.Session)
	case session.EventMessage:
		s.collector.ObserveMessage(ev.Session, ev.Topic, len(ev.Payload))
	case session.EventError:
		s.collector.ObserveError(ev.Session)
	}
}
