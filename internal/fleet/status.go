package fleet

import (
	"context"
	"time"
)

// Status is a point-in-time view of one session.
type Status struct {
	Name          string     `json:"name"`
	Identity      string     `json:"identity"`
	ClientID      string     `json:"client_id"`
	Broker        string     `json:"broker"`
	State         string     `json:"state"`
	Subscriptions []string   `json:"subscriptions"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	Reconnects    int        `json:"reconnects"`
	Messages      uint64     `json:"messages"`
	LastError     string     `json:"last_error,omitempty"`
}

// Sessions returns the status of every session in configuration order.
func (f *Fleet) Sessions() []Status {
	out := make([]Status, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.sessions[name].status())
	}
	return out
}

// Session returns the status of one session.
func (f *Fleet) Session(name string) (Status, bool) {
	m, ok := f.sessions[name]
	if !ok {
		return Status{}, false
	}
	return m.status(), true
}

// Connected returns how many sessions are connected and the fleet size.
func (f *Fleet) Connected() (connected, total int) {
	for _, m := range f.sessions {
		if m.client.IsConnected() {
			connected++
		}
	}
	return connected, len(f.sessions)
}

func (m *member) status() Status {
	filters := make([]string, len(m.filters))
	copy(filters, m.filters)

	s := Status{
		Name:          m.cfg.Name,
		Identity:      string(m.client.ID()),
		ClientID:      m.clientID,
		Broker:        m.cfg.Broker,
		State:         m.client.State().String(),
		Subscriptions: filters,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connectedAt.IsZero() {
		at := m.connectedAt
		s.ConnectedAt = &at
	}
	s.Reconnects = m.reconnects
	s.Messages = m.messages
	s.LastError = m.lastError
	return s
}

// StatusWriter receives periodic fleet connectivity samples.
// *influxdb.Client implements it.
type StatusWriter interface {
	WriteFleetStatus(connected, total int)
}

// ReportStatus writes the connected session count every interval until ctx
// is cancelled.
func (f *Fleet) ReportStatus(ctx context.Context, w StatusWriter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteFleetStatus(f.Connected())
		}
	}
}
