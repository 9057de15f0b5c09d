package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 3 * time.Second

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Timestamp     string            `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Sessions      SessionCounts     `json:"sessions"`
	WebSocket     WSMetrics         `json:"websocket"`
	System        SystemMetrics     `json:"system"`
}

// SessionCounts summarises the fleet.
type SessionCounts struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// SystemMetrics contains host and process statistics. Fields the platform
// cannot report are left zero.
type SystemMetrics struct {
	Goroutines       int     `json:"goroutines"`
	ProcessRSSBytes  uint64  `json:"process_rss_bytes"`
	ProcessCPUPct    float64 `json:"process_cpu_percent"`
	HostMemUsedPct   float64 `json:"host_memory_used_percent"`
	HostMemAvailable uint64  `json:"host_memory_available_bytes"`
	HostLoad1        float64 `json:"host_load1"`
}

// handleHealth reports dependency health, fleet connectivity and system
// statistics. Any failed check makes the status "degraded" with 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Checks:        make(map[string]string, len(s.checks)),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
		System:        collectSystemMetrics(r.Context()),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	for _, st := range s.fleet.Sessions() {
		resp.Sessions.Total++
		if st.State == "connected" {
			resp.Sessions.Connected++
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// collectSystemMetrics samples the process and host. Errors leave the
// affected fields zero.
func collectSystemMetrics(ctx context.Context) SystemMetrics {
	m := SystemMetrics{Goroutines: runtime.NumGoroutine()}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil { // #nosec G115 -- pids fit in int32
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			m.ProcessRSSBytes = info.RSS
		}
		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			m.ProcessCPUPct = pct
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.HostMemUsedPct = vm.UsedPercent
		m.HostMemAvailable = vm.Available
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.HostLoad1 = avg.Load1
	}
	return m
}
