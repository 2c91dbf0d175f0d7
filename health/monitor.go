package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger logs state changes of monitored parts to logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor keeps the latest status each part of a node reported. Parts report
// whenever they like; readers aggregate on demand. Safe for concurrent use.
type Monitor struct {
	logger *slog.Logger

	mu    sync.RWMutex
	parts map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{parts: make(map[string]Status)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records status for part, stamping it if needed.
func (m *Monitor) Update(part string, status Status) {
	status.Component = part
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, seen := m.parts[part]
	m.parts[part] = status
	m.mu.Unlock()

	if m.logger == nil || (seen && prev.Status == status.Status) {
		return
	}
	level := slog.LevelInfo
	if !status.IsHealthy() {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "Health changed",
		"part", part, "from", prev.Status, "to", status.Status, "message", status.Message)
}

// UpdateHealthy records part as healthy.
func (m *Monitor) UpdateHealthy(part, message string) {
	m.Update(part, NewHealthy(part, message))
}

// Get returns the last status of part.
func (m *Monitor) Get(part string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.parts[part]
	return status, ok
}

// Remove forgets part.
func (m *Monitor) Remove(part string) {
	m.mu.Lock()
	delete(m.parts, part)
	m.mu.Unlock()
}

// Parts returns the monitored part names in order.
func (m *Monitor) Parts() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.parts))
	for name := range m.parts {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// AggregateHealth combines the statuses of all parts under name, parts
// ordered by name.
func (m *Monitor) AggregateHealth(name string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.parts))
	for _, status := range m.parts {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(name, subs)
}
