package health

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"http url", "probe https://ops.example.com/v1/health failed", "probe [URL] failed"},
		{"path", "failed to open /etc/mbus/config.yaml", "failed to open [PATH]"},
		{"ip", "timeout connecting to 10.0.0.7", "timeout connecting to [IP]"},
		{"port", "failed to bind to :9090", "failed to bind to [PORT]"},
		{"credential", "auth failed with token=abc123", "auth failed with [REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sanitize(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	ok := FromError("network", nil, "Connected")
	assert.True(t, ok.IsHealthy())
	assert.Equal(t, "Connected", ok.Message)

	bad := FromError("network", stderrors.New("dial nats://10.1.2.3:4222 refused"), "Connected")
	assert.True(t, bad.IsUnhealthy())
	assert.False(t, bad.Healthy)
	assert.Equal(t, "dial [URL] refused", bad.Message)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		subs    []Status
		state   string
		message string
	}{
		{"none", nil, StateHealthy, "nothing monitored"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy, "2 parts healthy"},
		{"degraded wins over healthy", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded, "degraded: b"},
		{
			"unhealthy wins",
			[]Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", ""), NewUnhealthy("d", "")},
			StateUnhealthy,
			"unhealthy: b, d; degraded: a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate("bus", tt.subs)
			assert.Equal(t, tt.state, s.Status)
			assert.Equal(t, tt.message, s.Message)
			assert.Len(t, s.SubStatuses, len(tt.subs))
		})
	}
}

func TestStatus_WithSubStatusDoesNotShare(t *testing.T) {
	base := NewHealthy("bus", "").WithSubStatus(NewHealthy("a", ""))
	x := base.WithSubStatus(NewHealthy("x", ""))
	y := base.WithSubStatus(NewHealthy("y", ""))

	require.Len(t, x.SubStatuses, 2)
	require.Len(t, y.SubStatuses, 2)
	assert.Equal(t, "x", x.SubStatuses[1].Component)
	assert.Equal(t, "y", y.SubStatuses[1].Component)
	assert.Len(t, base.SubStatuses, 1)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("nats", "Connected")
	m.Update("messenger", NewDegraded("", "Queue growing"))

	s, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", s.Component)
	assert.False(t, s.Timestamp.IsZero())
	assert.Equal(t, []string{"messenger", "nats"}, m.Parts())

	agg := m.AggregateHealth("bus")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "messenger", agg.SubStatuses[0].Component)

	m.Update("nats", NewUnhealthy("", "Disconnected"))
	assert.True(t, m.AggregateHealth("bus").IsUnhealthy())

	m.Remove("nats")
	m.Remove("messenger")
	assert.Empty(t, m.Parts())
	assert.True(t, m.AggregateHealth("bus").IsHealthy())
}

func TestMonitor_LogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	m := NewMonitor(WithMonitorLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	m.UpdateHealthy("nats", "Connected")
	m.UpdateHealthy("nats", "Still connected")
	m.Update("nats", NewUnhealthy("", "Disconnected"))

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "Health changed"))
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "to=unhealthy")
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.UpdateHealthy("even", "")
			} else {
				m.Update("odd", NewDegraded("", ""))
			}
			_ = m.AggregateHealth("bus")
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.Parts(), 2)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", NewHealthy("bus", "ok"), http.StatusOK},
		{"degraded", NewDegraded("bus", "slow"), http.StatusOK},
		{"unhealthy", NewUnhealthy("bus", "down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Handler(func() Status { return tt.status }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			var got Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status.Status, got.Status)
		})
	}
}
