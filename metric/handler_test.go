package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbus/errors"
)

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().MessagesSent.WithLabelValues("client", "Simple").Add(3)
	healthy := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	ts := httptest.NewServer(NewServer(0, "", registry, WithHealthHandler(healthy)).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + DefaultPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)

	sent, ok := families["mbus_messages_sent_total"]
	require.True(t, ok, "core metrics are exposed")
	assert.Equal(t, dto.MetricType_COUNTER, sent.GetType())
	require.Len(t, sent.GetMetric(), 1)
	assert.Equal(t, 3.0, sent.GetMetric()[0].GetCounter().GetValue())
	_, ok = families["go_goroutines"]
	assert.True(t, ok, "runtime collectors are registered")

	h, err := http.Get(ts.URL + HealthPath)
	require.NoError(t, err)
	defer h.Body.Close()
	body, err := io.ReadAll(h.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "healthy")
}

func TestServer_DefaultHealth(t *testing.T) {
	ts := httptest.NewServer(NewServer(0, "/m", NewMetricsRegistry()).Handler())
	defer ts.Close()

	h, err := http.Get(ts.URL + HealthPath)
	require.NoError(t, err)
	defer h.Body.Close()
	body, _ := io.ReadAll(h.Body)
	assert.Equal(t, "OK", string(body))
}

func TestServer_ServeUntilCanceled(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, s.Listening, 2*time.Second, 10*time.Millisecond)
	addr := s.Address()
	assert.False(t, strings.Contains(addr, ":0/"), "address names the bound port")

	resp, err := http.Get(addr)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownGrace + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, s.Listening())
}

func TestServer_ServeWithoutRegistry(t *testing.T) {
	err := NewServer(0, "", nil).Serve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
