// Package metric provides Prometheus-based metrics collection and an HTTP
// server for bus monitoring.
//
// The package offers a metrics registry managing both the core bus metrics
// (traffic, replies, throttling, routing, NATS health) and metrics registered
// by individual components such as the messenger. Each MetricsRegistry owns a
// private prometheus.Registry, so several buses can coexist in one process.
//
// # Architecture
//
//  1. Core Metrics: bus-level metrics registered automatically (Metrics type)
//  2. Component Registry: collectors registered under an owner name
//     (MetricsRegistry.Register)
//  3. HTTP Server: Prometheus endpoint plus a health endpoint (Server type)
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry,
//	    metric.WithHealthHandler(healthHandler))
//
//	g.Go(func() error { return server.Serve(ctx) }) // returns once ctx ends
//
//	core := registry.CoreMetrics()
//	core.RecordMessageSent("feeder", "simple")
//	core.RecordThrottleState("feeder", window, pending)
//
// # Core Metrics
//
// All core metrics use the mbus namespace:
//
//   - mbus_messages_sent_total, mbus_messages_received_total{session,protocol}
//   - mbus_replies_delivered_total{session,outcome}, mbus_replies_latency_seconds
//   - mbus_errors_total{code,class}
//   - mbus_messages_retries_total, mbus_messages_timeouts_total
//   - mbus_throttle_rejected_total, mbus_throttle_window, mbus_throttle_pending
//   - mbus_sequencer_waiting
//   - mbus_routing_failures_total{protocol,code}, mbus_routing_table_swaps_total
//   - mbus_nats_connected, mbus_nats_rtt_milliseconds, mbus_nats_reconnects_total,
//     mbus_nats_circuit_breaker
//
// # Component Metrics
//
// Components register their own collectors under an owner name. Registering the
// same owner and name twice returns an invalid-class error; a Prometheus name
// clash across owners is reported the same way:
//
//	depth := prometheus.NewGauge(prometheus.GaugeOpts{
//	    Name: "mbus_messenger_queue_depth",
//	    Help: "Tasks waiting for the messenger",
//	})
//	if err := registry.Register("mbus_messenger", "queue_depth", depth); err != nil {
//	    return err
//	}
//
// UnregisterOwner removes everything an owner registered. The messenger calls
// it when its consumer exits, so a new bus can reuse the names.
//
// # Thread Safety
//
// MetricsRegistry is safe for concurrent use. Prometheus collectors are
// themselves concurrency safe.
package metric
