// Package natsclient manages the NATS connection the bus network and the
// configuration manager share.
//
// Client wraps nats.go with a circuit breaker: after a threshold of failures
// without a success in between, Connect and EnsureBucket fail fast with
// ErrCircuitOpen until the trip has run out. Each trip lasts twice as long as
// the previous one. Connection state, RTT, reconnects and breaker transitions
// go to metric.Metrics when WithMetrics is given and to slog always.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("mbus-node-a"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithStateListener(func(s natsclient.State) { ... }),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// KVStore puts timeouts, size limits and typed errors (ErrKVKeyNotFound,
// ErrKVKeyExists, ErrKVRevisionMismatch) around a JetStream key-value bucket,
// and Modify runs a compare-and-swap loop over one key. The network keeps its
// service registry in one bucket, the config manager its shared sections in
// another.
//
// TestServer starts a NATS server with testcontainers for integration tests.
package natsclient
