// Package messenger provides the single-consumer task queue that serializes
// all callback work of a message bus.
//
// # Overview
//
// Replies arrive from the network on arbitrary goroutines. Rather than invoking
// session and policy callbacks from there, the bus enqueues them on a Messenger:
//   - One consumer goroutine runs tasks strictly in enqueue order
//   - The queue is unbounded, so Enqueue never blocks and never fails while running
//   - A panicking task is recovered and logged; the consumer keeps going
//   - On Stop, tasks that have not run get their Destroy step instead; a task
//     that ran never sees Destroy
//
// Because only the consumer mutates reply-side state, routing policies and the
// sequencer need no locks of their own.
//
// # Sync
//
// Sync blocks until all tasks enqueued before it are done:
//
//	m.EnqueueFunc(func(ctx context.Context) { ... })
//	if err := m.Sync(ctx); err != nil {
//	    return err // ctx expired
//	}
//
// Tasks receive a context marked with their messenger. Calling Sync with that
// context returns immediately instead of deadlocking on itself, so a task must
// pass its own ctx on rather than context.Background().
//
// # Observability
//
// Stats is always available. WithMetricsRegistry additionally registers queue
// depth, executed and panic counters and a task duration histogram under the
// prefix as owner. They are unregistered once the consumer exits.
package messenger
