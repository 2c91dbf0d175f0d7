// Package retry computes exponential backoff and runs bounded retry loops.
//
// Backoff is the delay sequence alone. The bus uses it to schedule resends of
// messages whose replies carry transient errors; the resend itself happens on
// the bus timer, not here:
//
//	b := retry.Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
//	b.Delay(0) // 100ms
//	b.Delay(3) // 800ms
//
// Do runs a call in a loop with those delays in between. The NATS KV store
// uses it for compare-and-swap updates:
//
//	err := retry.Do(ctx, retry.Config{Attempts: 5, Backoff: b}, func(attempt int) error {
//	    if err := write(); err != nil {
//	        if isConflict(err) {
//	            return err // try again
//	        }
//	        return retry.Permanent(err)
//	    }
//	    return nil
//	})
//
// Waits go through a clock.Clock so tests can use clock.NewMock.
package retry
