package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mbus/message"
	"github.com/c360/mbus/metric"
)

// Task is a unit of work for the messenger. Exactly one of its steps is
// called: Run on the consumer goroutine, or Destroy if the messenger stops
// before the task runs. Destroy is not a cleanup after Run; a task that owns a
// routable hands it on or discards it inside Run.
type Task interface {
	Run(ctx context.Context)
	Destroy()
}

type task struct {
	run     func(ctx context.Context)
	destroy func()
}

func (t task) Run(ctx context.Context) {
	if t.run != nil {
		t.run(ctx)
	}
}

func (t task) Destroy() {
	if t.destroy != nil {
		t.destroy()
	}
}

// NewTask builds a Task from its two steps. Either may be nil.
func NewTask(run func(ctx context.Context), destroy func()) Task {
	return task{run: run, destroy: destroy}
}

type consumerKey struct{}

// Messenger runs tasks one at a time, in the order they were enqueued, on a
// single consumer goroutine. Everything the bus does in response to replies
// goes through it, so handlers never run concurrently with each other.
type Messenger struct {
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	started  bool
	stopping bool
	stopped  bool
	done     chan struct{}

	enqueued  atomic.Int64
	executed  atomic.Int64
	destroyed atomic.Int64
	panics    atomic.Int64

	metrics         *Metrics
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for messenger monitoring
type Metrics struct {
	queueDepth prometheus.Gauge
	executed   prometheus.Counter
	panics     prometheus.Counter
	taskTime   prometheus.Histogram
}

// Option configures a Messenger
type Option func(*Messenger)

// WithLogger sets the logger used for recovered panics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Messenger) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetricsRegistry registers messenger metrics, named with prefix, in
// registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry, prefix string) Option {
	return func(m *Messenger) {
		m.metricsRegistry = registry
		m.metricsPrefix = prefix
	}
}

// New creates a messenger. Tasks may be enqueued before Start; they run once
// the consumer starts.
func New(opts ...Option) *Messenger {
	m := &Messenger{
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	if m.metricsRegistry != nil && m.metricsPrefix != "" {
		m.initializeMetrics()
	}
	return m
}

func (m *Messenger) initializeMetrics() {
	prefix := m.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Tasks waiting for the messenger",
	})
	executed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_executed_total",
		Help: "Tasks run by the messenger",
	})
	panics := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_panics_total",
		Help: "Task panics recovered by the messenger",
	})
	taskTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    prefix + "_task_duration_seconds",
		Help:    "Time spent running a single task",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	var registered []string
	for _, c := range []struct {
		name string
		c    prometheus.Collector
	}{
		{"queue_depth", queueDepth},
		{"executed_total", executed},
		{"panics_total", panics},
		{"task_duration_seconds", taskTime},
	} {
		if err := m.metricsRegistry.Register(prefix, c.name, c.c); err != nil {
			m.logger.Warn("Messenger metrics registration failed", "metric", c.name, "error", err)
			for _, name := range registered {
				m.metricsRegistry.Unregister(prefix, name)
			}
			return
		}
		registered = append(registered, c.name)
	}

	m.metrics = &Metrics{
		queueDepth: queueDepth,
		executed:   executed,
		panics:     panics,
		taskTime:   taskTime,
	}
}

// releaseMetrics drops the messenger's collectors from the registry so the
// prefix can be reused.
func (m *Messenger) releaseMetrics() {
	if m.metrics != nil {
		m.metricsRegistry.UnregisterOwner(m.metricsPrefix)
	}
}

// Start launches the consumer goroutine. The context passed to tasks derives
// from ctx.
func (m *Messenger) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if m.stopped {
		return ErrStopped
	}
	m.started = true
	go m.consume(context.WithValue(ctx, consumerKey{}, m))
	return nil
}

// Enqueue adds t to the queue. It is safe to call from any goroutine,
// including from inside a running task. After Stop, t is destroyed at once and
// false is returned.
func (m *Messenger) Enqueue(t Task) bool {
	m.mu.Lock()
	if m.stopping || m.stopped {
		m.mu.Unlock()
		m.destroy(t)
		return false
	}
	m.queue = append(m.queue, t)
	depth := len(m.queue)
	m.cond.Signal()
	m.mu.Unlock()

	m.enqueued.Add(1)
	if m.metrics != nil {
		m.metrics.queueDepth.Set(float64(depth))
	}
	return true
}

// EnqueueFunc enqueues run with no destroy step.
func (m *Messenger) EnqueueFunc(run func(ctx context.Context)) bool {
	return m.Enqueue(NewTask(run, nil))
}

// DeliverMessage hands msg to h on the consumer goroutine. If the messenger
// stops first, msg is discarded.
func (m *Messenger) DeliverMessage(h message.MessageHandler, msg message.Message) bool {
	return m.Enqueue(NewTask(
		func(ctx context.Context) { h.HandleMessage(ctx, msg) },
		func() { message.Discard(msg) },
	))
}

// DeliverReply hands reply to h on the consumer goroutine. If the messenger
// stops first, reply is discarded.
func (m *Messenger) DeliverReply(h message.ReplyHandler, reply message.Reply) bool {
	return m.Enqueue(NewTask(
		func(ctx context.Context) { h.HandleReply(ctx, reply) },
		func() { message.Discard(reply) },
	))
}

// ReturnReply pops the top frame of reply's handler stack on the consumer
// goroutine and invokes it. A reply with an empty stack is discarded.
func (m *Messenger) ReturnReply(reply message.Reply) bool {
	return m.Enqueue(NewTask(
		func(ctx context.Context) {
			f, ok := reply.PopHandler()
			if !ok {
				m.logger.Warn("Reply has no handler, discarding", "protocol", reply.Protocol())
				message.Discard(reply)
				return
			}
			f.HandleReply(ctx, reply)
		},
		func() { message.Discard(reply) },
	))
}

// IsConsumer reports whether ctx belongs to a task running on this
// messenger's consumer.
func (m *Messenger) IsConsumer(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(consumerKey{}).(*Messenger)
	return owner == m
}

// Sync blocks until every task enqueued before the call has run or been
// destroyed. Called with the context of a running task it returns at once.
// The consumer is recognised only by that context: a task calling Sync with
// any other context waits for itself and never returns unless ctx ends.
func (m *Messenger) Sync(ctx context.Context) error {
	if m.IsConsumer(ctx) {
		return nil
	}
	barrier := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(barrier) }) }
	m.Enqueue(NewTask(func(context.Context) { release() }, release))

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the consumer. Tasks still queued are destroyed, not run. Stop
// waits at most timeout for the consumer to finish the task it is running.
func (m *Messenger) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.stopping || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	started := m.started
	m.cond.Broadcast()
	m.mu.Unlock()

	if !started {
		m.drain()
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.releaseMetrics()
		close(m.done)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Done is closed once the consumer has exited.
func (m *Messenger) Done() <-chan struct{} {
	return m.done
}

// Stats returns current messenger statistics
func (m *Messenger) Stats() Stats {
	m.mu.Lock()
	depth := len(m.queue)
	running := m.started && !m.stopped
	m.mu.Unlock()

	return Stats{
		Running:    running,
		QueueDepth: depth,
		Enqueued:   m.enqueued.Load(),
		Executed:   m.executed.Load(),
		Destroyed:  m.destroyed.Load(),
		Panics:     m.panics.Load(),
	}
}

// Stats represents messenger statistics
type Stats struct {
	Running    bool  `json:"running"`
	QueueDepth int   `json:"queue_depth"`
	Enqueued   int64 `json:"enqueued"`
	Executed   int64 `json:"executed"`
	Destroyed  int64 `json:"destroyed"`
	Panics     int64 `json:"panics"`
}

func (m *Messenger) consume(ctx context.Context) {
	defer close(m.done)
	defer m.releaseMetrics()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopping {
			m.cond.Wait()
		}
		if m.stopping {
			m.mu.Unlock()
			m.drain()
			m.mu.Lock()
			m.stopped = true
			m.mu.Unlock()
			return
		}
		t := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		depth := len(m.queue)
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.queueDepth.Set(float64(depth))
		}
		m.execute(ctx, t)
	}
}

func (m *Messenger) execute(ctx context.Context, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			if m.metrics != nil {
				m.metrics.panics.Inc()
			}
			m.logger.Error("Messenger task panicked", "panic", fmt.Sprint(r))
		}
		m.executed.Add(1)
		if m.metrics != nil {
			m.metrics.executed.Inc()
			m.metrics.taskTime.Observe(time.Since(start).Seconds())
		}
	}()
	t.Run(ctx)
}

// drain destroys queued tasks until the queue stays empty; a Destroy step may
// enqueue more work, which is destroyed too.
func (m *Messenger) drain() {
	for {
		m.mu.Lock()
		pending := m.queue
		m.queue = nil
		m.mu.Unlock()

		if len(pending) == 0 {
			break
		}
		for _, t := range pending {
			m.destroy(t)
		}
	}
	if m.metrics != nil {
		m.metrics.queueDepth.Set(0)
	}
}

func (m *Messenger) destroy(t Task) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			if m.metrics != nil {
				m.metrics.panics.Inc()
			}
			m.logger.Error("Messenger task destroy panicked", "panic", fmt.Sprint(r))
		}
	}()
	m.destroyed.Add(1)
	t.Destroy()
}
