package bus

import (
	"context"
	"sync"
	"time"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/route"
	"github.com/c360/mbus/sequencer"
	"github.com/c360/mbus/throttle"
)

// SourceParams configures a SourceSession.
type SourceParams struct {
	// Name labels the session in logs and metrics. Generated when empty.
	Name string
	// ReplyHandler receives exactly one reply per accepted message.
	ReplyHandler message.ReplyHandler
	// Throttle limits pending messages. The default is a static window.
	Throttle throttle.Policy
	// Timeout is the budget of messages sent without one.
	Timeout time.Duration
}

// Result tells whether Send accepted a message. A rejected message stays with
// the caller and gets no reply.
type Result struct {
	Accepted bool
	Error    message.Error
}

func rejected(code errors.Code, format string, args ...any) Result {
	return Result{Error: message.NewError(code, format, args...)}
}

// SourceSession sends messages and hands their replies to a ReplyHandler on
// the bus messenger.
type SourceSession struct {
	bus      *MessageBus
	name     string
	handler  message.ReplyHandler
	throttle throttle.Policy
	timeout  time.Duration
	seq      *sequencer.Sequencer

	mu        sync.Mutex
	pending   int
	closed    bool
	destroyed bool
	drained   chan struct{}
}

func newSourceSession(b *MessageBus, p SourceParams) *SourceSession {
	s := &SourceSession{
		bus:      b,
		name:     p.Name,
		handler:  p.ReplyHandler,
		throttle: p.Throttle,
		timeout:  p.Timeout,
		drained:  make(chan struct{}),
	}
	sender := message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
		b.routeAsync(msg, s.name)
	})
	opts := []sequencer.Option{sequencer.WithLogger(b.logger.With("session", s.name))}
	if b.metrics != nil {
		opts = append(opts, sequencer.WithMetrics(b.metrics, s.name))
	}
	s.seq = sequencer.New(sender, b.msn, opts...)
	return s
}

// Name returns the session label.
func (s *SourceSession) Name() string {
	return s.name
}

// Send routes msg along r. On acceptance the session owns msg until its reply
// reaches the ReplyHandler.
func (s *SourceSession) Send(msg message.Message, r route.Route) Result {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rejected(errors.SendQueueClosed, "Source session '%s' is closed.", s.name)
	}
	if !s.throttle.CanSend(msg, s.pending) {
		pending := s.pending
		s.mu.Unlock()
		if s.bus.metrics != nil {
			s.bus.metrics.RecordThrottleRejected(s.name)
		}
		return rejected(errors.SendQueueFull, "Too much pending data (%d messages).", pending)
	}
	s.pending++
	s.throttle.ProcessMessage(msg)
	pending := s.pending
	s.mu.Unlock()
	s.recordThrottle(pending)

	now := s.bus.clock.Now()
	msg.SetRoute(r)
	msg.SetTimeReceived(now)
	if msg.TimeRemaining() <= 0 {
		msg.SetTimeRemaining(s.timeout)
	}
	msg.PushFrame(message.Frame{
		OnReply: func(ctx context.Context, reply message.Reply) {
			s.handleReply(ctx, reply, now)
		},
		OnDiscard: func(r message.Routable) {
			s.handleDiscard(r)
		},
	})
	s.seq.HandleMessage(context.Background(), msg)
	return Result{Accepted: true}
}

// SendRoute routes msg along the route called name in its protocol's
// routing table.
func (s *SourceSession) SendRoute(msg message.Message, name string) Result {
	return s.Send(msg, route.ParseRoute("route:"+name))
}

// Pending returns the number of messages sent and not yet replied to.
func (s *SourceSession) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *SourceSession) handleReply(ctx context.Context, reply message.Reply, sent time.Time) {
	s.mu.Lock()
	s.throttle.ProcessReply(reply)
	pending := s.releaseLocked()
	destroyed := s.destroyed
	s.mu.Unlock()
	s.recordThrottle(pending)

	if m := s.bus.metrics; m != nil {
		outcome := "ok"
		if reply.HasErrors() {
			outcome = "error"
		}
		m.RecordReply(s.name, outcome, s.bus.clock.Since(sent))
	}
	if destroyed {
		message.Discard(reply)
		return
	}
	s.handler.HandleReply(ctx, reply)
}

func (s *SourceSession) handleDiscard(r message.Routable) {
	s.mu.Lock()
	if msg, ok := r.(message.Message); ok {
		ack := message.NewEmptyReply()
		ack.SetMessage(msg)
		s.throttle.ProcessReply(ack)
	}
	pending := s.releaseLocked()
	s.mu.Unlock()
	s.recordThrottle(pending)
}

func (s *SourceSession) releaseLocked() int {
	s.pending--
	if s.pending == 0 && s.closed {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
	return s.pending
}

func (s *SourceSession) recordThrottle(pending int) {
	if s.bus.metrics != nil {
		s.bus.metrics.RecordThrottleState(s.name, s.throttle.MaxPendingCount(), pending)
	}
}

// Close stops accepting messages and waits until every pending message has
// been replied to or ctx ends.
func (s *SourceSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.pending == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
	s.mu.Unlock()

	defer s.bus.removeSource(s)
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "SourceSession", "Close", "drain pending messages")
	}
}

// Destroy stops the session without waiting. Messages held by the sequencer
// are discarded and replies still to come are dropped.
func (s *SourceSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.destroyed = true
	s.mu.Unlock()

	s.seq.Destroy()
	s.bus.removeSource(s)
}
