package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/mbus/message"
	"github.com/c360/mbus/metric"
	"github.com/c360/mbus/trace"
)

// Queue is the part of the messenger the sequencer needs. Replies are returned
// and queued sends are released through it, never inline.
type Queue interface {
	EnqueueFunc(run func(ctx context.Context)) bool
	ReturnReply(reply message.Reply) bool
}

// Sequencer holds back messages whose sequence id is already in flight until
// the earlier message has been replied to. Messages without a sequence id pass
// straight through.
type Sequencer struct {
	sender  message.MessageHandler
	queue   Queue
	logger  *slog.Logger
	metrics *metric.Metrics
	name    string

	mu        sync.Mutex
	inFlight  map[uint64][]message.Message
	waiting   int
	destroyed bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports the number of waiting messages under the session label
// name.
func WithMetrics(metrics *metric.Metrics, name string) Option {
	return func(s *Sequencer) {
		s.metrics = metrics
		s.name = name
	}
}

// New creates a Sequencer in front of sender.
func New(sender message.MessageHandler, queue Queue, opts ...Option) *Sequencer {
	s := &Sequencer{
		sender:   sender,
		queue:    queue,
		logger:   slog.Default(),
		inFlight: make(map[uint64][]message.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage sends msg now, or queues it behind the in-flight message with
// the same sequence id.
func (s *Sequencer) HandleMessage(ctx context.Context, msg message.Message) {
	if !msg.HasSequenceID() {
		s.sender.HandleMessage(ctx, msg)
		return
	}

	id := msg.SequenceID()
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		message.Discard(msg)
		return
	}
	if queued, ok := s.inFlight[id]; ok {
		s.inFlight[id] = append(queued, msg)
		s.waiting++
		s.reportLocked()
		s.mu.Unlock()
		msg.Trace().Trace(trace.LevelComponent,
			fmt.Sprintf("Sequencer queued message with sequence id '%d'.", id))
		return
	}
	s.inFlight[id] = nil
	s.mu.Unlock()

	s.send(ctx, id, msg)
}

func (s *Sequencer) send(ctx context.Context, id uint64, msg message.Message) {
	msg.Trace().Trace(trace.LevelComponent,
		fmt.Sprintf("Sequencer sending message with sequence id '%d'.", id))
	msg.PushHandler(message.ReplyHandlerFunc(func(ctx context.Context, reply message.Reply) {
		s.handleReply(ctx, id, reply)
	}))
	s.sender.HandleMessage(ctx, msg)
}

func (s *Sequencer) handleReply(_ context.Context, id uint64, reply message.Reply) {
	reply.Trace().Trace(trace.LevelComponent,
		fmt.Sprintf("Sequencer received reply with sequence id '%d'.", id))

	var next message.Message
	s.mu.Lock()
	if queued := s.inFlight[id]; len(queued) > 0 {
		next = queued[0]
		queued[0] = nil
		s.inFlight[id] = queued[1:]
		s.waiting--
		s.reportLocked()
	} else {
		delete(s.inFlight, id)
	}
	s.mu.Unlock()

	s.queue.ReturnReply(reply)
	if next == nil {
		return
	}
	if !s.queue.EnqueueFunc(func(ctx context.Context) { s.send(ctx, id, next) }) {
		s.logger.Debug("Messenger stopped, discarding sequenced message", "sequence_id", id)
		message.Discard(next)
	}
}

// Waiting returns the number of messages held back.
func (s *Sequencer) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// InFlight returns the number of sequence ids with a message in flight.
func (s *Sequencer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Destroy discards every queued message. Messages already in flight are not
// affected; their replies still pass through.
func (s *Sequencer) Destroy() {
	s.mu.Lock()
	var held []message.Message
	for id, queued := range s.inFlight {
		held = append(held, queued...)
		s.inFlight[id] = nil
	}
	s.waiting = 0
	s.destroyed = true
	s.reportLocked()
	s.mu.Unlock()

	if len(held) > 0 {
		s.logger.Debug("Discarding sequenced messages", "count", len(held))
	}
	for _, msg := range held {
		message.Discard(msg)
	}
}

func (s *Sequencer) reportLocked() {
	if s.metrics != nil {
		s.metrics.RecordSequencedWaiting(s.name, s.waiting)
	}
}
