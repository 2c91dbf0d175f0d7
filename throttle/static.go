package throttle

import (
	"sync"

	"github.com/c360/mbus/message"
)

// Policy decides whether a source session may send another message and is
// told about every send and every reply. Implementations are safe for
// concurrent use: the sending goroutine and the messenger consumer both call in.
type Policy interface {
	// CanSend returns true if msg may be sent while pendingCount messages are
	// awaiting replies.
	CanSend(msg message.Message, pendingCount int) bool
	// ProcessMessage records that msg was sent.
	ProcessMessage(msg message.Message)
	// ProcessReply records the reply to a message passed to ProcessMessage and
	// releases whatever that send reserved.
	ProcessReply(reply message.Reply)
	// MaxPendingCount is the current pending limit, 0 when unbounded.
	MaxPendingCount() int
}

// Static admits while both the pending count and the pending size are below
// fixed limits. A non-positive limit is disabled.
type Static struct {
	mu              sync.Mutex
	maxPendingCount int
	maxPendingSize  int64
	pendingSize     int64
	sizes           map[message.Message]int64
}

// NewStatic creates a Static policy.
func NewStatic(maxPendingCount int, maxPendingSize int64) *Static {
	return &Static{
		maxPendingCount: maxPendingCount,
		maxPendingSize:  maxPendingSize,
		sizes:           make(map[message.Message]int64),
	}
}

// CanSend implements Policy.
func (s *Static) CanSend(_ message.Message, pendingCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admits(pendingCount)
}

func (s *Static) admits(pendingCount int) bool {
	if s.maxPendingCount > 0 && pendingCount >= s.maxPendingCount {
		return false
	}
	if s.maxPendingSize > 0 && s.pendingSize >= s.maxPendingSize {
		return false
	}
	return true
}

// ProcessMessage implements Policy.
func (s *Static) ProcessMessage(msg message.Message) {
	size := int64(msg.ApproxSize())
	s.mu.Lock()
	s.sizes[msg] = size
	s.pendingSize += size
	s.mu.Unlock()
}

// ProcessReply implements Policy.
func (s *Static) ProcessReply(reply message.Reply) {
	msg := reply.Message()
	if msg == nil {
		return
	}
	s.mu.Lock()
	if size, ok := s.sizes[msg]; ok {
		delete(s.sizes, msg)
		s.pendingSize -= size
	}
	s.mu.Unlock()
}

// MaxPendingCount implements Policy.
func (s *Static) MaxPendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPendingCount < 0 {
		return 0
	}
	return s.maxPendingCount
}

// SetMaxPendingCount changes the count limit.
func (s *Static) SetMaxPendingCount(n int) {
	s.mu.Lock()
	s.maxPendingCount = n
	s.mu.Unlock()
}

// MaxPendingSize returns the size limit.
func (s *Static) MaxPendingSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPendingSize
}

// SetMaxPendingSize changes the size limit.
func (s *Static) SetMaxPendingSize(n int64) {
	s.mu.Lock()
	s.maxPendingSize = n
	s.mu.Unlock()
}

// PendingSize returns the summed size of unreplied messages.
func (s *Static) PendingSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSize
}
