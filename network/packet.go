package network

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
)

// Kind tells messages from replies on the wire.
type Kind string

// Packet kinds
const (
	KindMessage Kind = "message"
	KindReply   Kind = "reply"
)

// Packet is the envelope a routable travels in between nodes. The payload is
// produced by the routable's protocol; everything the bus needs to route and
// correlate it is carried beside it.
type Packet struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Protocol string `json:"protocol,omitempty"`
	Type     uint32 `json:"type,omitempty"`

	// Service and Session name the recipient of a message. ReplyTo is the
	// address of the node waiting for the reply.
	Service string `json:"service,omitempty"`
	Session string `json:"session,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`

	Route         string        `json:"route,omitempty"`
	RetryCount    int           `json:"retry_count,omitempty"`
	NoRetry       bool          `json:"no_retry,omitempty"`
	TimeRemaining time.Duration `json:"time_remaining,omitempty"`

	TraceLevel int    `json:"trace_level,omitempty"`
	Trace      string `json:"trace,omitempty"`

	Payload []byte `json:"payload,omitempty"`

	Errors     []message.Error `json:"errors,omitempty"`
	RetryDelay *time.Duration  `json:"retry_delay,omitempty"`
}

// NewMessagePacket creates a message packet with a fresh id.
func NewMessagePacket() *Packet {
	return &Packet{ID: uuid.NewString(), Kind: KindMessage}
}

// NewReplyPacket creates the reply packet answering p. It keeps p's id and is
// addressed to p's sender.
func NewReplyPacket(p *Packet) *Packet {
	return &Packet{
		ID:         p.ID,
		Kind:       KindReply,
		ReplyTo:    p.ReplyTo,
		TraceLevel: p.TraceLevel,
	}
}

// Marshal encodes the packet as JSON.
func (p *Packet) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WrapFatal(err, "Packet", "Marshal", "encode packet")
	}
	return data, nil
}

// Unmarshal decodes and checks a packet.
func Unmarshal(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WrapInvalid(err, "Packet", "Unmarshal", "decode packet")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the packet can be dispatched.
func (p *Packet) Validate() error {
	var problem string
	switch {
	case p.ID == "":
		problem = "missing id"
	case p.Kind != KindMessage && p.Kind != KindReply:
		problem = fmt.Sprintf("unknown kind %q", p.Kind)
	case p.Kind == KindMessage && p.Session == "":
		problem = "message without session"
	case p.Kind == KindMessage && p.ReplyTo == "":
		problem = "message without reply address"
	}
	if problem != "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Packet", "Validate", problem)
	}
	return nil
}

func (p *Packet) clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	c.Errors = append([]message.Error(nil), p.Errors...)
	return &c
}
