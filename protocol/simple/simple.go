// Package simple is a small protocol carrying string payloads. The daemon
// and the bus tests use it.
package simple

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360/mbus/message"
	"github.com/c360/mbus/routing"
	"github.com/c360/mbus/routing/policy"
)

// Name is the protocol name.
const Name = "Simple"

// Routable types.
const (
	TypeMessage uint32 = 1
	TypeReply   uint32 = 2
)

// Message is a message with a string value.
type Message struct {
	message.BaseMessage
	Value string
}

// NewMessage creates a Message.
func NewMessage(value string) *Message {
	return &Message{Value: value}
}

// NewSequencedMessage creates a Message sequenced by id.
func NewSequencedMessage(value string, id uint64) *Message {
	m := &Message{Value: value}
	m.SetSequenceID(id)
	return m
}

// Protocol implements message.Routable.
func (*Message) Protocol() string { return Name }

// Type implements message.Routable.
func (*Message) Type() uint32 { return TypeMessage }

// ApproxSize is the length of the value.
func (m *Message) ApproxSize() int {
	if len(m.Value) == 0 {
		return 1
	}
	return len(m.Value)
}

// Reply is a reply with a string value.
type Reply struct {
	message.BaseReply
	Value string
}

// NewReply creates a Reply.
func NewReply(value string) *Reply {
	return &Reply{Value: value}
}

// Protocol implements message.Routable.
func (*Reply) Protocol() string { return Name }

// Type implements message.Routable.
func (*Reply) Type() uint32 { return TypeReply }

// Answer turns msg into a reply carrying value, ready to be returned along the
// path msg came.
func Answer(msg message.Message, value string) *Reply {
	r := NewReply(value)
	message.SwapState(msg, r)
	r.SetMessage(msg)
	return r
}

type wireMessage struct {
	Value    string  `json:"value"`
	Sequence *uint64 `json:"sequence,omitempty"`
}

type wireReply struct {
	Value string `json:"value"`
}

// Protocol encodes Message and Reply as JSON and creates the built-in routing
// policies plus any added with AddPolicy.
type Protocol struct {
	mu        sync.RWMutex
	factories map[string]routing.PolicyFactory
}

// New creates the protocol with the built-in policies.
func New() *Protocol {
	return &Protocol{factories: policy.Factories()}
}

// AddPolicy registers factory under name, replacing any policy of that name.
func (p *Protocol) AddPolicy(name string, factory routing.PolicyFactory) {
	p.mu.Lock()
	p.factories[name] = factory
	p.mu.Unlock()
}

// Name implements bus.Protocol.
func (p *Protocol) Name() string { return Name }

// Encode implements bus.Protocol.
func (p *Protocol) Encode(r message.Routable) ([]byte, error) {
	switch v := r.(type) {
	case *Message:
		w := wireMessage{Value: v.Value}
		if v.HasSequenceID() {
			id := v.SequenceID()
			w.Sequence = &id
		}
		return json.Marshal(w)
	case *Reply:
		return json.Marshal(wireReply{Value: v.Value})
	default:
		return nil, fmt.Errorf("unsupported routable %T", r)
	}
}

// Decode implements bus.Protocol.
func (p *Protocol) Decode(typ uint32, payload []byte) (message.Routable, error) {
	switch typ {
	case TypeMessage:
		var w wireMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		m := NewMessage(w.Value)
		if w.Sequence != nil {
			m.SetSequenceID(*w.Sequence)
		}
		return m, nil
	case TypeReply:
		var w wireReply
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		return NewReply(w.Value), nil
	default:
		return nil, fmt.Errorf("unknown type %d", typ)
	}
}

// CreatePolicy implements bus.Protocol.
func (p *Protocol) CreatePolicy(name, param string) (routing.Policy, error) {
	p.mu.RLock()
	factory, ok := p.factories[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no policy named %q", name)
	}
	return factory(param)
}
