package bus

import (
	"sort"
	"sync"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/routing"
)

// Protocol encodes the messages and replies of one family of types and
// creates the routing policies its routing tables name.
type Protocol interface {
	// Name is the value Routable.Protocol returns for this protocol's types.
	Name() string
	// Encode serialises a message or reply payload.
	Encode(r message.Routable) ([]byte, error)
	// Decode rebuilds the routable of type typ from payload.
	Decode(typ uint32, payload []byte) (message.Routable, error)
	// CreatePolicy returns the routing policy called name, configured with
	// param, or an error if the protocol has none by that name.
	CreatePolicy(name, param string) (routing.Policy, error)
}

// protocols is the registry of protocols known to a bus.
type protocols struct {
	mu     sync.RWMutex
	byName map[string]Protocol
}

func newProtocols() *protocols {
	return &protocols{byName: make(map[string]Protocol)}
}

func (p *protocols) put(proto Protocol) error {
	if proto == nil || proto.Name() == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MessageBus", "PutProtocol", "protocol has no name")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName[proto.Name()] = proto
	return nil
}

func (p *protocols) get(name string) (Protocol, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proto, ok := p.byName[name]
	return proto, ok
}

func (p *protocols) names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// createPolicy is the routing.Creator behind the bus policy cache.
func (p *protocols) createPolicy(protocol, name, param string) (routing.Policy, error) {
	proto, ok := p.get(protocol)
	if !ok {
		return nil, errors.NewBusError(errors.UnknownProtocol, "Protocol '%s' is not known.", protocol)
	}
	return proto.CreatePolicy(name, param)
}

// encode serialises r with its protocol. EmptyReply has no payload.
func (p *protocols) encode(r message.Routable) ([]byte, error) {
	if r.Protocol() == "" {
		return nil, nil
	}
	proto, ok := p.get(r.Protocol())
	if !ok {
		return nil, errors.NewBusError(errors.UnknownProtocol, "Protocol '%s' is not known.", r.Protocol())
	}
	data, err := proto.Encode(r)
	if err != nil {
		return nil, errors.NewBusError(errors.EncodeError,
			"Protocol '%s' failed to encode type %d: %v", r.Protocol(), r.Type(), err)
	}
	return data, nil
}

func (p *protocols) decodeMessage(protocol string, typ uint32, payload []byte) (message.Message, error) {
	proto, ok := p.get(protocol)
	if !ok {
		return nil, errors.NewBusError(errors.UnknownProtocol, "Protocol '%s' is not known.", protocol)
	}
	r, err := proto.Decode(typ, payload)
	if err != nil {
		return nil, errors.NewBusError(errors.DecodeError,
			"Protocol '%s' failed to decode type %d: %v", protocol, typ, err)
	}
	msg, ok := r.(message.Message)
	if !ok {
		return nil, errors.NewBusError(errors.DecodeError,
			"Protocol '%s' type %d is not a message.", protocol, typ)
	}
	return msg, nil
}

func (p *protocols) decodeReply(protocol string, typ uint32, payload []byte) (message.Reply, error) {
	if protocol == "" {
		return message.NewEmptyReply(), nil
	}
	proto, ok := p.get(protocol)
	if !ok {
		return nil, errors.NewBusError(errors.UnknownProtocol, "Protocol '%s' is not known.", protocol)
	}
	r, err := proto.Decode(typ, payload)
	if err != nil {
		return nil, errors.NewBusError(errors.DecodeError,
			"Protocol '%s' failed to decode type %d: %v", protocol, typ, err)
	}
	reply, ok := r.(message.Reply)
	if !ok {
		return nil, errors.NewBusError(errors.DecodeError,
			"Protocol '%s' type %d is not a reply.", protocol, typ)
	}
	return reply, nil
}

// busError extracts a code and text from err for a reply error.
func busError(err error, fallback errors.Code) message.Error {
	if be, ok := err.(*errors.BusError); ok {
		return message.Error{Code: be.Code, Message: be.Message, Service: be.Service}
	}
	return message.Error{Code: fallback, Message: err.Error()}
}
