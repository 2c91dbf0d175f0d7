package node

import (
	"context"

	"github.com/c360/mbus/bus"
	"github.com/c360/mbus/config"
	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/protocol/simple"
	"github.com/c360/mbus/route"
)

// StartSessions creates the sessions listed in the configuration. On error
// the sessions created so far stay registered and are destroyed by Close.
func (n *Node) StartSessions() error {
	for _, sc := range n.cfg.Sessions {
		var (
			s   session
			err error
		)
		switch sc.Kind {
		case config.SessionEcho:
			s, err = n.startEcho(sc)
		case config.SessionRelay:
			s, err = n.startRelay(sc)
		default:
			err = errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "StartSessions", "session kind "+sc.Kind)
		}
		if err != nil {
			return err
		}

		n.mu.Lock()
		n.sessions = append(n.sessions, s)
		n.mu.Unlock()
		n.logger.Info("Session started", "session", sc.Name, "kind", sc.Kind)
	}
	return nil
}

// Sessions returns the names of the sessions the node started.
func (n *Node) Sessions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, len(n.sessions))
	for i, s := range n.sessions {
		names[i] = s.Name()
	}
	return names
}

// startEcho answers simple messages with their own value and acknowledges
// everything else with an empty reply.
func (n *Node) startEcho(sc config.SessionConfig) (*bus.DestinationSession, error) {
	var dst *bus.DestinationSession
	handler := message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
		if m, ok := msg.(*simple.Message); ok {
			dst.Reply(simple.Answer(m, m.Value))
			return
		}
		dst.Acknowledge(msg)
	})

	var err error
	dst, err = n.bus.CreateDestinationSession(bus.DestinationParams{
		Name:           sc.Name,
		MessageHandler: handler,
	})
	return dst, err
}

// startRelay forwards every message, along sc.Route when set and along the
// rest of its own route otherwise. Replies travel back unchanged.
func (n *Node) startRelay(sc config.SessionConfig) (*bus.IntermediateSession, error) {
	var relay *bus.IntermediateSession
	next := route.ParseRoute(sc.Route)

	msgHandler := message.MessageHandlerFunc(func(_ context.Context, msg message.Message) {
		if !next.IsEmpty() {
			msg.SetRoute(next)
		}
		relay.Forward(msg)
	})
	replyHandler := message.ReplyHandlerFunc(func(_ context.Context, reply message.Reply) {
		relay.Forward(reply)
	})

	var err error
	relay, err = n.bus.CreateIntermediateSession(bus.IntermediateParams{
		Name:           sc.Name,
		MessageHandler: msgHandler,
		ReplyHandler:   replyHandler,
	})
	return relay, err
}
