package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/messenger"
	"github.com/c360/mbus/network"
	"github.com/c360/mbus/routing"
	"github.com/c360/mbus/trace"
)

// inflight maps a packet on the network back to the leaf that sent it.
type inflight struct {
	d    *dispatch
	leaf *routing.Node
}

// dispatch carries one message from resolution to its single reply. Every
// method runs on the bus messenger.
type dispatch struct {
	bus      *MessageBus
	msg      message.Message
	label    string
	root     *routing.Node
	timer    *clock.Timer
	backoff  *clock.Timer
	inflight map[string]*routing.Node
	expired  bool
	finished bool
}

// routeAsync queues msg for routing on the messenger. The top of msg's
// handler stack receives the reply. label names the sending session in
// metrics.
func (b *MessageBus) routeAsync(msg message.Message, label string) {
	b.msn.Enqueue(messenger.NewTask(
		func(ctx context.Context) { b.route(ctx, msg, label) },
		func() { message.Discard(msg) },
	))
}

func (b *MessageBus) route(ctx context.Context, msg message.Message, label string) {
	d := &dispatch{
		bus:      b,
		msg:      msg,
		label:    label,
		inflight: make(map[string]*routing.Node),
	}
	b.live[d] = struct{}{}
	res := routing.NewResolver(*b.tables.Load(), b.policies,
		routing.WithServiceLookup(b.net),
		routing.WithMaxDepth(b.cfg.MaxRouteDepth),
		routing.WithResolverLogger(b.logger))
	d.root = res.NewRoot(msg, msg.Route(), d.done)

	remaining := msg.TimeRemainingNow(b.clock.Now())
	if remaining <= 0 {
		d.expired = true
		d.root.HandleReply(message.NewErrorReply(errors.Timeout,
			"Timed out before the message could be sent."))
		return
	}
	d.timer = b.clock.AfterFunc(remaining, func() {
		b.msn.EnqueueFunc(func(context.Context) { d.expire() })
	})
	msg.Trace().Trace(trace.LevelComponent,
		fmt.Sprintf("Routing message along '%s' from '%s'.", msg.Route(), b.net.Identity()))
	d.send(ctx)
}

// send resolves what is still unresolved and transmits the new leaves.
func (d *dispatch) send(ctx context.Context) {
	b := d.bus
	msg := d.msg
	level := msg.Trace().Level()
	leaves := d.root.Resolve()
	if len(leaves) == 0 {
		return
	}

	payload, err := b.protocols.encode(msg)
	if err != nil {
		e := busError(err, errors.EncodeError)
		for _, leaf := range leaves {
			r := message.NewEmptyReply()
			r.AddError(e)
			leaf.HandleReply(r)
		}
		return
	}

	now := b.clock.Now()
	for _, leaf := range leaves {
		p := network.NewMessagePacket()
		p.Protocol = msg.Protocol()
		p.Type = msg.Type()
		p.Route = leaf.RemainingRoute().String()
		p.RetryCount = msg.RetryCount()
		p.NoRetry = !msg.RetryEnabled()
		p.TimeRemaining = msg.TimeRemainingNow(now)
		p.TraceLevel = level
		p.Payload = payload

		track := !leaf.HasReply()
		if track {
			leaf.Transport = p.ID
			d.inflight[p.ID] = leaf
			b.pending[p.ID] = &inflight{d: d, leaf: leaf}
		}
		service := leaf.ServiceName()
		if err := b.net.Send(ctx, p, service); err != nil {
			if track {
				delete(d.inflight, p.ID)
				delete(b.pending, p.ID)
			}
			e := busError(err, errors.ConnectionError)
			if e.Service == "" {
				e.Service = service
			}
			r := message.NewEmptyReply()
			r.AddError(e)
			leaf.HandleReply(r)
			continue
		}
		if !d.finished {
			msg.Trace().Trace(trace.LevelSendReceive, fmt.Sprintf("Sending message to '%s'.", service))
		}
		if b.metrics != nil {
			b.metrics.RecordMessageSent(d.label, p.Protocol)
		}
	}
}

// done is called by the root node once it has a reply.
func (d *dispatch) done(root *routing.Node) {
	b := d.bus
	reply := root.Reply()
	next := d.msg.RetryCount() + 1

	if !d.expired && d.msg.RetryEnabled() && canRetryReply(b.retry, reply, next) {
		delay := retryDelay(b.retry, reply, next)
		if d.msg.TimeRemainingNow(b.clock.Now()) > delay && root.PrepareForRetry() {
			d.msg.SetRetryCount(next)
			d.msg.Trace().Trace(trace.LevelComponent,
				fmt.Sprintf("Retry %d of message in %s after: %s", next, delay, describeErrors(reply)))
			if b.metrics != nil {
				b.metrics.RecordRetry(d.label)
			}
			d.scheduleRetry(delay)
			return
		}
	}
	d.finish(reply)
}

func (d *dispatch) scheduleRetry(delay time.Duration) {
	b := d.bus
	resend := func(ctx context.Context) {
		if !d.finished {
			d.send(ctx)
		}
	}
	if delay <= 0 {
		b.msn.EnqueueFunc(resend)
		return
	}
	d.backoff = b.clock.AfterFunc(delay, func() { b.msn.EnqueueFunc(resend) })
}

// expire answers the message with a Timeout error. Replies still on their way
// are dropped when they arrive.
func (d *dispatch) expire() {
	if d.finished {
		return
	}
	d.expired = true
	d.forgetInflight()
	if d.bus.metrics != nil {
		d.bus.metrics.RecordTimeout(d.label)
	}
	d.root.HandleReply(message.NewErrorReply(errors.Timeout,
		"Timed out after %s waiting for a reply.", d.msg.TimeRemaining()))
}

func (d *dispatch) forgetInflight() {
	for id := range d.inflight {
		delete(d.bus.pending, id)
		delete(d.inflight, id)
	}
}

// finish hands reply back along the message's handler stack.
func (d *dispatch) finish(reply message.Reply) {
	b := d.bus
	d.stop()
	d.forgetInflight()
	d.root.Release()

	for _, e := range reply.Errors() {
		if b.metrics != nil {
			b.metrics.RecordError(e.Code.String(), e.Code.Class().String())
			if isRoutingFailure(e.Code) {
				b.metrics.RecordRoutingFailure(d.msg.Protocol(), e.Code.String())
			}
		}
	}

	t := d.msg.Trace()
	if rt := reply.Trace(); !rt.IsEmpty() {
		t.Root().AddNode(rt.Root())
	}
	reply.SetTrace(trace.New(t.Level()))
	message.SwapState(d.msg, reply)
	reply.SetMessage(d.msg)
	b.msn.ReturnReply(reply)
}

// discard drops the message without a reply. Used once the messenger is gone.
func (d *dispatch) discard() {
	if d.finished {
		return
	}
	d.stop()
	d.inflight = nil
	d.root.Release()
	message.Discard(d.msg)
}

// stop marks d finished, cancels its timers and drops it from the bus.
func (d *dispatch) stop() {
	d.finished = true
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.backoff != nil {
		d.backoff.Stop()
	}
	delete(d.bus.live, d)
}

func isRoutingFailure(code errors.Code) bool {
	switch code {
	case errors.IllegalRoute, errors.NoServicesForRoute, errors.NoAddressForService,
		errors.UnknownPolicy, errors.PolicyError:
		return true
	}
	return false
}

func describeErrors(reply message.Reply) string {
	errs := reply.Errors()
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
