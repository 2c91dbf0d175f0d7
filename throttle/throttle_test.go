package throttle

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
)

type sizedMessage struct {
	message.BaseMessage
	size int
}

func (*sizedMessage) Protocol() string { return "test" }
func (*sizedMessage) Type() uint32     { return 1 }
func (m *sizedMessage) ApproxSize() int {
	if m.size == 0 {
		return 1
	}
	return m.size
}

func replyTo(msg message.Message) message.Reply {
	r := message.NewEmptyReply()
	r.SetMessage(msg)
	return r
}

func errorReplyTo(msg message.Message) message.Reply {
	r := message.NewErrorReply(errors.SessionBusy, "busy")
	r.SetMessage(msg)
	return r
}

func TestStatic_MaxPendingCount(t *testing.T) {
	p := NewStatic(10, 0)

	var sent []message.Message
	for i := 0; i < 10; i++ {
		msg := &sizedMessage{}
		require.True(t, p.CanSend(msg, len(sent)), "send %d", i)
		p.ProcessMessage(msg)
		sent = append(sent, msg)
	}

	assert.False(t, p.CanSend(&sizedMessage{}, len(sent)))

	p.ProcessReply(replyTo(sent[0]))
	sent = sent[1:]
	assert.True(t, p.CanSend(&sizedMessage{}, len(sent)))
	assert.Equal(t, 10, p.MaxPendingCount())
}

func TestStatic_MaxPendingSize(t *testing.T) {
	p := NewStatic(0, 250)

	var sent []message.Message
	for i := 0; i < 3; i++ {
		msg := &sizedMessage{size: 100}
		require.True(t, p.CanSend(msg, len(sent)))
		p.ProcessMessage(msg)
		sent = append(sent, msg)
	}
	assert.Equal(t, int64(300), p.PendingSize())
	assert.False(t, p.CanSend(&sizedMessage{size: 1}, len(sent)))

	p.ProcessReply(replyTo(sent[1]))
	assert.Equal(t, int64(200), p.PendingSize())
	assert.True(t, p.CanSend(&sizedMessage{size: 1}, len(sent)-1))

	// unknown or detached messages release nothing
	p.ProcessReply(replyTo(sent[1]))
	p.ProcessReply(message.NewEmptyReply())
	assert.Equal(t, int64(200), p.PendingSize())
}

func TestStatic_DisabledLimits(t *testing.T) {
	p := NewStatic(-1, 0)
	assert.True(t, p.CanSend(&sizedMessage{}, 1_000_000))
	assert.Zero(t, p.MaxPendingCount())

	p.SetMaxPendingCount(2)
	assert.False(t, p.CanSend(&sizedMessage{}, 2))
	p.SetMaxPendingSize(5)
	assert.Equal(t, int64(5), p.MaxPendingSize())
}

func TestRate_TokenBucket(t *testing.T) {
	mock := clock.NewMock()
	p := NewRate(10, 0, mock)

	msg := &sizedMessage{}
	require.True(t, p.CanSend(msg, 0))
	p.ProcessMessage(msg)
	assert.False(t, p.CanSend(&sizedMessage{}, 1), "bucket drained")

	mock.Add(150 * time.Millisecond)
	assert.True(t, p.CanSend(&sizedMessage{}, 1))
}

func TestRate_PendingCeiling(t *testing.T) {
	mock := clock.NewMock()
	p := NewRate(1000, 2, mock)

	assert.True(t, p.CanSend(&sizedMessage{}, 1))
	assert.False(t, p.CanSend(&sizedMessage{}, 2))
	assert.Equal(t, 2, p.MaxPendingCount())
}

func TestRate_SetRate(t *testing.T) {
	mock := clock.NewMock()
	p := NewRate(1, 0, mock)

	msg := &sizedMessage{}
	p.ProcessMessage(msg)
	mock.Add(200 * time.Millisecond)
	assert.False(t, p.CanSend(&sizedMessage{}, 0))

	p.SetRate(100)
	mock.Add(200 * time.Millisecond)
	assert.True(t, p.CanSend(&sizedMessage{}, 0))
}

// roundTrip sends as many messages as the policy admits, advances the clock by
// latency and replies to all of them.
func roundTrip(p *Dynamic, mock *clock.Mock, latency time.Duration, fail bool) int {
	var sent []message.Message
	for {
		msg := &sizedMessage{}
		if !p.CanSend(msg, len(sent)) {
			break
		}
		p.ProcessMessage(msg)
		sent = append(sent, msg)
	}
	mock.Add(latency)
	for _, msg := range sent {
		if fail {
			p.ProcessReply(errorReplyTo(msg))
		} else {
			p.ProcessReply(replyTo(msg))
		}
	}
	return len(sent)
}

func TestDynamic_StartsAtMinimum(t *testing.T) {
	p := NewDynamic(DynamicConfig{MinWindow: 5, MaxWindow: 50}, clock.NewMock())
	assert.Equal(t, 5.0, p.WindowSize())
	assert.Equal(t, 5, p.MaxPendingCount())
}

func TestDynamic_ConstantLatencyStaysWithinBounds(t *testing.T) {
	mock := clock.NewMock()
	cfg := DynamicConfig{MinWindow: 5, MaxWindow: 40, Increment: 5, ResizeRate: 1}
	p := NewDynamic(cfg, mock)

	prev := p.WindowSize()
	for i := 0; i < 50; i++ {
		n := roundTrip(p, mock, 10*time.Millisecond, false)
		assert.Positive(t, n)

		w := p.WindowSize()
		assert.GreaterOrEqual(t, w, cfg.MinWindow)
		assert.LessOrEqual(t, w, cfg.MaxWindow)
		assert.GreaterOrEqual(t, w, prev, "round %d shrank the window", i)
		prev = w
	}
	assert.Equal(t, cfg.MaxWindow, p.WindowSize())
	assert.Equal(t, 10*time.Millisecond, p.MinLatency())
}

func TestDynamic_BacksOffOnErrors(t *testing.T) {
	mock := clock.NewMock()
	p := NewDynamic(DynamicConfig{MinWindow: 5, MaxWindow: 100, Increment: 5, ResizeRate: 1}, mock)
	p.SetWindowSize(20)

	n := roundTrip(p, mock, 10*time.Millisecond, true)
	assert.Equal(t, 20, n)
	// min(20*0.9, 20-2*5)
	assert.Equal(t, 10.0, p.WindowSize())

	for i := 0; i < 10; i++ {
		roundTrip(p, mock, 10*time.Millisecond, true)
	}
	assert.Equal(t, 5.0, p.WindowSize(), "never below the minimum")
}

func TestDynamic_BacksOffWhenLatencyOutgrowsWindow(t *testing.T) {
	mock := clock.NewMock()
	p := NewDynamic(DynamicConfig{MinWindow: 10, MaxWindow: 100, Increment: 10, ResizeRate: 1}, mock)

	roundTrip(p, mock, 10*time.Millisecond, false)
	require.Equal(t, 20.0, p.WindowSize())

	roundTrip(p, mock, 10*time.Millisecond, false)
	require.Equal(t, 30.0, p.WindowSize())

	// latency x5 while the window did not grow at all
	roundTrip(p, mock, 50*time.Millisecond, false)
	assert.Less(t, p.WindowSize(), 30.0)
}

func TestDynamic_IdleReset(t *testing.T) {
	mock := clock.NewMock()
	p := NewDynamic(DynamicConfig{
		MinWindow: 2, MaxWindow: 100, Increment: 5,
		IdleTime: time.Minute, DecayTime: 5 * time.Second,
	}, mock)
	p.SetWindowSize(50)

	mock.Add(61 * time.Second)
	p.CanSend(&sizedMessage{}, 0)
	assert.Equal(t, 5.0, p.WindowSize())
}

func TestDynamic_DecayShrinksProportionally(t *testing.T) {
	mock := clock.NewMock()
	p := NewDynamic(DynamicConfig{
		MinWindow: 2, MaxWindow: 100, Increment: 5,
		IdleTime: time.Minute, DecayTime: 5 * time.Second,
	}, mock)
	p.SetWindowSize(40)

	mock.Add(10 * time.Second)
	p.CanSend(&sizedMessage{}, 1)
	assert.InDelta(t, 20.0, p.WindowSize(), 1e-9)

	// shrinking still respects the minimum
	mock.Add(59 * time.Second)
	p.CanSend(&sizedMessage{}, 1)
	assert.Equal(t, 2.0, p.WindowSize())
}

func TestDynamic_WeightScalesGrowth(t *testing.T) {
	mock := clock.NewMock()
	light := NewDynamic(DynamicConfig{MinWindow: 10, MaxWindow: 1000, Increment: 10, Weight: 1, ResizeRate: 1}, mock)
	heavy := NewDynamic(DynamicConfig{MinWindow: 10, MaxWindow: 1000, Increment: 10, Weight: 3, ResizeRate: 1}, mock)

	for i := 0; i < 3; i++ {
		roundTrip(light, mock, 10*time.Millisecond, false)
		roundTrip(heavy, mock, 10*time.Millisecond, false)
	}
	assert.Equal(t, 40.0, light.WindowSize())
	assert.Equal(t, 100.0, heavy.WindowSize())
}

func TestDynamic_FractionalWindowAdmission(t *testing.T) {
	p := NewDynamic(DynamicConfig{MinWindow: 1, MaxWindow: 10}, clock.NewMock())
	p.SetWindowSize(3.5)

	assert.True(t, p.CanSend(&sizedMessage{}, 2))
	assert.False(t, p.CanSend(&sizedMessage{}, 4))
	assert.Equal(t, 3, p.MaxPendingCount())
}

func TestDynamic_StaticCeiling(t *testing.T) {
	p := NewDynamic(DynamicConfig{MinWindow: 50, MaxWindow: 100}, clock.NewMock())
	p.SetMaxPendingCount(3)
	assert.False(t, p.CanSend(&sizedMessage{}, 3))
	assert.True(t, p.CanSend(&sizedMessage{}, 2))
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    any
		wantErr bool
	}{
		{name: "static", cfg: Config{Policy: KindStatic, MaxPendingCount: 10}, want: &Static{}},
		{name: "rate", cfg: Config{Policy: KindRate, RatePerSecond: 5}, want: &Rate{}},
		{name: "dynamic", cfg: Config{Policy: KindDynamic}, want: &Dynamic{}},
		{name: "empty means dynamic", cfg: Config{}, want: &Dynamic{}},
		{name: "rate without rate", cfg: Config{Policy: KindRate}, wantErr: true},
		{name: "unknown", cfg: Config{Policy: "adaptive"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromConfig(tt.cfg, clock.NewMock())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}
}

func TestFromConfig_DynamicCeiling(t *testing.T) {
	p, err := FromConfig(Config{MaxPendingCount: 4, Dynamic: DynamicConfig{MinWindow: 10}}, nil)
	require.NoError(t, err)
	assert.False(t, p.CanSend(&sizedMessage{}, 4))
}
