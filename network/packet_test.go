package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
)

func TestPacket_MarshalUnmarshal(t *testing.T) {
	delay := 250 * time.Millisecond
	p := NewMessagePacket()
	p.Protocol = "simple"
	p.Type = 1
	p.Session = "echo"
	p.ReplyTo = "node-a"
	p.Route = "[All] next"
	p.TimeRemaining = 3 * time.Second
	p.Payload = []byte(`{"value":"hi"}`)
	p.Errors = []message.Error{{Code: errors.Timeout, Message: "late"}}
	p.RetryDelay = &delay

	data, err := p.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPacket_Validate(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		valid  bool
	}{
		{"message", Packet{ID: "1", Kind: KindMessage, Session: "s", ReplyTo: "a"}, true},
		{"reply", Packet{ID: "1", Kind: KindReply}, true},
		{"missing id", Packet{Kind: KindReply}, false},
		{"unknown kind", Packet{ID: "1", Kind: "ping"}, false},
		{"message without session", Packet{ID: "1", Kind: KindMessage, ReplyTo: "a"}, false},
		{"message without reply address", Packet{ID: "1", Kind: KindMessage, Session: "s"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.packet.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsInvalid(err))
			}
		})
	}

	_, err := Unmarshal([]byte("{not json"))
	assert.True(t, errors.IsInvalid(err))
}

func TestNewReplyPacket(t *testing.T) {
	msg := NewMessagePacket()
	msg.ReplyTo = "node-a"
	msg.TraceLevel = 4

	reply := NewReplyPacket(msg)
	assert.Equal(t, msg.ID, reply.ID)
	assert.Equal(t, KindReply, reply.Kind)
	assert.Equal(t, "node-a", reply.ReplyTo)
	assert.Equal(t, 4, reply.TraceLevel)
	assert.NotEqual(t, msg.ID, NewMessagePacket().ID)
}

func TestServiceNames(t *testing.T) {
	assert.Equal(t, "node-a/echo", ServiceName("node-a", "echo"))

	id, session := SplitService("cluster/node-a/echo")
	assert.Equal(t, "cluster/node-a", id)
	assert.Equal(t, "echo", session)

	id, session = SplitService("echo")
	assert.Empty(t, id)
	assert.Equal(t, "echo", session)

	assert.True(t, ValidSessionName("echo-1.v2"))
	for _, bad := range []string{"", "a/b", "a*", "a b", "[x]"} {
		assert.False(t, ValidSessionName(bad), bad)
	}
}
