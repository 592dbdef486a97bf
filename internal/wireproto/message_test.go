package wireproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelForMsgType(t *testing.T) {
	assert.Equal(t, ChannelShell, ChannelForMsgType("execute_request"))
	assert.Equal(t, ChannelControl, ChannelForMsgType("interrupt_request"))
	assert.Equal(t, ChannelStdin, ChannelForMsgType("input_reply"))
	assert.Equal(t, ChannelShell, ChannelForMsgType("some_unknown_type"))
}

func TestParseFrameRoundTrip(t *testing.T) {
	raw := []byte(`{"action":"kernel_message","instanceId":"i1","kernelId":"k1",
		"header":{"msg_id":"m1","msg_type":"execute_request","session":"s1"},
		"content":{"code":"print(1)"}}`)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "kernel_message", f.Action)
	assert.Equal(t, "i1", f.InstanceID)
	require.NotNil(t, f.Header)
	assert.Equal(t, "m1", f.Header.MsgID)

	code, err := f.ContentString("code")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", code)

	_, err = f.Encode()
	require.NoError(t, err)
}

func TestParseFrameMissingAction(t *testing.T) {
	_, err := ParseFrame([]byte(`{"foo":"bar"}`))
	assert.Error(t, err)
}

func TestContentStringNestedPath(t *testing.T) {
	f := &Frame{Content: map[string]any{
		"data": map[string]any{"address": "#heartbeat/ping"},
	}}
	v, err := f.ContentString("data/address")
	require.NoError(t, err)
	assert.Equal(t, "#heartbeat/ping", v)

	_, err = f.ContentString("data/missing")
	assert.Error(t, err)
}

func TestNewHeaderAssignsMsgID(t *testing.T) {
	h, err := NewHeader("execute_request", "session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, h.MsgID)
	assert.Equal(t, "execute_request", h.MsgType)
	assert.Equal(t, ProtocolVersion, h.ProtocolVersion)
}
