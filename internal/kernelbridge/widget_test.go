package kernelbridge

import (
	"testing"

	"github.com/rtcjupyter/gateway/internal/wireproto"
	"github.com/stretchr/testify/assert"
)

func TestWidgetStateTracksOpenMessageCountAndClose(t *testing.T) {
	w := NewWidgetState()

	open := &wireproto.KernelMessage{
		Header:  wireproto.Header{MsgType: "comm_open"},
		Content: map[string]any{"comm_id": "c1", "target_name": "jupyter.widget"},
	}
	w.Observe("inst-1", open)

	msg := &wireproto.KernelMessage{
		Header:  wireproto.Header{MsgType: "comm_msg"},
		Content: map[string]any{"comm_id": "c1"},
	}
	w.Observe("inst-1", msg)

	states := w.ForInstance("inst-1")
	cs := states["c1"]
	assert.Equal(t, "jupyter.widget", cs.TargetName)
	assert.Equal(t, "open", cs.State)
	assert.Equal(t, 2, cs.MessageCount)

	closeMsg := &wireproto.KernelMessage{
		Header:  wireproto.Header{MsgType: "comm_close"},
		Content: map[string]any{"comm_id": "c1"},
	}
	w.Observe("inst-1", closeMsg)

	states = w.ForInstance("inst-1")
	assert.Equal(t, "closed", states["c1"].State)
	assert.Equal(t, 1, w.Count())
}

func TestWidgetStateObserveIgnoresMessagesWithoutCommID(t *testing.T) {
	w := NewWidgetState()
	w.Observe("inst-1", &wireproto.KernelMessage{Header: wireproto.Header{MsgType: "display_data"}, Content: map[string]any{}})
	assert.Equal(t, 0, w.Count())
}
