package kernelbridge

import (
	"sync"

	"github.com/rtcjupyter/gateway/internal/wireproto"
)

// CommState is the observed state of one Jupyter widget comm. It is
// bookkeeping only -- nothing here rewrites a frame.
type CommState struct {
	InstanceID   string
	TargetName   string
	State        string // "open" or "closed"
	MessageCount int
}

// WidgetState tracks widget comms across all kernels. Purely observational:
// it answers "what widgets does this peer own?" on reconnection. The
// router's Deduplicator does not consult it; it reads comm_id from each
// frame itself.
type WidgetState struct {
	mu    sync.Mutex
	comms map[string]*CommState
}

// NewWidgetState returns an empty WidgetState.
func NewWidgetState() *WidgetState {
	return &WidgetState{comms: make(map[string]*CommState)}
}

// Observe updates bookkeeping for one kernel message already known to carry
// comm semantics (comm_open, comm_msg, comm_close, display_data,
// update_display_data, clear_output). instanceID is the
// resolved owning instance, if any; it may be empty when the message was
// only resolved by broadcast fallback.
func (w *WidgetState) Observe(instanceID string, kmsg *wireproto.KernelMessage) {
	commID, _ := kmsg.Content["comm_id"].(string)
	if commID == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cs, ok := w.comms[commID]
	if !ok {
		cs = &CommState{State: "open"}
		w.comms[commID] = cs
	}
	if instanceID != "" {
		cs.InstanceID = instanceID
	}
	cs.MessageCount++

	switch kmsg.Header.MsgType {
	case "comm_open":
		cs.State = "open"
		if name, ok := kmsg.Content["target_name"].(string); ok {
			cs.TargetName = name
		}
	case "comm_close":
		cs.State = "closed"
	}
}

// ForInstance returns a snapshot of every comm currently attributed to
// instanceID, for answering "what widgets does this peer own?" on
// reconnection.
func (w *WidgetState) ForInstance(instanceID string) map[string]CommState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]CommState)
	for id, cs := range w.comms {
		if cs.InstanceID == instanceID {
			out[id] = *cs
		}
	}
	return out
}

// Count returns the number of tracked comms, for /status.
func (w *WidgetState) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.comms)
}
