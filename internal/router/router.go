// Package router parses inbound peer frames, deduplicates them, and
// dispatches each to the handler registered for its action.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/rtcjupyter/gateway/internal/wireproto"
	"k8s.io/klog/v2"
)

// Actions a peer frame may carry.
const (
	ActionKernelMessage       = "kernel_message"
	ActionCommMsg             = "comm_msg"
	ActionCommOpen            = "comm_open"
	ActionCommClose           = "comm_close"
	ActionWebsocketConnect    = "websocket_connect"
	ActionWebsocketClose      = "websocket_close"
	ActionSudoHTTPRequest     = "sudo_http_request"
	ActionCanvasData          = "canvas_data"
	ActionYjsDocumentUpdate   = "yjs_document_update"
	ActionYjsAwarenessUpdate  = "yjs_awareness_update"
	ActionYjsRequestState     = "yjs_request_state"
	ActionYjsStateResponse    = "yjs_state_response"
)

// Handler processes one frame from peerID. Route calls it inline, on the
// sending peer's dispatch goroutine, so a slow handler delays that peer's
// later frames: the HTTP proxy handler hands its request to a new
// goroutine, while the kernel bridge handlers open kernel links inline.
type Handler func(peerID string, frame *wireproto.Frame)

// Router is the Frame Router. It owns the dispatch table and the
// deduplicator; it does not own peer transport (that's peerhub.Hub) or any
// handler's internal state.
type Router struct {
	dedup *Deduplicator

	mu       sync.RWMutex
	handlers map[string]Handler

	unknownActions atomic.Int64
	duplicates     atomic.Int64
	dropped        atomic.Int64
}

// New returns a Router backed by dedup, which the caller owns (so tests and
// the supervisor can control its window/Stop lifecycle).
func New(dedup *Deduplicator) *Router {
	return &Router{
		dedup:    dedup,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler invoked for frames carrying the given
// action. The dispatch table is lock-guarded, so Handle may run
// concurrently with Route.
func (r *Router) Handle(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// Route is the router's single inbound operation: parse, classify, dedup,
// dispatch.
func (r *Router) Route(peerID string, raw []byte) {
	frame, err := wireproto.ParseFrame(raw)
	if err != nil {
		klog.V(1).Infof("router: dropping unparseable frame from %s: %v", peerID, err)
		r.dropped.Add(1)
		return
	}

	if r.isDuplicate(frame) {
		klog.V(2).Infof("router: dropping duplicate %s", frame)
		r.duplicates.Add(1)
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[frame.Action]
	r.mu.RUnlock()
	if !ok {
		klog.V(1).Infof("router: no handler for action %q from %s", frame.Action, peerID)
		r.unknownActions.Add(1)
		return
	}
	handler(peerID, frame)
}

// isDuplicate extracts msg_id/comm_id from frames carrying a Jupyter-style
// header and consults the Deduplicator. Frames
// without a header (HTTP proxy, canvas, document frames) are never
// deduplicated -- they have no msg_id to key on, and aren't idempotency
// sensitive the way kernel/comm traffic is.
func (r *Router) isDuplicate(frame *wireproto.Frame) bool {
	if frame.Header == nil || frame.Header.MsgID == "" {
		return false
	}
	commID, _ := frame.ContentString("comm_id")
	return r.dedup.SeenOrMark(frame.Header.MsgID, commID)
}

// Stats is a snapshot of router counters for /status.
type Stats struct {
	UnknownActions int64
	Duplicates     int64
	Dropped        int64
}

func (r *Router) Stats() Stats {
	return Stats{
		UnknownActions: r.unknownActions.Load(),
		Duplicates:     r.duplicates.Load(),
		Dropped:        r.dropped.Load(),
	}
}
