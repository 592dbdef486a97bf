// Package dochub fans out Yjs document updates and awareness state between
// peers sharing a notebook document, and persists a debounced snapshot back
// to Jupyter's content API.
package dochub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rtcjupyter/gateway/common"
	"github.com/rtcjupyter/gateway/internal/wireproto"
	"k8s.io/klog/v2"
)

const (
	// DefaultSaveDelay is how long after its last update a document is
	// persisted, restarting the clock on every subsequent update.
	DefaultSaveDelay = 2 * time.Second

	DefaultSnapshotTimeout = 10 * time.Second

	actionDocumentUpdate  = "yjs_document_update"
	actionAwarenessUpdate = "yjs_awareness_update"
	actionRequestState    = "yjs_request_state"
	actionStateResponse   = "yjs_state_response"
)

// Sender is the narrow peer fan-out surface the Document Hub needs; the
// Peer Hub satisfies it directly.
type Sender interface {
	SendTo(peerID string, data []byte) bool
	Broadcast(data []byte, exceptPeerID string) int
}

// Persister writes a notebook snapshot to Jupyter's storage backend.
// jupyterrest.Client satisfies it.
type Persister interface {
	PutContents(ctx context.Context, path string, notebookJSON json.RawMessage) error
}

type document struct {
	mu        sync.Mutex
	saveTimer *time.Timer
	waiter    *common.LatchWithValue[[]byte]
}

// Hub fans out yjs_document_update / yjs_awareness_update frames between
// peers and debounces snapshot persistence per document.
type Hub struct {
	sender    Sender
	persister Persister

	saveDelay       time.Duration
	snapshotTimeout time.Duration

	mu   sync.Mutex
	docs map[string]*document
}

// New returns a Hub with default save delay and snapshot wait timeout.
func New(sender Sender, persister Persister) *Hub {
	return &Hub{
		sender:          sender,
		persister:       persister,
		saveDelay:       DefaultSaveDelay,
		snapshotTimeout: DefaultSnapshotTimeout,
		docs:            make(map[string]*document),
	}
}

// Close stops every pending debounce timer. A save that is already in
// flight is not cancelled: it still waits for a snapshot and persists it.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.docs {
		d.mu.Lock()
		if d.saveTimer != nil {
			d.saveTimer.Stop()
		}
		d.mu.Unlock()
	}
}

func (h *Hub) getOrCreate(docID string) *document {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[docID]
	if !ok {
		d = &document{}
		h.docs[docID] = d
	}
	return d
}

// ApplyUpdate broadcasts an opaque Yjs update to every peer other than its
// sender and restarts the document's save debounce.
func (h *Hub) ApplyUpdate(peerID, docID string, payload []byte) {
	h.broadcastPayload(actionDocumentUpdate, docID, peerID, payload)
	h.scheduleSave(docID)
}

// ApplyAwareness broadcasts opaque cursor/selection awareness state. It
// never schedules a save: awareness is ephemeral presence data, not
// document content.
func (h *Hub) ApplyAwareness(peerID, docID string, payload []byte) {
	h.broadcastPayload(actionAwarenessUpdate, docID, peerID, payload)
}

func (h *Hub) broadcastPayload(action, docID, exceptPeerID string, payload []byte) {
	frame := &wireproto.Frame{
		Action: action,
		DocID:  docID,
		Bytes:  base64.StdEncoding.EncodeToString(payload),
	}
	encoded, err := frame.Encode()
	if err != nil {
		klog.Warningf("dochub: encoding %s for %s: %v", action, docID, err)
		return
	}
	h.sender.Broadcast(encoded, exceptPeerID)
}

// scheduleSave (re)arms the debounce timer for docID. A document has at
// most one pending save at a time: a new update replaces it rather than
// stacking another one behind it.
func (h *Hub) scheduleSave(docID string) {
	d := h.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveTimer != nil {
		d.saveTimer.Stop()
	}
	d.saveTimer = time.AfterFunc(h.saveDelay, func() { h.fireSave(docID) })
}

func (h *Hub) fireSave(docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.snapshotTimeout)
	defer cancel()

	notebookJSON, ok := h.awaitState(ctx, docID)
	if !ok {
		klog.Warningf("dochub: no yjs_state_response for %s within %s, save skipped", docID, h.snapshotTimeout)
		return
	}
	if err := h.persist(ctx, docID, notebookJSON); err != nil {
		klog.Warningf("dochub: persisting %s: %v", docID, err)
	}
}

// awaitState arms a single-winner latch for docID, asks every peer for a
// snapshot, and returns whichever yjs_state_response lands first.
func (h *Hub) awaitState(ctx context.Context, docID string) ([]byte, bool) {
	d := h.getOrCreate(docID)
	latch := common.NewLatchWithValue[[]byte]()
	d.mu.Lock()
	d.waiter = latch
	d.mu.Unlock()

	frame := &wireproto.Frame{Action: actionRequestState, DocID: docID}
	encoded, err := frame.Encode()
	if err != nil {
		klog.Warningf("dochub: encoding %s for %s: %v", actionRequestState, docID, err)
		return nil, false
	}
	h.sender.Broadcast(encoded, "")

	select {
	case <-latch.Done():
		return latch.Wait(), true
	case <-ctx.Done():
		return nil, false
	}
}

// HandleRequestState answers an explicit client request for the current
// document state (e.g. on reconnect): it runs the same ask-every-peer race
// as a debounce-triggered save, then unicasts the winning snapshot back to
// the requester and persists it.
func (h *Hub) HandleRequestState(peerID string, frame *wireproto.Frame) {
	docID := frame.DocID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.snapshotTimeout)
		defer cancel()

		notebookJSON, ok := h.awaitState(ctx, docID)
		if !ok {
			klog.Warningf("dochub: request_state for %s from %s timed out", docID, peerID)
			return
		}

		reply := &wireproto.Frame{
			Action: actionStateResponse,
			DocID:  docID,
			Bytes:  base64.StdEncoding.EncodeToString(notebookJSON),
		}
		encoded, err := reply.Encode()
		if err != nil {
			klog.Warningf("dochub: encoding %s reply for %s: %v", actionStateResponse, docID, err)
			return
		}
		h.sender.SendTo(peerID, encoded)

		if err := h.persist(ctx, docID, notebookJSON); err != nil {
			klog.Warningf("dochub: persisting %s: %v", docID, err)
		}
	}()
}

// HandleStateResponse delivers a peer's yjs_state_response to whichever
// awaitState call is currently waiting on docID, if any. Only the first
// response per save cycle is used; the rest arrive to find no waiter and
// are discarded.
func (h *Hub) HandleStateResponse(_ string, frame *wireproto.Frame) {
	docID := frame.DocID

	h.mu.Lock()
	d, ok := h.docs[docID]
	h.mu.Unlock()
	if !ok {
		return
	}

	d.mu.Lock()
	waiter := d.waiter
	d.waiter = nil
	d.mu.Unlock()
	if waiter == nil {
		return
	}

	notebookJSON, err := base64.StdEncoding.DecodeString(frame.Bytes)
	if err != nil {
		klog.Warningf("dochub: decoding %s for %s: %v", actionStateResponse, docID, err)
		return
	}
	waiter.Trigger(notebookJSON)
}

// HandleDocumentUpdate is the router.Handler for actionDocumentUpdate.
func (h *Hub) HandleDocumentUpdate(peerID string, frame *wireproto.Frame) {
	payload, err := base64.StdEncoding.DecodeString(frame.Bytes)
	if err != nil {
		klog.Warningf("dochub: decoding %s for %s: %v", actionDocumentUpdate, frame.DocID, err)
		return
	}
	h.ApplyUpdate(peerID, frame.DocID, payload)
}

// HandleAwarenessUpdate is the router.Handler for actionAwarenessUpdate.
func (h *Hub) HandleAwarenessUpdate(peerID string, frame *wireproto.Frame) {
	payload, err := base64.StdEncoding.DecodeString(frame.Bytes)
	if err != nil {
		klog.Warningf("dochub: decoding %s for %s: %v", actionAwarenessUpdate, frame.DocID, err)
		return
	}
	h.ApplyAwareness(peerID, frame.DocID, payload)
}

func (h *Hub) persist(ctx context.Context, docID string, notebookJSON []byte) error {
	path := DocumentPath(docID)
	if err := h.persister.PutContents(ctx, path, json.RawMessage(notebookJSON)); err != nil {
		return errors.WithMessagef(err, "saving document %s", docID)
	}
	return nil
}

// Stats summarizes Document Hub activity for the status endpoint.
type Stats struct {
	Documents int
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Documents: len(h.docs)}
}
