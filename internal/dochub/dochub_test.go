package dochub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rtcjupyter/gateway/internal/wireproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentPath(t *testing.T) {
	assert.Equal(t, "foo/bar.ipynb", DocumentPath("notebook-foo-bar"))
	assert.Equal(t, "foo/bar.ipynb", DocumentPath("notebook-foo-bar.ipynb"))
	assert.Equal(t, "tmp.ipynb", DocumentPath("some-other-id"))
	assert.Equal(t, "tmp.ipynb", DocumentPath(""))
}

type fakeSender struct {
	mu        sync.Mutex
	sentTo    map[string][][]byte
	broadcast [][]byte
	excepts   []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sentTo: make(map[string][][]byte)}
}

func (f *fakeSender) SendTo(peerID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTo[peerID] = append(f.sentTo[peerID], data)
	return true
}

func (f *fakeSender) Broadcast(data []byte, exceptPeerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, data)
	f.excepts = append(f.excepts, exceptPeerID)
	return 1
}

func (f *fakeSender) broadcasts(t *testing.T) []*wireproto.Frame {
	f.mu.Lock()
	raws := append([][]byte(nil), f.broadcast...)
	f.mu.Unlock()

	out := make([]*wireproto.Frame, 0, len(raws))
	for _, raw := range raws {
		frame, err := wireproto.ParseFrame(raw)
		require.NoError(t, err)
		out = append(out, frame)
	}
	return out
}

type fakePersister struct {
	mu    sync.Mutex
	paths []string
	last  json.RawMessage
}

func (f *fakePersister) PutContents(_ context.Context, path string, notebookJSON json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.last = notebookJSON
	return nil
}

func (f *fakePersister) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func TestApplyUpdateBroadcastsToEveryoneButSender(t *testing.T) {
	sender := newFakeSender()
	h := New(sender, &fakePersister{})
	defer h.Close()

	h.ApplyUpdate("peer-1", "notebook-a-b", []byte("update-bytes"))

	frames := sender.broadcasts(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "yjs_document_update", frames[0].Action)
	assert.Equal(t, "notebook-a-b", frames[0].DocID)

	sender.mu.Lock()
	excepts := append([]string(nil), sender.excepts...)
	sender.mu.Unlock()
	assert.Equal(t, []string{"peer-1"}, excepts, "the sender must be excluded from the broadcast")

	decoded, err := base64.StdEncoding.DecodeString(frames[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, "update-bytes", string(decoded))
}

func TestApplyAwarenessNeverSchedulesASave(t *testing.T) {
	sender := newFakeSender()
	persister := &fakePersister{}
	h := New(sender, persister)
	h.saveDelay = time.Millisecond
	h.snapshotTimeout = 20 * time.Millisecond
	defer h.Close()

	h.ApplyAwareness("peer-1", "notebook-a-b", []byte("cursor-at-3"))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, persister.calls(), "awareness updates must never trigger a save")

	frames := sender.broadcasts(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "yjs_awareness_update", frames[0].Action)
}

func TestDebouncedSaveWaitsForStateResponseThenPersists(t *testing.T) {
	sender := newFakeSender()
	persister := &fakePersister{}
	h := New(sender, persister)
	h.saveDelay = 5 * time.Millisecond
	h.snapshotTimeout = time.Second
	defer h.Close()

	h.ApplyUpdate("peer-1", "notebook-a-b", []byte("u1"))

	require.Eventually(t, func() bool {
		for _, f := range sender.broadcasts(t) {
			if f.Action == "yjs_request_state" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "debounce must fire a yjs_request_state broadcast")

	notebookJSON := json.RawMessage(`{"cells":[]}`)
	h.HandleStateResponse("peer-2", &wireproto.Frame{
		Action: "yjs_state_response",
		DocID:  "notebook-a-b",
		Bytes:  base64.StdEncoding.EncodeToString(notebookJSON),
	})

	require.Eventually(t, func() bool {
		return len(persister.calls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a/b.ipynb"}, persister.calls())
}

func TestUpdateWhileSaveAlreadyPendingResetsDebounceInsteadOfStacking(t *testing.T) {
	sender := newFakeSender()
	persister := &fakePersister{}
	h := New(sender, persister)
	h.saveDelay = 30 * time.Millisecond
	h.snapshotTimeout = time.Second
	defer h.Close()

	h.ApplyUpdate("peer-1", "notebook-a-b", []byte("u1"))
	time.Sleep(15 * time.Millisecond)
	h.ApplyUpdate("peer-1", "notebook-a-b", []byte("u2")) // restarts the timer

	// At the original deadline the save must not have fired yet.
	time.Sleep(20 * time.Millisecond)
	for _, f := range sender.broadcasts(t) {
		assert.NotEqual(t, "yjs_request_state", f.Action, "a second update must postpone the save, not run it early")
	}
}

func TestHandleRequestStateUnicastsSnapshotBackToRequester(t *testing.T) {
	sender := newFakeSender()
	persister := &fakePersister{}
	h := New(sender, persister)
	h.snapshotTimeout = time.Second
	defer h.Close()

	h.HandleRequestState("peer-1", &wireproto.Frame{Action: "yjs_request_state", DocID: "notebook-a-b"})

	notebookJSON := json.RawMessage(`{"cells":[]}`)
	require.Eventually(t, func() bool {
		for _, f := range sender.broadcasts(t) {
			if f.Action == "yjs_request_state" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.HandleStateResponse("peer-2", &wireproto.Frame{
		Action: "yjs_state_response",
		DocID:  "notebook-a-b",
		Bytes:  base64.StdEncoding.EncodeToString(notebookJSON),
	})

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sentTo["peer-1"]) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandleStateResponseWithoutAWaiterIsANoOp(t *testing.T) {
	h := New(newFakeSender(), &fakePersister{})
	defer h.Close()

	h.HandleStateResponse("peer-1", &wireproto.Frame{
		Action: "yjs_state_response",
		DocID:  "never-requested",
		Bytes:  base64.StdEncoding.EncodeToString([]byte(`{}`)),
	})
}
