package httpproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rtcjupyter/gateway/internal/jupyterrest"
	"github.com/rtcjupyter/gateway/internal/wireproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]byte
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(map[string][]byte)} }

func (f *fakeSender) SendTo(peerID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = data
	return true
}

func (f *fakeSender) lastReply(t *testing.T, peerID string) *wireproto.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.sent[peerID]
	require.True(t, ok, "no reply sent to %s", peerID)
	frame, err := wireproto.ParseFrame(raw)
	require.NoError(t, err)
	return frame
}

func TestResolveBodyNilOnWriteMethodBecomesEmptyObject(t *testing.T) {
	assert.Equal(t, []byte("{}"), resolveBody(nil, http.MethodPost))
	assert.Equal(t, []byte("{}"), resolveBody(nil, http.MethodPut))
}

func TestResolveBodyNilOnGetStaysNil(t *testing.T) {
	assert.Nil(t, resolveBody(nil, http.MethodGet))
}

func TestResolveBodyStringUnwrapped(t *testing.T) {
	raw, err := json.Marshal(`{"code":"print(1)"}`)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"code":"print(1)"}`), resolveBody(raw, http.MethodPost))
}

func TestResolveBodyObjectPassesThroughVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"code":"print(1)"}`)
	assert.Equal(t, []byte(raw), resolveBody(raw, http.MethodPost))
}

func TestProxyRequestHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kernels", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":"k1"}]`))
	}))
	defer srv.Close()

	client := jupyterrest.New(srv.URL, "tok")
	sender := newFakeSender()
	proxy := New(client, sender)

	frame := &wireproto.Frame{
		Action:     "sudo_http_request",
		URL:        "/api/kernels",
		Method:     "GET",
		RequestTag: "kernels_list",
		MsgID:      "req-1",
	}
	proxy.ProxyRequest(context.Background(), "peer-1", frame)

	reply := sender.lastReply(t, "peer-1")
	assert.Equal(t, "kernels_list", reply.Action)
	assert.Equal(t, "req-1", reply.MsgID)
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.JSONEq(t, `[{"id":"k1"}]`, string(reply.Data))

	stats := proxy.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestProxyRequestInvalidMethodReplies500(t *testing.T) {
	client := jupyterrest.New("http://unused", "tok")
	sender := newFakeSender()
	proxy := New(client, sender)

	frame := &wireproto.Frame{
		Action:     "sudo_http_request",
		URL:        "/api/kernels",
		Method:     "TRACE",
		RequestTag: "kernels_list",
	}
	proxy.ProxyRequest(context.Background(), "peer-1", frame)

	reply := sender.lastReply(t, "peer-1")
	assert.Equal(t, http.StatusInternalServerError, reply.Status)

	stats := proxy.Stats()
	assert.Equal(t, int64(1), stats.Failed)
}
