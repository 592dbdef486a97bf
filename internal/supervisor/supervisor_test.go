package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rtcjupyter/gateway/internal/gatewayconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(listenAddr string) *gatewayconfig.Config {
	return &gatewayconfig.Config{
		JupyterBaseURL: "http://127.0.0.1:9",
		JupyterToken:   "secret",
		ListenAddr:     listenAddr,
	}
}

func TestCanvasFanOutCounter(t *testing.T) {
	s := New(testConfig(":0"))
	defer s.teardown()

	frame := []byte(`{"action": "canvas_data", "shapes": [{"x": 1, "y": 2}]}`)
	s.router.Route("peer-a", frame)
	s.router.Route("peer-a", frame)

	status, err := json.Marshal(s.Status())
	require.NoError(t, err)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(status, &snapshot))
	assert.EqualValues(t, 2, snapshot["canvasFrames"])
	assert.EqualValues(t, 0, snapshot["peers"])
}

func TestStatusSnapshotShape(t *testing.T) {
	s := New(testConfig(":0"))
	defer s.teardown()

	encoded, err := json.Marshal(s.Status())
	require.NoError(t, err)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(encoded, &snapshot))
	for _, key := range []string{"peers", "router", "kernels", "proxy", "documents", "canvasFrames"} {
		assert.Contains(t, snapshot, key)
	}
}

func TestRunFailsOnOccupiedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	s := New(testConfig(listener.Addr().String()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding signaling listener")
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	s := New(testConfig("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * ShutdownGrace):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestUnknownActionIsCountedNotFatal(t *testing.T) {
	s := New(testConfig(":0"))
	defer s.teardown()

	s.router.Route("peer-a", []byte(`{"action": "no_such_action"}`))
	stats := s.router.Stats()
	assert.EqualValues(t, 1, stats.UnknownActions)
}
