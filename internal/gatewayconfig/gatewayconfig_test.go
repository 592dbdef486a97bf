package gatewayconfig

import (
	"flag"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	for _, key := range []string{
		"JUPYTER_BASE_URL", "JUPYTER_TOKEN", "GATEWAY_LISTEN_ADDR",
		"GATEWAY_LOG_DIR", "GATEWAY_ICE_STUN_URLS", "GATEWAY_ICE_TURN_URL",
		"GATEWAY_ICE_TURN_USER", "GATEWAY_ICE_TURN_CRED",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadRequiresJupyterBaseURL(t *testing.T) {
	clearGatewayEnv(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	_, err := Load(flags)
	assert.Error(t, err)
}

func TestLoadFallsBackToFlagDefaultsWhenEnvAbsent(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("JUPYTER_BASE_URL", "http://localhost:8888")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8888", cfg.JupyterBaseURL)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Empty(t, cfg.ICEServers)
}

func TestLoadEnvOverridesFlagDefaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("JUPYTER_BASE_URL", "http://localhost:8888")
	t.Setenv("JUPYTER_TOKEN", "secret")
	t.Setenv("GATEWAY_LISTEN_ADDR", ":9999")
	t.Setenv("GATEWAY_ICE_STUN_URLS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("GATEWAY_ICE_TURN_URL", "turn:c.example:3478")
	t.Setenv("GATEWAY_ICE_TURN_USER", "u")
	t.Setenv("GATEWAY_ICE_TURN_CRED", "p")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.JupyterToken)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, []string{"turn:c.example:3478"}, cfg.ICEServers[1].URLs)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
}
