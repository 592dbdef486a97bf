// Package gatewayconfig loads the gateway's environment/flag configuration
// into a typed Config.
package gatewayconfig

import (
	"flag"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Config is everything the Supervisor needs to wire the gateway's
// components together.
type Config struct {
	JupyterBaseURL string
	JupyterToken   string
	ListenAddr     string
	LogDir         string
	ICEServers     []webrtc.ICEServer
}

// Flags holds the parsed command-line flag values; Load binds environment
// variables over these defaults, env taking precedence since the gateway is
// meant to run as a container with no interactive flags.
type Flags struct {
	ListenAddr *string
	LogDir     *string
}

// RegisterFlags declares the gateway's command-line flags against fs,
// returning handles Load reads after fs.Parse.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		ListenAddr: fs.String("listen_addr", ":8080", "Address the signaling HTTP server listens on."),
		LogDir:     fs.String("gateway_log_dir", "", "Directory to additionally write logs to, if non-empty."),
	}
}

// Load builds a Config from environment variables, falling back to the
// parsed flag values. JUPYTER_BASE_URL is mandatory; everything else has a
// usable default.
func Load(flags *Flags) (*Config, error) {
	baseURL := os.Getenv("JUPYTER_BASE_URL")
	if baseURL == "" {
		return nil, errors.New("JUPYTER_BASE_URL must be set to the Jupyter server's base URL")
	}

	cfg := &Config{
		JupyterBaseURL: baseURL,
		JupyterToken:   os.Getenv("JUPYTER_TOKEN"),
		ListenAddr:     envOrDefault("GATEWAY_LISTEN_ADDR", *flags.ListenAddr),
		LogDir:         envOrDefault("GATEWAY_LOG_DIR", *flags.LogDir),
		ICEServers:     iceServersFromEnv(),
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// iceServersFromEnv assembles the ICE server list: one STUN-only entry per
// comma-separated GATEWAY_ICE_STUN_URLS, plus one TURN entry if
// GATEWAY_ICE_TURN_URL is set.
func iceServersFromEnv() []webrtc.ICEServer {
	var servers []webrtc.ICEServer

	if stun := os.Getenv("GATEWAY_ICE_STUN_URLS"); stun != "" {
		urls := strings.Split(stun, ",")
		for i, u := range urls {
			urls[i] = strings.TrimSpace(u)
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	if turnURL := os.Getenv("GATEWAY_ICE_TURN_URL"); turnURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turnURL},
			Username:   os.Getenv("GATEWAY_ICE_TURN_USER"),
			Credential: os.Getenv("GATEWAY_ICE_TURN_CRED"),
		})
	}

	return servers
}

// WebRTCConfiguration builds the webrtc.Configuration the Peer Hub admits
// connections with.
func (c *Config) WebRTCConfiguration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.ICEServers}
}
