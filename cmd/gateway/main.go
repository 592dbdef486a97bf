// Command gateway runs the remote Jupyter execution gateway: it admits
// browser peers over WebRTC (POST /offer), bridges their kernel traffic to a
// local Jupyter server, proxies privileged REST calls, and fans out
// collaborative document state between peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/janpfeifer/must"
	"github.com/rtcjupyter/gateway/internal/gatewayconfig"
	"github.com/rtcjupyter/gateway/internal/supervisor"
	"github.com/rtcjupyter/gateway/internal/version"
	"k8s.io/klog/v2"
)

// AppVersion contains version and Git commit information.
//
// The placeholders are replaced on `git archive` using the `export-subst` attribute.
var AppVersion = version.AppVersion("0.1.0", "$Format:%(describe)$", "$Format:%H$")

var flagVersion = flag.Bool("version", false, "Print version information and exit.")

func main() {
	klog.InitFlags(nil)
	flags := gatewayconfig.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *flagVersion {
		AppVersion.Print()
		return
	}

	cfg, err := gatewayconfig.Load(flags)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Configuration error: %+v\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}
	setUpLogging(cfg.LogDir)
	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(cfg)
	if err := sup.Run(ctx); err != nil {
		klog.Errorf("Gateway failed: %+v", err)
		os.Exit(1)
	}
	klog.Info("Exiting...")
}

// setUpLogging additionally writes logs to a file under logDir, if given.
func setUpLogging(logDir string) {
	if logDir == "" {
		return
	}
	f := must.M1(os.OpenFile(filepath.Join(logDir, "gateway.log"),
		os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644))
	_, _ = f.Write([]byte("\n\n"))
	must.M(flag.Set("logtostderr", "false"))
	must.M(flag.Set("alsologtostderr", "false"))
	klog.SetOutput(io.MultiWriter(f, os.Stderr))
}

func printBanner(cfg *gatewayconfig.Config) {
	title := color.New(color.FgYellow, color.Bold)
	_, _ = title.Fprintf(os.Stderr, "Jupyter gateway %s\n", AppVersion)
	_, _ = fmt.Fprintf(os.Stderr, "  signaling: %s\n", cfg.ListenAddr)
	_, _ = fmt.Fprintf(os.Stderr, "  jupyter:   %s\n", cfg.JupyterBaseURL)
	if len(cfg.ICEServers) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "  ice:       none configured (host candidates only)\n")
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "  ice:       %d server(s)\n", len(cfg.ICEServers))
	}
}
