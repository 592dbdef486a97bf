package kernelbridge

import (
	"encoding/json"

	"github.com/rtcjupyter/gateway/internal/wireproto"
	"k8s.io/klog/v2"
)

// widgetPreflightCode is queued once per process on whichever kernel opens
// first, ensuring the front-end widget stack is importable before the first
// real comm_open arrives. Best effort: log and continue on failure, never
// fatal.
const widgetPreflightCode = `
try:
    import ipywidgets, jupyterlab_widgets, traitlets  # noqa: F401
except ImportError:
    import subprocess, sys
    subprocess.run([sys.executable, "-m", "pip", "install", "-q",
                     "ipywidgets", "jupyterlab_widgets", "traitlets"])
`

// firePreflightOnce queues the widget preflight cell on kernelID's link,
// exactly once for the lifetime of the Bridge.
func (b *Bridge) firePreflightOnce(kernelID string) {
	b.preflightOnce.Do(func() {
		go b.runWidgetPreflight(kernelID)
	})
}

func (b *Bridge) runWidgetPreflight(kernelID string) {
	b.linksMu.Lock()
	link, ok := b.links[kernelID]
	b.linksMu.Unlock()
	if !ok {
		return
	}

	header, err := wireproto.NewHeader("execute_request", "gateway-preflight")
	if err != nil {
		klog.Warningf("kernelbridge: widget preflight skipped, can't build header: %v", err)
		return
	}

	b.preflightMu.Lock()
	b.preflightIDs.Insert(header.MsgID)
	b.preflightMu.Unlock()

	kmsg := wireproto.KernelMessage{
		Header: header,
		Content: map[string]any{
			"code":          widgetPreflightCode,
			"silent":        true,
			"store_history": false,
		},
		Channel: wireproto.ChannelShell,
	}
	encoded, err := json.Marshal(kmsg)
	if err != nil {
		klog.Warningf("kernelbridge: widget preflight skipped, can't encode: %v", err)
		return
	}
	link.enqueue(encoded, false)
	klog.V(1).Infof("kernelbridge: queued widget preflight cell on kernel %s", kernelID)
}
