package kernelbridge

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rtcjupyter/gateway/internal/jupyterrest"
	"k8s.io/klog/v2"
)

// DefaultValidationInterval is how often open kernel links are checked
// against the Jupyter server. This is a liveness sweep, not a full session
// manager: it only confirms a tracked kernel still exists.
const DefaultValidationInterval = 30 * time.Second

// StartValidation launches a background loop that periodically confirms
// every kernel the bridge holds a link to still exists on the Jupyter
// server, tearing down (and notifying peers about) any that don't. It
// returns immediately; the loop exits once ctx is cancelled.
func (b *Bridge) StartValidation(ctx context.Context, interval time.Duration) {
	go b.validationLoop(ctx, interval)
}

func (b *Bridge) validationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.validateOnce(ctx)
		}
	}
}

func (b *Bridge) validateOnce(ctx context.Context) {
	b.linksMu.Lock()
	kernelIDs := make([]string, 0, len(b.links))
	for id := range b.links {
		kernelIDs = append(kernelIDs, id)
	}
	b.linksMu.Unlock()

	for _, id := range kernelIDs {
		reqCtx, cancel := context.WithTimeout(ctx, DefaultKernelValidateTimeout)
		_, err := b.rest.GetKernel(reqCtx, id)
		cancel()
		if err == nil {
			continue
		}
		var nfe *jupyterrest.NotFoundError
		if !errors.As(err, &nfe) {
			klog.V(1).Infof("kernelbridge: validating kernel %s: %v", id, err)
			continue
		}

		klog.Warningf("kernelbridge: kernel %s no longer exists on the Jupyter server, tearing down its link", id)
		b.linksMu.Lock()
		link, ok := b.links[id]
		b.linksMu.Unlock()
		if ok {
			// Leave removal from b.links to onLinkClosed: closing the
			// connection makes the read loop error out, which drives the
			// same teardown (including per-instance notification) a natural
			// disconnect would.
			link.close()
		}
	}
}
