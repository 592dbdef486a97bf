// Package supervisor boots the gateway's components, wires them together
// through narrow interfaces, and owns process-level run/teardown. No
// component holds a reference to a component above it: the Peer Hub knows
// nothing about the router, the router knows handlers only as functions,
// and the bridge/proxy/dochub see the hub only as a send surface.
package supervisor

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rtcjupyter/gateway/internal/dochub"
	"github.com/rtcjupyter/gateway/internal/gatewayconfig"
	"github.com/rtcjupyter/gateway/internal/httpproxy"
	"github.com/rtcjupyter/gateway/internal/jupyterrest"
	"github.com/rtcjupyter/gateway/internal/kernelbridge"
	"github.com/rtcjupyter/gateway/internal/peerhub"
	"github.com/rtcjupyter/gateway/internal/router"
	"github.com/rtcjupyter/gateway/internal/signaling"
	"github.com/rtcjupyter/gateway/internal/util"
	"github.com/rtcjupyter/gateway/internal/wireproto"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ShutdownGrace bounds how long Run waits for the HTTP server and component
// teardown after its context is cancelled.
const ShutdownGrace = 5 * time.Second

// Supervisor owns every gateway component for the lifetime of the process.
type Supervisor struct {
	cfg *gatewayconfig.Config

	rest   *jupyterrest.Client
	hub    *peerhub.Hub
	bridge *kernelbridge.Bridge
	proxy  *httpproxy.Proxy
	docs   *dochub.Hub
	dedup  *router.Deduplicator
	router *router.Router

	canvasFrames atomic.Int64
}

// New constructs the component tree bottom-up and registers the action
// catalogue. The hub's callbacks close over the Supervisor so the hub itself
// never needs to know what a router or a bridge is.
func New(cfg *gatewayconfig.Config) *Supervisor {
	s := &Supervisor{cfg: cfg}

	s.rest = jupyterrest.New(cfg.JupyterBaseURL, cfg.JupyterToken)
	s.hub = peerhub.New(cfg.WebRTCConfiguration(), peerhub.Callbacks{
		OnOpen: func(peerID string) {
			klog.V(1).Infof("supervisor: peer %s channel open", peerID)
		},
		OnMessage: func(peerID string, data []byte) {
			s.router.Route(peerID, data)
		},
		OnClose: func(peerID string) {
			klog.V(1).Infof("supervisor: peer %s closed", peerID)
			s.bridge.ClosePeer(peerID)
		},
	})
	s.bridge = kernelbridge.New(s.rest, s.hub)
	s.proxy = httpproxy.New(s.rest, s.hub)
	s.docs = dochub.New(s.hub, s.rest)
	s.dedup = router.NewDeduplicator(router.DefaultDedupWindow, router.DefaultDedupSweepInterval)
	s.router = router.New(s.dedup)

	s.registerActions()
	return s
}

func (s *Supervisor) registerActions() {
	r := s.router
	r.Handle(router.ActionKernelMessage, s.bridge.HandleKernelMessage)
	r.Handle(router.ActionCommMsg, s.bridge.HandleKernelMessage)
	r.Handle(router.ActionCommOpen, s.bridge.HandleKernelMessage)
	r.Handle(router.ActionCommClose, s.bridge.HandleKernelMessage)
	r.Handle(router.ActionWebsocketConnect, s.bridge.HandleWebsocketConnect)
	r.Handle(router.ActionWebsocketClose, s.bridge.HandleWebsocketClose)
	r.Handle(router.ActionSudoHTTPRequest, func(peerID string, frame *wireproto.Frame) {
		// Off the dispatch path: a hanging Jupyter request must never
		// stall frame routing for this peer.
		go s.proxy.ProxyRequest(context.Background(), peerID, frame)
	})
	r.Handle(router.ActionCanvasData, s.handleCanvas)
	r.Handle(router.ActionYjsDocumentUpdate, s.docs.HandleDocumentUpdate)
	r.Handle(router.ActionYjsAwarenessUpdate, s.docs.HandleAwarenessUpdate)
	r.Handle(router.ActionYjsRequestState, s.docs.HandleRequestState)
	r.Handle(router.ActionYjsStateResponse, s.docs.HandleStateResponse)
}

// handleCanvas rebroadcasts an opaque canvas annotation frame to every peer
// but its sender. The payload is never interpreted; the original wire bytes
// are forwarded untouched.
func (s *Supervisor) handleCanvas(peerID string, frame *wireproto.Frame) {
	s.canvasFrames.Add(1)
	s.hub.Broadcast(frame.Raw, peerID)
}

// Status composes every component's counters into the GET /status snapshot.
func (s *Supervisor) Status() any {
	return struct {
		Peers        int                `json:"peers"`
		Router       router.Stats       `json:"router"`
		Kernels      kernelbridge.Stats `json:"kernels"`
		Proxy        httpproxy.Stats    `json:"proxy"`
		Documents    dochub.Stats       `json:"documents"`
		CanvasFrames int64              `json:"canvasFrames"`
	}{
		Peers:        s.hub.Count(),
		Router:       s.router.Stats(),
		Kernels:      s.bridge.Stats(),
		Proxy:        s.proxy.Stats(),
		Documents:    s.docs.Stats(),
		CanvasFrames: s.canvasFrames.Load(),
	}
}

// Run binds the signaling HTTP listener and serves until ctx is cancelled,
// then tears everything down within ShutdownGrace. A bind failure is
// returned immediately so main can exit non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	signaling.New(s.hub, s).RegisterRoutes(mux)

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.WithMessagef(err, "binding signaling listener on %s", s.cfg.ListenAddr)
	}
	server := &http.Server{Handler: mux}

	s.bridge.StartValidation(ctx, kernelbridge.DefaultValidationInterval)
	klog.Infof("supervisor: signaling server listening on %s", listener.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithMessage(err, "signaling server")
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		util.ReportError(server.Shutdown(shutdownCtx))
		s.teardown()
		return nil
	})
	return group.Wait()
}

func (s *Supervisor) teardown() {
	s.hub.Close()
	s.bridge.Close()
	s.docs.Close()
	s.dedup.Stop()
}
