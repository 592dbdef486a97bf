// Package kernelbridge bridges peer instances to Jupyter kernels: for each
// (peer-instance, kernel) pair it maintains a kernel wire-protocol
// connection, sends peer frames to the correct kernel channel, and
// correlates replies back using a session-id map discovered at runtime.
//
// The gateway is a client of the Jupyter server, not a kernel itself: each
// KernelLink dials one kernel's multiplexed channel endpoint
// (/api/kernels/{id}/channels) and runs one reader loop per connection.
package kernelbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rtcjupyter/gateway/common"
	"github.com/rtcjupyter/gateway/internal/jupyterrest"
	"github.com/rtcjupyter/gateway/internal/wireproto"
	"k8s.io/klog/v2"
)

// DefaultPendingReplyWindow and DefaultPendingSweepInterval bound how long a
// pendingReply can outlive its request before the time-based sweep evicts
// it, the same windowing scheme the router's Deduplicator uses.
const (
	DefaultPendingReplyWindow    = 5 * time.Minute
	DefaultPendingSweepInterval  = time.Minute
	DefaultKernelValidateTimeout = 10 * time.Second
)

// Sender is the subset of peerhub.Hub the bridge needs to deliver replies
// and synthetic acks.
type Sender interface {
	SendTo(peerID string, data []byte) bool
	Broadcast(data []byte, exceptPeerID string) int
}

type instance struct {
	PeerID      string
	KernelID    string
	SessionID   string
	ConnectedAt time.Time
}

type pendingReply struct {
	MsgID           string
	InstanceID      string
	KernelID        string
	SentAt          time.Time
	ExpectedChannel string
	MsgType         string
}

// Bridge is the Kernel Bridge.
type Bridge struct {
	rest   *jupyterrest.Client
	sender Sender
	dialer *websocket.Dialer

	linksMu sync.Mutex
	links   map[string]*kernelLink

	instancesMu sync.Mutex
	instances   map[string]*instance

	sessionMu    sync.Mutex
	sessionIndex map[string]string

	pendingMu sync.Mutex
	pending   map[string]*pendingReply

	preflightMu  sync.Mutex
	preflightIDs common.Set[string]
	preflightOnce sync.Once

	widget *WidgetState

	stopSweep chan struct{}
}

// New returns a Bridge that dials kernel connections through rest's base
// URL/token and delivers replies through sender.
func New(rest *jupyterrest.Client, sender Sender) *Bridge {
	b := &Bridge{
		rest:         rest,
		sender:       sender,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		links:        make(map[string]*kernelLink),
		instances:    make(map[string]*instance),
		sessionIndex: make(map[string]string),
		pending:      make(map[string]*pendingReply),
		preflightIDs: common.MakeSet[string](),
		widget:       NewWidgetState(),
		stopSweep:    make(chan struct{}),
	}
	go b.sweepPendingLoop(DefaultPendingReplyWindow, DefaultPendingSweepInterval)
	return b
}

// Widget exposes the bridge's Widget State tracker for /status and
// reconnection queries.
func (b *Bridge) Widget() *WidgetState { return b.widget }

// Close tears down every open kernel connection and stops the bridge's
// background sweep.
func (b *Bridge) Close() {
	select {
	case <-b.stopSweep:
	default:
		close(b.stopSweep)
	}
	b.linksMu.Lock()
	links := make([]*kernelLink, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.links = make(map[string]*kernelLink)
	b.linksMu.Unlock()
	for _, l := range links {
		l.close()
	}
}

// HandleWebsocketConnect implements the websocket_connect action: it opens
// (or joins) the kernel's link, binds the instance, and acks the caller.
func (b *Bridge) HandleWebsocketConnect(peerID string, frame *wireproto.Frame) {
	instanceID := frame.InstanceID
	kernelID := frame.KernelID
	if instanceID == "" {
		klog.V(1).Infof("kernelbridge: websocket_connect from %s missing instanceId", peerID)
		return
	}
	if kernelID == "" {
		klog.V(1).Infof("kernelbridge: websocket_connect from %s missing kernelId", peerID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	link, err := b.ensureLink(ctx, kernelID)
	if err != nil {
		klog.Warningf("kernelbridge: opening link for kernel %s: %v", kernelID, err)
		b.replyAck(peerID, "websocket_closed", instanceID, kernelID)
		return
	}
	b.bindInstance(peerID, instanceID, link.kernelID)
	b.replyAck(peerID, "websocket_connected", instanceID, link.kernelID)
}

// HandleWebsocketClose implements the websocket_close action.
func (b *Bridge) HandleWebsocketClose(peerID string, frame *wireproto.Frame) {
	b.closeInstance(frame.InstanceID)
	b.replyAck(peerID, "websocket_closed", frame.InstanceID, frame.KernelID)
}

// HandleKernelMessage implements the kernel_message outbound send. It also
// backs the comm_msg/comm_open/comm_close actions, which travel the same
// path (they differ only in msg_type and in also being reflected to the
// widget tracker once a reply arrives).
func (b *Bridge) HandleKernelMessage(peerID string, frame *wireproto.Frame) {
	instanceID := frame.InstanceID
	if instanceID == "" {
		klog.V(1).Infof("kernelbridge: frame from %s missing instanceId", peerID)
		return
	}

	b.instancesMu.Lock()
	inst, haveInstance := b.instances[instanceID]
	b.instancesMu.Unlock()

	kernelID := b.resolveKernelID(frame.KernelID, inst, haveInstance)
	if kernelID == "" {
		klog.V(1).Infof("kernelbridge: no kernel id available for instance %s from %s", instanceID, peerID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	link, err := b.ensureLink(ctx, kernelID)
	if err != nil {
		klog.Warningf("kernelbridge: auto-connect for kernel %s failed: %v", kernelID, err)
		return
	}
	if !haveInstance {
		b.bindInstance(peerID, instanceID, link.kernelID)
	}

	msgType := ""
	if frame.Header != nil {
		msgType = frame.Header.MsgType
		if frame.Header.Session != "" {
			b.bindSessionIfAbsent(frame.Header.Session, instanceID)
		}
	}

	channel := frame.Channel
	if channel == "" {
		channel = wireproto.ChannelForMsgType(msgType)
	}

	if frame.Header != nil && frame.Header.MsgID != "" {
		b.pendingMu.Lock()
		b.pending[frame.Header.MsgID] = &pendingReply{
			MsgID:           frame.Header.MsgID,
			InstanceID:      instanceID,
			KernelID:        link.kernelID,
			SentAt:          time.Now(),
			ExpectedChannel: channel,
			MsgType:         msgType,
		}
		b.pendingMu.Unlock()
	}

	kmsg := wireproto.KernelMessage{
		Header:   derefHeader(frame.Header),
		Content:  frame.Content,
		Metadata: frame.Metadata,
		Buffers:  frame.Buffers,
		Channel:  channel,
	}
	encoded, err := json.Marshal(kmsg)
	if err != nil {
		klog.Errorf("kernelbridge: encoding outbound message for kernel %s: %v", kernelID, err)
		return
	}
	link.enqueue(encoded, true)
}

// resolveKernelID picks the kernel a frame is really addressed to: when an
// instance is already bound to a kernel, that binding always wins over
// whatever kernelId the frame happens to state.
func (b *Bridge) resolveKernelID(frameKernelID string, inst *instance, haveInstance bool) string {
	if !haveInstance {
		return frameKernelID
	}
	if inst.KernelID != "" && frameKernelID != "" && inst.KernelID != frameKernelID {
		klog.V(1).Infof("kernelbridge: frame names kernel %s but instance is bound to %s; trusting the instance binding", frameKernelID, inst.KernelID)
	}
	if inst.KernelID != "" {
		return inst.KernelID
	}
	return frameKernelID
}

func derefHeader(h *wireproto.Header) wireproto.Header {
	if h == nil {
		return wireproto.Header{}
	}
	return *h
}

func (b *Bridge) bindInstance(peerID, instanceID, kernelID string) {
	b.instancesMu.Lock()
	b.instances[instanceID] = &instance{PeerID: peerID, KernelID: kernelID, ConnectedAt: time.Now()}
	b.instancesMu.Unlock()

	b.linksMu.Lock()
	if l, ok := b.links[kernelID]; ok {
		l.addInstance(instanceID)
	}
	b.linksMu.Unlock()
}

func (b *Bridge) bindSessionIfAbsent(sessionID, instanceID string) {
	b.sessionMu.Lock()
	if _, ok := b.sessionIndex[sessionID]; !ok {
		b.sessionIndex[sessionID] = instanceID
	}
	b.sessionMu.Unlock()

	b.instancesMu.Lock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.SessionID = sessionID
	}
	b.instancesMu.Unlock()
}

// ensureLink returns the link for kernelID, opening one if absent.
func (b *Bridge) ensureLink(ctx context.Context, kernelID string) (*kernelLink, error) {
	b.linksMu.Lock()
	if l, ok := b.links[kernelID]; ok {
		b.linksMu.Unlock()
		return l, nil
	}
	b.linksMu.Unlock()

	resolvedID, err := b.resolveOrCreateKernel(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	// Re-check under lock: another goroutine may have opened this kernel's
	// link (or one we just resolved to the same id) while we were talking
	// to the REST API.
	b.linksMu.Lock()
	if l, ok := b.links[resolvedID]; ok {
		b.linksMu.Unlock()
		return l, nil
	}
	b.linksMu.Unlock()

	conn, _, err := b.dialer.DialContext(ctx, b.wsURL(resolvedID), b.authHeader())
	if err != nil {
		return nil, errors.WithMessagef(err, "dialing kernel %s channel", resolvedID)
	}

	link := newKernelLink(resolvedID, conn)

	b.linksMu.Lock()
	if existing, ok := b.links[resolvedID]; ok {
		b.linksMu.Unlock()
		// Lost the race opening the same kernel concurrently: close our
		// half-open connection and defer to the winner.
		link.close()
		return existing, nil
	}
	b.links[resolvedID] = link
	b.linksMu.Unlock()

	link.start(b.onLinkMessage, b.onLinkClosed)
	b.firePreflightOnce(resolvedID)
	return link, nil
}

func (b *Bridge) resolveOrCreateKernel(ctx context.Context, kernelID string) (string, error) {
	if kernelID == "" {
		return "", errors.New("kernel id required")
	}
	if _, err := b.rest.GetKernel(ctx, kernelID); err == nil {
		return kernelID, nil
	} else {
		var nfe *jupyterrest.NotFoundError
		if !errors.As(err, &nfe) {
			return "", err
		}
	}
	k, err := b.rest.CreateKernel(ctx, "python3")
	if err != nil {
		return "", errors.WithMessagef(err, "creating kernel to replace missing %s", kernelID)
	}
	return k.ID, nil
}

func (b *Bridge) wsURL(kernelID string) string {
	base := b.rest.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/kernels/" + kernelID + "/channels"
}

func (b *Bridge) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "token "+b.rest.Token)
	return h
}

// ClosePeer tears down every instance peerID owns, closing any KernelLink
// whose instance set empties out as a result. Links shared with other
// peers' instances survive. The Peer Hub's on_close callback is the one
// caller.
func (b *Bridge) ClosePeer(peerID string) {
	b.instancesMu.Lock()
	owned := make([]string, 0)
	for id, inst := range b.instances {
		if inst.PeerID == peerID {
			owned = append(owned, id)
		}
	}
	b.instancesMu.Unlock()
	for _, instanceID := range owned {
		b.closeInstance(instanceID)
	}
}

// closeInstance removes the instance from both the link's instance-set and
// from `instances`; if the set empties out, the link is closed and its
// pending replies discarded.
func (b *Bridge) closeInstance(instanceID string) {
	if instanceID == "" {
		return
	}
	b.instancesMu.Lock()
	inst, ok := b.instances[instanceID]
	if ok {
		delete(b.instances, instanceID)
	}
	b.instancesMu.Unlock()
	if !ok {
		return
	}
	b.unbindSessions(instanceID)

	b.linksMu.Lock()
	link, linkOK := b.links[inst.KernelID]
	empty := false
	if linkOK {
		link.removeInstance(instanceID)
		empty = link.instanceCount() == 0
		if empty {
			delete(b.links, inst.KernelID)
		}
	}
	b.linksMu.Unlock()

	if linkOK && empty {
		link.close()
		b.discardPendingForKernel(inst.KernelID)
	}
}

// onLinkClosed handles read-loop failure: every instance that referenced
// the dead link is torn down and told websocket_closed.
func (b *Bridge) onLinkClosed(link *kernelLink) {
	b.linksMu.Lock()
	if b.links[link.kernelID] != link {
		// Already handled via an explicit closeInstance path.
		b.linksMu.Unlock()
		return
	}
	delete(b.links, link.kernelID)
	b.linksMu.Unlock()

	for _, instanceID := range link.instanceIDs() {
		b.instancesMu.Lock()
		inst, ok := b.instances[instanceID]
		if ok {
			delete(b.instances, instanceID)
		}
		b.instancesMu.Unlock()
		if ok {
			b.unbindSessions(instanceID)
			b.replyAck(inst.PeerID, "websocket_closed", instanceID, link.kernelID)
		}
	}
	b.discardPendingForKernel(link.kernelID)
}

// unbindSessions drops every sessionIndex entry pointing at a now-closed
// instance, so a recycled Jupyter session id can bind fresh later.
func (b *Bridge) unbindSessions(instanceID string) {
	b.sessionMu.Lock()
	for sessionID, boundInstance := range b.sessionIndex {
		if boundInstance == instanceID {
			delete(b.sessionIndex, sessionID)
		}
	}
	b.sessionMu.Unlock()
}

func (b *Bridge) discardPendingForKernel(kernelID string) {
	b.pendingMu.Lock()
	for id, p := range b.pending {
		if p.KernelID == kernelID {
			delete(b.pending, id)
		}
	}
	b.pendingMu.Unlock()
}

func (b *Bridge) replyAck(peerID, action, instanceID, kernelID string) {
	frame := &wireproto.Frame{Action: action, InstanceID: instanceID, KernelID: kernelID}
	encoded, err := frame.Encode()
	if err != nil {
		klog.Errorf("kernelbridge: encoding %s ack: %v", action, err)
		return
	}
	b.sender.SendTo(peerID, encoded)
}

// onLinkMessage parses one frame received on a link's reader and routes it
// back to a peer.
func (b *Bridge) onLinkMessage(link *kernelLink, raw []byte) {
	var kmsg wireproto.KernelMessage
	if err := json.Unmarshal(raw, &kmsg); err != nil {
		klog.V(1).Infof("kernelbridge: dropping unparseable message from kernel %s: %v", link.kernelID, err)
		return
	}
	b.correlate(link, &kmsg)
}

func (b *Bridge) correlate(link *kernelLink, kmsg *wireproto.KernelMessage) {
	msgID := kmsg.Header.MsgID
	parentID := kmsg.ParentHeader.MsgID

	b.preflightMu.Lock()
	isPreflight := b.preflightIDs.Has(msgID) || (parentID != "" && b.preflightIDs.Has(parentID))
	b.preflightMu.Unlock()
	if isPreflight {
		// Preflight replies are consumed and discarded.
		return
	}

	var resolved *pendingReply
	b.pendingMu.Lock()
	if p, ok := b.pending[msgID]; ok && msgID != "" {
		resolved = p
		delete(b.pending, msgID)
	} else if p, ok := b.pending[parentID]; ok && parentID != "" {
		resolved = p
		delete(b.pending, parentID)
	}
	b.pendingMu.Unlock()

	replyFrame := &wireproto.Frame{
		Action:   "websocket_message",
		KernelID: link.kernelID,
		Header:   &kmsg.Header,
		Metadata: kmsg.Metadata,
		Content:  kmsg.Content,
		Channel:  kmsg.Channel,
	}

	resolvedInstanceID := ""
	switch {
	case resolved != nil:
		resolvedInstanceID = resolved.InstanceID
		b.deliverToInstance(replyFrame, resolved.InstanceID)
	default:
		if instanceID, ok := b.instanceForSession(kmsg.Header.Session); ok {
			resolvedInstanceID = instanceID
			b.deliverToInstance(replyFrame, instanceID)
		} else {
			// Last resort: broadcast to every peer holding an instance bound
			// to this kernel.
			b.broadcastToKernelPeers(replyFrame, link.kernelID)
		}
	}

	if wireproto.CommFrameTypes[kmsg.Header.MsgType] {
		b.widget.Observe(resolvedInstanceID, kmsg)
	}
}

func (b *Bridge) instanceForSession(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	b.sessionMu.Lock()
	instanceID, ok := b.sessionIndex[sessionID]
	b.sessionMu.Unlock()
	if !ok {
		return "", false
	}
	b.instancesMu.Lock()
	_, stillTracked := b.instances[instanceID]
	b.instancesMu.Unlock()
	return instanceID, stillTracked
}

func (b *Bridge) deliverToInstance(frame *wireproto.Frame, instanceID string) {
	b.instancesMu.Lock()
	inst, ok := b.instances[instanceID]
	b.instancesMu.Unlock()
	if !ok {
		return
	}
	frame.InstanceID = instanceID
	encoded, err := frame.Encode()
	if err != nil {
		klog.Errorf("kernelbridge: encoding reply for instance %s: %v", instanceID, err)
		return
	}
	b.sender.SendTo(inst.PeerID, encoded)
}

func (b *Bridge) broadcastToKernelPeers(frame *wireproto.Frame, kernelID string) {
	b.instancesMu.Lock()
	seen := common.MakeSet[string]()
	peers := make([]string, 0)
	for _, inst := range b.instances {
		if inst.KernelID == kernelID && !seen.Has(inst.PeerID) {
			seen.Insert(inst.PeerID)
			peers = append(peers, inst.PeerID)
		}
	}
	b.instancesMu.Unlock()

	encoded, err := frame.Encode()
	if err != nil {
		klog.Errorf("kernelbridge: encoding broadcast for kernel %s: %v", kernelID, err)
		return
	}
	for _, peerID := range peers {
		b.sender.SendTo(peerID, encoded)
	}
}

func (b *Bridge) sweepPendingLoop(window, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case now := <-ticker.C:
			b.pendingMu.Lock()
			for id, p := range b.pending {
				if now.Sub(p.SentAt) > window {
					delete(b.pending, id)
				}
			}
			b.pendingMu.Unlock()
		}
	}
}

// Stats is a snapshot of bridge state for /status.
type Stats struct {
	Links          int
	Instances      int
	PendingReplies int
	WidgetComms    int
}

func (b *Bridge) Stats() Stats {
	b.linksMu.Lock()
	links := len(b.links)
	b.linksMu.Unlock()

	b.instancesMu.Lock()
	instances := len(b.instances)
	b.instancesMu.Unlock()

	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()

	return Stats{
		Links:          links,
		Instances:      instances,
		PendingReplies: pending,
		WidgetComms:    b.widget.Count(),
	}
}
