// Package peerhub admits browser clients as WebRTC peers and carries JSON
// frames over one reliable ordered data channel per peer
// (github.com/pion/webrtc/v4). It is the only package that speaks WebRTC;
// everything above it sees peers as ids that frames can be sent to.
package peerhub

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rtcjupyter/gateway/common"
	"k8s.io/klog/v2"
)

// DefaultInboundQueueSize bounds how many inbound frames may be buffered
// per peer awaiting dispatch. When full, new frames from that peer are
// dropped with a warning; the peer stays connected.
const DefaultInboundQueueSize = 1024

// State is a peer's connection lifecycle stage.
type State int

const (
	StateNegotiating State = iota
	StateOpen
	StateFailing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateFailing:
		return "failing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is one admitted browser client. Its inbound frames are dispatched by
// a single goroutine, so handlers observe them in arrival order.
type Peer struct {
	ID string

	inbound chan []byte
	done    chan struct{}

	mu    sync.Mutex
	state State
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
}

func newPeer(id string) *Peer {
	return &Peer{
		ID:      id,
		state:   StateNegotiating,
		inbound: make(chan []byte, DefaultInboundQueueSize),
		done:    make(chan struct{}),
	}
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// send writes bytes to the peer's data channel. It returns false rather
// than an error since callers (Broadcast in particular) must never let one
// dead peer stop a fan-out.
func (p *Peer) send(data []byte) bool {
	p.mu.Lock()
	dc := p.dc
	state := p.state
	p.mu.Unlock()
	if dc == nil || state != StateOpen {
		return false
	}
	if err := dc.Send(data); err != nil {
		klog.V(1).Infof("peerhub: send to %s failed: %v", p.ID, err)
		return false
	}
	return true
}

// Callbacks the hub invokes as peers come and go. Set once before Admit is
// called for the first time; not safe to change concurrently with traffic.
type Callbacks struct {
	OnOpen    func(peerID string)
	OnMessage func(peerID string, data []byte)
	OnClose   func(peerID string)
}

// Hub owns every admitted peer connection.
type Hub struct {
	iceConfig webrtc.Configuration
	callbacks Callbacks

	idSeq uint64

	mu    sync.Mutex
	peers map[string]*Peer
}

// New returns a Hub that negotiates new peer connections with iceConfig
// (STUN/TURN servers), invoking cb as peers open, send frames, and close.
func New(iceConfig webrtc.Configuration, cb Callbacks) *Hub {
	return &Hub{
		iceConfig: iceConfig,
		callbacks: cb,
		peers:     make(map[string]*Peer),
	}
}

// Count returns the number of currently tracked peers, for /status.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) nextPeerID() string {
	h.mu.Lock()
	h.idSeq++
	id := h.idSeq
	h.mu.Unlock()
	return peerIDPrefix(id)
}

func peerIDPrefix(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "peer-0"
	}
	buf := make([]byte, 0, 12)
	for n > 0 {
		buf = append([]byte{alphabet[n%uint64(len(alphabet))]}, buf...)
		n /= uint64(len(alphabet))
	}
	return "peer-" + string(buf)
}

// Admit drives the offer/answer exchange for a new peer and attaches one
// reliable ordered data channel. No ICE candidate trickling: Admit blocks
// until ICE gathering completes (or the connection fails) and returns the
// complete answer SDP in one shot.
func (h *Hub) Admit(offerSDP string) (answerSDP string, peerID string, err error) {
	pc, err := webrtc.NewPeerConnection(h.iceConfig)
	if err != nil {
		return "", "", errors.WithMessage(err, "creating peer connection")
	}

	peerID = h.nextPeerID()
	peer := newPeer(peerID)
	peer.pc = pc

	h.mu.Lock()
	h.peers[peerID] = peer
	h.mu.Unlock()
	go h.dispatchLoop(peer)

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		switch cs {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			peer.setState(StateFailing)
		case webrtc.PeerConnectionStateClosed:
			h.dropPeer(peer)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peer.mu.Lock()
		peer.dc = dc
		peer.mu.Unlock()

		dc.OnOpen(func() {
			peer.setState(StateOpen)
			if h.callbacks.OnOpen != nil {
				h.callbacks.OnOpen(peerID)
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !common.SendNoBlock(peer.inbound, msg.Data) {
				klog.Warningf("peerhub: inbound queue for %s full, dropping frame", peerID)
			}
		})
		dc.OnClose(func() {
			h.dropPeer(peer)
		})
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		h.dropPeer(peer)
		return "", "", errors.WithMessage(err, "setting remote description")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		h.dropPeer(peer)
		return "", "", errors.WithMessage(err, "creating answer")
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		h.dropPeer(peer)
		return "", "", errors.WithMessage(err, "setting local description")
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		h.dropPeer(peer)
		return "", "", errors.New("peer connection has no local description after gathering")
	}
	return local.SDP, peerID, nil
}

// dropPeer invokes OnClose exactly once for peer and then drops all
// references to it.
func (h *Hub) dropPeer(peer *Peer) {
	h.mu.Lock()
	_, tracked := h.peers[peer.ID]
	if tracked {
		delete(h.peers, peer.ID)
	}
	h.mu.Unlock()
	if !tracked {
		return
	}
	peer.setState(StateClosed)
	close(peer.done)
	if h.callbacks.OnClose != nil {
		h.callbacks.OnClose(peer.ID)
	}
}

// dispatchLoop drains one peer's inbound queue, invoking OnMessage for each
// frame in arrival order, until the peer is dropped.
func (h *Hub) dispatchLoop(peer *Peer) {
	for {
		select {
		case <-peer.done:
			return
		case data := <-peer.inbound:
			select {
			case <-peer.done:
				return
			default:
			}
			if h.callbacks.OnMessage != nil {
				h.callbacks.OnMessage(peer.ID, data)
			}
		}
	}
}

// SendTo unicasts data to peerID. Returns false if the peer is unknown or
// its channel isn't open, never an error.
func (h *Hub) SendTo(peerID string, data []byte) bool {
	h.mu.Lock()
	peer, ok := h.peers[peerID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return peer.send(data)
}

// Broadcast fans data out to every open peer except exceptPeerID (pass ""
// to except no one), returning the number of peers it was actually
// delivered to. A failed send to one peer never blocks the others.
func (h *Hub) Broadcast(data []byte, exceptPeerID string) int {
	h.mu.Lock()
	targets := make([]*Peer, 0, len(h.peers))
	for id, peer := range h.peers {
		if id == exceptPeerID {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.Unlock()

	count := 0
	for _, peer := range targets {
		if peer.send(data) {
			count++
		}
	}
	return count
}

// Close tears down every tracked peer connection, for process shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		peer.mu.Lock()
		pc := peer.pc
		peer.mu.Unlock()
		if pc != nil {
			if err := pc.Close(); err != nil {
				klog.V(1).Infof("peerhub: closing peer %s: %v", peer.ID, err)
			}
		}
	}
}
