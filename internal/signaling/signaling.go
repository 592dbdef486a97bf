// Package signaling is the one HTTP surface browser clients ever talk to
// directly: a thin net/http handler that exchanges WebRTC offers for
// answers and serves a status snapshot.
package signaling

import (
	"encoding/json"
	"net/http"

	"k8s.io/klog/v2"
)

// Admitter is the subset of peerhub.Hub the endpoint needs.
type Admitter interface {
	Admit(offerSDP string) (answerSDP, peerID string, err error)
}

// StatusReporter produces the JSON-marshalable snapshot GET /status
// returns. The Supervisor implements it by composing every component's
// own Stats() call.
type StatusReporter interface {
	Status() any
}

// Handler serves POST /offer and GET /status.
type Handler struct {
	hub    Admitter
	status StatusReporter
}

// New returns a Handler backed by hub and status.
func New(hub Admitter, status StatusReporter) *Handler {
	return &Handler{hub: hub, status: status}
}

// RegisterRoutes wires the endpoint's two routes onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/offer", h.handleOffer)
	mux.HandleFunc("/status", h.handleStatus)
}

type offerRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type answerResponse struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed offer body: "+err.Error())
		return
	}
	if req.Type != "offer" || req.SDP == "" {
		writeError(w, http.StatusBadRequest, `expected {"type":"offer","sdp":"..."}`)
		return
	}

	answerSDP, peerID, err := h.hub.Admit(req.SDP)
	if err != nil {
		klog.Errorf("signaling: admit failed: %+v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	klog.V(1).Infof("signaling: admitted %s", peerID)

	writeJSON(w, http.StatusOK, answerResponse{Type: "answer", SDP: answerSDP})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, h.status.Status())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.Warningf("signaling: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
