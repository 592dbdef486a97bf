// Package wireproto defines the JSON message shapes that cross the two
// wires the gateway bridges: the peer data channel (browser <-> gateway)
// and the Jupyter kernel channel (gateway <-> kernel, proxied over a
// WebSocket dial to /api/kernels/{id}/channels). Kernel envelopes follow
// the Jupyter messaging protocol v5.
package wireproto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ProtocolVersion is the Jupyter messaging protocol version this gateway
// speaks to the kernel.
const ProtocolVersion = "5.4"

// Header is the Jupyter wire-protocol message header.
type Header struct {
	MsgID           string `json:"msg_id"`
	Username        string `json:"username"`
	Session         string `json:"session"`
	MsgType         string `json:"msg_type"`
	ProtocolVersion string `json:"version"`
	Date            string `json:"date"`
}

// NewHeader builds a fresh header for msgType, bound to session. A random
// msg_id is assigned.
func NewHeader(msgType, session string) (Header, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Header{}, errors.WithMessage(err, "generating msg_id")
	}
	return Header{
		MsgID:           id.String(),
		Username:        "gateway",
		Session:         session,
		MsgType:         msgType,
		ProtocolVersion: ProtocolVersion,
		Date:            time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// KernelMessage is one message exchanged with a Jupyter kernel over its
// multiplexed channel WebSocket. `Channel` records which Jupyter sub-channel
// (shell/control/stdin/iopub) it travels on -- present on the wire as a
// sibling of `header`, not nested under it.
type KernelMessage struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Buffers      []string       `json:"buffers,omitempty"`
	Channel      string         `json:"channel"`
}

// Sub-channels a Jupyter kernel multiplexes over its single WebSocket
// endpoint.
const (
	ChannelShell   = "shell"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
	ChannelIOPub   = "iopub"
)

// shellMsgTypes, controlMsgTypes, stdinMsgTypes classify outbound requests
// by msg_type.
var (
	shellMsgTypes = map[string]bool{
		"execute_request":     true,
		"kernel_info_request": true,
		"complete_request":    true,
		"inspect_request":     true,
		"history_request":     true,
		"is_complete_request": true,
		"comm_info_request":   true,
		"comm_msg":            true,
		"comm_close":          true,
		"comm_open":           true,
	}
	controlMsgTypes = map[string]bool{
		"interrupt_request": true,
		"restart_request":   true,
		"shutdown_request":  true,
	}
	stdinMsgTypes = map[string]bool{
		"input_reply": true,
	}
)

// ChannelForMsgType returns the Jupyter sub-channel a message of the given
// msg_type should be sent on, defaulting to shell when unrecognized.
func ChannelForMsgType(msgType string) string {
	switch {
	case shellMsgTypes[msgType]:
		return ChannelShell
	case controlMsgTypes[msgType]:
		return ChannelControl
	case stdinMsgTypes[msgType]:
		return ChannelStdin
	default:
		return ChannelShell
	}
}

// CommFrameTypes are msg_types that also get reflected to the widget
// tracker.
var CommFrameTypes = map[string]bool{
	"comm_open":          true,
	"comm_msg":           true,
	"comm_close":         true,
	"display_data":       true,
	"update_display_data": true,
	"clear_output":        true,
}

// Frame is the on-wire unit crossing the peer data channel. Every frame
// carries at least Action; the rest of the fields are
// populated depending on which action is in play. Content is left as a raw
// map so it can be passed through verbatim to/from Jupyter without a lossy
// round-trip through a narrower struct.
type Frame struct {
	Action string `json:"action"`

	// Kernel-routing fields.
	InstanceID string         `json:"instanceId,omitempty"`
	KernelID   string         `json:"kernelId,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Header     *Header        `json:"header,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Content    map[string]any `json:"content,omitempty"`
	Buffers    []string       `json:"buffers,omitempty"`

	// HTTP-proxy fields.
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	RequestTag string            `json:"requestTag,omitempty"`
	Status     int               `json:"status,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`

	// Document-hub fields.
	DocID string `json:"docId,omitempty"`
	Bytes string `json:"bytes,omitempty"` // base64-encoded opaque update/state payload.

	// MsgID is the client's correlation id for HTTP proxy replies; distinct
	// from Header.MsgID.
	MsgID string `json:"msgId,omitempty"`

	// ClientID is injected server-side before a frame reaches a handler; it
	// must never be trusted if present on an inbound frame from the wire.
	ClientID string `json:"client_id,omitempty"`

	// Raw is the original wire bytes the frame was parsed from, kept so
	// opaque fan-out actions (canvas_data) can be rebroadcast without a
	// lossy round-trip through the typed fields above. Never serialized.
	Raw []byte `json:"-"`
}

// ParseFrame decodes a raw peer message into a Frame.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.WithMessage(err, "parsing frame JSON")
	}
	if f.Action == "" {
		return nil, errors.New("frame missing required \"action\" field")
	}
	f.Raw = raw
	return &f, nil
}

// Encode serializes the frame back to JSON bytes for sending over a data
// channel.
func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding frame JSON")
	}
	return b, nil
}

// ContentString extracts a string value at a "/"-separated path within
// Content (content/data/address, etc).
func (f *Frame) ContentString(path string) (string, error) {
	return pathLookup[string](f.Content, path)
}

// ContentAny extracts an arbitrary value at a "/"-separated path within
// Content.
func (f *Frame) ContentAny(path string) (any, error) {
	return pathLookup[any](f.Content, path)
}

func pathLookup[T any](values map[string]any, path string) (value T, err error) {
	parts := strings.Split(path, "/")
	cur := values
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			err = errors.Errorf("can't find path %q", strings.Join(parts[:i+1], "/"))
			return
		}
		if i < len(parts)-1 {
			cur, ok = v.(map[string]any)
			if !ok {
				err = errors.Errorf("path %q is not an object, instead it's a %T", strings.Join(parts[:i+1], "/"), v)
				return
			}
			continue
		}
		value, ok = v.(T)
		if !ok {
			err = errors.Errorf("path %q is not a %T, instead it's a %T", path, value, v)
			return
		}
	}
	return
}

// String implements fmt.Stringer for debug logging.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{action=%q instance=%q kernel=%q msgId=%q}", f.Action, f.InstanceID, f.KernelID, f.MsgID)
}
