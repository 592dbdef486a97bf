// Package httpproxy forwards a peer's privileged REST request against the
// Jupyter server and unicasts the response back to that peer, off the main
// frame-dispatch path.
package httpproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rtcjupyter/gateway/internal/jupyterrest"
	"github.com/rtcjupyter/gateway/internal/wireproto"
	"k8s.io/klog/v2"
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// bodyRequiredMethods is the set of methods for which a nil body is sent to
// Jupyter as "{}" rather than omitted: some Jupyter endpoints reject write
// requests with an empty body.
var bodyRequiredMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Sender is the subset of peerhub.Hub the proxy needs to deliver replies.
type Sender interface {
	SendTo(peerID string, data []byte) bool
}

// Proxy is the HTTP Proxy.
type Proxy struct {
	client *jupyterrest.Client
	sender Sender

	mu    sync.Mutex
	stats methodStats
}

type methodStats struct {
	total      int64
	successful int64
	failed     int64
	byMethod   map[string]int64
}

// New returns a Proxy that executes requests against client and replies
// through sender.
func New(client *jupyterrest.Client, sender Sender) *Proxy {
	return &Proxy{
		client: client,
		sender: sender,
		stats:  methodStats{byMethod: make(map[string]int64)},
	}
}

// ProxyRequest handles a sudo_http_request frame. It is
// expected to be invoked from its own goroutine by the caller (typically
// the router's handler for ActionSudoHTTPRequest) so a slow or hanging
// Jupyter request never stalls frame dispatch.
func (p *Proxy) ProxyRequest(ctx context.Context, peerID string, frame *wireproto.Frame) {
	status, headers, data, err := p.execute(ctx, frame)
	p.recordStats(frame.Method, err == nil && status < 300)

	reply := &wireproto.Frame{
		Action: frame.RequestTag,
		MsgID:  frame.MsgID,
		Status: status,
	}
	if err != nil {
		reply.Status = http.StatusInternalServerError
		reply.Data = jsonString(err.Error())
	} else {
		reply.Headers = headers
		reply.Data = data
	}

	encoded, encErr := reply.Encode()
	if encErr != nil {
		klog.Errorf("httpproxy: encoding reply for %s: %v", frame.RequestTag, encErr)
		return
	}
	if !p.sender.SendTo(peerID, encoded) {
		klog.V(1).Infof("httpproxy: peer %s gone before reply to %s could be delivered", peerID, frame.RequestTag)
	}
}

func (p *Proxy) execute(ctx context.Context, frame *wireproto.Frame) (status int, headers map[string]string, data json.RawMessage, err error) {
	method := strings.ToUpper(frame.Method)
	if !allowedMethods[method] {
		return 0, nil, nil, errorsInvalidMethod(frame.Method)
	}
	if frame.URL == "" {
		return 0, nil, nil, errorsEmptyURL()
	}

	body := resolveBody(frame.Body, method)

	statusCode, respHeaders, respBody, err := p.client.Do(ctx, method, frame.URL, body, frame.Headers)
	if err != nil {
		return 0, nil, nil, err
	}
	return statusCode, headersToMap(respHeaders), dataOrQuotedString(respBody), nil
}

// resolveBody applies the body serialization rule: a JSON string body is
// unwrapped and its content sent literally; a non-string body is forwarded
// verbatim; a nil body on a write method becomes "{}".
func resolveBody(raw json.RawMessage, method string) []byte {
	if len(raw) == 0 {
		if bodyRequiredMethods[method] {
			return []byte("{}")
		}
		return nil
	}

	// If the frame's body field is itself a JSON string (as opposed to an
	// object/array), its content is the literal request body the peer
	// wants sent -- whether or not that content happens to parse as JSON.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []byte(asString)
	}
	return raw
}

func headersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// dataOrQuotedString returns body as-is if it's valid JSON, otherwise wraps
// it as a JSON string so the reply frame remains valid JSON regardless of
// what Jupyter sent back.
func dataOrQuotedString(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	encoded, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(encoded)
}

func jsonString(s string) json.RawMessage {
	encoded, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`"internal error"`)
	}
	return json.RawMessage(encoded)
}

func (p *Proxy) recordStats(method string, ok bool) {
	method = strings.ToUpper(method)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.total++
	p.stats.byMethod[method]++
	if ok {
		p.stats.successful++
	} else {
		p.stats.failed++
	}
}

// Stats is a snapshot of the proxy's request counters for /status.
type Stats struct {
	Total      int64            `json:"total"`
	Successful int64            `json:"successful"`
	Failed     int64            `json:"failed"`
	ByMethod   map[string]int64 `json:"byMethod"`
}

func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	byMethod := make(map[string]int64, len(p.stats.byMethod))
	for k, v := range p.stats.byMethod {
		byMethod[k] = v
	}
	return Stats{
		Total:      p.stats.total,
		Successful: p.stats.successful,
		Failed:     p.stats.failed,
		ByMethod:   byMethod,
	}
}

func errorsInvalidMethod(method string) error {
	return &invalidRequestError{"unsupported method " + strconv.Quote(method)}
}

func errorsEmptyURL() error {
	return &invalidRequestError{"empty url"}
}

type invalidRequestError struct{ msg string }

func (e *invalidRequestError) Error() string { return "httpproxy: " + e.msg }
