// Package jupyterrest is a thin typed client for the subset of the Jupyter
// REST API the gateway consumes: kernel lifecycle and contents persistence.
// It also backs the generic HTTP Proxy (internal/httpproxy), which forwards
// arbitrary peer-issued requests through the same authenticated HTTP client.
package jupyterrest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client talks to one Jupyter server over HTTP, authenticating every
// request with the configured token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New returns a Client pointed at baseURL, authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ResolveURL composes the final URL for a peer- or internally-issued
// request: absolute URLs pass through unchanged, relative ones are appended
// to BaseURL, collapsing duplicate slashes.
func (c *Client) ResolveURL(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	clean := strings.TrimLeft(url, "/")
	if clean == "" {
		return c.BaseURL
	}
	return c.BaseURL + "/" + clean
}

// AuthHeaders returns the default headers merged into every request to
// Jupyter.
func (c *Client) AuthHeaders() map[string]string {
	return map[string]string{
		"Authorization": "token " + c.Token,
		"Content-Type":  "application/json",
	}
}

// Do executes method against url (resolved via ResolveURL), merging extra
// headers over the default auth headers (caller overrides), and returns the
// status code, response headers, and raw body. It never retries: the
// originating peer sees the real outcome and decides for itself.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, extraHeaders map[string]string) (status int, headers http.Header, respBody []byte, err error) {
	full := c.ResolveURL(url)
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return 0, nil, nil, errors.WithMessagef(err, "building request %s %s", method, full)
	}
	for k, v := range c.AuthHeaders() {
		req.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	klog.V(2).Infof("jupyterrest: %s %s", method, full)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, nil, errors.WithMessagef(err, "executing %s %s", method, full)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, errors.WithMessage(err, "reading response body")
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

// Kernel describes a Jupyter kernel as returned by the kernels REST
// endpoints.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity,omitempty"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

// GetKernel fetches GET /api/kernels/{id}. A 404 is reported as a non-nil
// *NotFoundError so callers can distinguish "kernel absent" from transport
// failure.
func (c *Client) GetKernel(ctx context.Context, id string) (*Kernel, error) {
	status, _, body, err := c.Do(ctx, http.MethodGet, "/api/kernels/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &NotFoundError{Resource: "kernel", ID: id}
	}
	if status >= 300 {
		return nil, errors.Errorf("GetKernel(%s): unexpected status %d: %s", id, status, body)
	}
	var k Kernel
	if err := json.Unmarshal(body, &k); err != nil {
		return nil, errors.WithMessage(err, "decoding kernel")
	}
	return &k, nil
}

// CreateKernel issues POST /api/kernels with the given kernel spec name
// (e.g. "python3"). The kernel id Jupyter assigns may differ from any id
// the caller had requested; callers must rebind to the returned id.
func (c *Client) CreateKernel(ctx context.Context, name string) (*Kernel, error) {
	reqBody, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, errors.WithMessage(err, "encoding kernel spec")
	}
	status, _, body, err := c.Do(ctx, http.MethodPost, "/api/kernels", reqBody, nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, errors.Errorf("CreateKernel(%s): unexpected status %d: %s", name, status, body)
	}
	var k Kernel
	if err := json.Unmarshal(body, &k); err != nil {
		return nil, errors.WithMessage(err, "decoding created kernel")
	}
	return &k, nil
}

// PutContents writes a notebook document at path via PUT
// /api/contents/{path}, used by the document hub to persist a debounced
// snapshot.
func (c *Client) PutContents(ctx context.Context, path string, notebookJSON json.RawMessage) error {
	payload := map[string]any{
		"type":    "notebook",
		"path":    path,
		"content": json.RawMessage(notebookJSON),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.WithMessage(err, "encoding contents payload")
	}
	status, _, respBody, err := c.Do(ctx, http.MethodPut, "/api/contents/"+path, body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return errors.Errorf("PutContents(%s): unexpected status %d: %s", path, status, respBody)
	}
	return nil
}

// NotFoundError indicates a 404 from the Jupyter REST surface for a
// specific resource kind and id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return "jupyterrest: " + e.Resource + " " + e.ID + " not found"
}
