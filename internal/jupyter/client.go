package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/kernelq/core"
)

// KernelModel is the kernel description returned by the kernels REST API.
type KernelModel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

// Client talks to the Jupyter Server kernels REST API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient constructs a REST client for the server at rawURL.
func NewClient(rawURL, token string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("jupyter url is required")
	}
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse jupyter url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("jupyter url must be http or https: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: base, token: token, http: httpClient}, nil
}

// StartKernel launches a kernel of the named spec with path as its working
// directory.
func (c *Client) StartKernel(ctx context.Context, name, path string) (KernelModel, error) {
	body := map[string]string{"name": name}
	if path != "" {
		body["path"] = path
	}
	var model KernelModel
	if err := c.do(ctx, "launch", http.MethodPost, "/api/kernels", body, &model); err != nil {
		return KernelModel{}, err
	}
	if model.ID == "" {
		return KernelModel{}, core.NewBackendError(core.BackendErrorProtocol, "launch", errors.New("kernel id missing from response"))
	}
	return model, nil
}

// ShutdownKernel stops a kernel.
func (c *Client) ShutdownKernel(ctx context.Context, id string) error {
	return c.do(ctx, "shutdown", http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, nil)
}

// InterruptKernel interrupts the kernel's current execution.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	return c.do(ctx, "interrupt", http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil, nil)
}

// RestartKernel restarts a kernel in place.
func (c *Client) RestartKernel(ctx context.Context, id string) error {
	return c.do(ctx, "restart", http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/restart", nil, nil)
}

// ChannelsURL returns the websocket URL of a kernel's channels endpoint.
func (c *Client) ChannelsURL(id, sessionID string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + url.PathEscape(id) + "/channels"
	q := url.Values{}
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// AuthHeader returns the headers that authenticate against the server.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return core.NewBackendError(core.BackendErrorProtocol, op, err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return core.NewBackendError(core.BackendErrorProtocol, op, err)
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransportError(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewBackendError(core.BackendErrorProtocol, op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}
	err := fmt.Errorf("%s: %s", resp.Status, msg)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.NewBackendError(core.BackendErrorUnauthorized, op, err)
	case http.StatusNotFound:
		return core.NewBackendError(core.BackendErrorNotFound, op, err)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return core.NewBackendError(core.BackendErrorUnavailable, op, err)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return core.NewBackendError(core.BackendErrorTimeout, op, err)
	default:
		return core.NewBackendError(core.BackendErrorUnknown, op, err)
	}
}

func wrapTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *core.BackendError
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewBackendError(core.BackendErrorTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewBackendError(core.BackendErrorTimeout, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return core.NewBackendError(core.BackendErrorUnavailable, op, err)
	}
	return core.NewBackendError(core.BackendErrorUnknown, op, err)
}
