// Package api is the typed client for the session server: device and
// session management over HTTP, plus the weaver control WebSocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"weavectl/internal/derpmap"
)

// Options tune a Client.
type Options struct {
	// Insecure permits http:// base URLs. Tests and local development
	// only; production servers are always behind TLS.
	Insecure bool
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client is a thin typed HTTP client for the server API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the given base URL. The URL must use
// https unless opts.Insecure is set; a bearer token is required.
func NewClient(baseURL, token string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !opts.Insecure {
			return nil, fmt.Errorf("api: base URL %q must use https", baseURL)
		}
	default:
		return nil, fmt.Errorf("api: unsupported URL scheme %q", u.Scheme)
	}
	if token == "" {
		return nil, fmt.Errorf("api: bearer token is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, http: hc}, nil
}

// RegisterDevice registers a device public key.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (Device, error) {
	var out Device
	err := c.do(ctx, http.MethodPost, "/api/wg/devices", req, &out)
	return out, err
}

// ListDevices returns all registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.do(ctx, http.MethodGet, "/api/wg/devices", nil, &out)
	return out, err
}

// RevokeDevice marks a device revoked; future session creates fail 409.
func (c *Client) RevokeDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/wg/devices/"+url.PathEscape(id), nil, nil)
}

// CreateSession requests a tunnel between a device and a weaver.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	var out CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/wg/sessions", req, &out)
	return out, err
}

// ListSessions returns all live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/api/wg/sessions", nil, &out)
	return out, err
}

// DeleteSession terminates a session, releasing its address.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/wg/sessions/"+url.PathEscape(id), nil, nil)
}

// MarkSessionHandshake records tunnel liveness for a session, as observed
// by the weaver's dataplane.
func (c *Client) MarkSessionHandshake(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/wg/sessions/"+url.PathEscape(id)+"/handshake", nil, nil)
}

// DerpMap fetches the server's current relay map.
func (c *Client) DerpMap(ctx context.Context) (*derpmap.Map, error) {
	var out derpmap.Map
	if err := c.do(ctx, http.MethodGet, "/api/wg/derp-map", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterWeaver announces a weaver and returns its assigned address.
func (c *Client) RegisterWeaver(ctx context.Context, req RegisterWeaverRequest) (RegisterWeaverResponse, error) {
	var out RegisterWeaverResponse
	err := c.do(ctx, http.MethodPost, "/api/wg/weavers", req, &out)
	return out, err
}

// UnregisterWeaver removes a weaver registration.
func (c *Client) UnregisterWeaver(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/wg/weavers/"+url.PathEscape(id), nil, nil)
}

// Heartbeat refreshes weaver liveness.
func (c *Client) Heartbeat(ctx context.Context, id string, req HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, "/api/wg/weavers/"+url.PathEscape(id)+"/heartbeat", req, nil)
}

// ListWeaverSessions returns the sessions currently targeting a weaver.
// The daemon's periodic resync diffs this against its peer table.
func (c *Client) ListWeaverSessions(ctx context.Context, id string) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/api/wg/weavers/"+url.PathEscape(id)+"/sessions", nil, &out)
	return out, err
}

// EventStream is the weaver's control WebSocket.
type EventStream struct {
	conn *websocket.Conn
}

// Events opens the control WebSocket for a weaver. The stream ends when
// the server closes it; the daemon does not reconnect (a supervisor
// restarts the process).
func (c *Client) Events(ctx context.Context, weaverID string) (*EventStream, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.token)
	// The websocket dialer rejects a client Timeout; the stream is
	// long-lived and cancellation belongs to ctx.
	hc := c.http
	if hc.Timeout > 0 {
		clone := *hc
		clone.Timeout = 0
		hc = &clone
	}
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/api/wg/weavers/"+url.PathEscape(weaverID)+"/events", &websocket.DialOptions{
		HTTPClient: hc,
		HTTPHeader: hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("api: dial event stream: %w", err)
	}
	// Control events are small JSON; the default 32KiB limit is plenty.
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next peer event. io.EOF-like closure surfaces as a
// *websocket.CloseError.
func (s *EventStream) Next(ctx context.Context) (PeerEvent, error) {
	var ev PeerEvent
	if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
		return PeerEvent{}, err
	}
	return ev, nil
}

// Close tears the stream down.
func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{Status: res.StatusCode, Message: errorMessage(res.Body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
