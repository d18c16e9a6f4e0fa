package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// CommandPath is the single command endpoint on the daemon socket.
const CommandPath = "/v1/command"

// HealthPath reports daemon liveness without touching the browser.
const HealthPath = "/v1/health"

// Client speaks the control protocol to a daemon over its unix socket.
// One logical request per connection; keep-alives are disabled so a
// stopped daemon is observed as a dial failure, never a hang.
type Client struct {
	socket string
	hc     *http.Client
}

// NewClient returns a Client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socket: socketPath,
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
				DisableKeepAlives: true,
			},
		},
	}
}

// Socket returns the socket path this client dials.
func (c *Client) Socket() string { return c.socket }

// Do sends one command and returns the daemon's response. A non-nil error
// means the transport failed (daemon unreachable, malformed reply); command
// failures come back as a Response with Success=false.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encode request: %w", err)
	}

	// The host is ignored for unix sockets but must parse as a URL.
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://browserd"+CommandPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wire: build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("wire: %s: %w", c.socket, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("wire: decode response: %w", err)
	}
	return &resp, nil
}

// Health probes the daemon. Used by clients for status display and by a
// starting daemon to distinguish a live socket from a stale file.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://browserd"+HealthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: build request: %w", err)
	}

	res, err := c.hc.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("wire: %s: %w", c.socket, err)
	}
	defer res.Body.Close()

	var h Health
	if err := json.NewDecoder(res.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("wire: decode health: %w", err)
	}
	return &h, nil
}

// Probe reports whether a daemon is answering on socketPath.
func Probe(socketPath string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := NewClient(socketPath).Health(ctx)
	return err == nil
}
