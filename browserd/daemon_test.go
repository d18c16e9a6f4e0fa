package browserd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/browserd/session"
	"github.com/hazyhaar/browserd/wire"
)

type fakeBackend struct {
	mu      sync.Mutex
	pingErr error
}

func (b *fakeBackend) setPingErr(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) Start(ctx context.Context) error { return nil }
func (b *fakeBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}
func (b *fakeBackend) Close() error { return nil }
func (b *fakeBackend) OpenTab(ctx context.Context, url string) (session.Tab, error) {
	return &fakeTab{url: url}, nil
}

type fakeTab struct{ url string }

func (t *fakeTab) Navigate(ctx context.Context, url string) error { t.url = url; return nil }
func (t *fakeTab) Info(ctx context.Context) (session.Info, error) {
	return session.Info{URL: t.url}, nil
}
func (t *fakeTab) Click(ctx context.Context, sel string) (string, error) { return "", nil }
func (t *fakeTab) Type(ctx context.Context, sel, text string, clear bool) (string, error) {
	return "", nil
}
func (t *fakeTab) WaitFor(ctx context.Context, sel, txt string, d time.Duration) (bool, error) {
	return true, nil
}
func (t *fakeTab) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}
func (t *fakeTab) HTML(ctx context.Context) (string, error)                  { return "<html></html>", nil }
func (t *fakeTab) ElementText(ctx context.Context, sel string) (string, error) { return "", nil }
func (t *fakeTab) ElementHTML(ctx context.Context, sel string) (string, error) { return "", nil }
func (t *fakeTab) AccessibilityTree(ctx context.Context) (*session.AXNode, error) {
	return &session.AXNode{ID: "1", Role: "RootWebArea"}, nil
}
func (t *fakeTab) SubtreeBackendID(ctx context.Context, sel string) (int64, error) {
	return 0, session.ErrLocatorNotFound
}
func (t *fakeTab) Close() error { return nil }

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDaemon runs a daemon on a fake backend and waits for its socket to
// answer health probes.
func startDaemon(t *testing.T, b session.Backend) (*Daemon, chan error) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "d.sock")
	cfg := &Config{Socket: sock, PingInterval: 20 * time.Millisecond}
	d := New(cfg, testLogger(t), WithBackend(b))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !wire.Probe(sock, 100*time.Millisecond) {
		if time.Now().After(deadline) {
			t.Fatal("daemon never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d, done
}

func do(t *testing.T, c *wire.Client, req *wire.Request) *wire.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Do(ctx, req)
	if err != nil {
		t.Fatalf("%s: transport error: %v", req.Kind, err)
	}
	return resp
}

func status(t *testing.T, c *wire.Client) wire.StatusResult {
	t.Helper()
	resp := do(t, c, &wire.Request{Kind: wire.KindStatus})
	if !resp.Success {
		t.Fatalf("status: %+v", resp.Error)
	}
	var res wire.StatusResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestDaemon_FullSessionFlow(t *testing.T) {
	d, done := startDaemon(t, &fakeBackend{})
	c := wire.NewClient(d.SocketPath())

	// A fresh daemon has exactly one context, main, parked on about:blank.
	st := status(t, c)
	if st.State != "running" {
		t.Fatalf("state: got %s, want running", st.State)
	}
	if len(st.Contexts) != 1 || st.Contexts[0].Name != "main" {
		t.Fatalf("contexts: got %+v, want just main", st.Contexts)
	}
	if st.Contexts[0].URL != "about:blank" {
		t.Errorf("main url: got %s", st.Contexts[0].URL)
	}

	params, _ := json.Marshal(wire.CreateContextParams{Name: "second"})
	if resp := do(t, c, &wire.Request{Kind: wire.KindCreateContext, Params: params}); !resp.Success {
		t.Fatalf("create second: %+v", resp.Error)
	}
	if st := status(t, c); len(st.Contexts) != 2 {
		t.Fatalf("after create: got %d contexts, want 2", len(st.Contexts))
	}

	params, _ = json.Marshal(wire.CloseContextParams{Name: "main"})
	if resp := do(t, c, &wire.Request{Kind: wire.KindCloseContext, Params: params}); !resp.Success {
		t.Fatalf("close main: %+v", resp.Error)
	}
	st = status(t, c)
	if len(st.Contexts) != 1 || st.Contexts[0].Name != "second" {
		t.Fatalf("after close: got %+v, want just second", st.Contexts)
	}

	if resp := do(t, c, &wire.Request{Kind: wire.KindQuit}); !resp.Success {
		t.Fatalf("quit: %+v", resp.Error)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after quit")
	}

	// The socket is gone; later commands fail at the transport layer.
	if _, err := c.Do(context.Background(), &wire.Request{Kind: wire.KindStatus}); err == nil {
		t.Fatal("status after quit: got response, want transport error")
	}
	if d.State() != Stopped {
		t.Errorf("state: got %s, want stopped", d.State())
	}
}

func TestDaemon_DoubleQuit(t *testing.T) {
	d, done := startDaemon(t, &fakeBackend{})
	c := wire.NewClient(d.SocketPath())

	if resp := do(t, c, &wire.Request{Kind: wire.KindQuit}); !resp.Success {
		t.Fatalf("first quit: %+v", resp.Error)
	}
	// A second quit races the shutdown: it may still be answered or hit a
	// closed socket, but it must never wedge or restart the daemon.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if resp, err := c.Do(ctx, &wire.Request{Kind: wire.KindQuit}); err == nil && !resp.Success {
		t.Fatalf("second quit rejected: %+v", resp.Error)
	}
	d.Quit()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after repeated quits")
	}
	if d.State() != Stopped {
		t.Errorf("state: got %s, want stopped", d.State())
	}
}

func TestDaemon_WatchdogDetectsBrowserDeath(t *testing.T) {
	b := &fakeBackend{}
	d, done := startDaemon(t, b)

	b.setPingErr(session.ErrSessionLost)

	select {
	case err := <-done:
		if err != session.ErrSessionLost {
			t.Fatalf("run: got %v, want ErrSessionLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never detected browser death")
	}
	if _, err := os.Stat(d.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket left behind after shutdown: %v", err)
	}
}

// slowTab blocks in Navigate long enough for the client to hang up, then
// reports whether the operation was allowed to finish.
type slowTab struct {
	fakeTab
	done chan error
}

func (t *slowTab) Navigate(ctx context.Context, url string) error {
	select {
	case <-ctx.Done():
		t.done <- ctx.Err()
		return ctx.Err()
	case <-time.After(300 * time.Millisecond):
		t.done <- nil
		t.url = url
		return nil
	}
}

type slowBackend struct {
	fakeBackend
	tab *slowTab
}

func (b *slowBackend) OpenTab(ctx context.Context, url string) (session.Tab, error) {
	b.tab.url = url
	return b.tab, nil
}

func TestDaemon_ClientDisconnectDoesNotCancelCommand(t *testing.T) {
	tab := &slowTab{done: make(chan error, 1)}
	d, done := startDaemon(t, &slowBackend{tab: tab})
	defer func() { d.Quit(); <-done }()
	c := wire.NewClient(d.SocketPath())

	params, _ := json.Marshal(wire.NavigateParams{URL: "https://example.test"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Do(ctx, &wire.Request{
		Kind:    wire.KindNavigate,
		Context: "main",
		Params:  params,
	}); err == nil {
		t.Fatal("early hangup: got response, want transport error")
	}

	select {
	case err := <-tab.done:
		if err != nil {
			t.Fatalf("in-flight navigate aborted by client disconnect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("navigate never finished")
	}

	// The completed command lands in the context's history.
	histParams, _ := json.Marshal(wire.HistoryParams{Name: "main"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := do(t, c, &wire.Request{Kind: wire.KindHistory, Params: histParams})
		if !resp.Success {
			t.Fatalf("history: %+v", resp.Error)
		}
		var res wire.HistoryResult
		if err := json.Unmarshal(resp.Payload, &res); err != nil {
			t.Fatal(err)
		}
		last := res.Records[len(res.Records)-1]
		if last.Kind == "navigate" {
			if !last.OK {
				t.Fatalf("navigate recorded as failed: %+v", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("navigate never recorded; history: %+v", res.Records)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemon_MalformedRequest(t *testing.T) {
	d, done := startDaemon(t, &fakeBackend{})
	defer func() { d.Quit(); <-done }()
	c := wire.NewClient(d.SocketPath())

	resp := do(t, c, &wire.Request{Kind: "explode"})
	if resp.Success || resp.Error.Code != wire.CodeProtocolError {
		t.Fatalf("bad kind: got %+v, want protocol_error", resp)
	}
}

func TestDaemon_BindConflict(t *testing.T) {
	d, done := startDaemon(t, &fakeBackend{})
	defer func() { d.Quit(); <-done }()

	second := New(&Config{Socket: d.SocketPath()}, testLogger(t),
		WithBackend(&fakeBackend{}))
	err := second.Run(context.Background())
	if !IsBindConflict(err) {
		t.Fatalf("second daemon: got %v, want bind conflict", err)
	}
}

func TestServer_StaleSocketRemoved(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	// Close without unlinking: what a crashed daemon leaves behind.
	ln.Close()
	if _, err := os.Stat(sock); err != nil {
		os.WriteFile(sock, nil, 0o600)
	}

	cfg := &Config{Socket: sock, PingInterval: time.Minute}
	d := New(cfg, testLogger(t), WithBackend(&fakeBackend{}))
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	defer func() { d.Quit(); <-done }()

	deadline := time.Now().Add(5 * time.Second)
	for !wire.Probe(sock, 100*time.Millisecond) {
		if time.Now().After(deadline) {
			t.Fatal("daemon never reclaimed the stale socket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
