package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/browserd/registry"
	"github.com/hazyhaar/browserd/session"
	"github.com/hazyhaar/browserd/snapshot"
	"github.com/hazyhaar/browserd/wire"
)

type fakeBackend struct{ tabs []*fakeTab }

func (b *fakeBackend) Start(ctx context.Context) error { return nil }
func (b *fakeBackend) Ping(ctx context.Context) error  { return nil }
func (b *fakeBackend) Close() error                    { return nil }
func (b *fakeBackend) OpenTab(ctx context.Context, url string) (session.Tab, error) {
	t := &fakeTab{url: url, html: "<html><body><h1>Title</h1><p>hello <b>world</b></p></body></html>"}
	b.tabs = append(b.tabs, t)
	return t, nil
}

// fakeTab counts remote calls so tests can assert validation happens
// before any browser traffic.
type fakeTab struct {
	url       string
	html      string
	calls     int
	waitFound bool
	err       error
	evalValue json.RawMessage
}

func (t *fakeTab) remote() error { t.calls++; return t.err }

func (t *fakeTab) Navigate(ctx context.Context, url string) error {
	if err := t.remote(); err != nil {
		return err
	}
	t.url = url
	return nil
}
func (t *fakeTab) Info(ctx context.Context) (session.Info, error) {
	if err := t.remote(); err != nil {
		return session.Info{}, err
	}
	return session.Info{URL: t.url, Title: "Title"}, nil
}
func (t *fakeTab) Click(ctx context.Context, sel string) (string, error) {
	return "a button", t.remote()
}
func (t *fakeTab) Type(ctx context.Context, sel, text string, clear bool) (string, error) {
	return "a field", t.remote()
}
func (t *fakeTab) WaitFor(ctx context.Context, sel, txt string, d time.Duration) (bool, error) {
	return t.waitFound, t.remote()
}
func (t *fakeTab) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	return t.evalValue, t.remote()
}
func (t *fakeTab) HTML(ctx context.Context) (string, error) { return t.html, t.remote() }
func (t *fakeTab) ElementText(ctx context.Context, sel string) (string, error) {
	return "hello world", t.remote()
}
func (t *fakeTab) ElementHTML(ctx context.Context, sel string) (string, error) {
	return "<p>hello <b>world</b></p>", t.remote()
}
func (t *fakeTab) AccessibilityTree(ctx context.Context) (*session.AXNode, error) {
	if err := t.remote(); err != nil {
		return nil, err
	}
	return &session.AXNode{ID: "1", Role: "RootWebArea", Children: []*session.AXNode{
		{ID: "2", Role: "button", Name: "Go"},
	}}, nil
}
func (t *fakeTab) SubtreeBackendID(ctx context.Context, sel string) (int64, error) {
	return 0, session.ErrLocatorNotFound
}
func (t *fakeTab) Close() error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBackend, *registry.Registry) {
	t.Helper()
	b := &fakeBackend{}
	reg := registry.New(b, nil)
	eng := snapshot.NewEngine(snapshot.WithTokenCounter(snapshot.HeuristicCounter))
	return New(reg, eng, nil), b, reg
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func create(t *testing.T, d *Dispatcher, name string) {
	t.Helper()
	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:   wire.KindCreateContext,
		Params: mustParams(t, wire.CreateContextParams{Name: name}),
	})
	if !resp.Success {
		t.Fatalf("create %s: %+v", name, resp.Error)
	}
}

func TestDispatch_UnknownKind(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), &wire.Request{Kind: "teleport"})
	if resp.Success || resp.Error.Code != wire.CodeProtocolError {
		t.Fatalf("unknown kind: got %+v, want protocol_error", resp)
	}
}

func TestDispatch_TargetedWithoutContext(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), &wire.Request{Kind: wire.KindNavigate})
	if resp.Success || resp.Error.Code != wire.CodeProtocolError {
		t.Fatalf("missing context: got %+v, want protocol_error", resp)
	}
}

func TestDispatch_UnknownContextLeavesNoRecord(t *testing.T) {
	d, b, _ := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindNavigate,
		Context: "ghost",
		Params:  mustParams(t, wire.NavigateParams{URL: "https://example.test"}),
	})
	if resp.Success || resp.Error.Code != wire.CodeContextNotFound {
		t.Fatalf("unknown context: got %+v, want context_not_found", resp)
	}
	if b.tabs[0].calls != 0 {
		t.Errorf("browser touched for unresolvable context: %d calls", b.tabs[0].calls)
	}
}

func TestDispatch_ValidationBeforeBrowser(t *testing.T) {
	d, b, _ := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindNavigate,
		Context: "main",
	})
	if resp.Success || resp.Error.Code != wire.CodeProtocolError {
		t.Fatalf("missing url: got %+v, want protocol_error", resp)
	}
	if b.tabs[0].calls != 0 {
		t.Errorf("validation failure still reached the browser: %d calls", b.tabs[0].calls)
	}
}

func TestDispatch_NavigateRecordsAction(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:      wire.KindNavigate,
		Context:   "main",
		Intention: "open the docs",
		Params:    mustParams(t, wire.NavigateParams{URL: "https://example.test"}),
	})
	if !resp.Success {
		t.Fatalf("navigate: %+v", resp.Error)
	}

	bctx, _ := reg.Get("main")
	hist := bctx.History(0)
	if len(hist) != 2 {
		t.Fatalf("history: got %d records, want 2 (create + navigate)", len(hist))
	}
	last := hist[1]
	if last.Kind != "navigate" || !last.OK || last.Intention != "open the docs" {
		t.Errorf("record: got %+v", last)
	}
}

func TestDispatch_FailedCommandStillRecorded(t *testing.T) {
	d, b, reg := newTestDispatcher(t)
	create(t, d, "main")
	b.tabs[0].err = session.ErrLocatorNotFound

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:      wire.KindClick,
		Context:   "main",
		Intention: "press the buy button",
		Params:    mustParams(t, wire.ClickParams{Selector: "#buy"}),
	})
	if resp.Success || resp.Error.Code != wire.CodeLocatorNotFound {
		t.Fatalf("click on missing element: got %+v, want locator_not_found", resp)
	}

	bctx, _ := reg.Get("main")
	hist := bctx.History(0)
	if len(hist) != 2 {
		t.Fatalf("history: got %d records, want 2", len(hist))
	}
	if hist[1].OK {
		t.Error("failed click recorded as OK")
	}
	if hist[1].Intention != "press the buy button" {
		t.Errorf("intention: got %q", hist[1].Intention)
	}
}

func TestDispatch_WaitTimeoutIsNotAnError(t *testing.T) {
	d, b, reg := newTestDispatcher(t)
	create(t, d, "main")
	b.tabs[0].waitFound = false

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindWait,
		Context: "main",
		Params:  mustParams(t, wire.WaitParams{Selector: "#spinner", TimeoutMS: 50}),
	})
	if !resp.Success {
		t.Fatalf("wait expiry must be a success: %+v", resp.Error)
	}
	var res wire.WaitResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if res.Found {
		t.Error("found: got true, want false")
	}

	bctx, _ := reg.Get("main")
	if hist := bctx.History(0); !hist[len(hist)-1].OK {
		t.Error("wait expiry recorded as failure")
	}
}

func TestDispatch_EvalValuePassedThrough(t *testing.T) {
	d, b, _ := newTestDispatcher(t)
	create(t, d, "main")
	b.tabs[0].evalValue = json.RawMessage(`{"answer":42}`)

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindEval,
		Context: "main",
		Params:  mustParams(t, wire.EvalParams{Expression: "window.state"}),
	})
	if !resp.Success {
		t.Fatalf("eval: %+v", resp.Error)
	}
	var res wire.EvalResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if string(res.Value) != `{"answer":42}` {
		t.Errorf("value: got %s", res.Value)
	}
}

func TestDispatch_ExtractMarkdown(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindExtract,
		Context: "main",
		Params:  mustParams(t, wire.ExtractParams{Format: wire.FormatMarkdown}),
	})
	if !resp.Success {
		t.Fatalf("extract: %+v", resp.Error)
	}
	var res wire.ExtractResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "**world**") {
		t.Errorf("markdown: got %q, want bold world", res.Content)
	}
	if !strings.Contains(res.Content, "Title") {
		t.Errorf("markdown: got %q, want heading text", res.Content)
	}
}

func TestDispatch_ExtractTruncation(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindExtract,
		Context: "main",
		Params:  mustParams(t, wire.ExtractParams{Format: wire.FormatText, MaxChars: 5}),
	})
	if !resp.Success {
		t.Fatalf("extract: %+v", resp.Error)
	}
	var res wire.ExtractResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || len(res.Content) != 5 {
		t.Errorf("truncation: got truncated=%v len=%d", res.Truncated, len(res.Content))
	}
}

func TestDispatch_SnapshotStoresState(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindSnapshot,
		Context: "main",
		Params:  mustParams(t, wire.SnapshotParams{}),
	})
	if !resp.Success {
		t.Fatalf("snapshot: %+v", resp.Error)
	}

	bctx, _ := reg.Get("main")
	if bctx.LastSnapshot() == nil {
		t.Fatal("snapshot did not store the context's previous state")
	}

	// Unchanged page: the diff must be empty.
	resp = d.Dispatch(context.Background(), &wire.Request{
		Kind:    wire.KindSnapshot,
		Context: "main",
		Params:  mustParams(t, wire.SnapshotParams{Diff: true}),
	})
	if !resp.Success {
		t.Fatalf("diff snapshot: %+v", resp.Error)
	}
	var res snapshot.Result
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Elements) != 0 {
		t.Errorf("unchanged diff: got %d elements, want 0", len(res.Elements))
	}
}

func TestDispatch_DuplicateAndMissingContexts(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	create(t, d, "main")

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:   wire.KindCreateContext,
		Params: mustParams(t, wire.CreateContextParams{Name: "main"}),
	})
	if resp.Success || resp.Error.Code != wire.CodeDuplicateCtx {
		t.Fatalf("duplicate create: got %+v, want duplicate_context", resp)
	}

	resp = d.Dispatch(context.Background(), &wire.Request{
		Kind:   wire.KindCloseContext,
		Params: mustParams(t, wire.CloseContextParams{Name: "ghost"}),
	})
	if resp.Success || resp.Error.Code != wire.CodeContextNotFound {
		t.Fatalf("close missing: got %+v, want context_not_found", resp)
	}
}

func TestDispatch_StatusListsContexts(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	create(t, d, "main")
	create(t, d, "second")

	resp := d.Dispatch(context.Background(), &wire.Request{Kind: wire.KindStatus})
	if !resp.Success {
		t.Fatalf("status: %+v", resp.Error)
	}
	var res wire.StatusResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Contexts) != 2 {
		t.Fatalf("contexts: got %d, want 2", len(res.Contexts))
	}
	if res.Contexts[0].Name != "main" || res.Contexts[1].Name != "second" {
		t.Errorf("order: got %s, %s", res.Contexts[0].Name, res.Contexts[1].Name)
	}
}

func TestDispatch_HistoryReturnsExecutionOrder(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	create(t, d, "main")

	for _, url := range []string{"https://a.test", "https://b.test"} {
		d.Dispatch(context.Background(), &wire.Request{
			Kind:    wire.KindNavigate,
			Context: "main",
			Params:  mustParams(t, wire.NavigateParams{URL: url}),
		})
	}

	resp := d.Dispatch(context.Background(), &wire.Request{
		Kind:   wire.KindHistory,
		Params: mustParams(t, wire.HistoryParams{Name: "main"}),
	})
	if !resp.Success {
		t.Fatalf("history: %+v", resp.Error)
	}
	var res wire.HistoryResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		t.Fatal(err)
	}
	kinds := make([]string, len(res.Records))
	for i, rec := range res.Records {
		kinds[i] = rec.Kind
	}
	want := []string{"create", "navigate", "navigate"}
	if len(kinds) != len(want) {
		t.Fatalf("records: got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("records[%d]: got %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestDispatch_QuitTriggersSupervisor(t *testing.T) {
	b := &fakeBackend{}
	reg := registry.New(b, nil)
	eng := snapshot.NewEngine(snapshot.WithTokenCounter(snapshot.HeuristicCounter))

	quits := 0
	d := New(reg, eng, nil, WithLifecycle(
		func() string { return "running" },
		func() { quits++ },
	))

	resp := d.Dispatch(context.Background(), &wire.Request{Kind: wire.KindQuit})
	if !resp.Success {
		t.Fatalf("quit: %+v", resp.Error)
	}
	if quits != 1 {
		t.Errorf("quit trigger: got %d calls, want 1", quits)
	}
}
