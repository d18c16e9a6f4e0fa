package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures the Rod session.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome
	// instance. Empty = launch a local Chrome via the launcher.
	RemoteURL string

	// Stealth creates tabs through go-rod/stealth to reduce automation
	// fingerprinting.
	Stealth bool

	// ResourceBlocking lists resource types to block in every tab
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// NavigateTimeout bounds page loads. Default: 30s.
	NavigateTimeout time.Duration

	// LocateTimeout bounds element resolution for click/type/extract.
	// Expiry maps to ErrLocatorNotFound. Default: 5s.
	LocateTimeout time.Duration

	// EvalTimeout bounds script evaluation and DOM serialization.
	// Default: 15s.
	EvalTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.LocateTimeout <= 0 {
		c.LocateTimeout = 5 * time.Second
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is the Rod-backed Backend. The mutex serializes all remote
// operations: a click and a concurrent navigate racing on one CDP
// connection would corrupt intent, so callers queue here.
type Session struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// New creates a Session. Call Start before opening tabs.
func New(cfg Config) *Session {
	cfg.defaults()
	return &Session{cfg: cfg}
}

// Start launches Chrome, or attaches when RemoteURL is set.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session: already closed")
	}

	log := s.cfg.Logger
	wsURL := s.cfg.RemoteURL

	if wsURL == "" {
		l := launcher.New().Headless(true)
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("session: launch chrome: %w", err)
		}
		wsURL = u
		s.lnch = l
		log.Info("session: launched local chrome", "url", wsURL)
	} else {
		log.Info("session: attaching to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	s.browser = b
	return nil
}

// Ping performs a Browser.getVersion round trip. Any failure means the
// connection is gone, not merely slow, and is reported as ErrSessionLost.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	b := s.browser
	closed := s.closed
	s.mu.Unlock()

	if closed || b == nil {
		return fmt.Errorf("session: ping: %w", ErrSessionLost)
	}
	if _, err := (proto.BrowserGetVersion{}).Call(b); err != nil {
		return fmt.Errorf("session: ping: %v: %w", err, ErrSessionLost)
	}
	return nil
}

// OpenTab creates a new tab and navigates it when url is non-empty.
func (s *Session) OpenTab(ctx context.Context, url string) (Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.browser == nil {
		return nil, fmt.Errorf("session: open tab: %w", ErrSessionLost)
	}

	var page *rod.Page
	var err error
	if s.cfg.Stealth {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("session: create tab: %w", err))
	}

	if len(s.cfg.ResourceBlocking) > 0 {
		if err := blockResources(page, s.cfg.ResourceBlocking); err != nil {
			s.cfg.Logger.Warn("session: resource blocking failed", "error", err)
		}
	}

	t := &rodTab{s: s, page: page}
	if url != "" {
		if err := t.navigateLocked(ctx, url); err != nil {
			page.Close()
			return nil, err
		}
	}
	return t, nil
}

// Close releases the browser. A locally launched Chrome is killed; an
// attached one is only disconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return nil
}

// classify maps a Rod error to the session failure taxonomy. Deadline
// expiry stays a Timeout; anything else is checked against the live
// connection and upgraded to ErrSessionLost when the browser is gone.
func (s *Session) classify(err error) error {
	if err == nil {
		return nil
	}
	if isDeadline(err) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	b := s.browser
	if b == nil || s.closed {
		return fmt.Errorf("%v: %w", err, ErrSessionLost)
	}
	if _, perr := (proto.BrowserGetVersion{}).Call(b); perr != nil {
		return fmt.Errorf("%v: %w", err, ErrSessionLost)
	}
	return err
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// rodTab implements Tab over one Rod page. Every method takes the session
// lock for the duration of its remote calls.
type rodTab struct {
	s         *Session
	page      *rod.Page
	axEnabled bool
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.navigateLocked(ctx, url)
}

func (t *rodTab) navigateLocked(ctx context.Context, url string) error {
	p := t.page.Context(ctx).Timeout(t.s.cfg.NavigateTimeout)
	if err := p.Navigate(url); err != nil {
		return t.s.classify(fmt.Errorf("session: navigate %s: %w", url, err))
	}
	if err := p.WaitLoad(); err != nil {
		// Slow subresources should not fail an otherwise loaded page.
		t.s.cfg.Logger.Warn("session: wait load expired", "url", url, "error", err)
	}
	return nil
}

func (t *rodTab) Info(ctx context.Context) (Info, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return Info{}, t.s.classify(fmt.Errorf("session: tab info: %w", err))
	}
	return Info{URL: info.URL, Title: info.Title}, nil
}

func (t *rodTab) Click(ctx context.Context, selector string) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	el, err := t.locate(ctx, selector)
	if err != nil {
		return "", err
	}
	desc := describeElement(el)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return desc, t.s.classify(fmt.Errorf("session: click %s: %w", selector, err))
	}
	return desc, nil
}

func (t *rodTab) Type(ctx context.Context, selector, text string, clear bool) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	el, err := t.locate(ctx, selector)
	if err != nil {
		return "", err
	}
	desc := describeElement(el)
	if clear {
		if err := el.SelectAllText(); err != nil {
			return desc, t.s.classify(fmt.Errorf("session: select text %s: %w", selector, err))
		}
	}
	if err := el.Input(text); err != nil {
		return desc, t.s.classify(fmt.Errorf("session: type into %s: %w", selector, err))
	}
	return desc, nil
}

func (t *rodTab) WaitFor(ctx context.Context, selector, text string, timeout time.Duration) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	p := t.page.Context(ctx).Timeout(timeout)
	var err error
	if selector != "" {
		_, err = p.Element(selector)
	} else {
		_, err = p.ElementR("*", regexp.QuoteMeta(text))
	}
	if err == nil {
		return true, nil
	}
	if isDeadline(err) {
		// Expiry is the caller's answer, not a fault.
		return false, nil
	}
	return false, t.s.classify(fmt.Errorf("session: wait: %w", err))
}

func (t *rodTab) Eval(ctx context.Context, expression string) (json.RawMessage, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	p := t.page.Context(ctx).Timeout(t.s.cfg.EvalTimeout)
	res, err := p.Eval(wrapExpression(expression))
	if err != nil {
		if isDeadline(err) {
			return nil, t.s.classify(fmt.Errorf("session: eval: %w", err))
		}
		// Script exceptions travel back verbatim for the caller to read.
		return nil, fmt.Errorf("session: eval: %w", err)
	}
	data, err := json.Marshal(res.Value.Val())
	if err != nil {
		return nil, fmt.Errorf("session: eval result: %w", err)
	}
	return data, nil
}

func (t *rodTab) HTML(ctx context.Context) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	h, err := t.page.Context(ctx).Timeout(t.s.cfg.EvalTimeout).HTML()
	if err != nil {
		return "", t.s.classify(fmt.Errorf("session: serialize dom: %w", err))
	}
	return h, nil
}

func (t *rodTab) ElementText(ctx context.Context, selector string) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	el, err := t.locate(ctx, selector)
	if err != nil {
		return "", err
	}
	txt, err := el.Text()
	if err != nil {
		return "", t.s.classify(fmt.Errorf("session: text of %s: %w", selector, err))
	}
	return txt, nil
}

func (t *rodTab) ElementHTML(ctx context.Context, selector string) (string, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	el, err := t.locate(ctx, selector)
	if err != nil {
		return "", err
	}
	h, err := el.HTML()
	if err != nil {
		return "", t.s.classify(fmt.Errorf("session: html of %s: %w", selector, err))
	}
	return h, nil
}

func (t *rodTab) AccessibilityTree(ctx context.Context) (*AXNode, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	p := t.page.Context(ctx).Timeout(t.s.cfg.EvalTimeout)
	if !t.axEnabled {
		if err := (proto.AccessibilityEnable{}).Call(p); err != nil {
			return nil, t.s.classify(fmt.Errorf("session: enable accessibility: %w", err))
		}
		t.axEnabled = true
	}
	res, err := proto.AccessibilityGetFullAXTree{}.Call(p)
	if err != nil {
		return nil, t.s.classify(fmt.Errorf("session: accessibility tree: %w", err))
	}
	root := buildAXTree(res.Nodes)
	if root == nil {
		return nil, fmt.Errorf("session: accessibility tree: empty")
	}
	return root, nil
}

func (t *rodTab) SubtreeBackendID(ctx context.Context, selector string) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	el, err := t.locate(ctx, selector)
	if err != nil {
		return 0, err
	}
	node, err := el.Describe(0, false)
	if err != nil {
		return 0, t.s.classify(fmt.Errorf("session: describe %s: %w", selector, err))
	}
	return int64(node.BackendNodeID), nil
}

func (t *rodTab) Close() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.page == nil {
		return nil
	}
	err := t.page.Close()
	t.page = nil
	return err
}

// locate resolves selector within LocateTimeout. Expiry means the element
// does not currently exist, which is ErrLocatorNotFound, not a timeout.
func (t *rodTab) locate(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := t.page.Context(ctx).Timeout(t.s.cfg.LocateTimeout).Element(selector)
	if err != nil {
		if isDeadline(err) {
			return nil, fmt.Errorf("session: %s: %w", selector, ErrLocatorNotFound)
		}
		return nil, t.s.classify(fmt.Errorf("session: locate %s: %w", selector, err))
	}
	return el, nil
}

// describeElement returns a short human-readable identification of el for
// action summaries. Best effort: failures yield an empty string.
func describeElement(el *rod.Element) string {
	txt, err := el.Text()
	if err != nil {
		return ""
	}
	txt = strings.Join(strings.Fields(txt), " ")
	if len(txt) > 80 {
		txt = txt[:80]
	}
	return txt
}

// wrapExpression makes a bare expression callable by Rod, which evaluates
// functions only. Caller-supplied functions pass through untouched.
func wrapExpression(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "(") || strings.HasPrefix(trimmed, "function") ||
		strings.HasPrefix(trimmed, "async ") {
		return trimmed
	}
	return "() => (" + trimmed + ")"
}

// buildAXTree links the flat CDP node list into a tree, splicing ignored
// nodes out so only the meaningful surface remains.
func buildAXTree(nodes []*proto.AccessibilityAXNode) *AXNode {
	byID := make(map[proto.AccessibilityAXNodeID]*proto.AccessibilityAXNode, len(nodes))
	var rootID proto.AccessibilityAXNodeID
	for _, n := range nodes {
		byID[n.NodeID] = n
		if n.ParentID == "" && rootID == "" {
			rootID = n.NodeID
		}
	}
	if rootID == "" {
		return nil
	}

	var convert func(id proto.AccessibilityAXNodeID) []*AXNode
	convert = func(id proto.AccessibilityAXNodeID) []*AXNode {
		n, ok := byID[id]
		if !ok {
			return nil
		}
		var children []*AXNode
		for _, cid := range n.ChildIDs {
			children = append(children, convert(cid)...)
		}
		if n.Ignored {
			// Lift the children of ignored nodes into the parent.
			return children
		}
		out := &AXNode{
			ID:        string(n.NodeID),
			BackendID: int64(n.BackendDOMNodeID),
			Role:      axValue(n.Role),
			Name:      axValue(n.Name),
			Value:     axValue(n.Value),
			Children:  children,
		}
		if n.Description != nil {
			out.Description = axValue(n.Description)
		}
		return []*AXNode{out}
	}

	roots := convert(rootID)
	if len(roots) == 0 {
		return nil
	}
	if len(roots) == 1 {
		return roots[0]
	}
	// Ignored root: wrap the lifted children.
	return &AXNode{Role: "RootWebArea", Children: roots}
}

func axValue(v *proto.AccessibilityAXValue) string {
	if v == nil {
		return ""
	}
	return v.Value.Str()
}
