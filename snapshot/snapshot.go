// Package snapshot produces structured, size-bounded descriptions of a
// tab's current semantic surface, and diffs them against the previous
// capture in the same browsing context.
//
// The default source is the browser's accessibility tree: an order of
// magnitude smaller than raw markup and already filtered to meaningful
// elements. The raw-DOM mode exists as an explicit caller-selected
// fallback for elements the semantic tree does not surface.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/browserd/session"
)

// Element is one descriptor in a snapshot. Key is stable across captures
// of an unchanged page: it is derived from the element's role/name path
// from the root, so diffs can match elements between captures.
type Element struct {
	Key      string     `json:"key"`
	Role     string     `json:"role"`
	Name     string     `json:"name,omitempty"`
	Value    string     `json:"value,omitempty"`
	Children []*Element `json:"children,omitempty"`
}

// State is the per-context "previous snapshot" diffing compares against.
// It holds the full pre-truncation element set, flattened by key. Owned by
// the browsing context and replaced atomically by each snapshot operation.
type State struct {
	Taken    time.Time
	Elements map[string]Element
}

// Request selects what to capture.
type Request struct {
	// DOM switches to raw-markup capture. Default is the semantic tree.
	DOM bool
	// FocusSelector restricts the capture to one subtree. Applied before
	// diffing and truncation so both operate on the smaller input.
	FocusSelector string
	// Diff keeps only elements new or changed since prev. With no
	// previous snapshot it degrades to a full capture.
	Diff bool
	// TokenLimit bounds the serialized result. <=0 uses DefaultTokenLimit.
	TokenLimit int
}

// Result is the engine's output.
type Result struct {
	Mode      string     `json:"mode"`
	Elements  []*Element `json:"elements"`
	Truncated bool       `json:"truncated,omitempty"`
	Diffed    bool       `json:"diffed,omitempty"`
	Added     int        `json:"added,omitempty"`
	Changed   int        `json:"changed,omitempty"`
	Removed   int        `json:"removed,omitempty"`
}

// DefaultTokenLimit bounds snapshots when the caller gives no budget.
const DefaultTokenLimit = 4000

// Engine captures and diffs snapshots. Safe for use from the single
// serialized dispatch path; it keeps no per-context state itself.
type Engine struct {
	count TokenCounter
	log   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokenCounter overrides the token accounting, mainly for tests.
func WithTokenCounter(tc TokenCounter) Option {
	return func(e *Engine) { e.count = tc }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an Engine. The default token counter uses the
// cl100k_base encoding, degrading to a bytes/4 heuristic when the encoding
// cannot be initialised.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{count: TiktokenCounter, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Snapshot captures tab per req, diffing against prev when requested. It
// returns the result and the new State the caller must store as the
// context's previous snapshot: always the full pre-truncation capture,
// even when the returned result was diffed or truncated.
func (e *Engine) Snapshot(ctx context.Context, tab session.Tab, prev *State, req Request) (*Result, *State, error) {
	limit := req.TokenLimit
	if limit <= 0 {
		limit = DefaultTokenLimit
	}

	var (
		res *Result
		err error
	)
	if req.DOM {
		res, err = e.captureDOM(ctx, tab, req.FocusSelector)
	} else {
		res, err = e.captureTree(ctx, tab, req.FocusSelector)
	}
	if err != nil {
		return nil, nil, err
	}

	flat := flatten(res.Elements)
	next := &State{Taken: time.Now(), Elements: flat}

	if req.Diff {
		res = e.diff(res, prev, flat)
	}

	e.truncate(res, limit)
	return res, next, nil
}

// captureTree reads the accessibility tree and converts it to keyed
// elements, optionally scoped to the subtree at focusSelector.
func (e *Engine) captureTree(ctx context.Context, tab session.Tab, focusSelector string) (*Result, error) {
	root, err := tab.AccessibilityTree(ctx)
	if err != nil {
		return nil, err
	}

	byBackend := map[int64]*Element{}
	el := convertAX(root, "", map[string]int{}, byBackend)

	if focusSelector != "" {
		backendID, err := tab.SubtreeBackendID(ctx, focusSelector)
		if err != nil {
			return nil, err
		}
		scoped, ok := byBackend[backendID]
		if !ok {
			return nil, fmt.Errorf("snapshot: %s not in semantic tree: %w", focusSelector, session.ErrLocatorNotFound)
		}
		el = scoped
	}

	return &Result{Mode: "tree", Elements: []*Element{el}}, nil
}

func (e *Engine) captureDOM(ctx context.Context, tab session.Tab, focusSelector string) (*Result, error) {
	raw, err := tab.HTML(ctx)
	if err != nil {
		return nil, err
	}
	elems, err := domElements(raw, focusSelector)
	if err != nil {
		return nil, err
	}
	return &Result{Mode: "dom", Elements: elems}, nil
}

// convertAX turns an AXNode subtree into keyed elements. Keys are the
// role:name path from the root with a sibling index to break collisions;
// they stay stable while the page around them does.
func convertAX(n *session.AXNode, parentKey string, seen map[string]int, byBackend map[int64]*Element) *Element {
	seg := n.Role
	if n.Name != "" {
		seg += ":" + n.Name
	}
	key := seg
	if parentKey != "" {
		key = parentKey + "/" + seg
	}
	seen[key]++
	if c := seen[key]; c > 1 {
		key = fmt.Sprintf("%s#%d", key, c)
	}

	el := &Element{Key: key, Role: n.Role, Name: n.Name, Value: n.Value}
	if n.BackendID != 0 {
		byBackend[n.BackendID] = el
	}
	for _, c := range n.Children {
		el.Children = append(el.Children, convertAX(c, key, seen, byBackend))
	}
	return el
}

// flatten collapses a forest into childless value copies keyed for diff.
func flatten(elems []*Element) map[string]Element {
	out := map[string]Element{}
	var walk func(*Element)
	walk = func(el *Element) {
		c := *el
		c.Children = nil
		out[el.Key] = c
		for _, child := range el.Children {
			walk(child)
		}
	}
	for _, el := range elems {
		walk(el)
	}
	return out
}

// diff reduces res to the elements new or changed since prev, in document
// order. With no previous state it returns the full capture unchanged.
func (e *Engine) diff(res *Result, prev *State, flat map[string]Element) *Result {
	if prev == nil {
		res.Diffed = false
		return res
	}

	out := &Result{Mode: res.Mode, Diffed: true}
	var walk func(*Element)
	walk = func(el *Element) {
		old, existed := prev.Elements[el.Key]
		switch {
		case !existed:
			out.Added++
			out.Elements = append(out.Elements, &Element{Key: el.Key, Role: el.Role, Name: el.Name, Value: el.Value})
		case old.Role != el.Role || old.Name != el.Name || old.Value != el.Value:
			out.Changed++
			out.Elements = append(out.Elements, &Element{Key: el.Key, Role: el.Role, Name: el.Name, Value: el.Value})
		}
		for _, c := range el.Children {
			walk(c)
		}
	}
	for _, el := range res.Elements {
		walk(el)
	}

	for key := range prev.Elements {
		if _, ok := flat[key]; !ok {
			out.Removed++
		}
	}
	return out
}

// truncate prunes res in place until it fits the token budget, dropping
// the deepest subtrees first. Deterministic: equal inputs prune equally.
func (e *Engine) truncate(res *Result, limit int) {
	for e.measure(res) > limit {
		if !pruneDeepest(res.Elements) {
			// Nothing left to drop below the roots; for flat results trim
			// the tail instead. A lone leaf still over budget cannot shrink
			// further but the result is truncated relative to the budget.
			if len(res.Elements) <= 1 {
				res.Truncated = true
				break
			}
			res.Elements = res.Elements[:len(res.Elements)/2]
		}
		res.Truncated = true
	}
}

func (e *Engine) measure(res *Result) int {
	data, err := json.Marshal(res.Elements)
	if err != nil {
		return 0
	}
	return e.count(string(data))
}

// pruneDeepest removes every element at the current maximum depth.
// Returns false when the forest is already leaves-only.
func pruneDeepest(elems []*Element) bool {
	max := 0
	var depth func(*Element, int)
	depth = func(el *Element, d int) {
		if d > max {
			max = d
		}
		for _, c := range el.Children {
			depth(c, d+1)
		}
	}
	for _, el := range elems {
		depth(el, 0)
	}
	if max == 0 {
		return false
	}

	var cut func(*Element, int)
	cut = func(el *Element, d int) {
		if d == max-1 {
			el.Children = nil
			return
		}
		for _, c := range el.Children {
			cut(c, d+1)
		}
	}
	for _, el := range elems {
		cut(el, 0)
	}
	return true
}
