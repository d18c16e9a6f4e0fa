package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/browserd/registry"
	"github.com/hazyhaar/browserd/snapshot"
	"github.com/hazyhaar/browserd/wire"
)

const (
	defaultWaitTimeout = 10 * time.Second
	maxWaitTimeout     = 2 * time.Minute
	defaultMaxChars    = 20000
	lastActionsShown   = 5
)

// decode unmarshals params into dst, reporting protocol errors for
// malformed payloads. Required-field checks stay in the handlers.
func decode(raw json.RawMessage, dst any) *wire.Response {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return wire.Failf(wire.CodeProtocolError, "malformed params: %v", err)
	}
	return nil
}

func (d *Dispatcher) handleNavigate(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.NavigateParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	if p.URL == "" {
		return wire.Fail(wire.CodeProtocolError, "navigate requires url"), ""
	}

	if err := bctx.Tab().Navigate(ctx, p.URL); err != nil {
		return failure(err), ""
	}
	info, err := bctx.Tab().Info(ctx)
	if err != nil {
		// The page loaded; a failed title read should not fail the command.
		info.URL = p.URL
	}
	return wire.OK(wire.NavigateResult{URL: info.URL, Title: info.Title}),
		fmt.Sprintf("loaded %s", info.URL)
}

func (d *Dispatcher) handleClick(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.ClickParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	if p.Selector == "" {
		return wire.Fail(wire.CodeProtocolError, "click requires selector"), ""
	}

	desc, err := bctx.Tab().Click(ctx, p.Selector)
	if err != nil {
		return failure(err), ""
	}
	return wire.OK(wire.InteractionResult{Selector: p.Selector, Element: desc}),
		fmt.Sprintf("clicked %s", p.Selector)
}

func (d *Dispatcher) handleType(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.TypeParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	if p.Selector == "" || p.Text == "" {
		return wire.Fail(wire.CodeProtocolError, "type requires selector and text"), ""
	}

	desc, err := bctx.Tab().Type(ctx, p.Selector, p.Text, p.Clear)
	if err != nil {
		return failure(err), ""
	}
	return wire.OK(wire.InteractionResult{Selector: p.Selector, Element: desc}),
		fmt.Sprintf("typed %d chars into %s", len(p.Text), p.Selector)
}

func (d *Dispatcher) handleWait(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.WaitParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	if p.Selector == "" && p.Text == "" {
		return wire.Fail(wire.CodeProtocolError, "wait requires selector or text"), ""
	}

	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	found, err := bctx.Tab().WaitFor(ctx, p.Selector, p.Text, timeout)
	if err != nil {
		return failure(err), ""
	}
	summary := "condition appeared"
	if !found {
		summary = fmt.Sprintf("not found within %s", timeout)
	}
	return wire.OK(wire.WaitResult{Found: found}), summary
}

func (d *Dispatcher) handleEval(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.EvalParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	if p.Expression == "" {
		return wire.Fail(wire.CodeProtocolError, "eval requires expression"), ""
	}

	value, err := bctx.Tab().Eval(ctx, p.Expression)
	if err != nil {
		return failure(err), ""
	}
	return wire.OK(wire.EvalResult{Value: value}), "expression evaluated"
}

func (d *Dispatcher) handleExtract(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.ExtractParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	format := p.Format
	if format == "" {
		format = wire.FormatText
	}
	maxChars := p.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}

	content, err := d.extract(ctx, bctx, p.Selector, format)
	if err != nil {
		return failure(err), ""
	}

	truncated := false
	if len(content) > maxChars {
		content = content[:maxChars]
		truncated = true
	}
	return wire.OK(wire.ExtractResult{Content: content, Format: format, Truncated: truncated}),
		fmt.Sprintf("extracted %d chars as %s", len(content), format)
}

func (d *Dispatcher) extract(ctx context.Context, bctx *registry.Context, selector string, format wire.ExtractFormat) (string, error) {
	tab := bctx.Tab()
	switch format {
	case wire.FormatText:
		if selector == "" {
			selector = "body"
		}
		return tab.ElementText(ctx, selector)
	case wire.FormatHTML:
		if selector == "" {
			return tab.HTML(ctx)
		}
		return tab.ElementHTML(ctx, selector)
	case wire.FormatMarkdown:
		var (
			raw string
			err error
		)
		if selector == "" {
			raw, err = tab.HTML(ctx)
		} else {
			raw, err = tab.ElementHTML(ctx, selector)
		}
		if err != nil {
			return "", err
		}
		md, err := d.md.ConvertString(d.sanitize.Sanitize(raw))
		if err != nil {
			return "", fmt.Errorf("dispatch: markdown conversion: %w", err)
		}
		return strings.TrimSpace(md), nil
	default:
		return "", fmt.Errorf("dispatch: unsupported extract format %q", format)
	}
}

func (d *Dispatcher) handleSnapshot(ctx context.Context, bctx *registry.Context, raw json.RawMessage) (*wire.Response, string) {
	var p wire.SnapshotParams
	if resp := decode(raw, &p); resp != nil {
		return resp, ""
	}
	var dom bool
	switch p.Mode {
	case "", wire.ModeTree:
	case wire.ModeDOM:
		dom = true
	default:
		return wire.Failf(wire.CodeProtocolError, "unknown snapshot mode %q", p.Mode), ""
	}

	res, next, err := d.engine.Snapshot(ctx, bctx.Tab(), bctx.LastSnapshot(), snapshot.Request{
		DOM:           dom,
		FocusSelector: p.FocusSelector,
		Diff:          p.Diff,
		TokenLimit:    p.TokenLimit,
	})
	if err != nil {
		return failure(err), ""
	}
	bctx.SetLastSnapshot(next)

	summary := fmt.Sprintf("%s snapshot, %d elements", res.Mode, len(res.Elements))
	if res.Diffed {
		summary = fmt.Sprintf("%s diff: +%d ~%d -%d", res.Mode, res.Added, res.Changed, res.Removed)
	}
	return wire.OK(res), summary
}

func (d *Dispatcher) handleCreate(ctx context.Context, req *wire.Request) *wire.Response {
	var p wire.CreateContextParams
	if resp := decode(req.Params, &p); resp != nil {
		return resp
	}
	if p.Name == "" {
		return wire.Fail(wire.CodeProtocolError, "create-context requires name")
	}
	if p.URL == "" {
		p.URL = "about:blank"
	}

	if _, err := d.reg.Create(ctx, p.Name, p.URL); err != nil {
		return failure(err)
	}
	return wire.OK(wire.CreateContextResult{Name: p.Name, URL: p.URL})
}

func (d *Dispatcher) handleClose(req *wire.Request) *wire.Response {
	var p wire.CloseContextParams
	if resp := decode(req.Params, &p); resp != nil {
		return resp
	}
	if p.Name == "" {
		return wire.Fail(wire.CodeProtocolError, "close-context requires name")
	}

	if err := d.reg.Close(p.Name); err != nil {
		return failure(err)
	}
	return wire.OK(wire.CloseContextResult{Name: p.Name})
}

func (d *Dispatcher) handleStatus(ctx context.Context) *wire.Response {
	contexts := d.reg.List()
	out := wire.StatusResult{
		State:    d.state(),
		PID:      pid(),
		Contexts: make([]wire.ContextSummary, 0, len(contexts)),
	}
	for _, c := range contexts {
		s := wire.ContextSummary{
			Name:       c.Name(),
			AgeSeconds: int64(c.Age().Seconds()),
		}
		// Best effort: status must not fail because one tab is wedged.
		if info, err := c.Tab().Info(ctx); err == nil {
			s.URL = info.URL
			s.Title = info.Title
		}
		for _, rec := range c.History(lastActionsShown) {
			s.LastActions = append(s.LastActions, toSummary(rec))
		}
		out.Contexts = append(out.Contexts, s)
	}
	return wire.OK(out)
}

func (d *Dispatcher) handleHistory(req *wire.Request) *wire.Response {
	var p wire.HistoryParams
	if resp := decode(req.Params, &p); resp != nil {
		return resp
	}
	if p.Name == "" {
		return wire.Fail(wire.CodeProtocolError, "history requires name")
	}

	bctx, err := d.reg.Get(p.Name)
	if err != nil {
		return failure(err)
	}

	records := bctx.History(p.Limit)
	out := wire.HistoryResult{Name: p.Name, Records: make([]wire.ActionSummary, 0, len(records))}
	for _, rec := range records {
		out.Records = append(out.Records, toSummary(rec))
	}
	return wire.OK(out)
}

func (d *Dispatcher) handleQuit() *wire.Response {
	d.log.Info("dispatch: quit requested")
	d.onQuit()
	return wire.OK(wire.QuitResult{Stopping: true})
}

func toSummary(rec registry.ActionRecord) wire.ActionSummary {
	return wire.ActionSummary{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Intention: rec.Intention,
		At:        rec.At,
		Params:    rec.Params,
		OK:        rec.OK,
		Summary:   rec.Summary,
	}
}
