// Package dispatch turns decoded wire requests into typed commands,
// resolves their target context, runs the matching handler, and records
// every attempted context-targeted command in that context's history.
//
// A request moves through fixed stages: validate, resolve, execute,
// respond. Validation rejects unknown kinds and missing parameters before
// anything touches the browser; handlers are the only code allowed to call
// into the session or append action records.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/browserd/registry"
	"github.com/hazyhaar/browserd/session"
	"github.com/hazyhaar/browserd/snapshot"
	"github.com/hazyhaar/browserd/wire"
)

// Dispatcher executes commands against the daemon's registry and engine.
type Dispatcher struct {
	reg      *registry.Registry
	engine   *snapshot.Engine
	log      *slog.Logger
	md       *converter.Converter
	sanitize *bluemonday.Policy

	// state reports the supervisor's current lifecycle state for status.
	state func() string
	// onQuit asks the supervisor to shut the daemon down.
	onQuit func()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLifecycle wires the supervisor's state reporter and quit trigger.
func WithLifecycle(state func() string, onQuit func()) Option {
	return func(d *Dispatcher) {
		d.state = state
		d.onQuit = onQuit
	}
}

// New creates a Dispatcher.
func New(reg *registry.Registry, engine *snapshot.Engine, log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		reg:    reg,
		engine: engine,
		log:    log,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitize: bluemonday.UGCPolicy(),
		state:    func() string { return "running" },
		onQuit:   func() {},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs one request to completion and always returns a response;
// failures come back as typed command errors, never as panics or raw
// transport faults.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	if req == nil || req.Kind == "" {
		return wire.Fail(wire.CodeProtocolError, "missing command kind")
	}
	if !req.Kind.Valid() {
		return wire.Failf(wire.CodeProtocolError, "unknown command kind %q", req.Kind)
	}

	if !req.Kind.TargetsContext() {
		return d.dispatchGlobal(ctx, req)
	}

	if req.Context == "" {
		return wire.Failf(wire.CodeProtocolError, "%s requires a browsing context", req.Kind)
	}

	// A command against a context that does not exist leaves no trace in
	// any history: there is no context to record it on.
	bctx, err := d.reg.Get(req.Context)
	if err != nil {
		return failure(err)
	}

	resp, summary := d.dispatchTargeted(ctx, bctx, req)
	rec := registry.ActionRecord{
		Kind:      string(req.Kind),
		Intention: req.Intention,
		Params:    compactParams(req.Params),
		OK:        resp.Success,
		Summary:   summary,
	}
	if resp.Error != nil && summary == "" {
		rec.Summary = resp.Error.Message
	}
	bctx.Append(rec)

	d.log.Debug("dispatch: command executed",
		"kind", req.Kind, "context", req.Context, "ok", resp.Success)
	return resp
}

func (d *Dispatcher) dispatchGlobal(ctx context.Context, req *wire.Request) *wire.Response {
	switch req.Kind {
	case wire.KindCreateContext:
		return d.handleCreate(ctx, req)
	case wire.KindCloseContext:
		return d.handleClose(req)
	case wire.KindStatus:
		return d.handleStatus(ctx)
	case wire.KindHistory:
		return d.handleHistory(req)
	case wire.KindQuit:
		return d.handleQuit()
	default:
		return wire.Failf(wire.CodeProtocolError, "unknown command kind %q", req.Kind)
	}
}

func (d *Dispatcher) dispatchTargeted(ctx context.Context, bctx *registry.Context, req *wire.Request) (*wire.Response, string) {
	switch req.Kind {
	case wire.KindNavigate:
		return d.handleNavigate(ctx, bctx, req.Params)
	case wire.KindClick:
		return d.handleClick(ctx, bctx, req.Params)
	case wire.KindType:
		return d.handleType(ctx, bctx, req.Params)
	case wire.KindWait:
		return d.handleWait(ctx, bctx, req.Params)
	case wire.KindEval:
		return d.handleEval(ctx, bctx, req.Params)
	case wire.KindExtract:
		return d.handleExtract(ctx, bctx, req.Params)
	case wire.KindSnapshot:
		return d.handleSnapshot(ctx, bctx, req.Params)
	default:
		return wire.Failf(wire.CodeProtocolError, "unknown command kind %q", req.Kind), ""
	}
}

// failure maps a handler error onto the wire taxonomy.
func failure(err error) *wire.Response {
	return wire.Fail(failureCode(err), err.Error())
}

func failureCode(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, registry.ErrContextNotFound):
		return wire.CodeContextNotFound
	case errors.Is(err, registry.ErrDuplicateContext):
		return wire.CodeDuplicateCtx
	case errors.Is(err, session.ErrLocatorNotFound):
		return wire.CodeLocatorNotFound
	case errors.Is(err, session.ErrSessionLost):
		return wire.CodeSessionLost
	case errors.Is(err, session.ErrTimeout):
		return wire.CodeTimeout
	default:
		return wire.CodeCommandFailed
	}
}

// compactParams renders request params for the action log: whole payloads
// are for responses, the history keeps a terse trace.
func compactParams(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := string(raw)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func pid() int { return os.Getpid() }
