// Package mcpbridge exposes a running browser daemon as an MCP server over
// stdio. Each tool is a thin proxy: arguments become a wire request, the
// daemon's payload becomes the tool result. The bridge holds no state of
// its own.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/browserd/wire"
)

// Bridge proxies MCP tool calls to a daemon socket.
type Bridge struct {
	client *wire.Client
	log    *slog.Logger
	srv    *mcp.Server
}

// New builds a Bridge for the daemon on socketPath.
func New(socketPath string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		client: wire.NewClient(socketPath),
		log:    log,
	}
	b.srv = mcp.NewServer(&mcp.Implementation{
		Name:    "browserd",
		Version: "1.0.0",
	}, nil)
	b.register()
	return b
}

// Run serves MCP over stdio until ctx is canceled or the client hangs up.
func (b *Bridge) Run(ctx context.Context) error {
	return b.srv.Run(ctx, &mcp.StdioTransport{})
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// call forwards one command. Command failures become tool errors so the
// model sees the daemon's message verbatim; transport failures too.
func (b *Bridge) call(ctx context.Context, req *wire.Request) (*mcp.CallToolResult, error) {
	resp, err := b.client.Do(ctx, req)
	if err != nil {
		var res mcp.CallToolResult
		res.SetError(fmt.Errorf("daemon unreachable: %w", err))
		return &res, nil
	}
	if !resp.Success {
		var res mcp.CallToolResult
		res.SetError(errors.New(resp.Error.Error()))
		return &res, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(resp.Payload)}},
	}, nil
}

// toolArgs is the shared argument shape: every targeted tool carries the
// context name and an optional intention alongside its own parameters.
type toolArgs struct {
	Context   string `json:"context"`
	Intention string `json:"intention"`
}

func (b *Bridge) addProxyTool(tool *mcp.Tool, kind wire.Kind) {
	b.srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var shared toolArgs
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &shared); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		return b.call(ctx, &wire.Request{
			Kind:      kind,
			Context:   shared.Context,
			Intention: shared.Intention,
			Params:    req.Params.Arguments,
		})
	})
}

func (b *Bridge) register() {
	ctxProp := map[string]any{"type": "string", "description": "Browsing context name"}
	intentProp := map[string]any{"type": "string", "description": "Why this action is being taken; recorded in history"}

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_navigate",
		Description: "Load a URL in a browsing context and wait for the page to settle",
		InputSchema: inputSchema(map[string]any{
			"context":   ctxProp,
			"intention": intentProp,
			"url":       map[string]any{"type": "string", "description": "Absolute URL to load"},
		}, []string{"context", "url"}),
	}, wire.KindNavigate)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_click",
		Description: "Click the first element matching a CSS selector",
		InputSchema: inputSchema(map[string]any{
			"context":   ctxProp,
			"intention": intentProp,
			"selector":  map[string]any{"type": "string", "description": "CSS selector"},
		}, []string{"context", "selector"}),
	}, wire.KindClick)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_type",
		Description: "Type text into the element matching a CSS selector",
		InputSchema: inputSchema(map[string]any{
			"context":   ctxProp,
			"intention": intentProp,
			"selector":  map[string]any{"type": "string", "description": "CSS selector"},
			"text":      map[string]any{"type": "string", "description": "Text to type"},
			"clear":     map[string]any{"type": "boolean", "description": "Clear the field before typing"},
		}, []string{"context", "selector", "text"}),
	}, wire.KindType)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_wait",
		Description: "Wait for a selector or page text to appear; returns found=false on expiry rather than failing",
		InputSchema: inputSchema(map[string]any{
			"context":    ctxProp,
			"intention":  intentProp,
			"selector":   map[string]any{"type": "string", "description": "CSS selector to wait for"},
			"text":       map[string]any{"type": "string", "description": "Page text to wait for"},
			"timeout_ms": map[string]any{"type": "integer", "description": "Wait budget in ms (default 10000)"},
		}, []string{"context"}),
	}, wire.KindWait)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_eval",
		Description: "Evaluate a JavaScript expression in the page and return its JSON value",
		InputSchema: inputSchema(map[string]any{
			"context":    ctxProp,
			"intention":  intentProp,
			"expression": map[string]any{"type": "string", "description": "JavaScript expression"},
		}, []string{"context", "expression"}),
	}, wire.KindEval)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_extract",
		Description: "Extract page or element content as text, markdown or html",
		InputSchema: inputSchema(map[string]any{
			"context":   ctxProp,
			"intention": intentProp,
			"selector":  map[string]any{"type": "string", "description": "CSS selector; whole page when omitted"},
			"format":    map[string]any{"type": "string", "description": "text | markdown | html (default text)"},
			"max_chars": map[string]any{"type": "integer", "description": "Output cap in characters"},
		}, []string{"context"}),
	}, wire.KindExtract)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_snapshot",
		Description: "Capture a compact interactive-element snapshot of the page, optionally as a diff against the previous snapshot",
		InputSchema: inputSchema(map[string]any{
			"context":        ctxProp,
			"intention":      intentProp,
			"mode":           map[string]any{"type": "string", "description": "tree | dom (default tree)"},
			"focus_selector": map[string]any{"type": "string", "description": "Scope the snapshot to this subtree"},
			"diff":           map[string]any{"type": "boolean", "description": "Report only changes since the last snapshot"},
			"token_limit":    map[string]any{"type": "integer", "description": "Token budget for the output"},
		}, []string{"context"}),
	}, wire.KindSnapshot)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_create_context",
		Description: "Open a new named browsing context (tab)",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Context name, unique among live contexts"},
			"url":  map[string]any{"type": "string", "description": "Initial URL (default about:blank)"},
		}, []string{"name"}),
	}, wire.KindCreateContext)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_close_context",
		Description: "Close a named browsing context and discard its history",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Context name"},
		}, []string{"name"}),
	}, wire.KindCloseContext)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_status",
		Description: "Report daemon state and all live contexts with their recent actions",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, wire.KindStatus)

	b.addProxyTool(&mcp.Tool{
		Name:        "browser_history",
		Description: "List the action history of one browsing context",
		InputSchema: inputSchema(map[string]any{
			"name":  map[string]any{"type": "string", "description": "Context name"},
			"limit": map[string]any{"type": "integer", "description": "Most recent N records; all when omitted"},
		}, []string{"name"}),
	}, wire.KindHistory)
}
