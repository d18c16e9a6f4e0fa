// Package wire defines the browserd control protocol: the request and
// response envelopes exchanged over the daemon's unix socket, the command
// kinds with their per-kind parameter schemas, and the typed error codes
// shared by the daemon and its clients.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a command.
type Kind string

const (
	KindNavigate      Kind = "navigate"
	KindClick         Kind = "click"
	KindType          Kind = "type"
	KindWait          Kind = "wait"
	KindEval          Kind = "eval"
	KindExtract       Kind = "extract"
	KindSnapshot      Kind = "snapshot"
	KindCreateContext Kind = "create-context"
	KindCloseContext  Kind = "close-context"
	KindStatus        Kind = "status"
	KindHistory       Kind = "history"
	KindQuit          Kind = "quit"
)

// Valid reports whether k is a known command kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNavigate, KindClick, KindType, KindWait, KindEval, KindExtract,
		KindSnapshot, KindCreateContext, KindCloseContext, KindStatus,
		KindHistory, KindQuit:
		return true
	}
	return false
}

// TargetsContext reports whether k operates on a named browsing context.
func (k Kind) TargetsContext() bool {
	switch k {
	case KindNavigate, KindClick, KindType, KindWait, KindEval, KindExtract, KindSnapshot:
		return true
	}
	return false
}

// Request is the envelope for one command. Params is decoded per Kind by
// the dispatcher; untyped maps never travel past validation.
type Request struct {
	Kind      Kind            `json:"kind"`
	Context   string          `json:"context,omitempty"`
	Intention string          `json:"intention,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope for one result. Exactly one of Payload or Error
// is set, discriminated by Success.
type Response struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ErrorCode classifies a command failure.
type ErrorCode string

const (
	CodeProtocolError   ErrorCode = "protocol_error"
	CodeContextNotFound ErrorCode = "context_not_found"
	CodeDuplicateCtx    ErrorCode = "duplicate_context"
	CodeLocatorNotFound ErrorCode = "locator_not_found"
	CodeTimeout         ErrorCode = "timeout"
	CodeSessionLost     ErrorCode = "session_lost"
	CodeBindError       ErrorCode = "bind_error"
	CodeCommandFailed   ErrorCode = "command_failed"
)

// Error is a typed command failure carried in a Response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// OK builds a success Response around payload. Marshal failures degrade to
// a command_failed error rather than panicking in the transport path.
func OK(payload any) *Response {
	data, err := json.Marshal(payload)
	if err != nil {
		return Fail(CodeCommandFailed, fmt.Sprintf("encode payload: %v", err))
	}
	return &Response{Success: true, Payload: data}
}

// Fail builds a failure Response.
func Fail(code ErrorCode, msg string) *Response {
	return &Response{Success: false, Error: &Error{Code: code, Message: msg}}
}

// Failf builds a failure Response with a formatted message.
func Failf(code ErrorCode, format string, args ...any) *Response {
	return Fail(code, fmt.Sprintf(format, args...))
}

// --- per-kind parameter schemas ---

type NavigateParams struct {
	URL string `json:"url"`
}

type ClickParams struct {
	Selector string `json:"selector"`
}

type TypeParams struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Clear    bool   `json:"clear,omitempty"`
}

type WaitParams struct {
	Selector  string `json:"selector,omitempty"`
	Text      string `json:"text,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type EvalParams struct {
	Expression string `json:"expression"`
}

// ExtractFormat selects the output encoding of an extract command.
type ExtractFormat string

const (
	FormatText     ExtractFormat = "text"
	FormatMarkdown ExtractFormat = "markdown"
	FormatHTML     ExtractFormat = "html"
)

type ExtractParams struct {
	Selector string        `json:"selector,omitempty"`
	Format   ExtractFormat `json:"format,omitempty"`
	MaxChars int           `json:"max_chars,omitempty"`
}

// SnapshotMode selects the capture strategy: "tree" reads the browser's
// accessibility tree, "dom" parses raw markup. Tree is the default; dom is
// the explicit fallback for elements the semantic tree does not surface.
type SnapshotMode string

const (
	ModeTree SnapshotMode = "tree"
	ModeDOM  SnapshotMode = "dom"
)

type SnapshotParams struct {
	Mode          SnapshotMode `json:"mode,omitempty"`
	FocusSelector string       `json:"focus_selector,omitempty"`
	Diff          bool         `json:"diff,omitempty"`
	TokenLimit    int          `json:"token_limit,omitempty"`
}

type CreateContextParams struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type CloseContextParams struct {
	Name string `json:"name"`
}

type HistoryParams struct {
	Name  string `json:"name"`
	Limit int    `json:"limit,omitempty"`
}

// --- payloads ---

type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type InteractionResult struct {
	Selector string `json:"selector"`
	Element  string `json:"element,omitempty"`
}

type WaitResult struct {
	Found bool `json:"found"`
}

type EvalResult struct {
	Value json.RawMessage `json:"value"`
}

type ExtractResult struct {
	Content   string        `json:"content"`
	Format    ExtractFormat `json:"format"`
	Truncated bool          `json:"truncated,omitempty"`
}

// ActionSummary is the wire form of one history entry.
type ActionSummary struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Intention string    `json:"intention,omitempty"`
	At        time.Time `json:"at"`
	Params    string    `json:"params,omitempty"`
	OK        bool      `json:"ok"`
	Summary   string    `json:"summary,omitempty"`
}

// ContextSummary describes one live browsing context in a status payload.
type ContextSummary struct {
	Name        string          `json:"name"`
	URL         string          `json:"url,omitempty"`
	Title       string          `json:"title,omitempty"`
	AgeSeconds  int64           `json:"age_seconds"`
	LastActions []ActionSummary `json:"last_actions,omitempty"`
}

type StatusResult struct {
	State    string           `json:"state"`
	PID      int              `json:"pid"`
	Contexts []ContextSummary `json:"contexts"`
}

type HistoryResult struct {
	Name    string          `json:"name"`
	Records []ActionSummary `json:"records"`
}

type CreateContextResult struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type CloseContextResult struct {
	Name string `json:"name"`
}

type QuitResult struct {
	Stopping bool `json:"stopping"`
}

// Health is the /v1/health payload, also used for stale-socket detection.
type Health struct {
	State    string `json:"state"`
	PID      int    `json:"pid"`
	Contexts int    `json:"contexts"`
}
