// Package session owns the daemon's single live connection to the
// controlled browser. It launches Chrome via the Rod launcher (or attaches
// to an externally started instance), opens and closes the tabs backing
// browsing contexts, and serializes every remote operation so at most one
// low-level command is in flight against the browser at any instant.
//
// Nothing else in the daemon is permitted to talk to the browser; the rest
// of the system sees only the Backend and Tab interfaces.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Failure classes surfaced to the dispatcher. Timeout on a wait is an
// ordinary result; ErrSessionLost is fatal to the whole daemon.
var (
	ErrLocatorNotFound = errors.New("locator not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrSessionLost     = errors.New("browser session lost")
)

// Info is the current URL and title of a tab.
type Info struct {
	URL   string
	Title string
}

// AXNode is one node of the browser's accessibility tree, pruned of
// ignored nodes. BackendID ties the node back to its DOM element so
// snapshots can be scoped to a selector subtree.
type AXNode struct {
	ID          string
	BackendID   int64
	Role        string
	Name        string
	Value       string
	Description string
	Children    []*AXNode
}

// Tab is one controlled browser tab. All methods queue behind the
// session-wide serialization lock; blocking happens here, never in the
// transport listener.
type Tab interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// Info returns the tab's current URL and title.
	Info(ctx context.Context) (Info, error)
	// Click resolves selector and dispatches a left click. Returns a short
	// description of the resolved element.
	Click(ctx context.Context, selector string) (string, error)
	// Type resolves selector and inputs text, optionally clearing first.
	Type(ctx context.Context, selector, text string, clear bool) (string, error)
	// WaitFor blocks until selector (or visible text when selector is
	// empty) appears, or timeout elapses. Expiry is a found=false result,
	// not an error.
	WaitFor(ctx context.Context, selector, text string, timeout time.Duration) (bool, error)
	// Eval runs a JavaScript expression in the tab and returns its value
	// as JSON. Expression errors are surfaced verbatim.
	Eval(ctx context.Context, expression string) (json.RawMessage, error)
	// HTML returns the serialized DOM.
	HTML(ctx context.Context) (string, error)
	// ElementText returns the text content at selector.
	ElementText(ctx context.Context, selector string) (string, error)
	// ElementHTML returns the outer HTML at selector.
	ElementHTML(ctx context.Context, selector string) (string, error)
	// AccessibilityTree captures the full semantic tree.
	AccessibilityTree(ctx context.Context) (*AXNode, error)
	// SubtreeBackendID resolves selector to its backend DOM node id, used
	// to scope a snapshot to that subtree.
	SubtreeBackendID(ctx context.Context, selector string) (int64, error)
	// Close destroys the tab.
	Close() error
}

// Backend is the session surface the registry and supervisor build on.
// The production implementation is *Session; tests substitute fakes.
type Backend interface {
	// Start launches or attaches to the browser.
	Start(ctx context.Context) error
	// OpenTab creates a tab, navigating to url when non-empty.
	OpenTab(ctx context.Context, url string) (Tab, error)
	// Ping performs a cheap liveness check against the browser. An error
	// means the session is gone.
	Ping(ctx context.Context) error
	// Close releases the browser and, when launched locally, kills it.
	Close() error
}
