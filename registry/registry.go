// Package registry is the single source of truth for which browsing
// contexts currently exist. Each context owns the tab backing it, its
// append-only action history, and the previous snapshot used for diffing.
// No other component may cache context membership across calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/browserd/session"
	"github.com/hazyhaar/browserd/snapshot"
)

var (
	ErrContextNotFound  = errors.New("browsing context not found")
	ErrDuplicateContext = errors.New("browsing context name already in use")
)

// ActionRecord is one immutable history entry: an attempted command
// against a context, with the caller's stated intention. Failures are
// recorded too, so the history is a trace of attempts, not successes.
type ActionRecord struct {
	ID        string
	Kind      string
	Intention string
	At        time.Time
	Params    string
	OK        bool
	Summary   string
}

// Registry owns the name-keyed table of live contexts.
type Registry struct {
	backend session.Backend
	log     *slog.Logger
	newID   func() string

	mu       sync.Mutex
	contexts map[string]*Context
}

// New creates a Registry over backend.
func New(backend session.Backend, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		backend:  backend,
		log:      log,
		newID:    newRecordID,
		contexts: make(map[string]*Context),
	}
}

// newRecordID produces time-sortable UUIDv7 record ids, falling back to v4
// when the monotonic source fails.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create opens a tab and registers it under name. The creation itself
// becomes the context's first action record. A name is reusable only once
// its previous holder has been closed.
func (r *Registry) Create(ctx context.Context, name, initialURL string) (*Context, error) {
	if name == "" {
		return nil, fmt.Errorf("registry: empty context name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.contexts[name]; live {
		return nil, fmt.Errorf("registry: %s: %w", name, ErrDuplicateContext)
	}

	tab, err := r.backend.OpenTab(ctx, initialURL)
	if err != nil {
		return nil, fmt.Errorf("registry: open tab for %s: %w", name, err)
	}

	c := &Context{
		name:      name,
		createdAt: time.Now(),
		tab:       tab,
		newID:     r.newID,
	}
	c.Append(ActionRecord{
		Kind:    "create",
		At:      c.createdAt,
		Params:  initialURL,
		OK:      true,
		Summary: "context created",
	})
	r.contexts[name] = c

	r.log.Info("registry: context created", "name", name, "url", initialURL)
	return c, nil
}

// Get returns the live context named name.
func (r *Registry) Get(name string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[name]
	if !ok {
		return nil, fmt.Errorf("registry: %s: %w", name, ErrContextNotFound)
	}
	return c, nil
}

// Close destroys the named context. Its tab is closed and its history
// discarded; the name becomes available again.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	c, ok := r.contexts[name]
	if ok {
		delete(r.contexts, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("registry: %s: %w", name, ErrContextNotFound)
	}
	if err := c.tab.Close(); err != nil {
		r.log.Warn("registry: close tab", "name", name, "error", err)
	}
	r.log.Info("registry: context closed", "name", name)
	return nil
}

// List returns the live contexts ordered by creation time.
func (r *Registry) List() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].name < out[j].name
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Len reports how many contexts are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// CloseAll tears down every context during daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = make(map[string]*Context)
	r.mu.Unlock()

	for name, c := range contexts {
		if err := c.tab.Close(); err != nil {
			r.log.Warn("registry: close tab on shutdown", "name", name, "error", err)
		}
	}
}

// Context is one live browsing context: a named tab plus its history and
// last snapshot. The name is immutable for the context's lifetime.
type Context struct {
	name      string
	createdAt time.Time
	tab       session.Tab
	newID     func() string

	mu           sync.Mutex
	records      []ActionRecord
	lastSnapshot *snapshot.State
}

// Name returns the caller-chosen context name.
func (c *Context) Name() string { return c.name }

// CreatedAt returns the creation timestamp.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Age returns how long the context has existed.
func (c *Context) Age() time.Duration { return time.Since(c.createdAt) }

// Tab returns the tab backing this context.
func (c *Context) Tab() session.Tab { return c.tab }

// Append adds one record to the history, stamping its ID and timestamp
// when unset. Records are never mutated or removed afterwards.
func (c *Context) Append(rec ActionRecord) {
	if rec.ID == "" && c.newID != nil {
		rec.ID = c.newID()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// History returns up to limit records in execution order; limit <= 0
// returns everything. The slice is a copy.
func (c *Context) History(limit int) []ActionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.records
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]ActionRecord, len(records))
	copy(out, records)
	return out
}

// LastSnapshot returns the previous snapshot state, or nil.
func (c *Context) LastSnapshot() *snapshot.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnapshot
}

// SetLastSnapshot replaces the previous snapshot. Called only from the
// snapshot handler, as part of the snapshot operation.
func (c *Context) SetLastSnapshot(s *snapshot.State) {
	c.mu.Lock()
	c.lastSnapshot = s
	c.mu.Unlock()
}
