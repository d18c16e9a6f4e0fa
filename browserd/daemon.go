package browserd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/browserd/dispatch"
	"github.com/hazyhaar/browserd/registry"
	"github.com/hazyhaar/browserd/session"
	"github.com/hazyhaar/browserd/snapshot"
)

// State is the daemon lifecycle phase. Transitions are one-way:
// NotStarted -> Starting -> Running -> ShuttingDown -> Stopped.
type State int32

const (
	NotStarted State = iota
	Starting
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Daemon ties the browser session, the context registry, the dispatcher
// and the control server together under one lifecycle.
type Daemon struct {
	cfg *Config
	log *slog.Logger

	backend session.Backend
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	srv     *server

	mu    sync.Mutex
	state State

	quitOnce sync.Once
	quitCh   chan struct{}
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithBackend substitutes the browser backend. Tests use this to run the
// daemon against a fake session.
func WithBackend(b session.Backend) Option {
	return func(d *Daemon) { d.backend = b }
}

// New builds a Daemon from cfg. The browser is not touched until Run.
func New(cfg *Config, log *slog.Logger, opts ...Option) *Daemon {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	d := &Daemon{
		cfg:    cfg,
		log:    log,
		state:  NotStarted,
		quitCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.backend == nil {
		d.backend = session.New(session.Config{
			RemoteURL:        cfg.Browser.Remote,
			Stealth:          cfg.Browser.Stealth,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			LocateTimeout:    cfg.Browser.LocateTimeout,
			EvalTimeout:      cfg.Browser.EvalTimeout,
			Logger:           log,
		})
	}

	d.reg = registry.New(d.backend, log)
	eng := snapshot.NewEngine(
		snapshot.WithTokenCounter(snapshot.TiktokenCounter),
		snapshot.WithLogger(log),
	)
	d.disp = dispatch.New(d.reg, eng, log,
		dispatch.WithLifecycle(d.StateName, d.Quit))
	d.srv = newServer(cfg.Socket, d.disp, d, log)
	return d
}

// State returns the current lifecycle phase.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// StateName returns the current phase as its wire string.
func (d *Daemon) StateName() string { return d.State().String() }

// Contexts reports the number of live browsing contexts.
func (d *Daemon) Contexts() int { return d.reg.Len() }

// SocketPath returns the control socket the daemon serves on.
func (d *Daemon) SocketPath() string { return d.cfg.Socket }

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	d.log.Info("state transition", "from", prev.String(), "to", s.String())
}

// Quit requests shutdown. Safe to call from any goroutine, any number of
// times; only the first call has effect.
func (d *Daemon) Quit() {
	d.quitOnce.Do(func() { close(d.quitCh) })
}

// Run starts the browser, binds the socket, serves commands, and blocks
// until ctx is canceled, a quit command arrives, or the browser dies. The
// socket is always removed on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(Starting)

	if err := d.backend.Start(ctx); err != nil {
		d.setState(Stopped)
		return fmt.Errorf("browserd: start browser: %w", err)
	}

	if err := d.srv.bind(); err != nil {
		d.backend.Close()
		d.setState(Stopped)
		return err
	}

	ic := d.cfg.InitialContext
	if _, err := d.reg.Create(ctx, ic.Name, ic.URL); err != nil {
		d.srv.close()
		d.backend.Close()
		d.setState(Stopped)
		return fmt.Errorf("browserd: create initial context %q: %w", ic.Name, err)
	}

	d.setState(Running)
	d.log.Info("daemon ready", "socket", d.cfg.Socket)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.srv.serve() }()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	lost := make(chan struct{})
	go d.watchdog(watchCtx, lost)

	var cause error
	select {
	case <-ctx.Done():
		d.log.Info("shutdown requested", "reason", "signal")
	case <-d.quitCh:
		d.log.Info("shutdown requested", "reason", "quit command")
	case <-lost:
		d.log.Error("browser session lost")
		cause = session.ErrSessionLost
	case err := <-serveErr:
		if err != nil {
			d.log.Error("server failed", "error", err)
			cause = err
		}
	}

	d.setState(ShuttingDown)
	cancelWatch()
	d.srv.close()
	d.reg.CloseAll()
	if err := d.backend.Close(); err != nil {
		d.log.Warn("close browser", "error", err)
	}
	d.setState(Stopped)
	return cause
}

// watchdog pings the browser at the configured interval and closes lost
// when a ping fails. A single failed ping is final: the session holds no
// recoverable state so there is nothing to retry.
func (d *Daemon) watchdog(ctx context.Context, lost chan<- struct{}) {
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, d.cfg.PingInterval)
			err := d.backend.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			d.log.Error("watchdog ping failed", "error", err)
			close(lost)
			return
		}
	}
}
