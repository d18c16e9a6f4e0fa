package browserd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/browserd/dispatch"
	"github.com/hazyhaar/browserd/wire"
)

// maxRequestBytes bounds one command envelope. Large payloads travel in
// responses, never requests.
const maxRequestBytes = 1 << 20

// daemonView is what the server needs to know about its daemon.
type daemonView interface {
	StateName() string
	Contexts() int
	Quit()
}

// server owns the unix listener and the HTTP mux in front of the
// dispatcher. One request per connection; clients never pipeline.
type server struct {
	path string
	disp *dispatch.Dispatcher
	d    daemonView
	log  *slog.Logger

	ln   net.Listener
	http *http.Server
}

func newServer(path string, disp *dispatch.Dispatcher, d daemonView, log *slog.Logger) *server {
	s := &server{path: path, disp: disp, d: d, log: log}

	r := chi.NewRouter()
	r.Post(wire.CommandPath, s.handleCommand)
	r.Get(wire.HealthPath, s.handleHealth)
	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// bind claims the socket path. A leftover socket from a crashed daemon is
// removed after confirming nothing answers on it; a live daemon on the
// same path is a bind error, never evicted.
func (s *server) bind() error {
	if _, err := os.Stat(s.path); err == nil {
		if wire.Probe(s.path, 2*time.Second) {
			return fmt.Errorf("browserd: %w: daemon already running on %s",
				errBindConflict, s.path)
		}
		s.log.Warn("removing stale socket", "path", s.path)
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("browserd: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("browserd: bind %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// errBindConflict marks a socket already owned by a live daemon.
var errBindConflict = errors.New("socket in use")

// IsBindConflict reports whether err means another daemon owns the socket.
func IsBindConflict(err error) bool { return errors.Is(err, errBindConflict) }

func (s *server) serve() error {
	err := s.http.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *server) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.http.Close()
	}
	os.Remove(s.path)
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			wire.Failf(wire.CodeProtocolError, "read request: %v", err))
		return
	}

	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			wire.Failf(wire.CodeProtocolError, "malformed request: %v", err))
		return
	}

	// A client that hangs up mid-request must not abort the in-flight
	// browser operation: it runs to completion and is recorded.
	resp := s.disp.Dispatch(context.WithoutCancel(r.Context()), &req)
	writeJSON(w, statusFor(resp), resp)

	// A lost session is fatal: finish answering this client, then stop.
	if !resp.Success && resp.Error.Code == wire.CodeSessionLost {
		s.d.Quit()
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.Health{
		State:    s.d.StateName(),
		PID:      os.Getpid(),
		Contexts: s.d.Contexts(),
	})
}

func statusFor(resp *wire.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case wire.CodeProtocolError:
		return http.StatusBadRequest
	case wire.CodeContextNotFound:
		return http.StatusNotFound
	case wire.CodeDuplicateCtx:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
