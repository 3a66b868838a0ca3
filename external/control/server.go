package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/control"
	"github.com/go-chi/chi/v5"
)

const (
	readHeaderTimeout = 5 * time.Second
	dialTimeout       = time.Second
)

// ErrAlreadyServing means another process answers on the control socket.
var ErrAlreadyServing = errors.New("another botfleet server is listening on the control socket")

type errorBody struct {
	Error string        `json:"error"`
	Kind  bot.ErrorKind `json:"kind"`
}

type trimBody struct {
	Removed int `json:"removed"`
}

// Server exposes a control.Service over HTTP on a unix socket.
type Server struct {
	svc    control.Service
	socket string
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(svc control.Service, socket string, logger *slog.Logger) *Server {
	s := &Server{svc: svc, socket: socket, logger: logger.With("component", "control")}
	s.srv = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: readHeaderTimeout}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	r.Route("/bots", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Route("/{botID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Patch("/configuration", s.handleConfigure)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
			r.Post("/channels/{channelID}/history/{op}", s.handleTrimHistory)
		})
	})
	return r
}

// Listen claims the socket. A socket file nobody answers on is left over from
// a crashed server and is replaced.
func (s *Server) Listen() (net.Listener, error) {
	if conn, err := net.DialTimeout("unix", s.socket, dialTimeout); err == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyServing, s.socket)
	}
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create control socket directory: %w", err)
	}
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale control socket: %w", err)
	}
	l, err := net.Listen("unix", s.socket)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to restrict control socket: %w", err)
	}
	return l, nil
}

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("control endpoint listening", "socket", s.socket)
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	bots, err := s.svc.List(r.Context(), r.URL.Query().Get("owner"))
	s.respond(w, bots, err)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req control.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := s.svc.Create(r.Context(), req)
	s.respond(w, b, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Get(r.Context(), chi.URLParam(r, "botID"))
	s.respond(w, b, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "botID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var patch bot.ConfigurationPatch
	if !decode(w, r, &patch) {
		return
	}
	b, err := s.svc.Configure(r.Context(), chi.URLParam(r, "botID"), patch)
	s.respond(w, b, err)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Enable(r.Context(), chi.URLParam(r, "botID"))
	s.respond(w, b, err)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Disable(r.Context(), chi.URLParam(r, "botID"))
	s.respond(w, b, err)
}

func (s *Server) handleTrimHistory(w http.ResponseWriter, r *http.Request) {
	op := control.HistoryOp(chi.URLParam(r, "op"))
	if !op.Valid() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown history operation %q", op), Kind: bot.KindUnknown})
		return
	}
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "count must be a non-negative integer", Kind: bot.KindConfigInvalid})
			return
		}
		count = n
	}
	n, err := s.svc.TrimHistory(r.Context(), op, chi.URLParam(r, "botID"), chi.URLParam(r, "channelID"), count)
	s.respond(w, trimBody{Removed: n}, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error(), Kind: bot.KindConfigInvalid})
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	kind := bot.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("control request failed", "error", err, "kind", kind)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func statusFor(kind bot.ErrorKind) int {
	switch kind {
	case bot.KindNotFound:
		return http.StatusNotFound
	case bot.KindConfigInvalid:
		return http.StatusBadRequest
	case bot.KindInvalidCredential, bot.KindMissingIntent:
		return http.StatusConflict
	case bot.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
