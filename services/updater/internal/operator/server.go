package operator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fpupdate/pkg/telemetry"
)

// ErrNothingPending is returned when an acknowledgment arrives with no open prompt.
var ErrNothingPending = errors.New("no prompt is awaiting acknowledgment")

// Status is the run snapshot served on /v1/status.
type Status struct {
	RunID     string    `json:"run_id,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Pending   *Prompt   `json:"pending,omitempty"`
}

type pendingPrompt struct {
	prompt Prompt
	done   chan struct{}
}

// Server accepts acknowledgments over HTTP and reports run status.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   zerolog.Logger

	mu      sync.Mutex
	status  Status
	pending *pendingPrompt

	srv *http.Server
	ln  net.Listener
}

// NewServer returns a Server listening on addr once started. A nil gatherer
// serves the default Prometheus registry.
func NewServer(addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger,
		status:   Status{State: "idle", UpdatedAt: time.Now().UTC()},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.Middleware("fpupdate-operator", s.logger))
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/ack", s.handleAck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("operator server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("operator server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// SetState updates the status snapshot.
func (s *Server) SetState(runID, state string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.RunID = runID
	s.status.State = state
	s.status.Error = ""
	if runErr != nil {
		s.status.Error = runErr.Error()
	}
	s.status.UpdatedAt = time.Now().UTC()
}

// Status returns the current snapshot.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.pending != nil {
		p := s.pending.prompt
		st.Pending = &p
	}
	return st
}

// Await publishes prompt on /v1/status and blocks until POST /v1/ack confirms it.
func (s *Server) Await(ctx context.Context, prompt Prompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	if prompt.Issued.IsZero() {
		prompt.Issued = time.Now().UTC()
	}
	p := &pendingPrompt{prompt: prompt, done: make(chan struct{})}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return fmt.Errorf("prompt %s is already awaiting acknowledgment", s.pending.prompt.ID)
	}
	s.pending = p
	s.mu.Unlock()

	s.logger.Info().
		Str("prompt_id", prompt.ID).
		Str("ack_url", "http://"+s.Addr()+"/v1/ack").
		Msg(prompt.Message)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Acknowledge confirms the open prompt. An empty id matches any prompt.
func (s *Server) Acknowledge(id string) (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Prompt{}, ErrNothingPending
	}
	if id != "" && id != s.pending.prompt.ID {
		return Prompt{}, fmt.Errorf("prompt %s is not awaiting acknowledgment", id)
	}
	p := s.pending
	s.pending = nil
	close(p.done)
	return p.prompt, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID string `json:"prompt_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	prompt, err := s.Acknowledge(req.PromptID)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info().Str("prompt_id", prompt.ID).Str("remote", r.RemoteAddr).Msg("prompt acknowledged")
	respondJSON(w, http.StatusOK, map[string]any{"acknowledged": prompt.ID})
}
