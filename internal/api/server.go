// Package api is the HTTP and WebSocket transport over the narrative engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/AaronLay10/SentientNarrative/internal/engine"
	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/program"
)

const maxBodyBytes = 1 << 20

// Registry stores programs for the transport. The engine reads from the same
// registry through its ProgramSource.
type Registry interface {
	GetProgram(ctx context.Context, id string) (*program.Program, error)
	PutProgram(ctx context.Context, p *program.Program) error
	ListPrograms(ctx context.Context) ([]program.Summary, error)
}

// Server routes HTTP requests to the engine.
type Server struct {
	router   chi.Router
	engine   *engine.Engine
	programs Registry
	limiter  *RateLimiter
	metrics  *Metrics
	tls      TLSFiles

	trustProxy bool
}

// NewServer creates a server. rps bounds requests per second per client.
func NewServer(eng *engine.Engine, programs Registry, metrics *Metrics, rps float64) *Server {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Server{
		router:   chi.NewRouter(),
		engine:   eng,
		programs: programs,
		limiter:  NewRateLimiter(rps),
		metrics:  metrics,
	}
	s.limiter.rejected = metrics.ratelim.Inc
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.realIP)
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RequireAnyRole)
		r.Use(s.limiter.Middleware)

		r.Get("/events", eventsHandler)
		r.Get("/ws/events", wsEventsHandler)

		r.Get("/programs", s.listPrograms)
		r.Post("/programs/validate", s.validateProgram)
		r.Get("/programs/{programID}", s.getProgram)
		r.With(RequireAdmin).Post("/programs", s.putProgram)

		r.Route("/sessions/{sessionID}/npcs/{npcID}", func(r chi.Router) {
			r.Post("/start", s.start)
			r.Post("/step", s.step)
			r.Get("/state", s.state)
		})
	})
}

// TrustProxy makes the server take the client address from X-Forwarded-For
// or X-Real-IP. Enable it only behind a proxy that sets those headers.
func (s *Server) TrustProxy(on bool) {
	s.trustProxy = on
}

func (s *Server) realIP(next http.Handler) http.Handler {
	fromProxy := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.trustProxy {
			fromProxy.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UseTLS makes ListenAndServe present the given certificate pair.
func (s *Server) UseTLS(files TLSFiles) {
	s.tls = files
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully. TLS is used when configured through UseTLS.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	tlsCfg, err := s.tls.Load()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			log.Printf("API listening on %s (TLS)", srv.Addr)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Printf("API listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events.CloseAllSubscribers()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "narrative",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// eventsHandler returns recent events. ?session=<id> filters by session and
// ?limit=<n> caps the count. The Postgres log (newest first) is read when one
// is configured, the in-memory ring buffer (newest last) otherwise.
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, engine.CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if pg := events.GetPostgresClient(); pg != nil {
		rows, err := pg.Query(limit, sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, engine.CodeInternal, "failed to query events")
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	out := events.RecentEvents(limit, events.ForSession(sessionID))
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx response from the JSON routes.
type ErrorResponse struct {
	Error  *engine.ErrorDescriptor `json:"error"`
	Issues []program.Issue         `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code engine.Code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: &engine.ErrorDescriptor{
		Code:      code,
		Message:   msg,
		Retryable: code.Retryable(),
	}})
}

// statusFor maps engine error codes to HTTP status.
func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeProgramNotFound, engine.CodeSessionNotFound:
		return http.StatusNotFound
	case engine.CodeSessionConflict, engine.CodeNotSuspended:
		return http.StatusConflict
	case engine.CodeProgramInvalid:
		return http.StatusUnprocessableEntity
	case engine.CodeInvalidRequest, engine.CodeInvalidResumeInput, engine.CodeConditionSyntax:
		return http.StatusBadRequest
	case engine.CodeGenerationUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		writeError(w, http.StatusInternalServerError, engine.CodeInternal, "internal error")
		return
	}
	d := e.Descriptor()
	if e.Code == engine.CodeInternal {
		d.Message = "internal error"
	}
	writeJSON(w, statusFor(e.Code), ErrorResponse{Error: d})
}
