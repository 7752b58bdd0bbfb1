// Package web serves the reload webhook and the status endpoints of the telemetry core.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/reload"
	"github.com/sweeney/telemetry-core/internal/status"
)

// Server is the HTTP control and status server.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	reloads    *reload.Group
	log        zerolog.Logger
}

// New creates a Server. A POST to the webhook raises every flag in reloads;
// metrics are served from gatherer.
func New(addr string, tracker *status.Tracker, reloads *reload.Group, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		tracker: tracker,
		reloads: reloads,
		log:     log.With().Str("component", "web").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/webhook/config-update", s.handleConfigUpdate).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(h)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: h,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type message struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleConfigUpdate only raises the reload flags; the pollers do the work.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	s.reloads.Set()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("configuration update signalled")
	writeJSON(w, http.StatusOK, message{Success: true, Message: "reload scheduled"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	code := http.StatusOK
	state := "ok"
	if !snap.Ready() {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":        state,
		"bus_connected": snap.BusConnected,
	})
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	snap.ReloadPending = s.reloads.Pending()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Debug().
		Str("method", p.Request.Method).
		Str("path", p.URL.Path).
		Int("status", p.StatusCode).
		Int("size", p.Size).
		Msg("http request")
}

type recoveryLogger struct {
	log zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Interface("panic", v).Msg("http handler panicked")
}
