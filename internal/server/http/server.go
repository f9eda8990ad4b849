// Package httpserver provides the status HTTP server: health, metrics,
// stored results, and a live progress event stream.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meridianlabs/paperscout/internal/domain"
	"github.com/meridianlabs/paperscout/internal/store"
)

// sseMaxDuration is the maximum time a progress stream may remain open.
const sseMaxDuration = 4 * time.Hour

// ResultStore is the stored-results contract implemented by store.Store.
type ResultStore interface {
	ListTopics(ctx context.Context) ([]store.TopicRecord, error)
	GetAnalyses(ctx context.Context, topicID string) ([]*domain.AnalysisResult, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the status HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	results    ResultStore
	hub        *EventHub
	logger     zerolog.Logger
}

// NewServer creates the status server. results may be nil when persistence
// is disabled; the result endpoints then return 404.
func NewServer(cfg Config, results ResultStore, hub *EventHub, logger zerolog.Logger) *Server {
	s := &Server{
		results: results,
		hub:     hub,
		logger:  logger.With().Str("component", "http-server").Logger(),
	}
	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// buildRouter creates the chi router with middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/topics", s.listTopicsHandler)
	r.Get("/topics/{topicID}/analyses", s.getAnalysesHandler)
	r.Get("/progress", s.streamProgress)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("status server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on status address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listTopicsHandler returns all stored topics.
func (s *Server) listTopicsHandler(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusNotFound, "result store not configured")
		return
	}
	records, err := s.results.ListTopics(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list topics")
		writeError(w, http.StatusInternalServerError, "failed to list topics")
		return
	}
	if records == nil {
		records = []store.TopicRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": records, "total_count": len(records)})
}

// analysisResponse is the JSON shape of one stored analysis.
type analysisResponse struct {
	PaperID     string    `json:"paper_id"`
	Findings    string    `json:"findings"`
	Methodology string    `json:"methodology,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// getAnalysesHandler returns the stored analyses for one topic.
func (s *Server) getAnalysesHandler(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusNotFound, "result store not configured")
		return
	}
	topicID := chi.URLParam(r, "topicID")

	analyses, err := s.results.GetAnalyses(r.Context(), topicID)
	if err != nil {
		s.logger.Error().Err(err).Str("topic_id", topicID).Msg("failed to load analyses")
		writeError(w, http.StatusInternalServerError, "failed to load analyses")
		return
	}

	out := make([]analysisResponse, 0, len(analyses))
	for _, analysis := range analyses {
		out = append(out, analysisResponse{
			PaperID:     analysis.PaperID,
			Findings:    analysis.Findings,
			Methodology: analysis.Methodology,
			Provider:    analysis.Provider,
			TokensUsed:  analysis.TokensUsed,
			GeneratedAt: analysis.GeneratedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": out, "total_count": len(out)})
}

// sseEvent is the JSON payload of one progress stream event.
type sseEvent struct {
	TaskID    string    `json:"task_id,omitempty"`
	TopicID   string    `json:"topic_id"`
	Kind      string    `json:"kind,omitempty"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// streamProgress handles GET /progress (SSE): live events from the current
// orchestration run, best-effort.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// Initial comment so clients see the stream is alive immediately.
	fmt.Fprint(w, ": stream started\n\n")
	flusher.Flush()

	deadline := time.NewTimer(sseMaxDuration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-deadline.C:
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, open := <-events:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, event)
		}
	}
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event domain.ProgressEvent) {
	payload := sseEvent{
		TopicID:   event.TopicID.String(),
		Kind:      string(event.Kind),
		Phase:     string(event.Phase),
		Status:    string(event.Status),
		Attempt:   event.Attempt,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.TaskID != uuid.Nil {
		payload.TaskID = event.TaskID.String()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", payload.Status, data)
	flusher.Flush()
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
