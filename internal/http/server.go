package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/A2gent/bpchat/internal/agent"
	"github.com/A2gent/bpchat/internal/config"
	"github.com/A2gent/bpchat/internal/llm"
	"github.com/A2gent/bpchat/internal/logging"
	"github.com/A2gent/bpchat/internal/observe"
	"github.com/A2gent/bpchat/internal/scheduler"
	"github.com/A2gent/bpchat/internal/session"
	"github.com/A2gent/bpchat/internal/storage"
	"github.com/A2gent/bpchat/internal/tools"
	"github.com/A2gent/bpchat/internal/tools/health"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultReadingsLimit = 20
	defaultRunsLimit     = 20
)

// Server represents the HTTP API server
type Server struct {
	config    *config.Config
	sessions  *session.Manager
	registry  *tools.Registry
	store     storage.Store
	health    *health.Provider
	scheduler *scheduler.Scheduler
	metrics   *observe.Metrics
	router    chi.Router
}

// Deps groups the collaborators the server routes requests to. Scheduler and
// Metrics may be nil.
type Deps struct {
	Sessions  *session.Manager
	Registry  *tools.Registry
	Store     storage.Store
	Health    *health.Provider
	Scheduler *scheduler.Scheduler
	Metrics   *observe.Metrics
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		sessions:  deps.Sessions,
		registry:  deps.Registry,
		store:     deps.Store,
		health:    deps.Health,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(observe.Middleware(s.metrics))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/tools", s.handleListTools)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
		r.Post("/{sessionID}/messages", s.handleChat)
		r.Post("/{sessionID}/retry", s.handleRetry)
	})

	r.Route("/readings", func(r chi.Router) {
		r.Get("/", s.handleListReadings)
		r.Post("/", s.handleCreateReading)
		r.Get("/latest", s.handleLatestReading)
	})
	r.Get("/authorization", s.handleGetAuthorization)
	r.Put("/authorization", s.handleSetAuthorization)

	r.Route("/checkins", func(r chi.Router) {
		r.Get("/", s.handleListCheckins)
		r.Post("/{name}/run", s.handleRunCheckin)
		r.Get("/{name}/runs", s.handleListCheckinRuns)
	})

	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the configured listen address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.ListenAddr
	logging.Info("Starting HTTP server on %s", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logging.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn("HTTP shutdown: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Request/Response types ---

// CreateSessionRequest represents a request to create a new session
type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// SessionResponse represents a session with its transcript
type SessionResponse struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []MessageResponse `json:"messages"`
}

// SessionListItem is a session without its messages
type SessionListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageResponse is one committed message. Content uses the wire form of
// content blocks.
type MessageResponse struct {
	ID        string      `json:"id,omitempty"`
	Role      llm.Role    `json:"role"`
	Content   []llm.Block `json:"content"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// ChatRequest represents a user message sent to a session
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the outcome of a completed turn
type ChatResponse struct {
	Content  string            `json:"content"`
	Message  MessageResponse   `json:"message"`
	Messages []MessageResponse `json:"messages"`
	Status   string            `json:"status"`
	Usage    llm.TokenUsage    `json:"usage"`
}

// ReadingRequest records a reading. TakenAt defaults to now.
type ReadingRequest struct {
	Systolic  json.Number `json:"systolic"`
	Diastolic json.Number `json:"diastolic"`
	TakenAt   *time.Time  `json:"taken_at,omitempty"`
}

// ReadingResponse is a stored reading
type ReadingResponse struct {
	ID        string    `json:"id"`
	Systolic  int       `json:"systolic"`
	Diastolic int       `json:"diastolic"`
	Source    string    `json:"source"`
	TakenAt   time.Time `json:"taken_at"`
	Display   string    `json:"display"`
}

// AuthorizationRequest toggles access to health data
type AuthorizationRequest struct {
	Authorized bool `json:"authorized"`
}

// CheckinRunResponse is one check-in execution
type CheckinRunResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.registry.Descriptors())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list sessions: "+err.Error())
		return
	}

	items := make([]SessionListItem, len(sessions))
	for i, sess := range sessions {
		items[i] = SessionListItem{
			ID:        sess.ID,
			Title:     sess.Title,
			Status:    sess.Status,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		}
	}
	s.jsonResponse(w, http.StatusOK, items)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	sess, err := s.sessions.Create(r.Context(), req.Title)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create session: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, sessionToResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.failure(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessionToResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.failure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "Message is required")
		return
	}

	id := chi.URLParam(r, "sessionID")
	final, err := s.sessions.Send(r.Context(), id, req.Message)
	s.turnResponse(w, r, id, final, err)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	final, err := s.sessions.Retry(r.Context(), id)
	s.turnResponse(w, r, id, final, err)
}

func (s *Server) turnResponse(w http.ResponseWriter, r *http.Request, id string, final *llm.Message, err error) {
	if err != nil {
		s.failure(w, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}

	resp := sessionToResponse(sess)
	s.jsonResponse(w, http.StatusOK, ChatResponse{
		Content:  llm.JoinText(final.Content),
		Message:  MessageResponse{Role: final.Role, Content: llm.Blocks(final.Content)},
		Messages: resp.Messages,
		Status:   resp.Status,
		Usage:    sess.Engine().Usage(),
	})
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultReadingsLimit)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := s.store.ListReadings(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list readings: "+err.Error())
		return
	}
	resp := make([]ReadingResponse, len(readings))
	for i, reading := range readings {
		resp[i] = readingToResponse(reading)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := s.store.LatestReading(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, health.ReasonNoReadings)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load reading: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, readingToResponse(*reading))
}

func (s *Server) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sys, dia, err := health.ParsePair(req.Systolic.String(), req.Diastolic.String())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	reading := storage.Reading{
		ID:        uuid.NewString(),
		Systolic:  sys,
		Diastolic: dia,
		Source:    "api",
		TakenAt:   time.Now(),
	}
	if req.TakenAt != nil {
		reading.TakenAt = *req.TakenAt
	}
	if err := s.store.SaveReading(r.Context(), &reading); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save reading: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, readingToResponse(reading))
}

func (s *Server) handleGetAuthorization(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, AuthorizationRequest{Authorized: s.health.Authorized()})
}

func (s *Server) handleSetAuthorization(w http.ResponseWriter, r *http.Request) {
	var req AuthorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	s.health.SetAuthorized(req.Authorized)
	logging.Info("Health data authorization set to %t", req.Authorized)
	s.jsonResponse(w, http.StatusOK, req)
}

func (s *Server) handleListCheckins(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.jsonResponse(w, http.StatusOK, []scheduler.Entry{})
		return
	}
	s.jsonResponse(w, http.StatusOK, s.scheduler.Entries())
}

func (s *Server) handleRunCheckin(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.errorResponse(w, http.StatusNotFound, "no check-ins configured")
		return
	}
	run, err := s.scheduler.RunNow(r.Context(), chi.URLParam(r, "name"))
	if run == nil {
		s.failure(w, err)
		return
	}
	// A failed run is still a recorded run.
	s.jsonResponse(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleListCheckinRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultRunsLimit)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListCheckinRuns(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list runs: "+err.Error())
		return
	}
	resp := make([]CheckinRunResponse, len(runs))
	for i, run := range runs {
		resp[i] = runToResponse(run)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// --- Helper methods ---

// statusFor maps a turn or lookup error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, scheduler.ErrUnknownCheckin):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrTurnInProgress), errors.Is(err, agent.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, llm.ErrTurnLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, llm.ErrTransport), errors.Is(err, llm.ErrMalformedContent):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) failure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	logging.Error("HTTP error: %d - %v", status, err)
	s.jsonResponse(w, status, ErrorResponse{Error: err.Error(), Kind: llm.Kind(err)})
}

func sessionToResponse(sess *session.Session) SessionResponse {
	transcript := sess.Transcript()
	msgs := make([]MessageResponse, len(transcript))
	for i, m := range transcript {
		msgs[i] = MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   llm.Blocks(m.Content),
			Timestamp: m.Timestamp,
		}
	}
	return SessionResponse{
		ID:        sess.ID,
		Title:     sess.Title(),
		Status:    sess.Status(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt(),
		Messages:  msgs,
	}
}

func readingToResponse(r storage.Reading) ReadingResponse {
	return ReadingResponse{
		ID:        r.ID,
		Systolic:  r.Systolic,
		Diastolic: r.Diastolic,
		Source:    r.Source,
		TakenAt:   r.TakenAt,
		Display:   health.FormatReading(r),
	}
}

func runToResponse(run *storage.CheckinRun) CheckinRunResponse {
	return CheckinRunResponse{
		ID:         run.ID,
		Name:       run.Name,
		SessionID:  run.SessionID,
		Status:     run.Status,
		Output:     run.Output,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("Failed to encode response: %v", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	logging.Error("HTTP error: %d - %s", status, message)
	s.jsonResponse(w, status, ErrorResponse{Error: message})
}
