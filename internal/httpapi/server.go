package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/realtime"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/transcript"
)

// Notifications is the clinician-facing subscription surface.
type Notifications interface {
	Subscribe(ctx context.Context, clinicianID string, onEvent func(realtime.Event)) (realtime.Handle, error)
	Unsubscribe(h realtime.Handle)
}

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	store    memory.Store
	notifier Notifications
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Registry, store memory.Store, notifier Notifications, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only open sockets from the same origin unless
				// explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/stages", s.handlePerfStages)

	r.Route("/v1/clients/{clientID}/session", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/start", s.handleStartSession)
		r.Post("/end", s.handleEndSession)
		r.Post("/dismiss", s.handleDismissSession)
		r.Post("/text", s.handleSendText)
		r.Get("/ws", s.handleSessionWS)
	})

	r.Get("/v1/patients/{patientID}/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{recordID}", s.handleGetConversation)
	r.Post("/v1/patients/{patientID}/check-ins", s.handleCreateCheckIn)
	r.Put("/v1/patients/{patientID}", s.handleUpsertPatient)
	r.Get("/v1/clinicians/{clinicianID}/patients", s.handleListPatients)
	r.Get("/v1/clinicians/{clinicianID}/notifications/ws", s.handleNotificationsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"voice_provider": s.cfg.VoiceProvider,
		"feed_mode":      s.cfg.FeedMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil || s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "session registry or store not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"clients":         s.sessions.Len(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Stages == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

type sessionView struct {
	Session    session.Snapshot     `json:"session"`
	Transcript []transcript.Message `json:"transcript"`
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	m, err := s.sessions.Get(chi.URLParam(r, "clientID"))
	if err != nil {
		respondSessionError(w, err)
		return nil, false
	}
	return m, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	msgs := m.Transcript().Messages()
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	respondJSON(w, http.StatusOK, sessionView{Session: m.Snapshot(), Transcript: msgs})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "patient_id is required")
		return
	}
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	if err := m.Start(r.Context(), req.PatientID); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	if err := m.End(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Server) handleDismissSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	if err := m.Dismiss(); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m.Snapshot())
}

type sendTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	if err := m.SendText(r.Context(), req.Text); err != nil {
		respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 20, 200)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	records, err := s.store.ListConversations(r.Context(), chi.URLParam(r, "patientID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if records == nil {
		records = []memory.ConversationRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": records})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "recordID"))
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type checkInRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleCreateCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ci, err := s.store.InsertCheckIn(r.Context(), memory.CheckIn{
		PatientID: chi.URLParam(r, "patientID"),
		Note:      strings.TrimSpace(req.Note),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, ci)
}

type patientRequest struct {
	DisplayName string `json:"display_name"`
	ClinicianID string `json:"clinician_id"`
}

func (s *Server) handleUpsertPatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p := memory.Patient{
		ID:          chi.URLParam(r, "patientID"),
		DisplayName: strings.TrimSpace(req.DisplayName),
		ClinicianID: strings.TrimSpace(req.ClinicianID),
	}
	if err := s.store.UpsertPatient(r.Context(), p); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := s.store.PatientsForClinician(r.Context(), chi.URLParam(r, "clinicianID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if patients == nil {
		patients = []memory.Patient{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondSessionError(w http.ResponseWriter, err error) {
	status, code := sessionErrorStatus(err)
	respondError(w, status, code, err.Error())
}

func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		return http.StatusConflict, "already_active"
	case errors.Is(err, session.ErrStartCancelled):
		return http.StatusConflict, "start_cancelled"
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, session.ErrConnect):
		return http.StatusBadGateway, "connect_failed"
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, "not_active"
	case errors.Is(err, session.ErrNotDismissable):
		return http.StatusConflict, "not_dismissable"
	case errors.Is(err, session.ErrTextUnsupported):
		return http.StatusNotImplemented, "text_unsupported"
	case errors.Is(err, session.ErrInvalidClient):
		return http.StatusBadRequest, "invalid_client_id"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadRequest, "invalid_request"
	}
}
