package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/imagerotation/internal/auth"
	"github.com/ILLUVRSE/imagerotation/internal/logger"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

// Engine is the rotation surface the API drives.
type Engine interface {
	ProcessDueRotations(ctx context.Context, now time.Time) (rotation.Summary, error)
	RotateNow(ctx context.Context, id uuid.UUID, trigger models.Trigger, target *models.Variant) (rotation.Outcome, error)
	Activate(ctx context.Context, id uuid.UUID) (models.Test, error)
	Resume(ctx context.Context, id uuid.UUID) (models.Test, error)
	Pause(ctx context.Context, id uuid.UUID) (rotation.Outcome, error)
	Complete(ctx context.Context, id uuid.UUID) (rotation.Outcome, error)
}

type Config struct {
	AllowDebugToken bool
	DebugToken      string
	RequestTimeout  time.Duration
}

type Server struct {
	cfg      Config
	engine   Engine
	store    store.Store
	verifier *auth.Verifier
	metrics  http.Handler
	log      *logger.Logger
	now      func() time.Time
}

func New(cfg Config, engine Engine, st store.Store, verifier *auth.Verifier, metrics http.Handler, log *logger.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &Server{cfg: cfg, engine: engine, store: st, verifier: verifier, metrics: metrics, log: logger.OrNop(log), now: time.Now}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.writeAuth)
		r.Post("/rotations/run", s.handleRunDue)
		r.Get("/tests", s.handleListTests)
		r.Route("/tests/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTest)
			r.Get("/history", s.handleHistory)
			r.Get("/variant-at", s.handleVariantAt)
			r.Post("/rotate", s.handleRotate)
			r.Post("/activate", s.handleActivate)
			r.Post("/resume", s.handleResume)
			r.Post("/pause", s.handleStop(s.engine.Pause))
			r.Post("/complete", s.handleStop(s.engine.Complete))
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRunDue(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.ProcessDueRotations(r.Context(), s.now())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	filter := store.ListTestsFilter{Shop: r.URL.Query().Get("shop")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := models.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	tests, err := s.store.ListTests(r.Context(), filter)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if tests == nil {
		tests = []models.Test{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tests": tests})
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	filter := store.HistoryFilter{TestID: id}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid "+name+": expected RFC3339")
			return
		}
		*dst = &t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	entries, err := s.store.ListHistory(r.Context(), filter)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []models.RotationHistoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleVariantAt(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("t"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "t must be an RFC3339 timestamp")
		return
	}
	if _, err := s.store.GetTest(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	v, err := s.store.VariantAt(r.Context(), id, at)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"testId": id, "at": at, "variant": v})
}

type rotateRequest struct {
	Target      string `json:"target"`
	TriggeredBy string `json:"triggeredBy"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var target *models.Variant
	if req.Target != "" {
		v, err := models.ParseVariant(req.Target)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		target = &v
	}
	trigger := models.TriggerManual
	if req.TriggeredBy != "" {
		t, err := models.ParseTrigger(req.TriggeredBy)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		trigger = t
	}
	out, err := s.engine.RotateNow(r.Context(), id, trigger, target)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondOutcome(w, out)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Activate)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Resume)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (models.Test, error)) {
	id, ok := testID(w, r)
	if !ok {
		return
	}
	t, err := fn(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleStop(fn func(context.Context, uuid.UUID) (rotation.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := testID(w, r)
		if !ok {
			return
		}
		out, err := fn(r.Context(), id)
		if errors.Is(err, rotation.ErrRestoreFailed) {
			respondJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error(), "outcome": out})
			return
		}
		if err != nil {
			s.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// writeAuth accepts the debug token when enabled, otherwise a verified bearer token.
func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowDebugToken {
			if token := r.Header.Get("X-Debug-Token"); token != "" && token == s.cfg.DebugToken {
				next.ServeHTTP(w, r)
				return
			}
		}
		if s.verifier == nil || !s.verifier.Enabled() {
			respondError(w, http.StatusUnauthorized, "admin authentication not configured")
			return
		}
		p, err := s.verifier.VerifyRequest(r)
		switch {
		case errors.Is(err, auth.ErrForbidden):
			respondError(w, http.StatusForbidden, err.Error())
			return
		case err != nil:
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func testID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid test id")
		return uuid.Nil, false
	}
	return id, true
}

// respondOutcome reports a failed rotation attempt as 502 with the full outcome.
func respondOutcome(w http.ResponseWriter, out rotation.Outcome) {
	status := http.StatusOK
	if !out.Result.Succeeded {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, out)
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rotation.ErrLocked), errors.Is(err, store.ErrLeaseHeld):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "locked"})
	case errors.Is(err, rotation.ErrInvalidState), errors.Is(err, store.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidMediaItem):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
