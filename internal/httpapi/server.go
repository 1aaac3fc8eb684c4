// Package httpapi exposes the automation service over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dotpush/internal/automation"
	"dotpush/internal/delivery"
	"dotpush/internal/model"
	logx "dotpush/pkg/logx"
)

const maxBody = 8 << 20 // rendered images arrive inline

type Server struct {
	r   *chi.Mux
	svc *automation.Service
	log logx.Logger
}

type options struct {
	profiler bool
}

type Option func(*options)

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler(enabled bool) Option {
	return func(o *options) { o.profiler = enabled }
}

// NewHandler builds the router for svc.
func NewHandler(svc *automation.Service, log logx.Logger, opts ...Option) http.Handler {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	s := &Server{r: r, svc: svc, log: log.With(logx.String("comp", "http"))}
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/health", s.health)
	if o.profiler {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Put("/tasks/priorities", s.putPriorities)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/execute", s.executeTask)
		r.Post("/tasks/{id}/execute-rendered", s.executeRendered)
		r.Get("/tasks/{id}/resolved", s.resolvedTask)

		r.Get("/logs", s.listLogs)
		r.Put("/credentials", s.putCredentials)

		r.Post("/plans/{date}", s.generatePlan)
		r.Get("/plans/{date}", s.getPlan)
		r.Delete("/plans/{date}", s.clearPlan)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"automation_enabled": s.svc.Enabled(),
		"timezone":           s.svc.Location().String(),
	})
}

type settingsReq struct {
	AutomationEnabled *bool `json:"automation_enabled"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.Settings{AutomationEnabled: s.svc.Enabled()})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsReq
	if !decode(w, r, &req) {
		return
	}
	if req.AutomationEnabled == nil {
		http.Error(w, "automation_enabled is required", http.StatusBadRequest)
		return
	}
	if err := s.svc.SetEnabled(r.Context(), *req.AutomationEnabled); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Settings{AutomationEnabled: s.svc.Enabled()})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tasks())
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if !decode(w, r, &t) {
		return
	}
	created, err := s.svc.AddTask(r.Context(), t)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Task(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if !decode(w, r, &t) {
		return
	}
	t.ID = chi.URLParam(r, "id")
	updated, err := s.svc.UpdateTask(r.Context(), t)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type prioritiesReq struct {
	OrderedIDs []string `json:"ordered_ids"`
	// accepted for clients that send camelCase
	OrderedIDsAlt []string `json:"orderedIds"`
}

func (s *Server) putPriorities(w http.ResponseWriter, r *http.Request) {
	var req prioritiesReq
	if !decode(w, r, &req) {
		return
	}
	ids := req.OrderedIDs
	if len(ids) == 0 {
		ids = req.OrderedIDsAlt
	}
	s.svc.UpdatePriorities(r.Context(), ids)
	writeJSON(w, http.StatusOK, s.svc.Tasks())
}

type executeReq struct {
	APIKey string `json:"api_key"`
	Image  string `json:"image"`
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	var req executeReq
	if !decodeOptional(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.ExecuteTask(r.Context(), id, req.APIKey); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": id})
}

func (s *Server) executeRendered(w http.ResponseWriter, r *http.Request) {
	var req executeReq
	if !decode(w, r, &req) {
		return
	}
	if req.Image == "" {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.ExecuteRendered(r.Context(), id, req.Image, req.APIKey); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": id})
}

func (s *Server) resolvedTask(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.ResolveTextToImage(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.svc.Logs(limit))
}

func (s *Server) putCredentials(w http.ResponseWriter, r *http.Request) {
	var m map[string]string
	if !decode(w, r, &m) {
		return
	}
	n := s.svc.SyncCredentials(m)
	writeJSON(w, http.StatusOK, map[string]int{"stored": n})
}

type planReq struct {
	Order []string `json:"order"`
}

func (s *Server) generatePlan(w http.ResponseWriter, r *http.Request) {
	var req planReq
	if !decodeOptional(w, r, &req) {
		return
	}
	date := chi.URLParam(r, "date")
	started, err := s.svc.GeneratePlan(date, req.Order)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"date": date, "started": started})
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := automation.DayWindow(date, s.svc.Location()); err != nil {
		s.fail(w, err)
		return
	}
	items := s.svc.PlannedForDate(date)
	if items == nil {
		items = []model.PlannedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":     date,
		"planning": s.svc.Planning(date),
		"items":    items,
	})
}

func (s *Server) clearPlan(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := automation.DayWindow(date, s.svc.Location()); err != nil {
		s.fail(w, err)
		return
	}
	n := s.svc.ClearPlannedForDate(r.Context(), date)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", logx.Int("status", code), logx.Err(err))
	}
	http.Error(w, err.Error(), code)
}

func statusOf(err error) int {
	var apiErr *delivery.APIError
	switch {
	case errors.Is(err, automation.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, automation.ErrTaskDisabled):
		return http.StatusConflict
	case errors.Is(err, automation.ErrPayloadMismatch),
		errors.Is(err, automation.ErrInvalidDate),
		errors.Is(err, automation.ErrNotTextToImage),
		errors.Is(err, automation.ErrNoDevice),
		errors.Is(err, automation.ErrNoCredential),
		errors.Is(err, delivery.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, automation.ErrRendererUnavailable):
		return http.StatusNotImplemented
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, false)
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
