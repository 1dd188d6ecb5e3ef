package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/domain"
	apimw "github.com/hamed0406/sitewatch/internal/httpapi/middleware"
	"github.com/hamed0406/sitewatch/internal/repo"
	"github.com/hamed0406/sitewatch/internal/scheduler"
	"github.com/hamed0406/sitewatch/internal/service"
)

// Monitor is the registration surface the API exposes.
type Monitor interface {
	Register(ctx context.Context, url, email string) (domain.JobID, error)
	Remove(ctx context.Context, id domain.JobID, email string) error
	Status(ctx context.Context, id domain.JobID) (service.StatusReport, error)
}

type Server struct {
	Logger     *zap.Logger
	Monitor    Monitor
	Jobs       repo.StateStore
	Runner     scheduler.JobRunner
	Deliveries repo.DeliveryLog
	// TrustProxy takes the client address from X-Forwarded-For /
	// X-Real-IP. Set it only behind a proxy that rewrites those headers.
	TrustProxy bool
}

func NewServer(l *zap.Logger, m Monitor, jobs repo.StateStore, runner scheduler.JobRunner, deliveries repo.DeliveryLog) *Server {
	return &Server{Logger: l, Monitor: m, Jobs: jobs, Runner: runner, Deliveries: deliveries}
}

// Router builds the HTTP handler. Rate limits are requests per minute per
// client IP; zero disables the limit for that group.
func (s *Server) Router(keys apimw.Keys, allowedOrigins []string, pubRPM, pubBurst, admRPM, admBurst int) http.Handler {
	r := chi.NewRouter()
	if s.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)
	if len(allowedOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apimw.RateLimit(pubRPM, pubBurst))
			r.Use(apimw.RequireAny(keys))
			r.Post("/jobs", s.handleRegister)
			r.Get("/jobs/{id}/status", s.handleStatus)
			r.Delete("/jobs/{id}/subscribers/{email}", s.handleRemove)
		})
		r.Group(func(r chi.Router) {
			r.Use(apimw.RateLimit(admRPM, admBurst))
			r.Use(apimw.RequireAdmin(keys))
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}/incidents", s.handleIncidents)
			r.Post("/jobs/{id}/run", s.handleRun)
			r.Get("/deliveries", s.handleDeliveries)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type registerPayload struct {
	URL   string `json:"url"`
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}

	id, err := s.Monitor.Register(r.Context(), p.URL, p.Email)
	switch {
	case errors.Is(err, domain.ErrInvalidURL), errors.Is(err, domain.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.Logger.Error("register_error", zap.String("url", p.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not register")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	rep, err := s.Monitor.Status(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, "status_error", id, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad email")
		return
	}
	if err := s.Monitor.Remove(r.Context(), id, email); err != nil {
		s.writeLookupError(w, "remove_error", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Jobs.List(r.Context())
	if err != nil {
		s.Logger.Error("list_jobs_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	if _, err := s.Jobs.Get(r.Context(), id); err != nil {
		s.writeLookupError(w, "incidents_error", id, err)
		return
	}
	incs, err := s.Jobs.Incidents(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, "incidents_error", id, err)
		return
	}
	writeJSON(w, http.StatusOK, incs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	rep, err := s.Runner.Run(r.Context(), id)
	if errors.Is(err, scheduler.ErrInFlight) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeLookupError(w, "run_error", id, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.Deliveries == nil {
		writeJSON(w, http.StatusOK, []domain.Delivery{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	ds, err := s.Deliveries.RecentDeliveries(r.Context(), limit)
	if err != nil {
		s.Logger.Error("list_deliveries_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) writeLookupError(w http.ResponseWriter, event string, id domain.JobID, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrNotSubscribed):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.Logger.Error(event, zap.String("job_id", string(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
