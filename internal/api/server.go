package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"duetrack/internal/cache"
	"duetrack/internal/domain"
	"duetrack/internal/lifecycle"
	"duetrack/internal/store"
)

// OwnerHeader carries the authenticated owner id, set by the gateway in
// front of this service.
const OwnerHeader = "X-Owner-ID"

type TaskService interface {
	Create(ctx context.Context, ownerID string, in lifecycle.NewTask) (domain.Task, error)
	Get(ctx context.Context, ownerID, id string) (domain.Task, error)
	List(ctx context.Context, ownerID string, q store.Query) ([]domain.Task, error)
	Stats(ctx context.Context, ownerID string) (domain.StatusCounts, error)
	Update(ctx context.Context, ownerID, id string, p lifecycle.Patch) (domain.Task, error)
	Start(ctx context.Context, ownerID, id string) (domain.Task, error)
	Complete(ctx context.Context, ownerID, id string) (domain.Task, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// ReadCache serves repeated list and stats reads.
type ReadCache interface {
	ReadThrough(ctx context.Context, ownerID, key string, compute func(context.Context) (any, error)) ([]byte, bool, error)
}

// Counters exposes worker outcomes on /metrics.
type Counters interface {
	Processed() int64
	Failed() int64
}

type Options struct {
	Debug   bool
	Workers Counters
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

type Server struct {
	r     *chi.Mux
	tasks TaskService
	cache ReadCache
	opts  Options
}

func NewServer(tasks TaskService, reads ReadCache, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, tasks: tasks, cache: reads, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/tasks", func(r chi.Router) {
		r.Use(requireOwner)
		r.Get("/", s.listTasks)
		r.Post("/", s.createTask)
		r.Get("/stats", s.stats)
		r.Get("/{id}", s.getTask)
		r.Patch("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/start", s.startTask)
		r.Post("/{id}/complete", s.completeTask)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.opts.Checks[name](r.Context()); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "duetrack_up 1")
	if s.opts.Workers != nil {
		fmt.Fprintf(w, "duetrack_entries_processed_total %d\n", s.opts.Workers.Processed())
		fmt.Fprintf(w, "duetrack_entries_failed_total %d\n", s.opts.Workers.Failed())
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	q, err := store.ParseQuery(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.cached(w, r, owner, func(ctx context.Context) (any, error) {
		return s.tasks.List(ctx, owner, q)
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	s.cached(w, r, owner, func(ctx context.Context) (any, error) {
		return s.tasks.Stats(ctx, owner)
	})
}

// cached answers from the owner's cache entry for this exact path and query
// string, computing and storing it on a miss.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, owner string, compute func(context.Context) (any, error)) {
	key := cache.Key(owner, r.URL.Path+"?"+r.URL.RawQuery)
	body, hit, err := s.cache.ReadThrough(r.Context(), owner, key, compute)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	source := "db"
	if hit {
		source = "cache"
	}
	writeJSON(w, http.StatusOK, envelope{Message: "Success", Source: source, Data: json.RawMessage(body)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.NewTask
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := s.tasks.Create(r.Context(), ownerFrom(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, t)
}

type patchReq struct {
	lifecycle.Patch
	Status *domain.Status `json:"status"`
}

// updateTask edits fields. A status in the body is routed to start or
// complete and cannot be combined with field edits.
func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req patchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	owner, id := ownerFrom(r), chi.URLParam(r, "id")

	var (
		t   domain.Task
		err error
	)
	switch {
	case req.Status == nil:
		t, err = s.tasks.Update(r.Context(), owner, id, req.Patch)
	case req.Title != nil || req.Description != nil || req.Deadline != nil:
		err = domain.NewValidationError("status", "cannot change status together with other fields")
	case *req.Status == domain.StatusInProgress:
		t, err = s.tasks.Start(r.Context(), owner, id)
	case *req.Status == domain.StatusCompleted:
		t, err = s.tasks.Complete(r.Context(), owner, id)
	default:
		err = domain.NewValidationError("status", "only IN_PROGRESS or COMPLETED can be requested")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Start(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Complete(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrDuplicateTitle):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type envelope struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, code int, v any) {
	writeJSON(w, code, envelope{Message: "Success", Source: "db", Data: v})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Message: "Failed", Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
