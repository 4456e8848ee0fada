// Package server exposes read-only lookups over the snapshot store.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Lookup answers point queries. *yank.Reconciler implements it.
type Lookup interface {
	Exists(ctx context.Context, id gem.Identity) (bool, error)
	IsYanked(ctx context.Context, id gem.Identity) (bool, error)
	Yanked(ctx context.Context) ([]gem.Identity, error)
}

// Server serves the lookup API.
type Server struct {
	addr   string
	logger *slog.Logger
	lookup Lookup
	router *chi.Mux
}

// New builds the router. A nil logger uses slog.Default.
func New(lookup Lookup, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   addr,
		logger: logger,
		lookup: lookup,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/v1/gems/{name}/{version}", s.gem)
	r.Get("/v1/yanked", s.yanked)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("lookup service started", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("stopping lookup service")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to stop server")
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type gemResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Exists   bool   `json:"exists"`
	Yanked   bool   `json:"yanked"`
}

type identityJSON struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) gem(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		platform = gem.DefaultPlatform
	}
	id := gem.New(chi.URLParam(r, "name"), chi.URLParam(r, "version"), platform)

	exists, err := s.lookup.Exists(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	yanked, err := s.lookup.IsYanked(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if !exists {
		status = http.StatusNotFound
	}
	writeJSON(w, status, gemResponse{
		Name:     id.Name(),
		Version:  id.Version(),
		Platform: id.Platform(),
		Exists:   exists,
		Yanked:   yanked,
	})
}

func (s *Server) yanked(w http.ResponseWriter, r *http.Request) {
	ids, err := s.lookup.Yanked(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	name := r.URL.Query().Get("name")
	out := make([]identityJSON, 0, len(ids))
	for _, id := range ids {
		if name != "" && id.Name() != name {
			continue
		}
		out = append(out, identityJSON{Name: id.Name(), Version: id.Version(), Platform: id.Platform()})
	}
	sortByVersion(out)
	writeJSON(w, http.StatusOK, out)
}

// sortByVersion orders by name, then by RubyGems version ordering.
// Unparseable versions sort after valid ones, by string.
func sortByVersion(ids []identityJSON) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		va, errA := gem.ParseVersion(a.Version)
		vb, errB := gem.ParseVersion(b.Version)
		switch {
		case errA == nil && errB == nil:
			if c := va.Compare(vb); c != 0 {
				return c < 0
			}
		case errA == nil:
			return true
		case errB == nil:
			return false
		case a.Version != b.Version:
			return a.Version < b.Version
		}
		return a.Platform < b.Platform
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Error("lookup failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
