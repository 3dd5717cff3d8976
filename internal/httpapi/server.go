package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doncat99/alwrity/internal/blog"
	"github.com/doncat99/alwrity/internal/cache"
	"github.com/doncat99/alwrity/internal/config"
	"github.com/doncat99/alwrity/internal/observability"
	"github.com/doncat99/alwrity/internal/ratelimit"
	"github.com/doncat99/alwrity/internal/tasks"
)

type Server struct {
	cfg          config.Config
	manager      *tasks.Manager
	store        *tasks.Store
	pipeline     *blog.Pipeline
	cache        *cache.Cache
	limiter      *ratelimit.Limiter
	archive      tasks.Archive
	metrics      *observability.Metrics
	log          *zap.Logger
	providerName string
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, manager *tasks.Manager, store *tasks.Store, pipeline *blog.Pipeline, c *cache.Cache, limiter *ratelimit.Limiter, archive tasks.Archive, metrics *observability.Metrics, log *zap.Logger, providerName string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		manager:      manager,
		store:        store,
		pipeline:     pipeline,
		cache:        c,
		limiter:      limiter,
		archive:      archive,
		metrics:      metrics,
		log:          log,
		providerName: providerName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/blog/{op}/start", s.handleStart)
		r.Get("/blog/{op}/status/{id}", s.handleStatus)

		r.Delete("/tasks/{id}", s.handleCancelTask)
		r.Get("/tasks/recent", s.handleRecentTasks)
		r.Get("/tasks/{id}/events/ws", s.handleTaskEventsWS)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache/clear", s.handleCacheClear)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.providerName,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"provider":      s.providerName,
		"archive_mode":  s.archiveMode(),
		"tracked_tasks": s.store.Len(),
	})
}

func (s *Server) archiveMode() string {
	if s.archive == nil {
		return "disabled"
	}
	return "postgres"
}

// requireAPIKey enforces bearer auth when keys are configured. With no keys
// configured the API is open, which suits local single-user deployments.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, key := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		respondError(w, http.StatusUnauthorized, "invalid bearer token")
	})
}

type errorResponse struct {
	Detail string `json:"detail"`
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

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail})
}
