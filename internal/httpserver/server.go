package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/version"
)

// ServerConfig holds the ambient HTTP concerns shared by both services.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies common to both cmd/flashsale
// and cmd/imrouter. Domain handlers are mounted on APIRouter by the caller.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // /api/v1 sub-router, unauthenticated beyond upstream header trust
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with ambient middleware and health/metrics
// endpoints. Both db and rdb may be nil for a worker-only process that still
// wants /healthz; /readyz then skips the missing leg, so only a configured
// leg can make it fail.
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)

	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			s.Logger.Error("readiness check: database ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
			return
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	CommitSHA     string `json:"commit_sha"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database"`
	Redis         string `json:"redis"`
}

// HandleStatus returns basic health information including DB/Redis connectivity
// and uptime. Mirrors /readyz but always returns 200 with a degraded status.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Database:      "disabled",
		Redis:         "disabled",
	}

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			resp.Database = "error"
		} else {
			resp.Database = "ok"
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			resp.Redis = "error"
		} else {
			resp.Redis = "ok"
		}
	}

	switch {
	case resp.Database == "error" || resp.Redis == "error":
		resp.Status = "degraded"
	default:
		resp.Status = "ok"
	}

	Respond(w, http.StatusOK, resp)
}
