// Package server exposes the HTTP surface: the webhook intake, the operator
// status endpoints, and the admin API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gantryproject/gantry/api/audit"
	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/ledger"
	"github.com/gantryproject/gantry/api/limits"
)

const (
	EnvPort          = "GANTRY_PORT"
	EnvWebhookSecret = "GANTRY_WEBHOOK_SECRET"
	EnvAdminKey      = "GANTRY_ADMIN_KEY"
	EnvCORSOrigins   = "GANTRY_CORS_ORIGINS"
	EnvRunnerFilter  = "GANTRY_WEBHOOK_LABELS"
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr string
	// WebhookSecret verifies event signatures. Empty disables verification.
	WebhookSecret string
	// AdminKey gates the admin endpoints. Empty leaves them open.
	AdminKey string
	// CORSOrigins enables CORS for the given comma-separated origins.
	CORSOrigins string
	// RequiredLabels filters webhook jobs: a job is only queued when its
	// label set contains all of these.
	RequiredLabels []string
	// LimitsFile is the path reloaded by the admin reload endpoint.
	LimitsFile string
}

// ConfigFromEnv builds a server Config from the GANTRY_* environment.
func ConfigFromEnv() Config {
	var required []string
	if raw := common.GetEnv(EnvRunnerFilter, "self-hosted"); raw != "" {
		for _, l := range strings.Split(raw, ",") {
			if l = strings.TrimSpace(l); l != "" {
				required = append(required, l)
			}
		}
	}
	return Config{
		Addr:           ":" + common.GetEnv(EnvPort, "8080"),
		WebhookSecret:  common.GetEnv(EnvWebhookSecret, ""),
		AdminKey:       common.GetEnv(EnvAdminKey, ""),
		CORSOrigins:    common.GetEnv(EnvCORSOrigins, ""),
		RequiredLabels: required,
	}
}

// Server is the HTTP front end. It never mutates capacity counters itself;
// it only enqueues work and reads state.
type Server struct {
	cfg    Config
	router *gin.Engine

	ledger *ledger.Ledger
	limits *limits.Store
	ds     datastore.Datastore
	audit  *audit.Store
}

// New builds the server and its routes. aud may be nil.
func New(cfg Config, l *ledger.Ledger, lim *limits.Store, ds datastore.Datastore, aud *audit.Store) *Server {
	engine := gin.New()
	s := &Server{
		cfg:    cfg,
		router: engine,
		ledger: l,
		limits: lim,
		ds:     ds,
		audit:  aud,
	}

	engine.Use(loggerWrap, panicWrap)
	if cfg.CORSOrigins != "" {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = strings.Split(cfg.CORSOrigins, ",")
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Admin-Key")
		engine.Use(cors.New(corsCfg))
	}

	s.bindHandlers()
	return s
}

func (s *Server) bindHandlers() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/events", s.handleWebhook)
		v1.GET("/status", s.handleGlobalStatus)
		v1.GET("/orgs/:org/status", s.handleOrgStatus)

		admin := v1.Group("/admin", s.adminWrap)
		{
			admin.GET("/limits", s.handleLimitsList)
			admin.PUT("/limits", s.handleLimitsBulkSet)
			admin.POST("/limits/reload", s.handleLimitsReload)
			admin.GET("/limits/:org", s.handleLimitGet)
			admin.PUT("/limits/:org", s.handleLimitSet)
			admin.DELETE("/limits/:org", s.handleLimitRemove)
			admin.DELETE("/queues/:org", s.handleQueuePurge)
			admin.GET("/failures", s.handleFailuresList)
		}
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		common.Logger(ctx).WithField("addr", s.cfg.Addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(common.BackgroundContext(ctx), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
