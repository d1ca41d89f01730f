// Package api exposes the HTTP and websocket surface: health probes,
// insight/incident/action queries, the remediation workflow, settings,
// webhook registration, and the SSE event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborwatch/harborwatch/internal/audit"
	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/incident"
	"github.com/harborwatch/harborwatch/internal/insight"
	"github.com/harborwatch/harborwatch/internal/investigation"
	"github.com/harborwatch/harborwatch/internal/monitor"
	"github.com/harborwatch/harborwatch/internal/observability"
	"github.com/harborwatch/harborwatch/internal/remediation"
	"github.com/harborwatch/harborwatch/internal/settings"
	"github.com/harborwatch/harborwatch/internal/webhook"
	"github.com/harborwatch/harborwatch/internal/ws"
)

// Stores bundles the read/write surfaces the handlers need
type Stores struct {
	Insights       *insight.Store
	Incidents      *incident.Store
	Settings       *settings.Store
	Webhooks       *webhook.Store
	Audit          *audit.Store
	Investigations *investigation.Store
	Monitor        *monitor.Store
}

// Server is the HTTP front of the service
type Server struct {
	cfg      config.APIConfig
	engine   *gin.Engine
	http     *http.Server
	logger   observability.Logger
	health   *HealthChecker
	stores   Stores
	actions  *remediation.Service
	actStore *remediation.Store
	bus      *events.Bus
	hub      *ws.Hub
	registry *prometheus.Registry
}

// NewServer wires the router. registry may be nil to use the default
// prometheus registry.
func NewServer(
	cfg config.APIConfig,
	stores Stores,
	actions *remediation.Service,
	actStore *remediation.Store,
	health *HealthChecker,
	bus *events.Bus,
	hub *ws.Hub,
	registry *prometheus.Registry,
	logger observability.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		logger:   logger.WithPrefix("api"),
		health:   health,
		stores:   stores,
		actions:  actions,
		actStore: actStore,
		bus:      bus,
		hub:      hub,
		registry: registry,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	if cfg.EnableCORS {
		engine.Use(corsMiddleware())
	}

	s.routes()

	s.http = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/health/ready", s.handleReady)
	s.engine.GET("/health/ready/detail", s.adminOnly(), s.handleReadyDetail)

	var handler http.Handler
	if s.registry != nil {
		handler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	} else {
		handler = promhttp.Handler()
	}
	s.engine.GET("/metrics", gin.WrapH(handler))

	api := s.engine.Group("/api")
	{
		api.GET("/insights", s.handleListInsights)
		api.GET("/insights/:id", s.handleGetInsight)
		api.POST("/insights/:id/acknowledge", s.adminOnly(), s.handleAcknowledgeInsight)
		api.GET("/insights/:id/investigations", s.handleListInvestigations)

		api.GET("/incidents", s.handleListIncidents)
		api.GET("/incidents/:id", s.handleGetIncident)

		api.GET("/snapshots", s.handleListSnapshots)

		actions := api.Group("/remediation/actions")
		{
			actions.GET("", s.handleListActions)
			actions.POST("", s.adminOnly(), s.handleCreateAction)
			actions.GET("/:id", s.handleGetAction)
			actions.POST("/:id/approve", s.adminOnly(), s.handleApproveAction)
			actions.POST("/:id/reject", s.adminOnly(), s.handleRejectAction)
			actions.POST("/:id/execute", s.adminOnly(), s.handleExecuteAction)
		}

		api.GET("/settings", s.handleListSettings)
		api.PUT("/settings/:key", s.adminOnly(), s.handleSetSetting)
		api.DELETE("/settings/:key", s.adminOnly(), s.handleDeleteSetting)

		api.GET("/webhooks", s.handleListWebhooks)
		api.GET("/webhooks/event-types", s.handleWebhookEventTypes)
		api.POST("/webhooks", s.adminOnly(), s.handleCreateWebhook)
		api.PUT("/webhooks/:id", s.adminOnly(), s.handleUpdateWebhook)
		api.DELETE("/webhooks/:id", s.adminOnly(), s.handleDeleteWebhook)
		api.GET("/webhooks/:id/deliveries", s.handleWebhookDeliveries)

		api.GET("/events/stream", s.handleEventStream)
	}

	s.engine.GET("/ws/monitoring", s.handleWebsocket("monitoring"))
	s.engine.GET("/ws/remediation", s.handleWebsocket("remediation"))
}

// Start runs the listener until it fails or Stop is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.cfg.ListenAddress,
	})
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for httptest
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("Request handled", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// adminOnly guards mutating routes with the static admin token
func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Admin-Token")
		if token == "" {
			const prefix = "Bearer "
			if auth := c.GetHeader("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
				token = auth[len(prefix):]
			}
		}
		if token != s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
