// Package api is the operational HTTP surface of the resilience service:
// health, metrics, the error log, alerts, the offline queue and the chat
// endpoints that run through the facade.
package api

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/chat-resilience/internal/alerting"
	"github.com/NikhilSetiya/chat-resilience/internal/chat"
	"github.com/NikhilSetiya/chat-resilience/internal/docstore"
	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/internal/facade"
	"github.com/NikhilSetiya/chat-resilience/internal/middleware"
	"github.com/NikhilSetiya/chat-resilience/internal/offline"
	"github.com/NikhilSetiya/chat-resilience/pkg/config"
	"github.com/NikhilSetiya/chat-resilience/pkg/health"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
	"github.com/NikhilSetiya/chat-resilience/pkg/tracing"
)

// DocumentService reads and writes chat documents
type DocumentService interface {
	Get(ctx context.Context, collection, id string, ectx errorlog.Context) (docstore.Document, error)
	Put(ctx context.Context, kind offline.OperationKind, collection, id string, data json.RawMessage, ectx errorlog.Context) (chat.WriteResult, error)
	Delete(ctx context.Context, collection, id string, ectx errorlog.Context) (chat.WriteResult, error)
}

// AssistantService answers chat prompts
type AssistantService interface {
	Ask(ctx context.Context, prompt string, ectx errorlog.Context) (string, error)
}

// AlertChecker runs one alert evaluation on demand
type AlertChecker interface {
	Check(ctx context.Context) []alerting.Alert
}

// Connectivity receives manual connectivity signals
type Connectivity interface {
	Online() bool
	SetOnline(online bool)
}

// Dependencies are the services the router exposes. Documents, Assistant,
// Checker, Connectivity and RateLimiter are optional.
type Dependencies struct {
	Errors       *errorlog.Handler
	Alerts       *alerting.Engine
	Checker      AlertChecker
	Offline      *offline.Store
	Connectivity Connectivity
	Facade       *facade.Facade
	Documents    DocumentService
	Assistant    AssistantService
	RateLimiter  *middleware.RateLimiter
	Health       *health.Service
	Metrics      *metrics.Metrics
	Tracing      *tracing.TracingService
	Logger       *logging.Logger
}

// Server holds the handler dependencies
type Server struct {
	deps   Dependencies
	locale string
	logger *logging.Logger
}

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		deps:   deps,
		locale: cfg.Errors.Locale,
		logger: logging.OrGlobal(deps.Logger),
	}
	if deps.Connectivity == nil && deps.Offline != nil {
		s.deps.Connectivity = deps.Offline
	}

	router := gin.New()

	router.Use(middleware.LoggingMiddleware(s.logger))
	router.Use(middleware.RecoveryMiddleware(s.logger, deps.Errors))
	router.Use(middleware.ErrorLoggingMiddleware(s.logger))
	router.Use(deps.Tracing.TracingMiddleware())
	router.Use(deps.Metrics.PrometheusMiddleware())
	router.Use(CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(SecurityHeadersMiddleware())

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	{
		v1.GET("", func(c *gin.Context) {
			SuccessResponse(c, map[string]interface{}{
				"name":   "chat-resilience",
				"status": "ok",
			})
		})

		errorsGroup := v1.Group("/errors")
		{
			errorsGroup.GET("", s.ListErrors)
			errorsGroup.GET("/stats", s.ErrorStats)
			errorsGroup.DELETE("", s.ClearErrors)
		}

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", s.ListAlerts)
			alerts.POST("/check", s.CheckAlerts)
			alerts.GET("/:id", s.GetAlert)
			alerts.POST("/:id/resolve", s.ResolveAlert)
		}

		offlineGroup := v1.Group("/offline")
		{
			offlineGroup.GET("/stats", s.OfflineStats)
			offlineGroup.GET("/queue", s.PendingOperations)
			offlineGroup.POST("/sync", s.SyncNow)
			offlineGroup.PUT("/connectivity", s.SetConnectivity)
		}

		v1.GET("/retry-state", s.RetryState)

		if deps.Documents != nil {
			documents := v1.Group("/documents/:collection/:id")
			{
				documents.GET("", s.GetDocument)
				documents.POST("", s.CreateDocument)
				documents.PUT("", s.UpdateDocument)
				documents.DELETE("", s.DeleteDocument)
			}
		}

		if deps.Assistant != nil {
			v1.POST("/assistant", s.Ask)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	ErrorResponseFromError(c, err, s.locale)
}
