package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/planloom/planloom-backend/internal/http/handlers"
	httpMW "github.com/planloom/planloom-backend/internal/http/middleware"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	AllowedOrigins []string

	AuthHandler    *httpH.AuthHandler
	AuthMiddleware *httpMW.AuthMiddleware

	PlanHandler     *httpH.PlanHandler
	JobHandler      *httpH.JobHandler
	RealtimeHandler *httpH.RealtimeHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Auth (public)
		if cfg.AuthHandler != nil {
			api.POST("/auth/register", cfg.AuthHandler.Register)
			api.POST("/auth/login", cfg.AuthHandler.Login)
			api.POST("/auth/refresh", cfg.AuthHandler.Refresh)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Plans
		if cfg.PlanHandler != nil {
			protected.POST("/plans", cfg.PlanHandler.CreatePlan)
			protected.GET("/plans", cfg.PlanHandler.ListPlans)
			protected.GET("/plans/:id", cfg.PlanHandler.GetPlan)
			protected.GET("/plans/:id/status", cfg.PlanHandler.GetPlanStatus)
			protected.POST("/plans/:id/generate", cfg.PlanHandler.GeneratePlan)
			protected.POST("/plans/:id/regenerate", cfg.PlanHandler.RegeneratePlan)
		}

		// Jobs
		if cfg.JobHandler != nil {
			protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			protected.GET("/events", cfg.RealtimeHandler.Stream)
		}
	}

	// Operational surface, kept off /api so edge routing can fence it.
	if cfg.JobHandler != nil {
		internal := r.Group("/internal")
		if cfg.AuthMiddleware != nil {
			internal.Use(cfg.AuthMiddleware.RequireAuth())
		}
		internal.POST("/jobs/drain", cfg.JobHandler.DrainJobs)
	}

	return r
}
