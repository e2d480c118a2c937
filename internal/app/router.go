package app

import (
	internalhttp "github.com/planloom/planloom-backend/internal/http"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

func wireServer(log *logger.Logger, cfg Config, handlerset Handlers, middleware Middleware) *internalhttp.Server {
	return internalhttp.NewServer(internalhttp.RouterConfig{
		Log:            log,
		ServiceName:    cfg.ServiceName,
		AllowedOrigins: cfg.AllowedOrigins,

		AuthHandler:    handlerset.Auth,
		AuthMiddleware: middleware.Auth,

		PlanHandler:     handlerset.Plan,
		JobHandler:      handlerset.Job,
		RealtimeHandler: handlerset.Realtime,

		HealthHandler: handlerset.Health,
	})
}
