package app

import (
	httpMW "github.com/planloom/planloom-backend/internal/http/middleware"
	"github.com/planloom/planloom-backend/internal/platform/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

func wireMiddleware(log *logger.Logger, serviceset Services) Middleware {
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, serviceset.Auth),
	}
}
