package app

import (
	httpH "github.com/planloom/planloom-backend/internal/http/handlers"
	"github.com/planloom/planloom-backend/internal/realtime"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Auth     *httpH.AuthHandler
	Plan     *httpH.PlanHandler
	Job      *httpH.JobHandler
	Realtime *httpH.RealtimeHandler
}

func wireHandlers(serviceset Services, reposet Repos, hub *realtime.Hub) Handlers {
	return Handlers{
		Health:   httpH.NewHealthHandler(),
		Auth:     httpH.NewAuthHandler(serviceset.Auth),
		Plan:     httpH.NewPlanHandler(serviceset.Plan),
		Job:      httpH.NewJobHandler(reposet.Job, serviceset.JobQueue),
		Realtime: httpH.NewRealtimeHandler(hub),
	}
}
