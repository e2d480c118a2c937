package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/planloom/planloom-backend/internal/clients/redis"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/realtime"
)

// NotifierService pushes lifecycle events to the owner's realtime channel.
// Best effort: a failed publish is logged and dropped, never propagated
// into job or generation outcomes.
type NotifierService interface {
	Publish(ctx context.Context, userID uuid.UUID, event string, data map[string]any)
}

var eventNames = map[string]realtime.Event{
	"job.enqueued":  realtime.EventJobEnqueued,
	"job.completed": realtime.EventJobCompleted,
	"job.failed":    realtime.EventJobFailed,
	"plan.ready":    realtime.EventPlanReady,
}

type notifierService struct {
	hub *realtime.Hub
	bus redis.EventBus
	log *logger.Logger
}

// NewNotifierService wires the hub and the cross-process bus. bus may be
// nil (single-process deployments); events then stay local to the hub.
func NewNotifierService(hub *realtime.Hub, bus redis.EventBus, baseLog *logger.Logger) NotifierService {
	return &notifierService{
		hub: hub,
		bus: bus,
		log: baseLog.With("service", "NotifierService"),
	}
}

func (s *notifierService) Publish(ctx context.Context, userID uuid.UUID, event string, data map[string]any) {
	named, ok := eventNames[event]
	if !ok || userID == uuid.Nil {
		return
	}
	msg := realtime.Message{
		Channel: realtime.UserChannel(userID),
		Event:   named,
		Data:    data,
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.log.Warn("Event bus publish failed, falling back to local hub", "event", event, "error", err)
			s.hub.Broadcast(msg)
		}
		return
	}
	s.hub.Broadcast(msg)
}
