package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/planloom/planloom-backend/internal/http/response"
	"github.com/planloom/planloom-backend/internal/realtime"
)

type RealtimeHandler struct {
	hub *realtime.Hub
}

func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /api/events
//
// SSE stream of job and plan lifecycle events for the authenticated user.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}

	client := h.hub.NewClient(userID)
	h.hub.AddChannel(client, realtime.UserChannel(userID))
	defer h.hub.CloseClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
