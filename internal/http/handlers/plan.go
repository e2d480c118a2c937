package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/planloom/planloom-backend/internal/domain/jobs"
	"github.com/planloom/planloom-backend/internal/http/response"
	"github.com/planloom/planloom-backend/internal/services"
)

type PlanHandler struct {
	plans services.PlanService
}

func NewPlanHandler(plans services.PlanService) *PlanHandler {
	return &PlanHandler{plans: plans}
}

// POST /api/plans
func (h *PlanHandler) CreatePlan(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	var req services.CreatePlanParams
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	plan, err := h.plans.CreatePlan(c.Request.Context(), userID, req)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "create_plan_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"plan": plan})
}

// GET /api/plans
func (h *PlanHandler) ListPlans(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	views, err := h.plans.ListPlans(c.Request.Context(), userID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "list_plans_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"plans": views})
}

// GET /api/plans/:id
func (h *PlanHandler) GetPlan(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	view, err := h.plans.GetPlan(c.Request.Context(), userID, planID)
	if err != nil {
		if errors.Is(err, services.ErrPlanNotFound) {
			response.RespondError(c, http.StatusNotFound, "plan_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "get_plan_failed", err)
		return
	}
	response.RespondOK(c, view)
}

// GET /api/plans/:id/status
func (h *PlanHandler) GetPlanStatus(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	view, err := h.plans.GetPlan(c.Request.Context(), userID, planID)
	if err != nil {
		if errors.Is(err, services.ErrPlanNotFound) {
			response.RespondError(c, http.StatusNotFound, "plan_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "get_plan_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"plan_id": planID, "status": view.Status})
}

// POST /api/plans/:id/generate
//
// Synchronous generation: the provider call runs inside this request and
// the outcome comes back in the response body.
func (h *PlanHandler) GeneratePlan(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.plans.GeneratePlanNow(c.Request.Context(), userID, planID, req.Model)
	if err != nil {
		var rlErr *services.RateLimitError
		switch {
		case errors.As(err, &rlErr):
			c.Header("Retry-After", rlErr.RetryAfter.Round(time.Second).String())
			response.RespondError(c, http.StatusTooManyRequests, "rate_limited", err)
		case errors.Is(err, services.ErrPlanNotFound):
			response.RespondError(c, http.StatusNotFound, "plan_not_found", err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "generation_failed", err)
		}
		return
	}

	if result.Status == services.GenerationFailed {
		response.RespondOK(c, gin.H{
			"status":         result.Status,
			"classification": result.Classification,
			"attempt_seq":    result.Seq,
			"duration_ms":    result.DurationMs,
		})
		return
	}
	response.RespondOK(c, gin.H{
		"status":        result.Status,
		"attempt_seq":   result.Seq,
		"modules_count": result.ModulesCount,
		"tasks_count":   result.TasksCount,
		"duration_ms":   result.DurationMs,
	})
}

// POST /api/plans/:id/regenerate
//
// Asynchronous: enqueues a regeneration job and returns it immediately.
func (h *PlanHandler) RegeneratePlan(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	var overrides jobs.RegenerateOverrides
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&overrides); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_overrides", err)
			return
		}
	}
	job, err := h.plans.RegeneratePlan(c.Request.Context(), userID, planID, overrides)
	if err != nil {
		if errors.Is(err, services.ErrPlanNotFound) {
			response.RespondError(c, http.StatusNotFound, "plan_not_found", err)
			return
		}
		response.RespondError(c, http.StatusBadRequest, "enqueue_failed", err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": job})
}
