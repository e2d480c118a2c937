package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/planloom/planloom-backend/internal/data/repos"
	"github.com/planloom/planloom-backend/internal/http/response"
	"github.com/planloom/planloom-backend/internal/pkg/dbctx"
	"github.com/planloom/planloom-backend/internal/services"
)

type JobHandler struct {
	jobRepo repos.JobRepo
	queue   services.JobQueueService
}

func NewJobHandler(jobRepo repos.JobRepo, queue services.JobQueueService) *JobHandler {
	return &JobHandler{jobRepo: jobRepo, queue: queue}
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing user"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobRepo.GetByIDForUser(dbctx.Context{Ctx: c.Request.Context()}, jobID, userID)
	if err != nil || job == nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", errors.New("job not found"))
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /internal/jobs/drain?max_jobs=N
//
// Operational endpoint: runs the regeneration worker loop inline for up to
// max_jobs jobs. Deployments without a background worker (or tests) call
// this to make progress deterministically.
func (h *JobHandler) DrainJobs(c *gin.Context) {
	maxJobs := 10
	if raw := c.Query("max_jobs"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_max_jobs", errors.New("max_jobs must be a non-negative integer"))
			return
		}
		maxJobs = parsed
	}
	result, err := h.queue.DrainRegenerationQueue(c.Request.Context(), maxJobs)
	if err != nil {
		if errors.Is(err, services.ErrDrainInProgress) {
			response.RespondError(c, http.StatusConflict, "drain_in_progress", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "drain_failed", err)
		return
	}
	response.RespondOK(c, result)
}
