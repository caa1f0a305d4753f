package handler

import (
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/api/http/middleware"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/gin-gonic/gin"
)

type JobsHandler struct {
	jobService *jobs.Service
}

func NewJobsHandler(jobService *jobs.Service) *JobsHandler {
	return &JobsHandler{jobService: jobService}
}

// SubmitJob queues a sealed job for the agent.
// POST /api/agents/:id/jobs
func (h *JobsHandler) SubmitJob(c *gin.Context) {
	agentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req dto.SubmitJobRequest
	if !bindJSON(c, &req) {
		return
	}

	j, err := h.jobService.Submit(c.Request.Context(), agentID, req.Job.Envelope(), req.SenderPublicKey)
	if err != nil {
		respondError(c, err, "submit job")
		return
	}
	c.JSON(http.StatusCreated, dto.OK(dto.SubmitJobResponse{ID: j.ID.String()}))
}

// PollJobs claims the agent's pending jobs.
// GET /api/agents/:id/jobs
func (h *JobsHandler) PollJobs(c *gin.Context) {
	agentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	claimed, err := h.jobService.Poll(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err, "poll jobs")
		return
	}

	responses := make([]dto.JobResponse, len(claimed))
	for i := range claimed {
		responses[i] = dto.NewJobResponse(&claimed[i])
	}
	c.JSON(http.StatusOK, dto.OK(dto.PollJobsResponse{Jobs: responses}))
}

// SubmitResult stores the agent's sealed result.
// POST /api/jobs/:id/result
func (h *JobsHandler) SubmitResult(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	agentID, ok := middleware.AgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.Err("unauthenticated"))
		return
	}

	var req dto.SubmitResultRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.jobService.SubmitResult(c.Request.Context(), jobID, agentID, req.Result.Envelope()); err != nil {
		respondError(c, err, "submit result")
		return
	}
	c.JSON(http.StatusOK, dto.OK(dto.SubmitJobResponse{ID: jobID.String()}))
}

// RejectJob records that the agent refused the job.
// POST /api/jobs/:id/reject
func (h *JobsHandler) RejectJob(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	agentID, ok := middleware.AgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.Err("unauthenticated"))
		return
	}

	var req dto.RejectJobRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.jobService.Reject(c.Request.Context(), jobID, agentID, req.Reason); err != nil {
		respondError(c, err, "reject job")
		return
	}
	c.JSON(http.StatusOK, dto.OK(dto.SubmitJobResponse{ID: jobID.String()}))
}

// GetJob returns the job and, once the agent responded, its sealed result.
// GET /api/jobs/:id
func (h *JobsHandler) GetJob(c *gin.Context) {
	jobID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	j, err := h.jobService.Fetch(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err, "get job")
		return
	}
	c.JSON(http.StatusOK, dto.OK(dto.NewJobResponse(j)))
}
