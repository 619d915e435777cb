package server

import (
	"net/http"
	"strconv"
	"time"

	"kiln/internal/model"
	"kiln/internal/processor"
	"kiln/pkg/comfy"

	"github.com/gin-gonic/gin"
)

// validKinds defines the accepted job kinds for efficient lookup
var validKinds = map[model.JobKind]bool{
	model.KindImage: true,
	model.KindVideo: true,
	model.KindBatch: true,
}

var validStatuses = map[model.JobStatus]bool{
	model.StatusQueued:     true,
	model.StatusProcessing: true,
	model.StatusRecovering: true,
	model.StatusCompleted:  true,
	model.StatusFailed:     true,
	model.StatusTimeout:    true,
	model.StatusCancelled:  true,
}

// SubmitJobRequest represents the request body for submitting a generation job
type SubmitJobRequest struct {
	Kind           string                 `json:"kind" binding:"required"`
	Prompt         string                 `json:"prompt" binding:"required"`
	Parameters     model.GenerationParams `json:"parameters"`
	Workflow       comfy.Workflow         `json:"workflow,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// submitJobHandler accepts a generation job. By default the job runs in the
// background and the handler returns its id immediately; ?wait=true blocks
// until the run reaches a final result.
func (s *Server) submitJobHandler(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	kind := model.JobKind(req.Kind)
	if !validKinds[kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid kind. Must be 'image', 'video' or 'batch'"})
		return
	}

	preq := processor.Request{
		Kind:       kind,
		Prompt:     req.Prompt,
		Parameters: req.Parameters,
		Workflow:   req.Workflow,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	}

	if c.Query("wait") == "true" {
		result := s.proc.SubmitAndMonitor(c.Request.Context(), preq)
		c.JSON(http.StatusOK, result)
		return
	}

	jobID := s.proc.SubmitAsync(s.baseCtx, preq)
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": model.StatusQueued})
}

// getJobHandler returns the job record plus its recovery and checkpoint
// summary, with live progress while the job is being monitored.
func (s *Server) getJobHandler(c *gin.Context) {
	view, ok := s.proc.GetStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, view)
}

// listJobsHandler returns jobs newest first, optionally filtered by status.
func (s *Server) listJobsHandler(c *gin.Context) {
	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var statuses []model.JobStatus
	if statusParam := c.Query("status"); statusParam != "" {
		status := model.JobStatus(statusParam)
		if !validStatuses[status] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job status"})
			return
		}
		statuses = append(statuses, status)
	}

	c.JSON(http.StatusOK, s.proc.List(limit, statuses...))
}

// retryFailedHandler requeues failed jobs that still have retry budget.
func (s *Server) retryFailedHandler(c *gin.Context) {
	type RetryRequest struct {
		MaxJobs int `json:"max_jobs"`
	}

	var req RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}

	requeued := s.proc.RetryFailed(s.baseCtx, req.MaxJobs)
	c.JSON(http.StatusOK, gin.H{"requeued": requeued, "count": len(requeued)})
}
