package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func (s *Server) statisticsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.proc.Statistics())
}

// cleanupHandler sweeps terminal jobs and their checkpoints. An explicit
// older_than_hours of zero sweeps every terminal job; an omitted body falls
// back to the configured retention window.
func (s *Server) cleanupHandler(c *gin.Context) {
	type CleanupRequest struct {
		OlderThanHours *int `json:"older_than_hours"`
	}

	var req CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}

	hours := s.config.Engine.RetentionHours
	if req.OlderThanHours != nil {
		if *req.OlderThanHours < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than_hours must not be negative"})
			return
		}
		hours = *req.OlderThanHours
	}

	jobsRemoved, checkpointsRemoved := s.proc.Cleanup(c.Request.Context(), time.Duration(hours)*time.Hour)
	c.JSON(http.StatusOK, gin.H{
		"jobs_removed":        jobsRemoved,
		"checkpoints_removed": checkpointsRemoved,
	})
}

func (s *Server) emergencyStopHandler(c *gin.Context) {
	report := s.proc.EmergencyStop(c.Request.Context())

	log.Warn().
		Bool("queueCleared", report.QueueCleared).
		Int("cancelled", len(report.CancelledJobs)).
		Msg("Emergency stop requested over HTTP")

	c.JSON(http.StatusOK, report)
}
