package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/craftlabs/craft/internal/queue"
)

// HandleQueueInspect serves the admin queue console: depth stats plus the
// parked failed/completed jobs.
func (s *Server) HandleQueueInspect(c *gin.Context) {
	view := strings.TrimSpace(c.DefaultQuery("view", "stats"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	switch view {
	case "stats":
		stats, err := s.queue.Stats(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": stats})
	case "failed":
		jobs, err := s.queue.Jobs(c.Request.Context(), queue.StateFailed, limit)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	case "completed":
		jobs, err := s.queue.Jobs(c.Request.Context(), queue.StateCompleted, limit)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	default:
		AbortWithError(c, ErrInvalidRequest)
	}
}

type queueActionRequest struct {
	Action          string `json:"action" binding:"required"`
	JobID           string `json:"job_id"`
	GracePeriodDays int    `json:"grace_period_days"`
}

func (s *Server) HandleQueueAction(c *gin.Context) {
	var req queueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	switch req.Action {
	case "retry":
		if req.JobID == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		if err := s.queue.Retry(ctx, req.JobID); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "requeued", "job_id": req.JobID})
	case "retry_all":
		retried, err := s.queue.RetryAllFailed(ctx)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "requeued", "count": retried})
	case "cleanup":
		// With an explicit grace the cleanup runs inline; without one it
		// goes through the scheduler job and its configured default.
		if req.GracePeriodDays > 0 {
			events, err := s.webhooks.CleanupCompleted(ctx, req.GracePeriodDays)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			cutoff := s.clock.Now().AddDate(0, 0, -req.GracePeriodDays)
			jobs, err := s.queue.Cleanup(ctx, cutoff)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "cleaned", "summary": gin.H{
				"events_removed": events,
				"jobs_removed":   jobs,
			}})
			return
		}
		summary, err := s.scheduler.RunJob(ctx, "webhook-cleanup")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleaned", "summary": summary})
	default:
		AbortWithError(c, ErrInvalidRequest)
	}
}
