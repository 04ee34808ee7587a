package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandleCronJob triggers one scheduled job on demand. Hosted cron services
// hit these endpoints on their own schedule; the per-job lock keeps
// overlapping triggers single-flight.
func (s *Server) HandleCronJob(c *gin.Context) {
	name := strings.TrimSpace(c.Param("job"))

	summary, err := s.scheduler.RunJob(c.Request.Context(), name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":     name,
		"summary": summary,
	})
}
