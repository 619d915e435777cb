package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"kiln/internal/assets"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// modelsHandler lists the checkpoints the backend can load. Lookups are
// cached and rate limited; a spent budget maps to 429 with a Retry-After
// hint.
func (s *Server) modelsHandler(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Model catalog is not configured"})
		return
	}

	models, err := s.catalog.Models(c.Request.Context())
	if err != nil {
		var limited *assets.RateLimitError
		if errors.As(err, &limited) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		log.Error().Msgf("Error fetching model catalog: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
}
