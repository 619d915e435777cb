package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// healthHandler reports the backend connection plus whichever optional
// collaborators are wired. Only a dead backend makes the engine unavailable;
// the rest degrade.
func (s *Server) healthHandler(c *gin.Context) {
	backendUp := s.backend.Health()

	res := gin.H{"backend": backendUp}
	if s.probes.DB != nil {
		res["database"] = s.probes.DB.Health() == nil
	}
	if s.probes.Cache != nil {
		res["cache"] = s.probes.Cache.Ping(c.Request.Context()) == nil
	}
	if s.probes.Broker != nil {
		res["broker"] = s.probes.Broker.Health() == nil
	}
	if s.probes.Mirror != nil {
		res["mirror"] = s.probes.Mirror.TestConnection(c.Request.Context()) == nil
	}

	if !backendUp {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) onlineHandler(c *gin.Context) {
	c.String(http.StatusOK, "ONLINE")
}
