package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))

	r.GET("/health", s.healthHandler)
	r.GET("/online", s.onlineHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/jobs", s.submitJobHandler)
		v1.GET("/jobs", s.listJobsHandler)
		v1.GET("/jobs/:id", s.getJobHandler)
		v1.POST("/jobs/retry", s.retryFailedHandler)
		v1.GET("/statistics", s.statisticsHandler)
		v1.POST("/cleanup", s.cleanupHandler)
		v1.POST("/emergency-stop", s.emergencyStopHandler)
		v1.GET("/models", s.modelsHandler)
	}

	return r
}
