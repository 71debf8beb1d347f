package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nkamura/llm-gateway/internal/server/middleware"
	v1 "github.com/nkamura/llm-gateway/internal/server/v1"
	"github.com/nkamura/llm-gateway/web"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.ProblemHandler(s.logger))

	if s.config.Tracing.Enabled {
		s.router.Use(middleware.Tracing("llm-gateway"))
	}

	// Debug UI
	s.router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexPage())
	})

	healthHandler := v1.NewHealthHandler()
	s.router.GET("/health", healthHandler.Health)

	api := s.router.Group("/v1")
	if s.config.RateLimit.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(
			s.config.RateLimit.RequestsPerSecond,
			s.config.RateLimit.Burst,
			s.logger,
		)
		api.Use(limiter.Middleware())
	}
	{
		chatHandler := v1.NewChatHandler(s.service, s.logger)
		api.POST("/chat/completions", chatHandler.CreateCompletion)

		modelHandler := v1.NewModelHandler(s.service)
		api.GET("/models", modelHandler.ListModels)
	}
}
