package server

import (
	"time"

	"github.com/labstack/echo/v4"

	"statehub/internal/version"
)

var startTime = time.Now()

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status":  "ok",
		"uptime":  uptime,
		"version": version.Get(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	// Readiness is the root channel being able to answer; snapshot
	// stores open at startup, so reaching this handler means serving.
	if s.registry.Get("/") == nil {
		return c.JSON(503, map[string]string{"status": "unhealthy"})
	}
	return c.JSON(200, map[string]string{"status": "ready"})
}
