package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Unmatched paths answer with the same text body as channel lookups
	s.echo.RouteNotFound("/*", func(c echo.Context) error {
		return c.String(http.StatusNotFound, "channel not found")
	})

	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Registry-level operations
	s.echo.GET("/channels", s.handleChannels)
	s.echo.GET("/securityreload", s.handleSecurityReload)

	// Root channel socket
	s.echo.GET("/", s.handleRoot)

	// Per-channel operations; the bare channel path is its socket
	s.echo.GET("/:channel", s.handleChannel)
	s.echo.GET("/:channel/create", s.handleCreate)
	s.echo.GET("/:channel/delete", s.handleDelete)
	s.echo.GET("/:channel/infos", s.handleInfos)
	s.echo.GET("/:channel/timeline", s.handleTimeline)
	s.echo.GET("/:channel/clear", s.handleClear)
	s.echo.GET("/:channel/load/:timestamp", s.handleLoad)
}
