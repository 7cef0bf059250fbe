// Package server exposes the hub over HTTP: the JSON control API and the
// per-channel websocket endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"statehub/internal/access"
	"statehub/internal/config"
	"statehub/internal/hub"
)

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	registry *hub.Registry
	gate     *access.Gate
}

func NewServer(cfg *config.Config, registry *hub.Registry, gate *access.Gate) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:     e,
		config:   cfg,
		registry: registry,
		gate:     gate,
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("server starting", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
