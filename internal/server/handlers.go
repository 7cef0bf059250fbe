package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"statehub/internal/hub"
	"statehub/internal/metrics"
)

// reservedNames are route suffixes a channel name must not collide with.
var reservedNames = map[string]struct{}{
	"create": {}, "update": {}, "delete": {}, "infos": {}, "timeline": {},
	"channels": {}, "clear": {}, "load": {}, "securityreload": {},
}

const accessDeniedBody = "get out of my lawn"

// endpointParam maps the :channel path segment onto the registry key.
func endpointParam(c echo.Context) string {
	return "/" + c.Param("channel")
}

func (s *Server) channelOr404(c echo.Context) (*hub.Channel, error) {
	ch := s.registry.Get(endpointParam(c))
	if ch == nil {
		return nil, c.String(http.StatusNotFound, "channel not found")
	}
	return ch, nil
}

func (s *Server) handleChannels(c echo.Context) error {
	channels := s.registry.List()
	out := make([]hub.Descriptor, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.Describe())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSecurityReload(c echo.Context) error {
	if err := s.gate.Reload(); err != nil {
		slog.Error("security reload failed", "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, true)
}

func (s *Server) handleCreate(c echo.Context) error {
	name := c.Param("channel")
	if _, reserved := reservedNames[name]; reserved {
		return c.String(http.StatusBadRequest, "reserved channel name")
	}
	endpoint := endpointParam(c)
	if !s.gate.CanWrite(endpoint, c.QueryParam("key")) {
		metrics.AccessDenied.WithLabelValues(endpoint).Inc()
		return c.String(http.StatusUnauthorized, accessDeniedBody)
	}

	displayName := c.QueryParam("name")
	if displayName == "" {
		displayName = name
	}
	ch, err := s.registry.Create(endpoint, displayName, c.QueryParam("description"))
	if err != nil {
		slog.Error("channel creation failed", "channel", endpoint, "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, ch.Describe())
}

func (s *Server) handleDelete(c echo.Context) error {
	endpoint := endpointParam(c)
	if endpoint == hub.RootEndpoint {
		return c.String(http.StatusBadRequest, "the root channel cannot be deleted")
	}
	if !s.gate.CanWrite(endpoint, c.QueryParam("key")) {
		metrics.AccessDenied.WithLabelValues(endpoint).Inc()
		return c.String(http.StatusUnauthorized, accessDeniedBody)
	}
	return c.JSON(http.StatusOK, s.registry.Delete(endpoint))
}

func (s *Server) handleInfos(c echo.Context) error {
	ch, err := s.channelOr404(c)
	if ch == nil {
		return err
	}
	if !s.gate.CanRead(ch.Endpoint(), c.QueryParam("key")) {
		metrics.AccessDenied.WithLabelValues(ch.Endpoint()).Inc()
		return c.String(http.StatusUnauthorized, accessDeniedBody)
	}

	var at *int64
	if raw := c.QueryParam("timestamp"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.String(http.StatusBadRequest, "unable to parse the timestamp")
		}
		at = &ts
	}

	infos, err := ch.Infos(at)
	if errors.Is(err, hub.ErrNoSnapshot) {
		return c.String(http.StatusNotFound, "no snapshot found")
	}
	if err != nil {
		slog.Error("infos failed", "channel", ch.Endpoint(), "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}

	if stats, err := ch.SnapshotStats(); err == nil && stats != nil {
		infos["snapshots"] = stats
	}
	return c.JSON(http.StatusOK, infos)
}

func (s *Server) handleTimeline(c echo.Context) error {
	ch, err := s.channelOr404(c)
	if ch == nil {
		return err
	}
	if !s.gate.CanRead(ch.Endpoint(), c.QueryParam("key")) {
		metrics.AccessDenied.WithLabelValues(ch.Endpoint()).Inc()
		return c.String(http.StatusUnauthorized, accessDeniedBody)
	}

	precision := int64(1)
	if raw := c.QueryParam("precision"); raw != "" {
		p, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || p < 1 {
			return c.String(http.StatusBadRequest, "unable to parse the precision")
		}
		precision = p
	}

	points, err := ch.History(precision)
	if err != nil {
		slog.Error("timeline failed", "channel", ch.Endpoint(), "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, points)
}

func (s *Server) handleClear(c echo.Context) error {
	ch, err := s.channelOr404(c)
	if ch == nil {
		return err
	}
	if !s.gate.CanWrite(ch.Endpoint(), c.QueryParam("key")) {
		metrics.AccessDenied.WithLabelValues(ch.Endpoint()).Inc()
		return c.String(http.StatusUnauthorized, accessDeniedBody)
	}
	ch.Clear()
	return c.JSON(http.StatusOK, true)
}

func (s *Server) handleLoad(c echo.Context) error {
	ch, err := s.channelOr404(c)
	if ch == nil {
		return err
	}
	if !s.gate.CanWrite(ch.Endpoint(), c.QueryParam("key")) {
		metrics.AccessDenied.WithLabelValues(ch.Endpoint()).Inc()
		return c.String(http.StatusUnauthorized, accessDeniedBody)
	}

	ts, perr := strconv.ParseInt(c.Param("timestamp"), 10, 64)
	if perr != nil {
		return c.String(http.StatusBadRequest, "unable to parse the timestamp")
	}

	switch err := ch.LoadHistorical(ts); {
	case errors.Is(err, hub.ErrNoSnapshot):
		return c.String(http.StatusNotFound, "no snapshot found")
	case err != nil:
		slog.Error("historical load failed", "channel", ch.Endpoint(), "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	default:
		return c.JSON(http.StatusOK, true)
	}
}
