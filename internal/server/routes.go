package server

import (
	"net/http"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.POST("/validate/state", s.ValidateStateHandler)
	e.POST("/validate/modbus", s.ValidateModbusHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

// ValidateStateHandler proxies the operator sanity check to the backend.
func (s *Server) ValidateStateHandler(c echo.Context) error {
	res, err := s.bootstrap.ValidateState(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "errors": []string{err.Error()}})
	}
	return c.JSON(http.StatusOK, res)
}

// ValidateModbusHandler re-commissions every battery (or only the one named by
// the consus_id query parameter) and asks the backend to verify the field-bus
// records.
func (s *Server) ValidateModbusHandler(c echo.Context) error {
	consusID := c.QueryParam("consus_id")
	_, err := s.rootContext.RequestFuture(s.masterActor, domain.ValidateModbusRequest{ConsusID: consusID}, 5*time.Second).Result()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "errors": []string{err.Error()}})
	}
	res, err := s.bootstrap.ValidateModbus(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "errors": []string{err.Error()}})
	}
	return c.JSON(http.StatusOK, res)
}
