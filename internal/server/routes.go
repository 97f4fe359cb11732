package server

import (
	"net/http"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/core/domain"

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
	e.GET("/devices", s.DevicesHandler)
	e.POST("/rescan", s.RescanHandler)

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

type meterView struct {
	Ident           string   `json:"ident"`
	Model           string   `json:"model"`
	ProductName     string   `json:"product_name"`
	Serial          string   `json:"serial"`
	URL             string   `json:"url"`
	Unit            uint8    `json:"unit"`
	HardwareVersion string   `json:"hardware_version"`
	FirmwareVersion string   `json:"firmware_version"`
	PhaseConfig     string   `json:"phase_config"`
	State           string   `json:"state"`
	Paths           []string `json:"paths"`
	WritablePaths   []string `json:"writable_paths"`
}

func (s *Server) DevicesHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetMetersInfoRequest{}, 10*time.Second).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetMetersInfoResponse)
	if !ok || response.HasResponseError() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "meters unavailable")
	}
	views := make([]meterView, 0, len(response.Meters))
	for _, m := range response.Meters {
		views = append(views, meterView{
			Ident:           m.Ident,
			Model:           m.Model,
			ProductName:     m.ProductName,
			Serial:          m.Serial,
			URL:             m.URL,
			Unit:            m.Unit,
			HardwareVersion: m.HardwareVersion,
			FirmwareVersion: m.FirmwareVersion,
			PhaseConfig:     m.PhaseConfig,
			State:           m.State,
			Paths:           m.Paths,
			WritablePaths:   m.WritablePaths,
		})
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) RescanHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.RescanRequest{}, 15*time.Minute).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.RescanResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if response.HasResponseError() {
		return echo.NewHTTPError(http.StatusConflict, response.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"found": response.Found})
}
