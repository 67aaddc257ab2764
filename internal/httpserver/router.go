package httpserver

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/chemtutor/internal/middleware"
)

// newRouter creates a configured Echo instance: recover, request ids,
// request logging through the charm logger, CORS, and optional auth.
func newRouter(logger *log.Logger, authToken func() string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			l := logger.With("method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "id", v.RequestID)
			if v.Error != nil {
				l.Warn("request", "err", v.Error)
				return nil
			}
			l.Info("request")
			return nil
		},
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
		ExposeHeaders: []string{"X-Molecule-Source", "X-Molecule-Smiles", echo.HeaderXRequestID},
	}))
	if authToken == nil {
		authToken = func() string { return "" }
	}
	e.Use(middleware.Auth(authToken))
	return e
}
