package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/sooti/nzbstream/internal/api/controllers"
	"github.com/sooti/nzbstream/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	streamCtrl := &controllers.StreamController{App: app}
	adminCtrl := &controllers.AdminController{App: app}

	// Streaming surface (players send both GET and HEAD)
	e.GET("/stream/:id", streamCtrl.HandleStream)
	e.HEAD("/stream/:id", streamCtrl.HandleStream)
	e.GET("/personal/*", streamCtrl.HandlePersonal)
	e.HEAD("/personal/*", streamCtrl.HandlePersonal)

	// Progress polling while the stream answers 202
	e.GET("/poll/:id", streamCtrl.HandlePoll)

	// NZB submission
	e.POST("/api/add", streamCtrl.HandleAdd)

	e.GET("/health", adminCtrl.HandleHealth)

	admin := e.Group("/admin", adminCtrl.RequireToken)
	admin.GET("/sessions", adminCtrl.HandleSessions)
	admin.POST("/sweep", adminCtrl.HandleSweep)
	admin.GET("/history", adminCtrl.HandleHistory)
}
