package controllers

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/sooti/nzbstream/internal/app"
	"github.com/sooti/nzbstream/internal/domain"
)

type AdminController struct {
	App *app.Context
}

// HandleHealth is unauthenticated; container orchestration probes it.
func (ctrl *AdminController) HandleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: ctrl.App.Sessions.Len(),
	})
}

// HandleSessions lists the live session table.
func (ctrl *AdminController) HandleSessions(c *echo.Context) error {
	sessions := ctrl.App.Sessions.Snapshot()

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView(s))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].LastAccess.After(views[j].LastAccess)
	})

	return c.JSON(http.StatusOK, SessionsResponse{Count: len(views), Sessions: views})
}

// HandleSweep forces the inactivity and retention sweeps to run now.
func (ctrl *AdminController) HandleSweep(c *echo.Context) error {
	ctx := c.Request().Context()
	before := ctrl.App.Sessions.Len()

	ctrl.App.Sweeper.SweepInactive(ctx)
	ctrl.App.Sweeper.SweepRetention(ctx)

	return c.JSON(http.StatusOK, map[string]int{
		"sessionsBefore": before,
		"sessionsAfter":  ctrl.App.Sessions.Len(),
	})
}

// HandleHistory returns recently finished sessions from the store.
func (ctrl *AdminController) HandleHistory(c *echo.Context) error {
	if ctrl.App.History == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: "history_disabled", Error: "stream history store is not configured"})
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	records, err := ctrl.App.History.RecentStreams(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "internal", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

// RequireToken gates the admin routes. An empty configured token disables
// them outright rather than leaving them open.
func (ctrl *AdminController) RequireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		token := ctrl.App.Config.Admin.Token
		if token == "" {
			return c.JSON(http.StatusForbidden, ErrorResponse{Code: "admin_disabled", Error: "admin token not configured"})
		}

		got := c.Request().Header.Get("X-Admin-Token")
		if got == "" {
			if auth := c.Request().Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				got = auth[7:]
			}
		}
		if got == "" {
			got = c.QueryParam("token")
		}

		if got != token {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Code: "unauthorized", Error: "bad admin token"})
		}
		return next(c)
	}
}

func sessionView(s *domain.StreamSession) SessionView {
	return SessionView{
		Key:                 s.Key,
		InstanceID:          s.InstanceID,
		Personal:            s.IsPersonal,
		CreatedAt:           s.CreatedAt,
		LastAccess:          s.LastAccess,
		StreamCount:         s.StreamCount,
		ActiveConnections:   s.ActiveConnections,
		EstimatedFinalSize:  s.EstimatedFinalSize,
		LastPlaybackByte:    s.LastPlaybackByte,
		LastDownloadPercent: s.LastDownloadPercent,
		Paused:              s.Paused,
		CompletionPercent:   s.CompletionPercent,
	}
}
