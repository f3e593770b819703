package controllers

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/sooti/nzbstream/internal/app"
	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/stream"
)

type StreamController struct {
	App *app.Context
}

// HandleStream serves a byte range of the media file behind a daemon job.
// Also answers HEAD so players can probe size and range support.
func (ctrl *StreamController) HandleStream(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "bad_request", Error: "missing job id"})
	}

	st, err := ctrl.App.Streamer.PrepareJob(c.Request().Context(), jobID, c.Request().Header.Get("Range"), sourceFromRequest(c))
	if err != nil {
		return writeError(c, err)
	}
	defer st.Close()

	return serveStream(c, st)
}

// HandlePersonal serves an already-finished file with no job behind it.
func (ctrl *StreamController) HandlePersonal(c *echo.Context) error {
	rel := c.Param("*")
	if rel == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "bad_request", Error: "missing file path"})
	}

	st, err := ctrl.App.Streamer.PreparePersonal(c.Request().Context(), rel, c.Request().Header.Get("Range"), sourceFromRequest(c))
	if err != nil {
		return writeError(c, err)
	}
	defer st.Close()

	return serveStream(c, st)
}

// HandlePoll reports job progress without serving bytes; frontends poll this
// while the stream endpoint answers 202.
func (ctrl *StreamController) HandlePoll(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "bad_request", Error: "missing job id"})
	}

	status, err := ctrl.App.Streamer.Status(c.Request().Context(), jobID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// HandleAdd submits an NZB URL to the daemon. Re-submitting a title that is
// already queued or in history returns the existing job instead.
func (ctrl *StreamController) HandleAdd(c *echo.Context) error {
	nzbURL := c.FormValue("url")
	title := c.FormValue("name")
	if nzbURL == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "bad_request", Error: "missing url"})
	}
	if title == "" {
		title = nzbURL
	}

	ctx := c.Request().Context()

	if existing, err := ctrl.App.Submitter.FindExisting(ctx, title); err == nil && existing != nil {
		return c.JSON(http.StatusOK, AddResponse{JobID: existing.ID, Existing: true})
	}

	if min := ctrl.App.Config.Daemon.MinFreeSpaceGB; min > 0 {
		free, err := ctrl.App.Submitter.FreeSpaceGB(ctx)
		if err == nil && free < min {
			return c.JSON(http.StatusInsufficientStorage, ErrorResponse{
				Code:  "insufficient_storage",
				Error: "not enough free disk space on the download volume",
			})
		}
	}

	jobID, err := ctrl.App.Submitter.Submit(ctx, nzbURL, title)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, AddResponse{JobID: jobID})
}

// sourceFromRequest collects the caller's per-session overrides: cleanup
// policy via query params, connection details via query params or headers.
// Returns nil when the request carries none, so defaults stay untouched.
func sourceFromRequest(c *echo.Context) *domain.SourceConfig {
	pick := func(param, header string) string {
		if v := c.QueryParam(param); v != "" {
			return v
		}
		return c.Request().Header.Get(header)
	}

	src := &domain.SourceConfig{
		DaemonURL:          pick("daemon_url", "X-Daemon-Url"),
		DaemonAPIKey:       pick("daemon_key", "X-Daemon-Key"),
		FileServerURL:      pick("fs_url", "X-File-Server-Url"),
		FileServerAPIKey:   pick("fs_key", "X-File-Server-Key"),
		DeleteOnStreamStop: isTrue(c.QueryParam("delete_on_stop")),
		AutoCleanOldFiles:  isTrue(c.QueryParam("auto_clean")),
	}
	if n, err := strconv.Atoi(c.QueryParam("clean_age_days")); err == nil && n > 0 {
		src.AutoCleanAgeDays = n
	}

	if *src == (domain.SourceConfig{}) {
		return nil
	}
	return src
}

func isTrue(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func serveStream(c *echo.Context, st *stream.Stream) error {
	h := c.Response().Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set(echo.HeaderContentType, contentTypeFor(st.Name))
	h.Set(echo.HeaderContentLength, strconv.FormatInt(st.ContentLength(), 10))

	status := http.StatusOK
	if st.Partial {
		h.Set("Content-Range", st.ContentRange())
		status = http.StatusPartialContent
	}

	if c.Request().Method == http.MethodHead {
		c.Response().WriteHeader(status)
		return nil
	}

	c.Response().WriteHeader(status)
	// Players drop and re-open connections constantly; a mid-copy error
	// after headers is not reportable anyway.
	_, _ = io.Copy(c.Response(), st.Body)
	return nil
}

func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// writeError translates the stream server's error contract into status
// codes. Retryable conditions carry a Retry-After so well-behaved clients
// back off instead of hammering.
func writeError(c *echo.Context, err error) error {
	var (
		status int
		code   string
		retry  int
	)

	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, fs.ErrNotExist):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNotYetLocatable):
		status, code, retry = http.StatusAccepted, "not_yet_locatable", 2
	case errors.Is(err, domain.ErrUnsupportedArchive):
		status, code = http.StatusBadRequest, "unsupported_archive"
	case errors.Is(err, domain.ErrSeekNotYetSafe):
		status, code, retry = http.StatusRequestedRangeNotSatisfiable, "seek_not_yet_safe", 5
	case errors.Is(err, domain.ErrRangeUnavailable):
		status, code, retry = http.StatusRequestedRangeNotSatisfiable, "range_unavailable", 2
	case errors.Is(err, domain.ErrInsufficientStorage):
		status, code = http.StatusInsufficientStorage, "insufficient_storage"
	case errors.Is(err, domain.ErrDownloadFailed):
		status, code = http.StatusGone, "download_failed"
	case errors.Is(err, domain.ErrDaemonUnavailable):
		status, code, retry = http.StatusServiceUnavailable, "daemon_unavailable", 5
	case errors.Is(err, domain.ErrDaemonRejected):
		status, code = http.StatusBadGateway, "daemon_rejected"
	case errors.Is(err, context.Canceled):
		// Client went away mid-wait; nothing to write.
		return nil
	default:
		status, code = http.StatusInternalServerError, "internal"
	}

	if retry > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
	}
	return c.JSON(status, ErrorResponse{Code: code, Error: err.Error()})
}
