package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/sooti/nzbstream/internal/api"
	"github.com/sooti/nzbstream/internal/app"
	"github.com/sooti/nzbstream/internal/control"
	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/fileserver"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/locator"
	"github.com/sooti/nzbstream/internal/sabnzbd"
	"github.com/sooti/nzbstream/internal/session"
	"github.com/sooti/nzbstream/internal/store"
	"github.com/sooti/nzbstream/internal/stream"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "nzbstream",
		Short: "Progressive streaming coordinator for SABnzbd-style downloaders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the streaming coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer log.Close()

	daemon := sabnzbd.New(cfg.Daemon.URL, cfg.Daemon.APIKey, cfg.Paths.IncompleteDir)

	// The transparency service is optional; without it the locator scans the
	// local directories instead.
	var remoteFS *fileserver.Client
	var lister locator.FileLister
	var streamRemote stream.RemoteFiles
	var controlRemote control.RemoteFiles
	if cfg.FileServer.URL != "" {
		remoteFS = fileserver.New(cfg.FileServer.URL, cfg.FileServer.APIKey)
		lister = remoteFS
		streamRemote = remoteFS
		controlRemote = remoteFS
		log.Info("using archive transparency service at %s", cfg.FileServer.URL)
	}

	loc := locator.New(lister, cfg.Paths.UnpackDir, cfg.Paths.IncompleteDir, cfg.Paths.CompleteDir, log)
	registry := session.NewRegistry()

	var history *store.Store
	var recorder control.HistoryRecorder
	if cfg.Store.SQLitePath != "" {
		history, err = store.Open(cfg.Store.SQLitePath, log)
		if err != nil {
			log.Warn("stream history disabled: %v", err)
		} else {
			recorder = history
			defer history.Close()
		}
	}

	streamer := stream.NewServer(daemon, loc, streamRemote, registry, cfg, log)
	backpressure := control.NewBackpressure(daemon, registry, cfg, log)
	cleanup := control.NewCleanup(daemon, controlRemote, registry, recorder, cfg, log)

	// Sessions may carry their own daemon or file-server connection details;
	// these hooks build the matching clients on demand.
	dialDaemon := func(src domain.SourceConfig) *sabnzbd.Client {
		return sabnzbd.New(src.DaemonURL, src.DaemonAPIKey, cfg.Paths.IncompleteDir)
	}
	dialFileServer := func(src domain.SourceConfig) *fileserver.Client {
		return fileserver.New(src.FileServerURL, src.FileServerAPIKey)
	}
	streamer.Dial = func(src domain.SourceConfig) (stream.Daemon, stream.Locator, stream.RemoteFiles) {
		var d stream.Daemon
		var l stream.Locator
		var r stream.RemoteFiles
		if src.HasDaemonOverride() {
			d = dialDaemon(src)
		}
		if src.HasFileServerOverride() {
			fs := dialFileServer(src)
			r = fs
			l = locator.New(fs, cfg.Paths.UnpackDir, cfg.Paths.IncompleteDir, cfg.Paths.CompleteDir, log)
		}
		return d, l, r
	}
	backpressure.Dial = func(src domain.SourceConfig) control.Daemon { return dialDaemon(src) }
	cleanup.Dial = func(src domain.SourceConfig) control.Daemon { return dialDaemon(src) }
	cleanup.DialRemote = func(src domain.SourceConfig) control.RemoteFiles { return dialFileServer(src) }

	appCtx := app.NewContext(cfg, log)
	appCtx.Streamer = streamer
	appCtx.Submitter = daemon
	appCtx.Sweeper = cleanup
	appCtx.Sessions = registry
	if history != nil {
		appCtx.History = history
	}

	go backpressure.Run(ctx)
	go cleanup.Run(ctx)

	e := echo.New()
	api.RegisterRoutes(e, appCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
		// Streams run for hours; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("nzbstream listening on :%s", cfg.Port)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	return nil
}
