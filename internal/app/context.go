package app

import (
	"context"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/session"
	"github.com/sooti/nzbstream/internal/store"
	"github.com/sooti/nzbstream/internal/stream"
)

type Streamer interface {
	// This allows the controllers to serve ranges without importing the
	// stream server's dependencies
	PrepareJob(ctx context.Context, jobID, rangeHeader string, src *domain.SourceConfig) (*stream.Stream, error)
	PreparePersonal(ctx context.Context, relPath, rangeHeader string, src *domain.SourceConfig) (*stream.Stream, error)
	Status(ctx context.Context, jobID string) (*stream.PollStatus, error)
}

type Submitter interface {
	// This allows the add endpoint to talk to the daemon without importing
	// the sabnzbd client
	Submit(ctx context.Context, nzbURL, title string) (string, error)
	FindExisting(ctx context.Context, title string) (*domain.JobDescriptor, error)
	FreeSpaceGB(ctx context.Context) (float64, error)
}

type Sweeper interface {
	SweepInactive(ctx context.Context)
	SweepRetention(ctx context.Context)
}

type History interface {
	RecentStreams(ctx context.Context, limit int) ([]store.StreamRecord, error)
}

// Context holds the core environment and shared resources for nzbstream.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	// High-level interfaces for controllers to use
	Streamer  Streamer
	Submitter Submitter
	Sweeper   Sweeper
	History   History

	Sessions *session.Registry
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
