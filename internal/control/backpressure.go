// Package control runs the coordinator's background loops: download pacing
// against playback position, and session/file lifecycle sweeps.
package control

import (
	"context"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/fileserver"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/session"
)

// Daemon is the slice of the download daemon client the control loops need.
type Daemon interface {
	GetStatus(ctx context.Context, jobID string) (*domain.JobDescriptor, error)
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string, deleteFiles bool) (bool, error)
	ListQueue(ctx context.Context) ([]*domain.JobDescriptor, error)
}

// RemoteFiles is the listing/delete surface of the archive-transparency
// service used by the cleanup sweeps.
type RemoteFiles interface {
	List(ctx context.Context) ([]fileserver.Entry, error)
	Delete(ctx context.Context, path string) error
}

// Backpressure pauses a job's download once it is effectively complete on
// the wire, and resumes it when the viewer's playback position closes in on
// the downloaded portion. One instance covers all sessions.
type Backpressure struct {
	daemon   Daemon
	registry *session.Registry
	cfg      *config.Config
	log      *logger.Logger

	// Dial builds a daemon client for a session that supplied its own
	// connection details. Nil means overrides are ignored.
	Dial func(src domain.SourceConfig) Daemon
}

func NewBackpressure(daemon Daemon, reg *session.Registry, cfg *config.Config, log *logger.Logger) *Backpressure {
	return &Backpressure{
		daemon:   daemon,
		registry: reg,
		cfg:      cfg,
		log:      log.WithPrefix("backpressure"),
	}
}

// Run ticks until the context is cancelled. Each tick visits every job
// session; a failure on one session never blocks the others.
func (b *Backpressure) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Stream.BackpressurePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick applies the pause/resume rules to every live job session once.
func (b *Backpressure) Tick(ctx context.Context) {
	b.registry.ForEach(func(sess *domain.StreamSession) {
		if sess.IsPersonal {
			return
		}
		if err := b.adjust(ctx, sess.Key, b.daemonFor(sess)); err != nil {
			b.log.Warn("pacing %s: %v", sess.Key, err)
		}
	})
}

func (b *Backpressure) daemonFor(sess *domain.StreamSession) Daemon {
	if b.Dial != nil && sess.Source.HasDaemonOverride() {
		return b.Dial(sess.Source)
	}
	return b.daemon
}

func (b *Backpressure) adjust(ctx context.Context, jobID string, daemon Daemon) error {
	desc, err := daemon.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if desc == nil || !desc.Active() {
		// Finished or vanished; the cleanup sweep owns this session now.
		return nil
	}

	var (
		paused   bool
		playback float64
	)
	if !b.registry.Update(jobID, func(sess *domain.StreamSession) {
		sess.LastDownloadPercent = desc.Percent
		paused = sess.Paused
		playback = sess.PlaybackFraction() * 100
	}) {
		// Session swept between the tick snapshot and now. Pausing here
		// would strand the job: nothing would be left to resume it.
		return nil
	}

	switch {
	case !paused && b.shouldPause(desc):
		if err := daemon.Pause(ctx, jobID); err != nil {
			return err
		}
		b.registry.Update(jobID, func(sess *domain.StreamSession) { sess.Paused = true })
		b.log.Info("paused %s at %.1f%%, all article bytes fetched", jobID, desc.Percent)

	case paused && b.shouldResume(desc.Percent, playback):
		if err := daemon.Resume(ctx, jobID); err != nil {
			return err
		}
		b.registry.Update(jobID, func(sess *domain.StreamSession) { sess.Paused = false })
		b.log.Info("resumed %s, playback at %.1f%% of %.1f%% downloaded", jobID, playback, desc.Percent)
	}
	return nil
}

// shouldPause holds when the download has crossed the pause threshold with
// nothing left to fetch. The percent check alone is not enough: repair can
// report 99%+ while whole articles are still missing.
func (b *Backpressure) shouldPause(desc *domain.JobDescriptor) bool {
	return desc.Percent >= b.cfg.Stream.PauseThresholdPct && desc.MissingBytes() == 0
}

// shouldResume holds when the viewer's position is within the configured
// buffer of the downloaded frontier.
func (b *Backpressure) shouldResume(downloadPct, playbackPct float64) bool {
	return playbackPct >= downloadPct-b.cfg.Stream.ResumeBufferPct
}
