package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/session"
	"github.com/sooti/nzbstream/internal/store"
)

// HistoryRecorder receives finished sessions. Satisfied by *store.Store; nil
// disables history.
type HistoryRecorder interface {
	RecordFinished(ctx context.Context, rec store.StreamRecord) error
}

// Cleanup owns the lifecycle sweeps: expiring inactive sessions (and the
// daemon jobs or files behind them), age-based retention of finished remote
// files, and the one-shot recovery of jobs left paused by a previous run.
type Cleanup struct {
	daemon   Daemon
	remote   RemoteFiles // nil without a transparency service
	registry *session.Registry
	history  HistoryRecorder
	cfg      *config.Config
	log      *logger.Logger

	// Dial hooks build clients for sessions that supplied their own
	// connection details. Nil hooks mean overrides are ignored.
	Dial       func(src domain.SourceConfig) Daemon
	DialRemote func(src domain.SourceConfig) RemoteFiles
}

func NewCleanup(daemon Daemon, remote RemoteFiles, reg *session.Registry, history HistoryRecorder, cfg *config.Config, log *logger.Logger) *Cleanup {
	return &Cleanup{
		daemon:   daemon,
		remote:   remote,
		registry: reg,
		history:  history,
		cfg:      cfg,
		log:      log.WithPrefix("cleanup"),
	}
}

// Run drives the sweeps until the context is cancelled. Orphan recovery and
// the first retention pass wait out the startup delay so a daemon booting
// alongside us is reachable by then.
func (c *Cleanup) Run(ctx context.Context) {
	sweep := time.NewTicker(c.cfg.Cleanup.SweepPeriod)
	defer sweep.Stop()

	retention := time.NewTicker(c.cfg.Cleanup.RetentionSweepPeriod)
	defer retention.Stop()

	startup := time.After(c.cfg.Cleanup.StartupDelay)

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup:
			c.RecoverOrphans(ctx)
			c.SweepRetention(ctx)
		case <-sweep.C:
			c.SweepInactive(ctx)
		case <-retention.C:
			c.SweepRetention(ctx)
		}
	}
}

// SweepInactive expires sessions nobody is streaming from. Per-session
// failures are logged and skipped; one bad job must not wedge the sweep.
func (c *Cleanup) SweepInactive(ctx context.Context) {
	now := time.Now()

	c.registry.ForEach(func(sess *domain.StreamSession) {
		if sess.ActiveConnections > 0 {
			return
		}

		if sess.IsPersonal {
			c.sweepPersonal(ctx, sess, now)
			return
		}

		if now.Sub(sess.LastAccess) < c.cfg.Cleanup.InactivityTimeout {
			return
		}
		c.expireJobSession(ctx, sess)
	})
}

func (c *Cleanup) sweepPersonal(ctx context.Context, sess *domain.StreamSession, now time.Time) {
	idle := now.Sub(sess.LastAccess)

	watched := sess.CompletionPercent >= c.cfg.Cleanup.WatchedThresholdPct
	if watched && idle >= c.cfg.Cleanup.FinishGrace && c.deleteOnStop(sess) {
		path := strings.TrimPrefix(sess.Key, domain.PersonalKeyPrefix)
		c.log.Info("personal file %s watched to %.1f%%, deleting", path, sess.CompletionPercent)
		if err := c.deletePersonalFile(ctx, path, c.remoteFor(sess)); err != nil {
			c.log.Error("delete watched file %s: %v", path, err)
			return
		}
		c.finishSession(ctx, sess)
		return
	}

	if idle >= c.cfg.Cleanup.InactivityTimeout {
		c.finishSession(ctx, sess)
	}
}

func (c *Cleanup) expireJobSession(ctx context.Context, sess *domain.StreamSession) {
	jobID := sess.Key
	daemon := c.daemonFor(sess)

	desc, err := daemon.GetStatus(ctx, jobID)
	if err != nil {
		// Unreachable daemon: leave the session for the next sweep.
		c.log.Warn("status for idle job %s: %v", jobID, err)
		return
	}

	// Only a download still in flight is cancelled. A completed (or
	// vanished) job keeps its files; the age retention sweep owns those.
	if desc != nil && desc.Active() {
		if c.deleteOnStop(sess) {
			c.log.Info("session %s idle, deleting job and files", jobID)
			if _, err := daemon.Delete(ctx, jobID, true); err != nil {
				c.log.Error("delete idle job %s: %v", jobID, err)
				return
			}
		} else if sess.Paused {
			// Never abandon a job parked on a viewer's behalf.
			c.log.Info("session %s idle, resuming paused job", jobID)
			if err := daemon.Resume(ctx, jobID); err != nil {
				c.log.Error("resume idle job %s: %v", jobID, err)
				return
			}
		}
	}

	c.finishSession(ctx, sess)
}

// finishSession removes the session and appends it to history.
func (c *Cleanup) finishSession(ctx context.Context, sess *domain.StreamSession) {
	if !c.registry.Delete(sess.Key) {
		return
	}

	if c.history == nil {
		return
	}
	rec := store.StreamRecord{
		SessionKey:      sess.Key,
		InstanceID:      sess.InstanceID,
		Name:            strings.TrimPrefix(sess.Key, domain.PersonalKeyPrefix),
		Personal:        sess.IsPersonal,
		StartedAt:       sess.CreatedAt,
		EndedAt:         sess.LastAccess,
		StreamCount:     sess.StreamCount,
		MaxPlaybackByte: sess.LastPlaybackByte,
		EstimatedSize:   sess.EstimatedFinalSize,
		CompletionPct:   sess.CompletionPercent,
	}
	if err := c.history.RecordFinished(ctx, rec); err != nil {
		c.log.Warn("record history for %s: %v", sess.Key, err)
	}
}

func (c *Cleanup) deletePersonalFile(ctx context.Context, relPath string, remote RemoteFiles) error {
	if remote != nil {
		return remote.Delete(ctx, relPath)
	}
	local := filepath.Join(c.cfg.Paths.CompleteDir, filepath.FromSlash(relPath))
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cleanup) daemonFor(sess *domain.StreamSession) Daemon {
	if c.Dial != nil && sess.Source.HasDaemonOverride() {
		return c.Dial(sess.Source)
	}
	return c.daemon
}

func (c *Cleanup) remoteFor(sess *domain.StreamSession) RemoteFiles {
	if c.DialRemote != nil && sess.Source.HasFileServerOverride() {
		return c.DialRemote(sess.Source)
	}
	return c.remote
}

// deleteOnStop resolves the per-session policy, falling back to the global
// default.
func (c *Cleanup) deleteOnStop(sess *domain.StreamSession) bool {
	return sess.Source.DeleteOnStreamStop || c.cfg.Cleanup.DeleteOnStreamStop
}

// SweepRetention deletes finished remote files past the retention age.
// Incomplete files are never retention targets regardless of age.
func (c *Cleanup) SweepRetention(ctx context.Context) {
	if c.remote == nil {
		return
	}

	threshold := c.retentionThreshold()
	if threshold <= 0 {
		return
	}

	entries, err := c.remote.List(ctx)
	if err != nil {
		c.log.Warn("retention listing: %v", err)
		return
	}

	cutoff := time.Now().Add(-threshold)
	for _, e := range entries {
		if !e.IsComplete {
			continue
		}
		modified := time.Unix(int64(e.Modified), 0)
		if modified.After(cutoff) {
			continue
		}
		c.log.Info("retention: deleting %s (finished %s)", e.Path, modified.Format(time.RFC3339))
		if err := c.remote.Delete(ctx, e.Path); err != nil {
			c.log.Error("retention delete %s: %v", e.Path, err)
		}
	}
}

// retentionThreshold is the global retention period when auto-clean is on,
// tightened by any live session that asked for a shorter per-source age.
func (c *Cleanup) retentionThreshold() time.Duration {
	var threshold time.Duration
	if c.cfg.Cleanup.AutoCleanOldFiles {
		threshold = c.cfg.Cleanup.RetentionPeriod
	}

	c.registry.ForEach(func(sess *domain.StreamSession) {
		if !sess.Source.AutoCleanOldFiles || sess.Source.AutoCleanAgeDays <= 0 {
			return
		}
		d := time.Duration(sess.Source.AutoCleanAgeDays) * 24 * time.Hour
		if threshold == 0 || d < threshold {
			threshold = d
		}
	})
	return threshold
}

// RecoverOrphans resumes queue jobs a previous run paused and then forgot.
// After a restart the registry is empty, so any paused job with no session
// is ours to unpark. Runs once per process.
func (c *Cleanup) RecoverOrphans(ctx context.Context) {
	jobs, err := c.daemon.ListQueue(ctx)
	if err != nil {
		c.log.Warn("orphan recovery listing: %v", err)
		return
	}

	for _, job := range jobs {
		if job.Status != domain.StatusPaused {
			continue
		}
		if _, ok := c.registry.Get(job.ID); ok {
			continue
		}
		c.log.Info("resuming orphaned paused job %s (%s)", job.ID, job.Name)
		if err := c.daemon.Resume(ctx, job.ID); err != nil {
			c.log.Error("resume orphan %s: %v", job.ID, err)
		}
	}
}
