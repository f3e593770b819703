package domain

import "time"

// SourceConfig carries the per-user connection details and cleanup policy a
// caller supplies with each request. It is never persisted by the coordinator.
type SourceConfig struct {
	DaemonURL    string
	DaemonAPIKey string

	// Optional archive-transparency file service. Empty URL means the
	// locator falls back to the local filesystem.
	FileServerURL    string
	FileServerAPIKey string

	DeleteOnStreamStop bool
	AutoCleanOldFiles  bool
	AutoCleanAgeDays   int
}

// Merge folds the set fields of o into c. Booleans only merge upward: a
// request can opt into a policy but not silently revoke one already recorded.
func (c *SourceConfig) Merge(o *SourceConfig) {
	if o == nil {
		return
	}
	if o.DaemonURL != "" {
		c.DaemonURL = o.DaemonURL
	}
	if o.DaemonAPIKey != "" {
		c.DaemonAPIKey = o.DaemonAPIKey
	}
	if o.FileServerURL != "" {
		c.FileServerURL = o.FileServerURL
	}
	if o.FileServerAPIKey != "" {
		c.FileServerAPIKey = o.FileServerAPIKey
	}
	if o.DeleteOnStreamStop {
		c.DeleteOnStreamStop = true
	}
	if o.AutoCleanOldFiles {
		c.AutoCleanOldFiles = true
	}
	if o.AutoCleanAgeDays > 0 {
		c.AutoCleanAgeDays = o.AutoCleanAgeDays
	}
}

// HasDaemonOverride reports whether this source points at a different daemon
// than the configured default.
func (c *SourceConfig) HasDaemonOverride() bool { return c.DaemonURL != "" }

// HasFileServerOverride reports whether this source carries its own
// transparency service.
func (c *SourceConfig) HasFileServerOverride() bool { return c.FileServerURL != "" }

// StreamSession tracks one active streaming context, either a daemon job or
// an already-finished "personal" file served directly.
//
// Sessions live only in memory. Fields are mutated last-writer-wins from the
// request path and the two background loops; every mutation is idempotent or
// monotonic, so no per-session lock is held (see registry docs).
type StreamSession struct {
	// Key is the daemon job ID, or "personal:"+path for finished files.
	Key string

	// InstanceID distinguishes re-created sessions for the same key in logs.
	InstanceID string

	IsPersonal bool

	CreatedAt         time.Time
	LastAccess        time.Time
	StreamCount       int
	ActiveConnections int

	// EstimatedFinalSize is the best current estimate of the fully
	// downloaded/extracted file size. Never decreases.
	EstimatedFinalSize int64

	// LastPlaybackByte is the highest Range start observed so far, the
	// proxy for how far the viewer has watched.
	LastPlaybackByte int64

	LastDownloadPercent float64

	// Paused is set when the backpressure controller parked the daemon
	// job on this session's behalf.
	Paused bool

	// CompletionPercent applies to personal files only: max observed byte
	// over estimated size, used by the delete-on-finish policy.
	CompletionPercent float64

	Source SourceConfig
}

// PersonalKeyPrefix marks sessions that serve finished files with no daemon
// job behind them.
const PersonalKeyPrefix = "personal:"

func PersonalKey(path string) string {
	return PersonalKeyPrefix + path
}

// Touch records a request against the session.
func (s *StreamSession) Touch(now time.Time) {
	s.LastAccess = now
	s.StreamCount++
}

// ObservePlayback folds a Range start offset into the watched high-water
// mark. Seeks below the mark are legal and simply leave it in place.
func (s *StreamSession) ObservePlayback(offset int64) {
	if offset > s.LastPlaybackByte {
		s.LastPlaybackByte = offset
	}
	if s.IsPersonal && s.EstimatedFinalSize > 0 {
		pct := float64(s.LastPlaybackByte) / float64(s.EstimatedFinalSize) * 100
		if pct > s.CompletionPercent {
			s.CompletionPercent = pct
		}
	}
}

// RaiseSizeEstimate lifts the final-size estimate, never lowering it. A naive
// estimate can shrink mid-extraction (the on-disk file grows while percent
// jumps around), so the registry always routes size updates through here.
func (s *StreamSession) RaiseSizeEstimate(size int64) {
	if size > s.EstimatedFinalSize {
		s.EstimatedFinalSize = size
	}
}

// PlaybackFraction returns the watched position as a fraction of the
// estimated final size, or 0 when the size is unknown.
func (s *StreamSession) PlaybackFraction() float64 {
	if s.EstimatedFinalSize <= 0 {
		return 0
	}
	return float64(s.LastPlaybackByte) / float64(s.EstimatedFinalSize)
}
