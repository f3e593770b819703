// Package stream serves progressive byte ranges out of files the download
// daemon is still producing. It owns the wait policy: every "bytes are not
// there yet" situation becomes a bounded poll, never an unbounded block and
// never a short body.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/locator"
	"github.com/sooti/nzbstream/internal/poll"
	"github.com/sooti/nzbstream/internal/session"
)

// Daemon is the slice of the download daemon client the stream server needs.
type Daemon interface {
	GetStatus(ctx context.Context, jobID string) (*domain.JobDescriptor, error)
	Delete(ctx context.Context, jobID string, deleteFiles bool) (bool, error)
	FreeSpaceGB(ctx context.Context) (float64, error)
}

// Locator resolves a job name to its playable file.
type Locator interface {
	Locate(ctx context.Context, title string, hint *locator.EpisodeHint) (*locator.FileRef, error)
}

// RemoteFiles is the byte-range surface of the archive-transparency service.
type RemoteFiles interface {
	Stat(ctx context.Context, flatName string) (int64, error)
	OpenRange(ctx context.Context, flatName string, start, end int64) (io.ReadCloser, error)
}

// endIndexExtensions are containers whose seek index is written at the very
// end of the file. Seeking into them is gated until the download is nearly
// done.
var endIndexExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true,
}

// Server prepares range responses for the HTTP layer. It never writes HTTP
// itself; controllers copy the returned Stream.
type Server struct {
	daemon   Daemon
	locator  Locator
	remote   RemoteFiles // nil when no transparency service is configured
	registry *session.Registry
	cfg      *config.Config
	log      *logger.Logger

	// Dial builds clients for a session-supplied source override. Nil means
	// only the configured defaults are available and overrides are ignored.
	Dial func(src domain.SourceConfig) (Daemon, Locator, RemoteFiles)

	spaceMu      sync.Mutex
	spaceChecked time.Time
	spaceFreeGB  float64
}

func NewServer(daemon Daemon, loc Locator, remote RemoteFiles, reg *session.Registry, cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		daemon:   daemon,
		locator:  loc,
		remote:   remote,
		registry: reg,
		cfg:      cfg,
		log:      log.WithPrefix("stream"),
	}
}

// Stream is one prepared range response. The caller must Close it whether or
// not it copies the body.
type Stream struct {
	Body    io.ReadCloser
	Range   byteRange
	Size    int64 // total size for Content-Range / Content-Length
	Partial bool  // 206 vs 200
	Name    string

	// SessionKey is the registry key this stream is charged against.
	SessionKey string

	release func()
}

func (s *Stream) ContentLength() int64 { return s.Range.End - s.Range.Start + 1 }

func (s *Stream) ContentRange() string { return contentRange(s.Range, s.Size) }

func (s *Stream) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	if s.Body != nil {
		return s.Body.Close()
	}
	return nil
}

// PollStatus is the progress view behind the poll endpoint.
type PollStatus struct {
	JobID              string           `json:"jobId"`
	Name               string           `json:"name"`
	Status             domain.JobStatus `json:"status"`
	Percent            float64          `json:"percent"`
	MissingBytes       int64            `json:"missingBytes"`
	Locatable          bool             `json:"locatable"`
	EstimatedFinalSize int64            `json:"estimatedFinalSize"`
	Paused             bool             `json:"paused"`
	Message            string           `json:"message"`
}

// clientsFor resolves the daemon, locator and remote-file clients for a
// session source, falling back to the configured defaults.
func (s *Server) clientsFor(src domain.SourceConfig) (Daemon, Locator, RemoteFiles) {
	if s.Dial == nil || (!src.HasDaemonOverride() && !src.HasFileServerOverride()) {
		return s.daemon, s.locator, s.remote
	}
	daemon, loc, remote := s.Dial(src)
	if daemon == nil {
		daemon = s.daemon
	}
	if loc == nil {
		loc = s.locator
	}
	if remote == nil {
		remote = s.remote
	}
	return daemon, loc, remote
}

// effectiveSource merges a request-supplied source over whatever the session
// already recorded, without creating a session for a job that may not exist.
func (s *Server) effectiveSource(key string, src *domain.SourceConfig) domain.SourceConfig {
	var eff domain.SourceConfig
	if sess, ok := s.registry.Get(key); ok {
		eff = sess.Source
	}
	eff.Merge(src)
	return eff
}

// Status reports a job's progress without serving bytes. Players and
// frontends poll this while a stream answers 202.
func (s *Server) Status(ctx context.Context, jobID string) (*PollStatus, error) {
	daemon, loc, _ := s.clientsFor(s.effectiveSource(jobID, nil))

	desc, err := daemon.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, domain.ErrJobNotFound
	}

	st := &PollStatus{
		JobID:        desc.ID,
		Name:         desc.Name,
		Status:       desc.Status,
		Percent:      desc.Percent,
		MissingBytes: desc.MissingBytes(),
	}

	ref, lerr := loc.Locate(ctx, desc.Name, hintFor(desc.Name))
	st.Locatable = lerr == nil && ref != nil
	st.Message = statusMessage(desc, st.Locatable)

	if sess, ok := s.registry.Get(jobID); ok {
		st.EstimatedFinalSize = sess.EstimatedFinalSize
		st.Paused = sess.Paused
	}
	return st, nil
}

// statusMessage renders job progress for humans; frontends show it while the
// stream endpoint answers 202.
func statusMessage(desc *domain.JobDescriptor, locatable bool) string {
	switch desc.Status {
	case domain.StatusFailed:
		if desc.FailMessage != "" {
			return "download failed: " + desc.FailMessage
		}
		return "download failed"
	case domain.StatusCompleted:
		return "download complete"
	case domain.StatusExtracting:
		return fmt.Sprintf("extracting at %.1f%%", desc.Percent)
	case domain.StatusQueued:
		return "queued"
	case domain.StatusPaused:
		return fmt.Sprintf("paused at %.1f%%", desc.Percent)
	}
	if locatable {
		return fmt.Sprintf("downloading, %.1f%% complete, ready to stream", desc.Percent)
	}
	return fmt.Sprintf("downloading, %.1f%% complete", desc.Percent)
}

// PrepareJob resolves a job to its media file, updates the session, enforces
// the seek policy and waits (bounded) for the requested range to become
// servable.
//
// Error mapping is the caller's contract: ErrJobNotFound, ErrDownloadFailed,
// ErrUnsupportedArchive (job already deleted), ErrNotYetLocatable,
// ErrSeekNotYetSafe, ErrRangeUnavailable, ErrInsufficientStorage, and the
// daemon transport errors all pass through unwrapped.
func (s *Server) PrepareJob(ctx context.Context, jobID, rangeHeader string, src *domain.SourceConfig) (*Stream, error) {
	eff := s.effectiveSource(jobID, src)
	daemon, loc, remote := s.clientsFor(eff)

	desc, err := daemon.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, domain.ErrJobNotFound
	}
	if desc.Status == domain.StatusFailed {
		// Terminal. No wait loop: the bytes are never coming.
		if desc.FailMessage != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrDownloadFailed, desc.FailMessage)
		}
		return nil, domain.ErrDownloadFailed
	}

	if desc.Active() && desc.Percent < 100 {
		if err := s.checkSpace(ctx, daemon); err != nil {
			return nil, err
		}
	}

	ref, err := loc.Locate(ctx, desc.Name, hintFor(desc.Name))
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedArchive) {
			s.log.Warn("job %s (%s) is in an unstreamable archive, deleting", jobID, desc.Name)
			if _, derr := daemon.Delete(ctx, jobID, true); derr != nil {
				s.log.Error("failed to delete unstreamable job %s: %v", jobID, derr)
			}
		}
		return nil, err
	}

	final := ref.IsComplete || desc.Status == domain.StatusCompleted

	currentSize := ref.Size
	if !ref.Remote() {
		if fi, serr := os.Stat(ref.Path); serr == nil {
			currentSize = fi.Size()
		}
	}

	sess := s.registry.RecordLocate(jobID, currentSize, desc.Percent)

	total := sess.EstimatedFinalSize
	if final || total < currentSize {
		total = currentSize
	}

	r, partial, err := parseRange(rangeHeader, total)
	if err != nil {
		if final {
			return nil, fmt.Errorf("%w: %v", domain.ErrRangeUnavailable, err)
		}
		// The estimate may simply not have caught up with the player's
		// target yet; treat it as a not-yet-available seek.
		return nil, domain.ErrRangeUnavailable
	}

	s.registry.Update(jobID, func(sess *domain.StreamSession) {
		sess.Source.Merge(src)
		sess.Touch(time.Now())
		sess.ObservePlayback(r.Start)
	})

	if !final && r.Start > 0 && isEndIndexFormat(ref.Path, ref.RemoteName) &&
		desc.Percent < s.cfg.Stream.EndIndexSeekPercent {
		// These containers keep their seek index at the tail. Until the
		// download nears the end, a seek lands on bytes that play back
		// corrupt even when they are already on disk.
		return nil, domain.ErrSeekNotYetSafe
	}

	watch := &jobWatch{srv: s, daemon: daemon, remote: remote, jobID: jobID, ref: ref, final: final}

	if err := s.waitForStart(ctx, watch, r.Start); err != nil {
		return nil, err
	}

	body, err := s.openRange(ctx, ref, r, watch)
	if err != nil {
		return nil, err
	}

	s.registry.Update(jobID, func(sess *domain.StreamSession) {
		sess.ActiveConnections++
	})

	return &Stream{
		Body:       body,
		Range:      r,
		Size:       total,
		Partial:    partial,
		Name:       baseName(ref),
		SessionKey: jobID,
		release: func() {
			s.registry.Update(jobID, func(sess *domain.StreamSession) {
				if sess.ActiveConnections > 0 {
					sess.ActiveConnections--
				}
				sess.LastAccess = time.Now()
			})
		},
	}, nil
}

// PreparePersonal serves an already-finished file with no daemon job behind
// it, from the complete directory or the transparency listing.
func (s *Server) PreparePersonal(ctx context.Context, relPath, rangeHeader string, src *domain.SourceConfig) (*Stream, error) {
	relPath = filepath.ToSlash(filepath.Clean("/" + relPath))[1:]
	if relPath == "" || relPath == "." {
		return nil, fs.ErrNotExist
	}

	key := domain.PersonalKey(relPath)
	_, _, remoteFiles := s.clientsFor(s.effectiveSource(key, src))

	local := filepath.Join(s.cfg.Paths.CompleteDir, filepath.FromSlash(relPath))
	fi, statErr := os.Stat(local)

	var size int64
	remote := false
	switch {
	case statErr == nil && !fi.IsDir():
		size = fi.Size()
	case remoteFiles != nil:
		rsize, rerr := remoteFiles.Stat(ctx, relPath)
		if rerr != nil {
			return nil, fs.ErrNotExist
		}
		size, remote = rsize, true
	default:
		return nil, fs.ErrNotExist
	}

	r, partial, err := parseRange(rangeHeader, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRangeUnavailable, err)
	}

	s.registry.Upsert(key, func(sess *domain.StreamSession) {
		sess.IsPersonal = true
		sess.Source.Merge(src)
		sess.Touch(time.Now())
		sess.RaiseSizeEstimate(size)
		sess.ObservePlayback(r.Start)
		sess.ActiveConnections++
	})

	var body io.ReadCloser
	if remote {
		body, err = remoteFiles.OpenRange(ctx, relPath, r.Start, r.End)
	} else {
		body, err = openFileRange(local, r)
	}
	if err != nil {
		s.registry.Update(key, func(sess *domain.StreamSession) { sess.ActiveConnections-- })
		return nil, err
	}

	return &Stream{
		Body:       body,
		Range:      r,
		Size:       size,
		Partial:    partial,
		Name:       filepath.Base(relPath),
		SessionKey: key,
		release: func() {
			s.registry.Update(key, func(sess *domain.StreamSession) {
				if sess.ActiveConnections > 0 {
					sess.ActiveConnections--
				}
				sess.LastAccess = time.Now()
			})
		},
	}, nil
}

// waitForStart blocks, bounded, until the first requested byte is servable.
// This runs before any response header is written so that a miss can still
// become a clean status code.
func (s *Server) waitForStart(ctx context.Context, w *jobWatch, start int64) error {
	err := poll.Until(ctx, s.cfg.Stream.GrowthPollInterval, s.cfg.Stream.GrowthPollTimeout,
		func() (bool, error) {
			servable, final, aerr := w.avail(ctx)
			if aerr != nil {
				return false, aerr
			}
			return final || servable > start, nil
		})
	if errors.Is(err, poll.ErrTimeout) {
		return domain.ErrRangeUnavailable
	}
	return err
}

func (s *Server) openRange(ctx context.Context, ref *locator.FileRef, r byteRange, w *jobWatch) (io.ReadCloser, error) {
	if ref.Remote() {
		// The transparency service does its own blocking over rar2fs.
		return w.remote.OpenRange(ctx, ref.RemoteName, r.Start, r.End)
	}

	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, err
	}
	return newFollower(ctx, f, r, w.avail,
		s.cfg.Stream.GrowthPollInterval, s.cfg.Stream.GrowthPollTimeout), nil
}

// checkSpace gates new streaming work on the daemon's free disk space. The
// answer is cached briefly; the request path must not hit the daemon's
// diskspace call on every range request. Override daemons bypass the cache,
// which tracks only the default daemon.
func (s *Server) checkSpace(ctx context.Context, daemon Daemon) error {
	if s.cfg.Daemon.MinFreeSpaceGB <= 0 {
		return nil
	}

	if daemon != s.daemon {
		free, err := daemon.FreeSpaceGB(ctx)
		if err != nil {
			return nil
		}
		if free < s.cfg.Daemon.MinFreeSpaceGB {
			return fmt.Errorf("%w: %.1f GB free, %.1f GB required",
				domain.ErrInsufficientStorage, free, s.cfg.Daemon.MinFreeSpaceGB)
		}
		return nil
	}

	s.spaceMu.Lock()
	defer s.spaceMu.Unlock()

	if time.Since(s.spaceChecked) > time.Minute {
		free, err := s.daemon.FreeSpaceGB(ctx)
		if err != nil {
			// Unreachable daemon surfaces on the next status call instead.
			return nil
		}
		s.spaceFreeGB = free
		s.spaceChecked = time.Now()
	}

	if s.spaceFreeGB < s.cfg.Daemon.MinFreeSpaceGB {
		return fmt.Errorf("%w: %.1f GB free, %.1f GB required",
			domain.ErrInsufficientStorage, s.spaceFreeGB, s.cfg.Daemon.MinFreeSpaceGB)
	}
	return nil
}

// jobWatch tracks servable bytes for one job's file across a stream's
// lifetime. While growth stalls it re-asks the daemon, catching completion
// and failure mid-stream.
type jobWatch struct {
	srv    *Server
	daemon Daemon
	remote RemoteFiles
	jobID  string
	ref    *locator.FileRef

	final       bool
	lastSize    int64
	lastRecheck time.Time
}

func (w *jobWatch) avail(ctx context.Context) (int64, bool, error) {
	size, err := w.currentSize(ctx)
	if err != nil {
		return 0, false, err
	}

	if w.final {
		return size, true, nil
	}

	if size == w.lastSize && time.Since(w.lastRecheck) >= w.srv.cfg.Stream.GrowthPollInterval*3 {
		if err := w.recheckDaemon(ctx); err != nil {
			return 0, false, err
		}
	}
	w.lastSize = size

	if w.final {
		return size, true, nil
	}

	servable := size - w.srv.cfg.Stream.FrontierMarginBytes
	if servable < 0 {
		servable = 0
	}
	return servable, false, nil
}

func (w *jobWatch) currentSize(ctx context.Context) (int64, error) {
	if w.ref.Remote() {
		size, err := w.remote.Stat(ctx, w.ref.RemoteName)
		if err != nil {
			// The flat name can briefly vanish while rar2fs remounts.
			return 0, nil
		}
		return size, nil
	}

	fi, err := os.Stat(w.ref.Path)
	if err != nil {
		// The daemon moves files during post-processing. A fresh range
		// request will re-locate; this stream just sees zero growth.
		return 0, nil
	}
	return fi.Size(), nil
}

func (w *jobWatch) recheckDaemon(ctx context.Context) error {
	w.lastRecheck = time.Now()

	desc, err := w.daemon.GetStatus(ctx, w.jobID)
	if err != nil {
		return nil // transient; the growth wait keeps its own deadline
	}

	switch {
	case desc == nil, desc.Status == domain.StatusCompleted:
		w.final = true
	case desc.Status == domain.StatusFailed:
		if desc.FailMessage != "" {
			return fmt.Errorf("%w: %s", domain.ErrDownloadFailed, desc.FailMessage)
		}
		return domain.ErrDownloadFailed
	}
	return nil
}

// openFileRange opens a finished local file positioned at the range start.
func openFileRange(path string, r byteRange) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, r.End-r.Start+1), f}, nil
}

func isEndIndexFormat(path, remoteName string) bool {
	name := path
	if name == "" {
		name = remoteName
	}
	return endIndexExtensions[strings.ToLower(filepath.Ext(name))]
}

func baseName(ref *locator.FileRef) string {
	if ref.Remote() {
		return ref.RemoteName
	}
	return filepath.Base(ref.Path)
}

func hintFor(title string) *locator.EpisodeHint {
	if s, e, ok := locator.ParseEpisode(title); ok {
		return &locator.EpisodeHint{Season: s, Episode: e}
	}
	return nil
}
