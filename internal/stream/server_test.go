package stream

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/locator"
	"github.com/sooti/nzbstream/internal/session"
)

type fakeDaemon struct {
	mu      sync.Mutex
	desc    *domain.JobDescriptor
	deleted []string
	free    float64
}

func (f *fakeDaemon) GetStatus(ctx context.Context, jobID string) (*domain.JobDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.desc != nil && f.desc.ID == jobID {
		return f.desc, nil
	}
	return nil, nil
}

func (f *fakeDaemon) Delete(ctx context.Context, jobID string, deleteFiles bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobID)
	return true, nil
}

func (f *fakeDaemon) FreeSpaceGB(ctx context.Context) (float64, error) {
	return f.free, nil
}

type fakeLocator struct {
	ref   *locator.FileRef
	err   error
	calls int
}

func (f *fakeLocator) Locate(ctx context.Context, title string, hint *locator.EpisodeHint) (*locator.FileRef, error) {
	f.calls++
	return f.ref, f.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Stream.GrowthPollInterval = 5 * time.Millisecond
	cfg.Stream.GrowthPollTimeout = 40 * time.Millisecond
	cfg.Stream.FrontierMarginBytes = 100
	cfg.Stream.EndIndexSeekPercent = 85
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("", logger.LevelError, false)
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func makeFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	path := filepath.Join(t.TempDir(), "media.mkv")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestServer(t *testing.T, daemon *fakeDaemon, loc Locator) (*Server, *session.Registry) {
	reg := session.NewRegistry()
	return NewServer(daemon, loc, nil, reg, testConfig(), testLogger(t)), reg
}

func TestServeRangeOfCompleteFile(t *testing.T) {
	path := makeFile(t, 1000)
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusCompleted, Percent: 100,
	}}
	loc := &fakeLocator{ref: &locator.FileRef{Path: path, Size: 1000, IsComplete: true}}
	srv, reg := newTestServer(t, daemon, loc)

	st, err := srv.PrepareJob(context.Background(), "job-1", "bytes=2-5", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()

	if !st.Partial || st.Size != 1000 {
		t.Fatalf("stream = partial:%v size:%d", st.Partial, st.Size)
	}
	body, err := io.ReadAll(st.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "cdef" {
		t.Fatalf("body = %q", body)
	}

	sess, ok := reg.Get("job-1")
	if !ok {
		t.Fatal("no session created")
	}
	if sess.EstimatedFinalSize != 1000 || sess.LastPlaybackByte != 2 {
		t.Fatalf("session = %+v", sess)
	}
}

func TestImmediateServeInsideDownloadedRegion(t *testing.T) {
	path := makeFile(t, 1000)
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusDownloading, Percent: 40,
	}}
	loc := &fakeLocator{ref: &locator.FileRef{Path: path, Size: 1000}}
	srv, _ := newTestServer(t, daemon, loc)

	start := time.Now()
	st, err := srv.PrepareJob(context.Background(), "job-1", "bytes=100-199", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()

	// Bytes well behind the frontier must be served without any poll sleep.
	if elapsed := time.Since(start); elapsed > 30*time.Millisecond {
		t.Fatalf("on-disk range took %s to prepare", elapsed)
	}

	body, err := io.ReadAll(st.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(body) != 100 {
		t.Fatalf("body length = %d", len(body))
	}
	// 1000 bytes at 40% extrapolates the total.
	if st.Size != 2500 {
		t.Fatalf("size = %d, want 2500", st.Size)
	}
}

func TestBoundedWaitThenRangeUnavailable(t *testing.T) {
	path := makeFile(t, 1000)
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusDownloading, Percent: 40,
	}}
	loc := &fakeLocator{ref: &locator.FileRef{Path: path, Size: 1000}}
	srv, _ := newTestServer(t, daemon, loc)

	// Start 950 is past the servable frontier (1000 - 100 margin) and the
	// file never grows, so the bounded wait must expire.
	_, err := srv.PrepareJob(context.Background(), "job-1", "bytes=950-", nil)
	if !errors.Is(err, domain.ErrRangeUnavailable) {
		t.Fatalf("expected ErrRangeUnavailable, got %v", err)
	}
}

func TestFailedJobFailsWithoutWaiting(t *testing.T) {
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusFailed, FailMessage: "out of retries",
	}}
	loc := &fakeLocator{}
	srv, _ := newTestServer(t, daemon, loc)

	start := time.Now()
	_, err := srv.PrepareJob(context.Background(), "job-1", "bytes=0-", nil)
	if !errors.Is(err, domain.ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("failed job took %s, must not enter a wait loop", elapsed)
	}
	if loc.calls != 0 {
		t.Fatal("failed job must not be located")
	}
}

func TestUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDaemon{}, &fakeLocator{})

	_, err := srv.PrepareJob(context.Background(), "nope", "", nil)
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUnstreamableArchiveDeletesJob(t *testing.T) {
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusDownloading, Percent: 20,
	}}
	loc := &fakeLocator{err: domain.ErrUnsupportedArchive}
	srv, _ := newTestServer(t, daemon, loc)

	_, err := srv.PrepareJob(context.Background(), "job-1", "", nil)
	if !errors.Is(err, domain.ErrUnsupportedArchive) {
		t.Fatalf("expected ErrUnsupportedArchive, got %v", err)
	}
	if len(daemon.deleted) != 1 || daemon.deleted[0] != "job-1" {
		t.Fatalf("deleted = %v, want the 7z job gone", daemon.deleted)
	}
}

func TestNotYetLocatablePassesThrough(t *testing.T) {
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusDownloading, Percent: 1,
	}}
	loc := &fakeLocator{err: domain.ErrNotYetLocatable}
	srv, _ := newTestServer(t, daemon, loc)

	_, err := srv.PrepareJob(context.Background(), "job-1", "", nil)
	if !errors.Is(err, domain.ErrNotYetLocatable) {
		t.Fatalf("expected ErrNotYetLocatable, got %v", err)
	}
}

func TestEndIndexSeekGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "media.mp4")
	if err := os.WriteFile(path, make([]byte, 1000), 0644); err != nil {
		t.Fatal(err)
	}

	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusDownloading, Percent: 40,
	}}
	loc := &fakeLocator{ref: &locator.FileRef{Path: path, Size: 1000}}
	srv, _ := newTestServer(t, daemon, loc)

	// A tail seek in an mp4 below the percent gate fails fast, not after
	// the growth wait.
	start := time.Now()
	_, err := srv.PrepareJob(context.Background(), "job-1", "bytes=950-", nil)
	if !errors.Is(err, domain.ErrSeekNotYetSafe) {
		t.Fatalf("expected ErrSeekNotYetSafe, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Millisecond {
		t.Fatalf("seek gate took %s", elapsed)
	}

	// A mid-file seek is refused too, even with those bytes on disk: the
	// tail index they reference does not exist yet.
	_, err = srv.PrepareJob(context.Background(), "job-1", "bytes=200-299", nil)
	if !errors.Is(err, domain.ErrSeekNotYetSafe) {
		t.Fatalf("mid-file seek: expected ErrSeekNotYetSafe, got %v", err)
	}

	// Playback from the start is never gated.
	st, err := srv.PrepareJob(context.Background(), "job-1", "bytes=0-", nil)
	if err != nil {
		t.Fatalf("start-of-file read: %v", err)
	}
	st.Close()

	// Past the gate percent the same seek becomes an ordinary bounded wait.
	daemon.mu.Lock()
	daemon.desc.Percent = 90
	daemon.mu.Unlock()

	_, err = srv.PrepareJob(context.Background(), "job-1", "bytes=950-", nil)
	if !errors.Is(err, domain.ErrRangeUnavailable) {
		t.Fatalf("expected ErrRangeUnavailable, got %v", err)
	}
}

func TestPreparePersonal(t *testing.T) {
	completeDir := t.TempDir()
	rel := "Some.Movie/movie.mkv"
	full := filepath.Join(completeDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Paths.CompleteDir = completeDir
	reg := session.NewRegistry()
	srv := NewServer(&fakeDaemon{}, &fakeLocator{}, nil, reg, cfg, testLogger(t))

	st, err := srv.PreparePersonal(context.Background(), rel, "bytes=8-", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()

	body, err := io.ReadAll(st.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "89" {
		t.Fatalf("body = %q", body)
	}

	sess, ok := reg.Get(domain.PersonalKey(rel))
	if !ok {
		t.Fatal("no personal session")
	}
	if !sess.IsPersonal || sess.CompletionPercent != 80 {
		t.Fatalf("session = %+v", sess)
	}
}

func TestPreparePersonalRejectsTraversal(t *testing.T) {
	cfg := testConfig()
	cfg.Paths.CompleteDir = t.TempDir()
	srv := NewServer(&fakeDaemon{}, &fakeLocator{}, nil, session.NewRegistry(), cfg, testLogger(t))

	_, err := srv.PreparePersonal(context.Background(), "../../etc/passwd", "", nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	path := makeFile(t, 1000)
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusCompleted, Percent: 100,
	}}
	loc := &fakeLocator{ref: &locator.FileRef{Path: path, Size: 1000, IsComplete: true}}
	srv, reg := newTestServer(t, daemon, loc)

	st, err := srv.PrepareJob(context.Background(), "job-1", "bytes=0-9", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := reg.Get("job-1")
	if sess.ActiveConnections != 1 {
		t.Fatalf("connections = %d before close", sess.ActiveConnections)
	}

	st.Close()
	sess, _ = reg.Get("job-1")
	if sess.ActiveConnections != 0 {
		t.Fatalf("connections = %d after close", sess.ActiveConnections)
	}
}

func TestPrepareJobDialsSessionDaemon(t *testing.T) {
	path := makeFile(t, 1000)
	defaultDaemon := &fakeDaemon{}
	override := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusCompleted, Percent: 100,
	}}
	loc := &fakeLocator{ref: &locator.FileRef{Path: path, Size: 1000, IsComplete: true}}
	srv, reg := newTestServer(t, defaultDaemon, loc)

	var dialed domain.SourceConfig
	srv.Dial = func(src domain.SourceConfig) (Daemon, Locator, RemoteFiles) {
		dialed = src
		return override, nil, nil
	}

	src := &domain.SourceConfig{DaemonURL: "http://other:8080", DaemonAPIKey: "k2"}
	st, err := srv.PrepareJob(context.Background(), "job-1", "bytes=0-9", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st.Close()

	if dialed.DaemonURL != "http://other:8080" {
		t.Fatalf("dialed source = %+v", dialed)
	}

	// The session remembers the override for later requests and the
	// background loops.
	sess, ok := reg.Get("job-1")
	if !ok || sess.Source.DaemonURL != "http://other:8080" || sess.Source.DaemonAPIKey != "k2" {
		t.Fatalf("session source not recorded: %+v", sess)
	}

	// A follow-up request without explicit details still reaches the
	// override daemon through the recorded source.
	st2, err := srv.PrepareJob(context.Background(), "job-1", "bytes=10-19", nil)
	if err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
	st2.Close()
}

func TestStatusReportsProgressMessage(t *testing.T) {
	daemon := &fakeDaemon{desc: &domain.JobDescriptor{
		ID: "job-1", Status: domain.StatusDownloading, Percent: 42.5,
		Files: []domain.JobFile{{Filename: "a.rar", Bytes: 1000, BytesLeft: 400}},
	}}
	loc := &fakeLocator{err: domain.ErrNotYetLocatable}
	srv, _ := newTestServer(t, daemon, loc)

	st, err := srv.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Locatable {
		t.Fatal("locatable with no playable file")
	}
	if st.MissingBytes != 400 {
		t.Fatalf("missing bytes = %d", st.MissingBytes)
	}
	if !strings.Contains(st.Message, "downloading") || !strings.Contains(st.Message, "42.5") {
		t.Fatalf("message = %q", st.Message)
	}

	daemon.mu.Lock()
	daemon.desc.Status = domain.StatusFailed
	daemon.desc.FailMessage = "article not found"
	daemon.mu.Unlock()

	st, err = srv.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("status after failure: %v", err)
	}
	if !strings.Contains(st.Message, "article not found") {
		t.Fatalf("message = %q", st.Message)
	}
}
