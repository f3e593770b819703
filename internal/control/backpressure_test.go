package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/infra/config"
	"github.com/sooti/nzbstream/internal/infra/logger"
	"github.com/sooti/nzbstream/internal/session"
)

type fakeDaemon struct {
	mu      sync.Mutex
	descs   map[string]*domain.JobDescriptor
	queue   []*domain.JobDescriptor
	paused  []string
	resumed []string
	deleted []string
}

func (f *fakeDaemon) GetStatus(ctx context.Context, jobID string) (*domain.JobDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descs[jobID], nil
}

func (f *fakeDaemon) Pause(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, jobID)
	return nil
}

func (f *fakeDaemon) Resume(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, jobID)
	return nil
}

func (f *fakeDaemon) Delete(ctx context.Context, jobID string, deleteFiles bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobID)
	return true, nil
}

func (f *fakeDaemon) ListQueue(ctx context.Context) ([]*domain.JobDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Stream.PauseThresholdPct = 99
	cfg.Stream.ResumeBufferPct = 15
	cfg.Cleanup.InactivityTimeout = 120 * time.Second
	cfg.Cleanup.WatchedThresholdPct = 90
	cfg.Cleanup.FinishGrace = 30 * time.Second
	cfg.Cleanup.RetentionPeriod = 12 * time.Hour
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

func TestPausesWhenDownloadEffectivelyComplete(t *testing.T) {
	daemon := &fakeDaemon{descs: map[string]*domain.JobDescriptor{
		"job-1": {
			ID: "job-1", Status: domain.StatusDownloading, Percent: 99.5,
			Files: []domain.JobFile{{Filename: "a.rar", Bytes: 1000, BytesLeft: 0}},
		},
	}}
	reg := session.NewRegistry()
	reg.Upsert("job-1", nil)

	bp := NewBackpressure(daemon, reg, testConfig(), testLogger(t))

	bp.Tick(context.Background())
	if len(daemon.paused) != 1 || daemon.paused[0] != "job-1" {
		t.Fatalf("paused = %v", daemon.paused)
	}
	sess, _ := reg.Get("job-1")
	if !sess.Paused {
		t.Fatal("session not marked paused")
	}

	// Second tick must not pause again.
	bp.Tick(context.Background())
	if len(daemon.paused) != 1 {
		t.Fatalf("pause repeated: %v", daemon.paused)
	}
}

func TestNoPauseWhileArticlesStillMissing(t *testing.T) {
	daemon := &fakeDaemon{descs: map[string]*domain.JobDescriptor{
		"job-1": {
			ID: "job-1", Status: domain.StatusDownloading, Percent: 99.5,
			Files: []domain.JobFile{{Filename: "a.rar", Bytes: 1000, BytesLeft: 50}},
		},
	}}
	reg := session.NewRegistry()
	reg.Upsert("job-1", nil)

	bp := NewBackpressure(daemon, reg, testConfig(), testLogger(t))
	bp.Tick(context.Background())

	if len(daemon.paused) != 0 {
		t.Fatalf("paused despite missing bytes: %v", daemon.paused)
	}
}

func TestResumesWhenPlayerCatchesUp(t *testing.T) {
	daemon := &fakeDaemon{descs: map[string]*domain.JobDescriptor{
		"job-1": {ID: "job-1", Status: domain.StatusPaused, Percent: 99},
	}}
	reg := session.NewRegistry()
	reg.Upsert("job-1", func(s *domain.StreamSession) {
		s.Paused = true
		s.EstimatedFinalSize = 1000
		s.LastPlaybackByte = 900 // 90% watched vs 99% downloaded, 15% buffer
	})

	bp := NewBackpressure(daemon, reg, testConfig(), testLogger(t))
	bp.Tick(context.Background())

	if len(daemon.resumed) != 1 {
		t.Fatalf("resumed = %v", daemon.resumed)
	}
	sess, _ := reg.Get("job-1")
	if sess.Paused {
		t.Fatal("session still marked paused")
	}
}

func TestNoResumeWhilePlayerFarBehind(t *testing.T) {
	daemon := &fakeDaemon{descs: map[string]*domain.JobDescriptor{
		"job-1": {ID: "job-1", Status: domain.StatusPaused, Percent: 99},
	}}
	reg := session.NewRegistry()
	reg.Upsert("job-1", func(s *domain.StreamSession) {
		s.Paused = true
		s.EstimatedFinalSize = 1000
		s.LastPlaybackByte = 700 // 70% watched, outside the 15% buffer
	})

	bp := NewBackpressure(daemon, reg, testConfig(), testLogger(t))
	bp.Tick(context.Background())

	if len(daemon.resumed) != 0 {
		t.Fatalf("resumed too early: %v", daemon.resumed)
	}
}

func TestPacingSkipsVanishedSession(t *testing.T) {
	daemon := &fakeDaemon{descs: map[string]*domain.JobDescriptor{
		"job-1": {
			ID: "job-1", Status: domain.StatusDownloading, Percent: 99.5,
			Files: []domain.JobFile{{Filename: "a.rar", Bytes: 1000, BytesLeft: 0}},
		},
	}}

	// The cleanup sweep can remove the session between the tick snapshot
	// and the adjustment. The job must not be paused with no session left
	// to ever resume it.
	bp := NewBackpressure(daemon, session.NewRegistry(), testConfig(), testLogger(t))
	if err := bp.adjust(context.Background(), "job-1", daemon); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if len(daemon.paused) != 0 {
		t.Fatalf("paused = %v", daemon.paused)
	}
}

func TestPersonalSessionsAreIgnored(t *testing.T) {
	daemon := &fakeDaemon{descs: map[string]*domain.JobDescriptor{}}
	reg := session.NewRegistry()
	reg.Upsert(domain.PersonalKey("movie.mkv"), func(s *domain.StreamSession) {
		s.IsPersonal = true
	})

	bp := NewBackpressure(daemon, reg, testConfig(), testLogger(t))
	bp.Tick(context.Background())

	if len(daemon.paused)+len(daemon.resumed) != 0 {
		t.Fatal("personal session reached the daemon")
	}
}
