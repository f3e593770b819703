package locator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/fileserver"
	"github.com/sooti/nzbstream/internal/infra/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("", logger.LevelError, false)
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocateLocalPrefersUnpackDir(t *testing.T) {
	unpack := t.TempDir()
	incomplete := t.TempDir()

	writeFile(t, filepath.Join(unpack, "Some.Show.S01E02", "episode.mkv"), 100)
	writeFile(t, filepath.Join(incomplete, "Some.Show.S01E02", "episode.mkv"), 5000)

	l := New(nil, unpack, incomplete, t.TempDir(), testLogger(t))

	ref, err := l.Locate(context.Background(), "Some.Show.S01E02", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Remote() {
		t.Fatal("expected a local ref")
	}
	// The staging copy wins even though the incomplete one is larger.
	if filepath.Dir(filepath.Dir(ref.Path)) != unpack {
		t.Fatalf("picked %s, want a file under %s", ref.Path, unpack)
	}
}

func TestLocateLocalLargestFileWins(t *testing.T) {
	incomplete := t.TempDir()
	dir := filepath.Join(incomplete, "Some.Movie.2023")
	writeFile(t, filepath.Join(dir, "small.mkv"), 100)
	writeFile(t, filepath.Join(dir, "feature.mkv"), 9000)
	writeFile(t, filepath.Join(dir, "feature.sample.mkv"), 20000)

	l := New(nil, "", incomplete, t.TempDir(), testLogger(t))

	ref, err := l.Locate(context.Background(), "Some Movie 2023", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(ref.Path) != "feature.mkv" {
		t.Fatalf("picked %s, want feature.mkv", ref.Path)
	}
}

func TestLocateLocalEpisodeHintBeatsSize(t *testing.T) {
	incomplete := t.TempDir()
	dir := filepath.Join(incomplete, "Some.Show.Season.1")
	writeFile(t, filepath.Join(dir, "Some.Show.S01E01.mkv"), 9000)
	writeFile(t, filepath.Join(dir, "Some.Show.S01E02.mkv"), 100)

	l := New(nil, "", incomplete, t.TempDir(), testLogger(t))

	ref, err := l.Locate(context.Background(), "Some Show", &EpisodeHint{Season: 1, Episode: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(ref.Path) != "Some.Show.S01E02.mkv" {
		t.Fatalf("picked %s, want the hinted episode", ref.Path)
	}
}

func TestLocateLocalSevenZipFailsFast(t *testing.T) {
	incomplete := t.TempDir()
	dir := filepath.Join(incomplete, "Some.Release")
	writeFile(t, filepath.Join(dir, "archive.7z.001"), 100)
	writeFile(t, filepath.Join(dir, "archive.7z.002"), 100)

	l := New(nil, "", incomplete, t.TempDir(), testLogger(t))

	_, err := l.Locate(context.Background(), "Some Release", nil)
	if !errors.Is(err, domain.ErrUnsupportedArchive) {
		t.Fatalf("expected ErrUnsupportedArchive, got %v", err)
	}
}

func TestLocateLocalNothingYet(t *testing.T) {
	l := New(nil, "", t.TempDir(), t.TempDir(), testLogger(t))

	_, err := l.Locate(context.Background(), "Some Release", nil)
	if !errors.Is(err, domain.ErrNotYetLocatable) {
		t.Fatalf("expected ErrNotYetLocatable, got %v", err)
	}
}

func TestLocateLocalMissingDirsAreFine(t *testing.T) {
	l := New(nil, "/does/not/exist", "/also/missing", "/nope", testLogger(t))

	_, err := l.Locate(context.Background(), "Anything", nil)
	if !errors.Is(err, domain.ErrNotYetLocatable) {
		t.Fatalf("expected ErrNotYetLocatable, got %v", err)
	}
}

type fakeLister struct {
	entries []fileserver.Entry
	report  *fileserver.ArchiveReport
}

func (f *fakeLister) List(ctx context.Context) ([]fileserver.Entry, error) {
	return f.entries, nil
}

func (f *fakeLister) CheckArchives(ctx context.Context, folder string) (*fileserver.ArchiveReport, error) {
	if f.report == nil {
		return &fileserver.ArchiveReport{Folder: folder}, nil
	}
	return f.report, nil
}

func TestLocateRemotePicksMatchingVideo(t *testing.T) {
	lister := &fakeLister{entries: []fileserver.Entry{
		{Name: "episode.nfo", Path: "Some.Show.S01E02/episode.nfo", FlatPath: "episode.nfo", Size: 10},
		{Name: "episode.mkv", Path: "Some.Show.S01E02/episode.mkv", FlatPath: "episode.mkv", Size: 5000},
		{Name: "other.mkv", Path: "Unrelated/other.mkv", FlatPath: "other.mkv", Size: 9000},
	}}

	l := New(lister, "", "", "", testLogger(t))

	ref, err := l.Locate(context.Background(), "Some Show S01E02", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ref.Remote() || ref.RemoteName != "episode.mkv" {
		t.Fatalf("picked %+v, want remote episode.mkv", ref)
	}
}

func TestLocateRemoteSevenZipOnlyFailsFast(t *testing.T) {
	lister := &fakeLister{
		report: &fileserver.ArchiveReport{Found: true, Has7z: true, HasRar: false},
	}

	l := New(lister, "", "", "", testLogger(t))

	_, err := l.Locate(context.Background(), "Some Release", nil)
	if !errors.Is(err, domain.ErrUnsupportedArchive) {
		t.Fatalf("expected ErrUnsupportedArchive, got %v", err)
	}
}

func TestLocateRemoteRarStillExtracting(t *testing.T) {
	// rar alongside 7z means rar2fs can still expose the contents; keep
	// waiting instead of rejecting.
	lister := &fakeLister{
		report: &fileserver.ArchiveReport{Found: true, Has7z: true, HasRar: true},
	}

	l := New(lister, "", "", "", testLogger(t))

	_, err := l.Locate(context.Background(), "Some Release", nil)
	if !errors.Is(err, domain.ErrNotYetLocatable) {
		t.Fatalf("expected ErrNotYetLocatable, got %v", err)
	}
}
