// Package locator resolves a job's declared name (plus an optional
// season/episode hint) to the single media file that should be streamed,
// looking across the remote archive-transparency listing or the local
// staging, incomplete and finished directories.
package locator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/fileserver"
	"github.com/sooti/nzbstream/internal/infra/logger"
)

// FileRef is a resolved media file: either a local path or a flat name on
// the transparency service, never both.
type FileRef struct {
	Path       string
	RemoteName string
	Size       int64
	IsComplete bool
}

func (r *FileRef) Remote() bool { return r.RemoteName != "" }

// FileLister is the slice of the transparency client the locator needs.
type FileLister interface {
	List(ctx context.Context) ([]fileserver.Entry, error)
	CheckArchives(ctx context.Context, folder string) (*fileserver.ArchiveReport, error)
}

type Locator struct {
	remote        FileLister // nil when no transparency service is configured
	unpackDir     string
	incompleteDir string
	completeDir   string
	log           *logger.Logger
}

func New(remote FileLister, unpackDir, incompleteDir, completeDir string, log *logger.Logger) *Locator {
	return &Locator{
		remote:        remote,
		unpackDir:     unpackDir,
		incompleteDir: incompleteDir,
		completeDir:   completeDir,
		log:           log,
	}
}

// Locate finds the best-matching media file for a job title.
//
// Returns ErrUnsupportedArchive when the release is packed in a format the
// pipeline cannot stream from (the caller deletes the job), and
// ErrNotYetLocatable when nothing has appeared yet (the caller retries).
func (l *Locator) Locate(ctx context.Context, title string, hint *EpisodeHint) (*FileRef, error) {
	if l.remote != nil {
		return l.locateRemote(ctx, title, hint)
	}
	return l.locateLocal(title, hint)
}

type candidate struct {
	name       string
	path       string
	remoteName string
	size       int64
	complete   bool
}

func (l *Locator) locateRemote(ctx context.Context, title string, hint *EpisodeHint) (*FileRef, error) {
	entries, err := l.remote.List(ctx)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for _, e := range entries {
		if !titleMatches(e.Path, title) && !titleMatches(e.Name, title) {
			continue
		}
		if IsBlacklisted(e.Name) {
			continue
		}
		if !IsVideoFile(e.Name) {
			continue
		}
		cands = append(cands, candidate{
			name:       e.Name,
			remoteName: e.FlatPath,
			size:       e.Size,
			complete:   e.IsComplete,
		})
	}

	if len(cands) == 0 {
		// Nothing playable yet. Before telling the caller to retry, make
		// sure we are not waiting on an archive we will never be able to
		// open; that must fail fast, not spin until timeout.
		report, archErr := l.remote.CheckArchives(ctx, title)
		if archErr == nil && report.Found && report.Has7z && !report.HasRar {
			l.log.Warn("release %q is 7z-packed, rejecting", title)
			return nil, domain.ErrUnsupportedArchive
		}
		return nil, domain.ErrNotYetLocatable
	}

	best := selectBest(cands, hint)
	return &FileRef{
		RemoteName: best.remoteName,
		Size:       best.size,
		IsComplete: best.complete,
	}, nil
}

func (l *Locator) locateLocal(title string, hint *EpisodeHint) (*FileRef, error) {
	// Staging first: a file being unpacked is the freshest copy. Then the
	// regular in-progress folder, then finished.
	dirs := []struct {
		root     string
		complete bool
	}{
		{l.unpackDir, false},
		{l.incompleteDir, false},
		{l.completeDir, true},
	}

	sawUnsupported := false

	for _, d := range dirs {
		if d.root == "" {
			continue
		}

		cands, has7z := scanDir(d.root, title, d.complete)
		if has7z {
			sawUnsupported = true
		}
		if len(cands) > 0 {
			best := selectBest(cands, hint)
			return &FileRef{
				Path:       best.path,
				Size:       best.size,
				IsComplete: best.complete,
			}, nil
		}
	}

	if sawUnsupported {
		l.log.Warn("release %q is 7z-packed, rejecting", title)
		return nil, domain.ErrUnsupportedArchive
	}
	return nil, domain.ErrNotYetLocatable
}

// scanDir walks one root collecting video candidates whose path matches the
// title. Also reports whether the matched folders contain 7z volumes with no
// extracted video alongside.
func scanDir(root, title string, complete bool) (cands []candidate, has7z bool) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !titleMatches(path, title) {
			return nil
		}

		name := d.Name()
		if Is7zArchive(name) {
			has7z = true
			return nil
		}
		if !IsVideoFile(name) || IsBlacklisted(name) {
			return nil
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil
		}
		cands = append(cands, candidate{
			name:     name,
			path:     path,
			size:     info.Size(),
			complete: complete,
		})
		return nil
	})
	return cands, has7z && len(cands) == 0
}

// selectBest prefers an exact season/episode match; otherwise the largest
// file wins (movies and unmatched series both fall back to this heuristic).
func selectBest(cands []candidate, hint *EpisodeHint) candidate {
	best := cands[0]
	bestMatched := matchesHint(best.name, hint)

	for _, c := range cands[1:] {
		matched := matchesHint(c.name, hint)
		switch {
		case matched && !bestMatched:
			best, bestMatched = c, true
		case matched == bestMatched && c.size > best.size:
			best = c
		}
	}
	return best
}
