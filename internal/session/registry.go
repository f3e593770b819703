// Package session holds the process-wide table of active streaming
// sessions. The registry is the only shared mutable state in the
// coordinator: the request path, the backpressure controller and the
// cleanup sweeps all read and write it.
package session

import (
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sooti/nzbstream/internal/domain"
)

// Registry is an in-memory keyed store with last-writer-wins semantics.
// Mutations are applied under the map lock; there is no per-key lock, so two
// concurrent writers to the same session interleave field-wise. Every
// mutation in this codebase is idempotent or monotonic, which makes that
// acceptable: a spurious extra pause/resume cycle is harmless.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.StreamSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*domain.StreamSession)}
}

// Upsert fetches or creates the session for key and applies mutate to it.
// New sessions get a fresh instance ID and access time before the mutator
// runs.
func (r *Registry) Upsert(key string, mutate func(*domain.StreamSession)) *domain.StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		now := time.Now()
		s = &domain.StreamSession{
			Key:        key,
			InstanceID: ksuid.New().String(),
			CreatedAt:  now,
			LastAccess: now,
		}
		r.sessions[key] = s
	}
	if mutate != nil {
		mutate(s)
	}
	return s
}

// Update applies mutate only when the session exists. Returns false on a
// miss; callers treat that as a valid terminal state, not an error.
func (r *Registry) Update(key string, mutate func(*domain.StreamSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return false
	}
	mutate(s)
	return true
}

func (r *Registry) Get(key string) (*domain.StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Delete removes the session exactly once. The second delete of the same
// key reports false and does nothing.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[key]; !ok {
		return false
	}
	delete(r.sessions, key)
	return true
}

// ForEach visits a snapshot of the current sessions. The visitor runs
// without the lock held, so it may call back into the registry; a session
// deleted mid-sweep simply turns later lookups into misses.
func (r *Registry) ForEach(visit func(*domain.StreamSession)) {
	for _, s := range r.Snapshot() {
		visit(s)
	}
}

// Snapshot returns the current session pointers in no particular order.
func (r *Registry) Snapshot() []*domain.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.StreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RecordLocate folds a fresh locate result into the session: access time,
// and the monotonic size estimate computed from the on-disk (or reported)
// size and the daemon's percent, whichever extrapolates larger.
func (r *Registry) RecordLocate(key string, currentSize int64, percent float64) *domain.StreamSession {
	return r.Upsert(key, func(s *domain.StreamSession) {
		s.LastAccess = time.Now()
		s.LastDownloadPercent = percent

		est := currentSize
		if percent > 0 && percent < 100 {
			if ext := int64(float64(currentSize) / (percent / 100)); ext > est {
				est = ext
			}
		}
		s.RaiseSizeEstimate(est)
	})
}
