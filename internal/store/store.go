// Package store persists a history of finished streaming sessions to an
// embedded SQLite database. Live session state never touches the store; only
// the cleanup sweep writes here, and only the admin surface reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sooti/nzbstream/internal/infra/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	name TEXT NOT NULL,
	personal INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP NOT NULL,
	stream_count INTEGER NOT NULL DEFAULT 0,
	max_playback_byte INTEGER NOT NULL DEFAULT 0,
	estimated_size INTEGER NOT NULL DEFAULT 0,
	completion_pct REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_stream_history_ended ON stream_history(ended_at);
`

// StreamRecord is one finished session as written to history.
type StreamRecord struct {
	ID              int64     `json:"id"`
	SessionKey      string    `json:"sessionKey"`
	InstanceID      string    `json:"instanceId"`
	Name            string    `json:"name"`
	Personal        bool      `json:"personal"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	StreamCount     int       `json:"streamCount"`
	MaxPlaybackByte int64     `json:"maxPlaybackByte"`
	EstimatedSize   int64     `json:"estimatedSize"`
	CompletionPct   float64   `json:"completionPct"`
}

type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens (creating if needed) the history database and applies the
// schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &Store{db: db, log: log.WithPrefix("store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordFinished appends one finished session to history.
func (s *Store) RecordFinished(ctx context.Context, rec StreamRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_history
			(session_key, instance_id, name, personal, started_at, ended_at,
			 stream_count, max_playback_byte, estimated_size, completion_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionKey, rec.InstanceID, rec.Name, rec.Personal,
		rec.StartedAt, rec.EndedAt, rec.StreamCount,
		rec.MaxPlaybackByte, rec.EstimatedSize, rec.CompletionPct,
	)
	if err != nil {
		return fmt.Errorf("insert stream record: %w", err)
	}
	return nil
}

// RecentStreams returns the most recently ended sessions, newest first.
func (s *Store) RecentStreams(ctx context.Context, limit int) ([]StreamRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, instance_id, name, personal, started_at,
		       ended_at, stream_count, max_playback_byte, estimated_size,
		       completion_pct
		FROM stream_history
		ORDER BY ended_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query stream history: %w", err)
	}
	defer rows.Close()

	var out []StreamRecord
	for rows.Next() {
		var rec StreamRecord
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.InstanceID,
			&rec.Name, &rec.Personal, &rec.StartedAt, &rec.EndedAt,
			&rec.StreamCount, &rec.MaxPlaybackByte, &rec.EstimatedSize,
			&rec.CompletionPct); err != nil {
			return nil, fmt.Errorf("scan stream record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
