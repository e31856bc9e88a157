package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/db"
)

// SyncEntry is one row of refsync.sync_log.
type SyncEntry struct {
	ID          int64          `json:"id"`
	Source      string         `json:"source"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ItemsSynced int64          `json:"items_synced"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SyncLog records run outcomes in refsync.sync_log.
type SyncLog struct {
	pool db.Pool
}

// NewSyncLog creates a SyncLog backed by the given pool.
func NewSyncLog(pool db.Pool) *SyncLog {
	return &SyncLog{pool: pool}
}

// Start records the beginning of a run and returns its id.
func (s *SyncLog) Start(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO refsync.sync_log (source, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		source,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: start run for %s", source)
	}
	return id, nil
}

// Complete marks a run as finished with its item count and metadata.
func (s *SyncLog) Complete(ctx context.Context, runID int64, items int64, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		if metaJSON, err = json.Marshal(metadata); err != nil {
			return eris.Wrap(err, "synclog: marshal metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE refsync.sync_log
		 SET status = 'complete', completed_at = now(), items_synced = $1, metadata = $2
		 WHERE id = $3`,
		items, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: complete run %d", runID)
	}
	return nil
}

// Fail marks a run as failed with an error message.
func (s *SyncLog) Fail(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refsync.sync_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "synclog: fail run %d", runID)
	}
	return nil
}

// LastSuccess returns when a source last completed, or nil if it never has.
func (s *SyncLog) LastSuccess(ctx context.Context, source string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM refsync.sync_log
		 WHERE source = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		source,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "synclog: last success for %s", source)
	}
	return &t, nil
}

// ListRecent returns the most recent entries, newest first.
func (s *SyncLog) ListRecent(ctx context.Context, limit int) ([]SyncEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, status, started_at, completed_at, items_synced, error, metadata
		 FROM refsync.sync_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: list recent")
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		var e SyncEntry
		var completedAt *time.Time
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Source, &e.Status, &e.StartedAt,
			&completedAt, &e.ItemsSynced, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		e.CompletedAt = completedAt
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
