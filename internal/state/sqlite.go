package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/atlas-health/refsync/internal/model"
)

// SQLiteStore persists download states in an embedded SQLite database,
// one versioned JSON blob per source.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite database at the given DSN,
// configuring WAL mode for durable concurrent access.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "state: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "state: exec %s", pragma)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS download_state (
		source_id  TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		data       TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "state: create table")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sourceID string) (*model.DownloadState, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM download_state WHERE source_id = ?`, sourceID,
	).Scan(&version, &data)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "state: get %s", sourceID)
	}

	var st model.DownloadState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, eris.Wrapf(err, "state: decode %s", sourceID)
	}
	st.Version = version
	return &st, nil
}

func (s *SQLiteStore) Put(ctx context.Context, st *model.DownloadState) error {
	next := *st
	next.Version = st.Version + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return eris.Wrapf(err, "state: encode %s", st.SourceID)
	}

	if st.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO download_state (source_id, version, data, updated_at) VALUES (?, ?, ?, ?)`,
			st.SourceID, next.Version, string(data), next.UpdatedAt,
		)
		if err != nil {
			// Only a row already present means another writer won the
			// insert; any other failure is a storage error.
			var existing int
			checkErr := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM download_state WHERE source_id = ?`, st.SourceID,
			).Scan(&existing)
			if checkErr == nil && existing > 0 {
				return ErrVersionConflict
			}
			return eris.Wrapf(err, "state: put %s", st.SourceID)
		}
	} else {
		res, err := s.db.ExecContext(ctx,
			`UPDATE download_state SET version = ?, data = ?, updated_at = ? WHERE source_id = ? AND version = ?`,
			next.Version, string(data), next.UpdatedAt, st.SourceID, st.Version,
		)
		if err != nil {
			return eris.Wrapf(err, "state: put %s", st.SourceID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrapf(err, "state: rows affected for %s", st.SourceID)
		}
		if n == 0 {
			return ErrVersionConflict
		}
	}

	st.Version = next.Version
	st.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.DownloadState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, data FROM download_state ORDER BY source_id`)
	if err != nil {
		return nil, eris.Wrap(err, "state: list")
	}
	defer rows.Close()

	var states []model.DownloadState
	for rows.Next() {
		var version int64
		var data string
		if err := rows.Scan(&version, &data); err != nil {
			return nil, eris.Wrap(err, "state: scan")
		}
		var st model.DownloadState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, eris.Wrap(err, "state: decode")
		}
		st.Version = version
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM download_state WHERE source_id = ?`, sourceID)
	return eris.Wrapf(err, "state: reset %s", sourceID)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
