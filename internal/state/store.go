// Package state persists per-source download progress. The acquisition
// orchestrator writes a DownloadState after every transition; on restart
// the stored cursor is what the next run resumes from.
package state

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/model"
)

// ErrNotFound is returned by Get for a source that has never been persisted.
var ErrNotFound = eris.New("state: download state not found")

// ErrVersionConflict is returned by Put when the stored version no longer
// matches the version the caller read. Each source has a single writer per
// run, so a conflict means a concurrent run or an operator reset raced us.
var ErrVersionConflict = eris.New("state: version conflict")

// Store is the durable download-state store. Put is a compare-and-swap on
// the state's Version field: a successful Put increments Version in place.
type Store interface {
	Get(ctx context.Context, sourceID string) (*model.DownloadState, error)
	Put(ctx context.Context, st *model.DownloadState) error
	List(ctx context.Context) ([]model.DownloadState, error)

	// Reset deletes a source's state entirely. Operator-only.
	Reset(ctx context.Context, sourceID string) error

	Close() error
}

// Load fetches the state for a source, returning a fresh initial state if
// none has ever been persisted.
func Load(ctx context.Context, s Store, sourceID string) (*model.DownloadState, error) {
	st, err := s.Get(ctx, sourceID)
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			return model.NewDownloadState(sourceID), nil
		}
		return nil, err
	}
	return st, nil
}
