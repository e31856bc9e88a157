package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/model"
)

// FileStore keeps one JSON file per source in a directory. Writes go to a
// temp file first and are renamed into place, so a crash can never leave a
// truncated state file behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "state: create dir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(sourceID string) string {
	return filepath.Join(f.dir, sourceID+".json")
}

func (f *FileStore) Get(ctx context.Context, sourceID string) (*model.DownloadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(sourceID)
}

func (f *FileStore) read(sourceID string) (*model.DownloadState, error) {
	data, err := os.ReadFile(f.path(sourceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "state: read %s", sourceID)
	}

	var st model.DownloadState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, eris.Wrapf(err, "state: decode %s", sourceID)
	}
	return &st, nil
}

func (f *FileStore) Put(ctx context.Context, st *model.DownloadState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read(st.SourceID)
	switch {
	case err == nil:
		if current.Version != st.Version {
			return ErrVersionConflict
		}
	case eris.Is(err, ErrNotFound):
		if st.Version != 0 {
			return ErrVersionConflict
		}
	default:
		return err
	}

	st.Version++
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "state: encode %s", st.SourceID)
	}

	tmp, err := os.CreateTemp(f.dir, st.SourceID+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "state: create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrapf(err, "state: write %s", st.SourceID)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrapf(err, "state: sync %s", st.SourceID)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "state: close temp for %s", st.SourceID)
	}

	if err := os.Rename(tmpName, f.path(st.SourceID)); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "state: rename into place for %s", st.SourceID)
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]model.DownloadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "state: list %s", f.dir)
	}

	var states []model.DownloadState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].SourceID < states[j].SourceID })
	return states, nil
}

func (f *FileStore) Reset(ctx context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(sourceID)); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "state: reset %s", sourceID)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
