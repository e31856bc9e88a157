// Package source implements the per-catalog adapters that fetch reference
// data page by page. Each adapter speaks one upstream protocol and yields
// RawRecords plus an opaque cursor the caller persists between pages.
package source

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/model"
)

// Page is one fetched batch. NextCursor resumes the fetch after this page
// has been committed; Done reports that the upstream has no further pages.
type Page struct {
	Records    []model.RawRecord
	NextCursor string
	Done       bool
}

// Source fetches one upstream reference catalog.
type Source interface {
	// ID returns the catalog source id ("ndc", "icd10", ...).
	ID() string

	// TrustWeight returns the configured trust weight in [0,1].
	TrustWeight() float64

	// FetchPage fetches the page at cursor. An empty cursor starts from
	// the beginning. Errors are classified with the resilience package so
	// the caller can distinguish rate limits from permanent failures.
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// Registry holds the configured sources by id.
type Registry struct {
	byID  map[string]Source
	order []string
}

// NewSourceRegistry builds an empty registry.
func NewSourceRegistry() *Registry {
	return &Registry{byID: make(map[string]Source)}
}

// Register adds a source. Later registrations with the same id replace
// earlier ones without changing iteration order.
func (r *Registry) Register(s Source) {
	if _, ok := r.byID[s.ID()]; !ok {
		r.order = append(r.order, s.ID())
	}
	r.byID[s.ID()] = s
}

// For returns the source with the given id.
func (r *Registry) For(id string) (Source, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, eris.Errorf("source: unknown source %q", id)
	}
	return s, nil
}

// IDs returns all registered ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
