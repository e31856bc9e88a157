// Package model defines the shared data types flowing through the refsync
// acquisition and consolidation pipeline.
package model

import (
	"strings"
	"time"
)

// RawRecord is a single upstream record exactly as fetched. Raw records are
// ephemeral: they exist only between the fetch and the normalizer and are
// never persisted.
type RawRecord struct {
	SourceID  string         `json:"source_id"`
	FetchTime time.Time      `json:"fetch_time"`
	Payload   map[string]any `json:"payload"`
}

// NormalizedRecord is the source-agnostic shape every validator produces.
// It is immutable once created.
type NormalizedRecord struct {
	// SubjectKey is the natural identifier of the real-world subject
	// (e.g. a drug's generic name). Canonical-key derivation runs on top
	// of this value.
	SubjectKey string `json:"subject_key"`

	// RecordID is the stable per-source identifier of this record
	// (NDC code, ICD-10 code, HCPCS code, PMID). Together with SourceID
	// it dedupes contributors across runs.
	RecordID string `json:"record_id"`

	SourceID          string    `json:"source_id"`
	SourceTrustWeight float64   `json:"source_trust_weight"`
	FetchTime         time.Time `json:"fetch_time"`

	// Fields holds scalar field values, keyed by field name. Empty values
	// are omitted by the normalizer.
	Fields map[string]string `json:"fields"`

	// Sets holds set-valued fields (aliases, warnings, categories).
	Sets map[string][]string `json:"sets,omitempty"`
}

// Field returns the named scalar field, or "" if absent.
func (r NormalizedRecord) Field(name string) string {
	return r.Fields[name]
}

// Key returns the (source_id, record_id) identity used to dedupe
// contributors.
func (r NormalizedRecord) Key() string {
	return r.SourceID + "\x1f" + r.RecordID
}

// Completeness returns the fraction of the given field universe this record
// supplies a non-empty value for. Returns 0 for an empty universe.
func (r NormalizedRecord) Completeness(universe []string) float64 {
	if len(universe) == 0 {
		return 0
	}
	filled := 0
	for _, f := range universe {
		if strings.TrimSpace(r.Fields[f]) != "" {
			filled++
		}
	}
	return float64(filled) / float64(len(universe))
}
