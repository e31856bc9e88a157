package model

import "time"

// CanonicalEntity is the deduplicated record produced by consolidation:
// one entity per real-world subject, carrying every contributing source
// record alongside the resolved view.
type CanonicalEntity struct {
	// CanonicalKey uniquely identifies the entity. Derived from the
	// subject key by normalization; grouping and storage both key on it.
	CanonicalKey string `json:"canonical_key"`

	// Resolved maps field name to the winning scalar value, one value per
	// field, chosen by the conflict-resolution rules.
	Resolved map[string]string `json:"resolved"`

	// Sets maps set-valued field names (aliases, warnings, categories) to
	// their unioned, deduplicated, sorted values.
	Sets map[string][]string `json:"sets,omitempty"`

	// SourceIDs lists the distinct contributing sources, sorted.
	SourceIDs []string `json:"source_ids"`

	// Contributors is the full list of normalized records ever grouped
	// under this key, across all runs. Additive: it never shrinks.
	Contributors []NormalizedRecord `json:"contributors"`

	ConfidenceScore   float64 `json:"confidence_score"`
	TotalContributors int     `json:"total_contributors"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasContributor reports whether a record with the same (source, record id)
// identity is already present.
func (e *CanonicalEntity) HasContributor(rec NormalizedRecord) bool {
	for _, c := range e.Contributors {
		if c.Key() == rec.Key() {
			return true
		}
	}
	return false
}
