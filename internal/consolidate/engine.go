// Package consolidate turns groups of normalized records into canonical
// entities: it resolves field-level conflicts by source trust, unions
// set-valued fields, and scores the merge's confidence.
package consolidate

import (
	"math"
	"sort"
	"strings"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/normalize"
)

// Engine holds the resolution configuration. Consolidate is a pure
// function of its inputs: the engine carries no clock and no mutable
// state, so re-running over the same records yields identical output.
type Engine struct {
	diversityWeight    float64
	completenessWeight float64
	trustWeight        float64
	diversityCap       int
	preferLongest      map[string]bool
}

// NewEngine builds an engine from the consolidation config.
func NewEngine(cfg config.ConsolidateConfig) *Engine {
	longest := make(map[string]bool, len(cfg.PreferLongestFields))
	for _, f := range cfg.PreferLongestFields {
		longest[f] = true
	}
	divCap := cfg.DiversityCap
	if divCap <= 0 {
		divCap = 3
	}
	return &Engine{
		diversityWeight:    cfg.DiversityWeight,
		completenessWeight: cfg.CompletenessWeight,
		trustWeight:        cfg.TrustWeight,
		diversityCap:       divCap,
		preferLongest:      longest,
	}
}

// GroupByKey buckets records by their derived canonical key. Records whose
// subject key normalizes to the empty string are dropped.
func GroupByKey(records []model.NormalizedRecord) map[string][]model.NormalizedRecord {
	groups := make(map[string][]model.NormalizedRecord)
	for _, rec := range records {
		key := normalize.CanonicalKey(rec.SubjectKey)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], rec)
	}
	return groups
}

// Consolidate merges a group of records for one canonical key into the
// existing entity (nil for a new key) and returns the updated entity.
// Contributors are additive: the union of existing contributors and the
// new group is always preserved.
func (e *Engine) Consolidate(key string, group []model.NormalizedRecord, existing *model.CanonicalEntity) model.CanonicalEntity {
	entity := model.CanonicalEntity{CanonicalKey: key}
	if existing != nil {
		entity.CanonicalKey = existing.CanonicalKey
		entity.CreatedAt = existing.CreatedAt
		entity.Contributors = append(entity.Contributors, existing.Contributors...)
	}

	for _, rec := range group {
		if entity.HasContributor(rec) {
			continue
		}
		entity.Contributors = append(entity.Contributors, rec)
	}

	entity.Resolved = e.resolveFields(entity.Contributors)
	entity.Sets = unionSets(entity.Contributors)
	entity.SourceIDs = distinctSources(entity.Contributors)
	entity.TotalContributors = len(entity.Contributors)
	entity.ConfidenceScore = e.confidence(entity.Contributors)
	return entity
}

// resolveFields picks one winning value per scalar field across all
// contributors. Free-text fields score len(value)*trust; categorical
// fields score trust alone with ties going to the earliest-seen
// contributor. Contributor order is the only tiebreak, which keeps the
// resolution deterministic.
func (e *Engine) resolveFields(contributors []model.NormalizedRecord) map[string]string {
	resolved := make(map[string]string)
	scores := make(map[string]float64)

	for _, rec := range contributors {
		for name, value := range rec.Fields {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}

			score := rec.SourceTrustWeight
			if e.preferLongest[name] {
				score = float64(len(value)) * rec.SourceTrustWeight
			}

			// Strictly greater: an earlier contributor keeps the
			// field on a tie.
			if _, seen := resolved[name]; !seen || score > scores[name] {
				resolved[name] = value
				scores[name] = score
			}
		}
	}
	return resolved
}

// unionSets merges set-valued fields across contributors, discarding blank
// entries and exact duplicates. Distinct casings of the same alias are both
// kept: they are real evidence of how different sources spell the subject.
// The case-insensitive sort keeps the order deterministic.
func unionSets(contributors []model.NormalizedRecord) map[string][]string {
	merged := make(map[string][]string)
	seen := make(map[string]map[string]bool)

	for _, rec := range contributors {
		for name, values := range rec.Sets {
			if seen[name] == nil {
				seen[name] = make(map[string]bool)
			}
			for _, v := range values {
				v = strings.TrimSpace(v)
				if v == "" || seen[name][v] {
					continue
				}
				seen[name][v] = true
				merged[name] = append(merged[name], v)
			}
		}
	}

	for name := range merged {
		vs := merged[name]
		sort.Slice(vs, func(i, j int) bool {
			li, lj := strings.ToLower(vs[i]), strings.ToLower(vs[j])
			if li != lj {
				return li < lj
			}
			return vs[i] < vs[j]
		})
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func distinctSources(contributors []model.NormalizedRecord) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range contributors {
		if !seen[rec.SourceID] {
			seen[rec.SourceID] = true
			ids = append(ids, rec.SourceID)
		}
	}
	sort.Strings(ids)
	return ids
}

// confidence is the weighted sum of source diversity, average field
// completeness, and average source trust.
func (e *Engine) confidence(contributors []model.NormalizedRecord) float64 {
	if len(contributors) == 0 {
		return 0
	}

	diversity := math.Min(1, float64(len(distinctSources(contributors)))/float64(e.diversityCap))

	universe := fieldUniverse(contributors)
	var completeness, trust float64
	for _, rec := range contributors {
		completeness += rec.Completeness(universe)
		trust += rec.SourceTrustWeight
	}
	completeness /= float64(len(contributors))
	trust /= float64(len(contributors))

	return e.diversityWeight*diversity + e.completenessWeight*completeness + e.trustWeight*trust
}

// fieldUniverse is the sorted union of scalar field names the contributors
// supply; completeness is measured against it.
func fieldUniverse(contributors []model.NormalizedRecord) []string {
	seen := make(map[string]bool)
	var names []string
	for _, rec := range contributors {
		for name, value := range rec.Fields {
			if strings.TrimSpace(value) == "" {
				continue
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}
