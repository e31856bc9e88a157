package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/db"
	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/normalize"
	"github.com/atlas-health/refsync/internal/resilience"
)

// IndexNotifier is the external search-index collaborator. The writer
// signals which entities need reindexing; it never performs indexing.
type IndexNotifier interface {
	NotifyReindex(ctx context.Context, canonicalKey string) error
}

// Writer owns the persisted representation: staged records, canonical
// entities, and the contributor audit log.
type Writer struct {
	pool     db.Pool
	notifier IndexNotifier
	log      *zap.Logger
}

// NewWriter builds a writer. notifier may be nil.
func NewWriter(pool db.Pool, notifier IndexNotifier) *Writer {
	return &Writer{
		pool:     pool,
		notifier: notifier,
		log:      zap.L().With(zap.String("component", "storage")),
	}
}

// StageRecords upserts one page of normalized records into the staging
// table, keyed on (source_id, record_id) so refetched pages never
// duplicate rows.
func (w *Writer) StageRecords(ctx context.Context, records []model.NormalizedRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return eris.Wrap(err, "storage: marshal fields")
		}
		var setsJSON []byte
		if len(rec.Sets) > 0 {
			if setsJSON, err = json.Marshal(rec.Sets); err != nil {
				return eris.Wrap(err, "storage: marshal sets")
			}
		}
		rows = append(rows, []any{
			rec.SourceID,
			rec.RecordID,
			rec.SubjectKey,
			normalize.CanonicalKey(rec.SubjectKey),
			rec.SourceTrustWeight,
			rec.FetchTime,
			fieldsJSON,
			setsJSON,
		})
	}

	_, err := db.BulkUpsert(ctx, w.pool, db.UpsertConfig{
		Table: "refsync.staged_records",
		Columns: []string{
			"source_id", "record_id", "subject_key", "canonical_key",
			"trust_weight", "fetch_time", "fields", "sets",
		},
		ConflictKeys: []string{"source_id", "record_id"},
	}, rows)
	if err != nil {
		return resilience.Storage(eris.Wrap(err, "storage: stage records"))
	}
	return nil
}

// LoadStaged returns the staged records for the given sources, or for every
// source when sourceIDs is empty.
func (w *Writer) LoadStaged(ctx context.Context, sourceIDs []string) ([]model.NormalizedRecord, error) {
	query := `SELECT source_id, record_id, subject_key, trust_weight, fetch_time, fields, sets
		FROM refsync.staged_records`
	var args []any
	if len(sourceIDs) > 0 {
		query += ` WHERE source_id = ANY($1)`
		args = append(args, sourceIDs)
	}
	query += ` ORDER BY source_id, record_id`

	rows, err := w.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, resilience.Storage(eris.Wrap(err, "storage: load staged"))
	}
	defer rows.Close()

	var records []model.NormalizedRecord
	for rows.Next() {
		var rec model.NormalizedRecord
		var fieldsJSON, setsJSON []byte
		if err := rows.Scan(&rec.SourceID, &rec.RecordID, &rec.SubjectKey,
			&rec.SourceTrustWeight, &rec.FetchTime, &fieldsJSON, &setsJSON); err != nil {
			return nil, eris.Wrap(err, "storage: scan staged record")
		}
		if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
			return nil, eris.Wrap(err, "storage: decode fields")
		}
		if len(setsJSON) > 0 {
			if err := json.Unmarshal(setsJSON, &rec.Sets); err != nil {
				return nil, eris.Wrap(err, "storage: decode sets")
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetEntity returns the canonical entity for a key, or nil when absent.
func (w *Writer) GetEntity(ctx context.Context, canonicalKey string) (*model.CanonicalEntity, error) {
	row := w.pool.QueryRow(ctx,
		`SELECT canonical_key, resolved, sets, source_ids, contributors,
			confidence_score, total_contributors, created_at, updated_at
		 FROM refsync.canonical_entities WHERE canonical_key = $1`,
		canonicalKey,
	)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, resilience.Storage(eris.Wrapf(err, "storage: get entity %s", canonicalKey))
	}
	return entity, nil
}

func scanEntity(row pgx.Row) (*model.CanonicalEntity, error) {
	var e model.CanonicalEntity
	var resolvedJSON, setsJSON, contributorsJSON []byte
	if err := row.Scan(&e.CanonicalKey, &resolvedJSON, &setsJSON, &e.SourceIDs,
		&contributorsJSON, &e.ConfidenceScore, &e.TotalContributors,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resolvedJSON, &e.Resolved); err != nil {
		return nil, eris.Wrap(err, "decode resolved")
	}
	if len(setsJSON) > 0 {
		if err := json.Unmarshal(setsJSON, &e.Sets); err != nil {
			return nil, eris.Wrap(err, "decode sets")
		}
	}
	if err := json.Unmarshal(contributorsJSON, &e.Contributors); err != nil {
		return nil, eris.Wrap(err, "decode contributors")
	}
	return &e, nil
}

// UpsertMerge writes an entity with merge-on-conflict semantics: resolved
// scalars are replaced only when the incoming confidence is at least the
// stored one, while sets and contributors are always unioned. Two
// concurrent consolidations of the same key therefore converge on the
// higher-confidence resolution without losing either's contributors.
func (w *Writer) UpsertMerge(ctx context.Context, entity *model.CanonicalEntity) (bool, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return false, resilience.Storage(eris.Wrap(err, "storage: begin upsert"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stored, err := scanEntity(tx.QueryRow(ctx,
		`SELECT canonical_key, resolved, sets, source_ids, contributors,
			confidence_score, total_contributors, created_at, updated_at
		 FROM refsync.canonical_entities WHERE canonical_key = $1 FOR UPDATE`,
		entity.CanonicalKey,
	))
	created := false
	switch {
	case err == nil:
		incoming := entity.ConfidenceScore
		if mergeEntity(entity, stored) {
			w.log.Warn("stored resolution kept over lower-confidence merge",
				zap.String("canonical_key", entity.CanonicalKey),
				zap.Float64("stored_confidence", stored.ConfidenceScore),
				zap.Float64("incoming_confidence", incoming),
			)
		}
	case errors.Is(err, pgx.ErrNoRows):
		created = true
	default:
		return false, resilience.Storage(eris.Wrapf(err, "storage: lock entity %s", entity.CanonicalKey))
	}

	resolvedJSON, err := json.Marshal(entity.Resolved)
	if err != nil {
		return false, eris.Wrap(err, "storage: marshal resolved")
	}
	var setsJSON []byte
	if len(entity.Sets) > 0 {
		if setsJSON, err = json.Marshal(entity.Sets); err != nil {
			return false, eris.Wrap(err, "storage: marshal sets")
		}
	}
	contributorsJSON, err := json.Marshal(entity.Contributors)
	if err != nil {
		return false, eris.Wrap(err, "storage: marshal contributors")
	}

	if created {
		_, err = tx.Exec(ctx,
			`INSERT INTO refsync.canonical_entities
				(canonical_key, resolved, sets, source_ids, contributors,
				 confidence_score, total_contributors, needs_reindex, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, true, now(), now())`,
			entity.CanonicalKey, resolvedJSON, setsJSON, entity.SourceIDs,
			contributorsJSON, entity.ConfidenceScore, entity.TotalContributors,
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE refsync.canonical_entities
			 SET resolved = $2, sets = $3, source_ids = $4, contributors = $5,
				confidence_score = $6, total_contributors = $7,
				needs_reindex = true, updated_at = now()
			 WHERE canonical_key = $1`,
			entity.CanonicalKey, resolvedJSON, setsJSON, entity.SourceIDs,
			contributorsJSON, entity.ConfidenceScore, entity.TotalContributors,
		)
	}
	if err != nil {
		return false, resilience.Storage(eris.Wrapf(err, "storage: write entity %s", entity.CanonicalKey))
	}

	if err := w.appendContributorLog(ctx, tx, entity); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, resilience.Storage(eris.Wrap(err, "storage: commit upsert"))
	}

	if w.notifier != nil {
		if err := w.notifier.NotifyReindex(ctx, entity.CanonicalKey); err != nil {
			w.log.Warn("reindex notification failed",
				zap.String("canonical_key", entity.CanonicalKey),
				zap.Error(err),
			)
		}
	}
	return created, nil
}

// appendContributorLog records every contributor in the append-only audit
// log. Already-logged contributors are a no-op.
func (w *Writer) appendContributorLog(ctx context.Context, tx pgx.Tx, entity *model.CanonicalEntity) error {
	for _, rec := range entity.Contributors {
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrap(err, "storage: marshal contributor")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO refsync.contributor_log (canonical_key, source_id, record_id, ingestion_time, record)
			 VALUES ($1, $2, $3, now(), $4)
			 ON CONFLICT (canonical_key, source_id, record_id) DO NOTHING`,
			entity.CanonicalKey, rec.SourceID, rec.RecordID, recJSON,
		); err != nil {
			return resilience.Storage(eris.Wrap(err, "storage: append contributor log"))
		}
	}
	return nil
}

// mergeEntity folds the stored row into the incoming entity under the
// upsert-merge rules. It reports whether the stored resolution won over
// the incoming one.
func mergeEntity(entity *model.CanonicalEntity, stored *model.CanonicalEntity) bool {
	overrode := false
	// A lower-confidence write never downgrades the stored resolution.
	if stored.ConfidenceScore > entity.ConfidenceScore {
		entity.Resolved = stored.Resolved
		entity.ConfidenceScore = stored.ConfidenceScore
		overrode = true
	}
	entity.CreatedAt = stored.CreatedAt

	for _, rec := range stored.Contributors {
		if !entity.HasContributor(rec) {
			entity.Contributors = append(entity.Contributors, rec)
		}
	}
	entity.TotalContributors = len(entity.Contributors)

	entity.Sets = mergeSets(entity.Sets, stored.Sets)
	entity.SourceIDs = unionStrings(entity.SourceIDs, stored.SourceIDs)
	return overrode
}

func mergeSets(a, b map[string][]string) map[string][]string {
	if len(b) == 0 {
		return a
	}
	if a == nil {
		a = make(map[string][]string)
	}
	for name, values := range b {
		a[name] = unionValues(a[name], values)
	}
	return a
}

func unionValues(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	merged := append([]string{}, a...)
	for _, v := range b {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
	}
	sort.Slice(merged, func(i, j int) bool {
		li, lj := strings.ToLower(merged[i]), strings.ToLower(merged[j])
		if li != lj {
			return li < lj
		}
		return merged[i] < merged[j]
	})
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
	}
	sort.Strings(merged)
	return merged
}

// Stats reports row counts for the status surface.
type Stats struct {
	StagedRecords     int64     `json:"staged_records"`
	CanonicalEntities int64     `json:"canonical_entities"`
	PendingReindex    int64     `json:"pending_reindex"`
	AsOf              time.Time `json:"as_of"`
}

// GetStats returns current table counts.
func (w *Writer) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{AsOf: time.Now().UTC()}
	if err := w.pool.QueryRow(ctx,
		`SELECT count(*) FROM refsync.staged_records`).Scan(&stats.StagedRecords); err != nil {
		return nil, resilience.Storage(eris.Wrap(err, "storage: count staged"))
	}
	if err := w.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE needs_reindex)
		 FROM refsync.canonical_entities`).Scan(&stats.CanonicalEntities, &stats.PendingReindex); err != nil {
		return nil, resilience.Storage(eris.Wrap(err, "storage: count entities"))
	}
	return stats, nil
}
