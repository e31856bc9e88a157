package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/resilience"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestStageRecordsUpserts(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_refsync_staged_records"},
		[]string{"source_id", "record_id", "subject_key", "canonical_key",
			"trust_weight", "fetch_time", "fields", "sets"}).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	w := NewWriter(mock, nil)
	err := w.StageRecords(context.Background(), []model.NormalizedRecord{
		{SourceID: "ndc", RecordID: "0001-0001", SubjectKey: "Lisinopril",
			SourceTrustWeight: 0.9, Fields: map[string]string{"name": "Lisinopril"}},
		{SourceID: "ndc", RecordID: "0001-0002", SubjectKey: "Metformin",
			SourceTrustWeight: 0.9, Fields: map[string]string{"name": "Metformin"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageRecordsEmptyIsNoop(t *testing.T) {
	w := NewWriter(newMock(t), nil)
	assert.NoError(t, w.StageRecords(context.Background(), nil))
}

func TestStageRecordsWrapsStorageErrors(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin().WillReturnError(eris.New("pool closed"))

	w := NewWriter(mock, nil)
	err := w.StageRecords(context.Background(), []model.NormalizedRecord{
		{SourceID: "ndc", RecordID: "1", SubjectKey: "X"},
	})
	require.Error(t, err)
	assert.True(t, resilience.IsStorage(err))
}

func TestLoadStagedFiltersBySource(t *testing.T) {
	mock := newMock(t)

	fields, _ := json.Marshal(map[string]string{"name": "Lisinopril"})
	sets, _ := json.Marshal(map[string][]string{"aliases": {"Lisinopril"}})
	fetched := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT source_id, record_id").
		WithArgs([]string{"ndc"}).
		WillReturnRows(pgxmock.NewRows([]string{
			"source_id", "record_id", "subject_key", "trust_weight", "fetch_time", "fields", "sets",
		}).AddRow("ndc", "0001-0001", "Lisinopril", 0.9, fetched, fields, sets))

	w := NewWriter(mock, nil)
	records, err := w.LoadStaged(context.Background(), []string{"ndc"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Lisinopril", records[0].SubjectKey)
	assert.Equal(t, "Lisinopril", records[0].Fields["name"])
	assert.Equal(t, []string{"Lisinopril"}, records[0].Sets["aliases"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityAbsentReturnsNil(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT canonical_key").
		WithArgs("DRUG A").
		WillReturnError(pgx.ErrNoRows)

	w := NewWriter(mock, nil)
	entity, err := w.GetEntity(context.Background(), "DRUG A")
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func entityRow(e *model.CanonicalEntity) *pgxmock.Rows {
	resolved, _ := json.Marshal(e.Resolved)
	var sets []byte
	if len(e.Sets) > 0 {
		sets, _ = json.Marshal(e.Sets)
	}
	contributors, _ := json.Marshal(e.Contributors)
	return pgxmock.NewRows([]string{
		"canonical_key", "resolved", "sets", "source_ids", "contributors",
		"confidence_score", "total_contributors", "created_at", "updated_at",
	}).AddRow(e.CanonicalKey, resolved, sets, e.SourceIDs, contributors,
		e.ConfidenceScore, e.TotalContributors, e.CreatedAt, e.UpdatedAt)
}

func TestUpsertMergeInsertsNewEntity(t *testing.T) {
	mock := newMock(t)

	entity := &model.CanonicalEntity{
		CanonicalKey:      "DRUG A",
		Resolved:          map[string]string{"name": "Drug A"},
		SourceIDs:         []string{"ndc"},
		Contributors:      []model.NormalizedRecord{{SourceID: "ndc", RecordID: "1", SubjectKey: "Drug A"}},
		ConfidenceScore:   0.7,
		TotalContributors: 1,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT canonical_key").
		WithArgs("DRUG A").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO refsync.canonical_entities").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO refsync.contributor_log").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	w := NewWriter(mock, nil)
	created, err := w.UpsertMerge(context.Background(), entity)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMergeKeepsHigherConfidenceResolution(t *testing.T) {
	mock := newMock(t)

	stored := &model.CanonicalEntity{
		CanonicalKey:      "DRUG A",
		Resolved:          map[string]string{"name": "Drug A", "description": "authoritative text"},
		SourceIDs:         []string{"icd10"},
		Contributors:      []model.NormalizedRecord{{SourceID: "icd10", RecordID: "E11", SubjectKey: "Drug A"}},
		ConfidenceScore:   0.9,
		TotalContributors: 1,
	}
	incoming := &model.CanonicalEntity{
		CanonicalKey:      "DRUG A",
		Resolved:          map[string]string{"name": "drug a"},
		SourceIDs:         []string{"pubmed"},
		Contributors:      []model.NormalizedRecord{{SourceID: "pubmed", RecordID: "101", SubjectKey: "drug a"}},
		ConfidenceScore:   0.5,
		TotalContributors: 1,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT canonical_key").
		WithArgs("DRUG A").
		WillReturnRows(entityRow(stored))
	mock.ExpectExec("UPDATE refsync.canonical_entities").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO refsync.contributor_log").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO refsync.contributor_log").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	core, logs := observer.New(zap.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	w := NewWriter(mock, nil)
	created, err := w.UpsertMerge(context.Background(), incoming)
	require.NoError(t, err)
	assert.False(t, created)

	// The losing resolution is noted in the log, not dropped silently.
	warned := logs.FilterMessage("stored resolution kept over lower-confidence merge").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "DRUG A", warned[0].ContextMap()["canonical_key"])
	assert.InDelta(t, 0.9, warned[0].ContextMap()["stored_confidence"].(float64), 1e-9)
	assert.InDelta(t, 0.5, warned[0].ContextMap()["incoming_confidence"].(float64), 1e-9)

	// The stored higher-confidence resolution survives; contributors union.
	assert.Equal(t, "authoritative text", incoming.Resolved["description"])
	assert.Equal(t, "Drug A", incoming.Resolved["name"])
	assert.InDelta(t, 0.9, incoming.ConfidenceScore, 1e-9)
	assert.Len(t, incoming.Contributors, 2)
	assert.Equal(t, []string{"icd10", "pubmed"}, incoming.SourceIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeEntityUnionsSets(t *testing.T) {
	entity := &model.CanonicalEntity{
		CanonicalKey:    "DRUG A",
		Sets:            map[string][]string{"aliases": {"Drug A"}},
		ConfidenceScore: 0.8,
	}
	stored := &model.CanonicalEntity{
		CanonicalKey:    "DRUG A",
		Sets:            map[string][]string{"aliases": {"drug a", "Drug A"}, "categories": {"ACE Inhibitor"}},
		ConfidenceScore: 0.4,
	}

	assert.False(t, mergeEntity(entity, stored))
	assert.Equal(t, []string{"Drug A", "drug a"}, entity.Sets["aliases"])
	assert.Equal(t, []string{"ACE Inhibitor"}, entity.Sets["categories"])
	// Incoming confidence was higher, so its resolution would stand.
	assert.InDelta(t, 0.8, entity.ConfidenceScore, 1e-9)
}

type recordingNotifier struct {
	keys []string
}

func (n *recordingNotifier) NotifyReindex(_ context.Context, key string) error {
	n.keys = append(n.keys, key)
	return nil
}

func TestUpsertMergeNotifiesReindex(t *testing.T) {
	mock := newMock(t)

	entity := &model.CanonicalEntity{
		CanonicalKey: "DRUG A",
		Resolved:     map[string]string{"name": "Drug A"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT canonical_key").
		WithArgs("DRUG A").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO refsync.canonical_entities").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	notifier := &recordingNotifier{}
	w := NewWriter(mock, notifier)
	_, err := w.UpsertMerge(context.Background(), entity)
	require.NoError(t, err)
	assert.Equal(t, []string{"DRUG A"}, notifier.keys)
}

func TestGetStats(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(120)))
	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"count", "filter"}).AddRow(int64(40), int64(3)))

	w := NewWriter(mock, nil)
	stats, err := w.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), stats.StagedRecords)
	assert.Equal(t, int64(40), stats.CanonicalEntities)
	assert.Equal(t, int64(3), stats.PendingReindex)
}
