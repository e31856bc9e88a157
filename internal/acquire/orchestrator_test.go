package acquire

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/normalize"
	"github.com/atlas-health/refsync/internal/resilience"
	"github.com/atlas-health/refsync/internal/source"
	"github.com/atlas-health/refsync/internal/state"
)

// scriptedSource plays back a fixed sequence of fetch outcomes. When the
// script runs out it keeps replaying the final step.
type scriptedSource struct {
	steps []func(cursor string) (*source.Page, error)
	calls int
}

func (s *scriptedSource) ID() string           { return "test" }
func (s *scriptedSource) TrustWeight() float64 { return 0.8 }

func (s *scriptedSource) FetchPage(_ context.Context, cursor string) (*source.Page, error) {
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i](cursor)
}

// pageStep serves count records and advances a numeric cursor.
func pageStep(count int, done bool) func(string) (*source.Page, error) {
	return func(cursor string) (*source.Page, error) {
		offset := 0
		if cursor != "" {
			offset, _ = strconv.Atoi(cursor)
		}
		records := make([]model.RawRecord, count)
		for i := range records {
			records[i] = model.RawRecord{
				SourceID: "test",
				Payload:  map[string]any{"id": strconv.Itoa(offset + i), "name": "Subject"},
			}
		}
		return &source.Page{
			Records:    records,
			NextCursor: strconv.Itoa(offset + count),
			Done:       done,
		}, nil
	}
}

func errStep(err error) func(string) (*source.Page, error) {
	return func(string) (*source.Page, error) { return nil, err }
}

// passNormalizer converts payloads straight through, rejecting any record
// whose payload carries reject=true.
type passNormalizer struct{}

func (passNormalizer) SourceID() string { return "test" }

func (passNormalizer) Normalize(raw model.RawRecord) (*model.NormalizedRecord, error) {
	if reject, _ := raw.Payload["reject"].(bool); reject {
		return nil, normalize.Rejectf("test: rejected")
	}
	id, _ := raw.Payload["id"].(string)
	name, _ := raw.Payload["name"].(string)
	return &model.NormalizedRecord{
		SubjectKey:        name,
		RecordID:          id,
		SourceID:          "test",
		SourceTrustWeight: 0.8,
		Fields:            map[string]string{"name": name},
	}, nil
}

// captureStager records everything staged; failErr makes it fail instead.
type captureStager struct {
	staged  []model.NormalizedRecord
	failErr error
}

func (c *captureStager) StageRecords(_ context.Context, records []model.NormalizedRecord) error {
	if c.failErr != nil {
		return c.failErr
	}
	c.staged = append(c.staged, records...)
	return nil
}

func testCatalog() *config.Catalog {
	return &config.Catalog{Sources: []config.SourceConfig{{
		ID:                   "test",
		TrustWeight:          0.8,
		PageSize:             2,
		MaxDailyRetries:      10,
		CooldownSecs:         0,
		TransientDelaySecs:   0,
		TransientMaxAttempts: 3,
	}}}
}

func newTestOrchestrator(t *testing.T, src *scriptedSource, stager *captureStager) (*Orchestrator, state.Store) {
	t.Helper()

	reg := source.NewSourceRegistry()
	reg.Register(src)

	norms := normalize.NewRegistry(nil)
	norms.Register(passNormalizer{})

	states, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	return New(testCatalog(), reg, norms, states, stager), states
}

func TestRunCompletesAndPersistsCursor(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		pageStep(2, false),
		pageStep(2, false),
		pageStep(1, true),
	}}
	stager := &captureStager{}
	o, states := newTestOrchestrator(t, src, stager)

	summary, err := o.Run(context.Background(), "test", false)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
	assert.Equal(t, 5, summary.ItemsFetched)
	assert.Equal(t, 5, summary.ItemsValid)
	assert.Equal(t, 3, summary.Pages)
	assert.False(t, summary.Resumed)
	assert.Len(t, stager.staged, 5)

	st, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Equal(t, "5", st.Cursor)
	assert.Equal(t, int64(5), st.CompletedCount)
}

func TestRunIdempotentResume(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		pageStep(3, true),
	}}
	stager := &captureStager{}
	o, states := newTestOrchestrator(t, src, stager)

	_, err := o.Run(context.Background(), "test", false)
	require.NoError(t, err)

	// Second run resumes from the stored cursor and finds nothing new.
	src.steps = []func(string) (*source.Page, error){
		func(cursor string) (*source.Page, error) {
			assert.Equal(t, "3", cursor)
			return &source.Page{NextCursor: cursor, Done: true}, nil
		},
	}
	src.calls = 0

	summary, err := o.Run(context.Background(), "test", false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
	assert.Equal(t, 0, summary.ItemsFetched)
	assert.True(t, summary.Resumed)

	st, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.CompletedCount)
}

func TestRunForceFreshResetsCursor(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		func(cursor string) (*source.Page, error) {
			assert.Equal(t, "", cursor)
			return pageStep(2, true)(cursor)
		},
	}}
	stager := &captureStager{}
	o, states := newTestOrchestrator(t, src, stager)

	seed := model.NewDownloadState("test")
	seed.Cursor = "40"
	seed.CompletedCount = 40
	seed.Status = model.StatusCompleted
	require.NoError(t, states.Put(context.Background(), seed))

	summary, err := o.Run(context.Background(), "test", true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
	assert.False(t, summary.Resumed)

	st, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.CompletedCount)
}

func TestRunRateLimitCeiling(t *testing.T) {
	rl := resilience.RateLimited(eris.New("429"), 0)
	src := &scriptedSource{steps: []func(string) (*source.Page, error){errStep(rl)}}
	o, states := newTestOrchestrator(t, src, &captureStager{})

	summary, err := o.Run(context.Background(), "test", false)
	require.Error(t, err)

	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, model.ErrKindRateLimited, summary.LastErrorKind)
	// max_daily_retries=10: ten fetch attempts, the eleventh is refused
	// before any network call.
	assert.Equal(t, 10, src.calls)

	st, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 10, st.DailyRetryCount)

	// Same calendar day: the next invocation is refused locally.
	src.calls = 0
	summary, err = o.Run(context.Background(), "test", false)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, 0, src.calls)
}

func TestRunPermanentErrorNeedsReset(t *testing.T) {
	perm := resilience.Permanent(eris.New("401 unauthorized"))
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		errStep(perm),
		pageStep(1, true),
	}}
	o, _ := newTestOrchestrator(t, src, &captureStager{})

	summary, err := o.Run(context.Background(), "test", false)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, model.ErrKindPermanent, summary.LastErrorKind)
	assert.Equal(t, 1, src.calls)

	// Still failed permanently: refused without a fetch.
	_, err = o.Run(context.Background(), "test", false)
	require.Error(t, err)
	assert.Equal(t, 1, src.calls)

	// forceFresh is the operator reset.
	summary, err = o.Run(context.Background(), "test", true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
}

func TestRunTransientRetriesThenSucceeds(t *testing.T) {
	tr := resilience.Transient(eris.New("connection reset"), 0)
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		errStep(tr),
		errStep(tr),
		pageStep(2, true),
	}}
	o, _ := newTestOrchestrator(t, src, &captureStager{})

	summary, err := o.Run(context.Background(), "test", false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
	assert.Equal(t, 2, summary.ItemsFetched)
	assert.Equal(t, 3, src.calls)
}

func TestRunTransientExhausted(t *testing.T) {
	tr := resilience.Transient(eris.New("dial timeout"), 0)
	src := &scriptedSource{steps: []func(string) (*source.Page, error){errStep(tr)}}
	o, _ := newTestOrchestrator(t, src, &captureStager{})

	summary, err := o.Run(context.Background(), "test", false)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, model.ErrKindTransient, summary.LastErrorKind)
	assert.Equal(t, 3, src.calls)
}

func TestRunCancelDuringCooldown(t *testing.T) {
	rl := resilience.RateLimited(eris.New("429"), 30*time.Second)
	src := &scriptedSource{steps: []func(string) (*source.Page, error){errStep(rl)}}
	o, states := newTestOrchestrator(t, src, &captureStager{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	summary, err := o.Run(ctx, "test", false)
	require.Error(t, err)

	assert.Less(t, time.Since(start), 5*time.Second, "cool-down sleep must be cancellable")
	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, model.ErrKindCancelled, summary.LastErrorKind)

	st, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Equal(t, model.ErrKindCancelled, st.LastErrorKind)
}

func TestRunStorageFailureKeepsCursor(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		pageStep(2, false),
		pageStep(2, true),
	}}
	stager := &captureStager{failErr: resilience.Storage(eris.New("pool closed"))}
	o, states := newTestOrchestrator(t, src, stager)

	summary, err := o.Run(context.Background(), "test", false)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, model.ErrKindStorage, summary.LastErrorKind)

	// Page one was never committed, so resume refetches it.
	st, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "", st.Cursor)
	assert.Equal(t, int64(0), st.CompletedCount)
}

func TestRunCountsRejectedRecords(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		func(string) (*source.Page, error) {
			return &source.Page{
				Records: []model.RawRecord{
					{SourceID: "test", Payload: map[string]any{"id": "1", "name": "Good"}},
					{SourceID: "test", Payload: map[string]any{"id": "2", "reject": true}},
				},
				NextCursor: "2",
				Done:       true,
			}, nil
		},
	}}
	stager := &captureStager{}
	o, _ := newTestOrchestrator(t, src, stager)

	summary, err := o.Run(context.Background(), "test", false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ItemsFetched)
	assert.Equal(t, 1, summary.ItemsValid)
	assert.Equal(t, 1, summary.ItemsRejected)
	assert.Len(t, stager.staged, 1)
}

func TestRunHonorsStoredCooldownOnResume(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		pageStep(1, true),
	}}
	o, states := newTestOrchestrator(t, src, &captureStager{})

	// A previous process died mid-cool-down.
	st := model.NewDownloadState("test")
	st.Status = model.StatusRateLimited
	st.LastErrorKind = model.ErrKindRateLimited
	st.NextAllowedAttempt = time.Now().Add(150 * time.Millisecond)
	require.NoError(t, states.Put(context.Background(), st))

	start := time.Now()
	summary, err := o.Run(context.Background(), "test", false)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"first fetch must wait out the stored cool-down")
	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
	assert.Equal(t, 1, src.calls)
}

func TestRunStoredCooldownWaitIsCancellable(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		pageStep(1, true),
	}}
	o, states := newTestOrchestrator(t, src, &captureStager{})

	st := model.NewDownloadState("test")
	st.Status = model.StatusRateLimited
	st.LastErrorKind = model.ErrKindRateLimited
	st.NextAllowedAttempt = time.Now().Add(time.Hour)
	require.NoError(t, states.Put(context.Background(), st))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	summary, err := o.Run(ctx, "test", false)
	require.Error(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, src.calls, "no fetch may happen inside the cool-down window")
	assert.Equal(t, model.StatusFailed, summary.FinalStatus)
	assert.Equal(t, model.ErrKindCancelled, summary.LastErrorKind)

	got, err := states.Get(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestRunForceFreshDiscardsStoredCooldown(t *testing.T) {
	src := &scriptedSource{steps: []func(string) (*source.Page, error){
		pageStep(1, true),
	}}
	o, states := newTestOrchestrator(t, src, &captureStager{})

	st := model.NewDownloadState("test")
	st.Status = model.StatusRateLimited
	st.LastErrorKind = model.ErrKindRateLimited
	st.NextAllowedAttempt = time.Now().Add(time.Hour)
	require.NoError(t, states.Put(context.Background(), st))

	start := time.Now()
	summary, err := o.Run(context.Background(), "test", true)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.StatusCompleted, summary.FinalStatus)
}
