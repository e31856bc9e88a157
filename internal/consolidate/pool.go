package consolidate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-health/refsync/internal/model"
)

// EntityStore is the canonical storage surface the runner writes through.
type EntityStore interface {
	// GetEntity returns the stored entity for a key, or nil when absent.
	GetEntity(ctx context.Context, canonicalKey string) (*model.CanonicalEntity, error)

	// UpsertMerge writes the entity with merge-on-conflict semantics and
	// reports whether a new row was created.
	UpsertMerge(ctx context.Context, entity *model.CanonicalEntity) (bool, error)
}

// Runner fans consolidation out over a bounded worker pool, one canonical
// key per task. Writes to the same key are serialized by a per-key lock on
// top of the store's own row locking.
type Runner struct {
	engine   *Engine
	store    EntityStore
	enricher *enrichApplier
	workers  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	log *zap.Logger
}

// NewRunner builds a runner. enricher may be nil; enrichment is then
// skipped entirely.
func NewRunner(engine *Engine, store EntityStore, enricher Enricher, workers int, enrichTimeout time.Duration) *Runner {
	if workers <= 0 {
		workers = 5
	}
	r := &Runner{
		engine:  engine,
		store:   store,
		workers: workers,
		locks:   make(map[string]*sync.Mutex),
		log:     zap.L().With(zap.String("component", "consolidate")),
	}
	if enricher != nil {
		r.enricher = newEnrichApplier(enricher, enrichTimeout)
	}
	return r
}

func (r *Runner) keyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Run consolidates the given records into canonical entities and returns
// the summary. Keys are processed concurrently; a failure on one key
// cancels the rest and surfaces the first error.
func (r *Runner) Run(ctx context.Context, sourceIDs []string, records []model.NormalizedRecord) (*model.ConsolidationSummary, error) {
	start := time.Now()
	summary := &model.ConsolidationSummary{SourceIDs: sourceIDs, RecordsIn: len(records)}

	groups := GroupByKey(records)
	summary.Groups = len(groups)

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var counters sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, key := range keys {
		g.Go(func() error {
			created, enriched, err := r.consolidateKey(gctx, key, groups[key])
			if err != nil {
				return err
			}

			counters.Lock()
			if created {
				summary.EntitiesCreated++
			} else {
				summary.EntitiesUpdated++
			}
			if enriched {
				summary.Enriched++
			} else if r.enricher != nil {
				summary.EnrichSkipped++
			}
			counters.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	summary.Duration = time.Since(start)
	r.log.Info("consolidation finished",
		zap.Int("records_in", summary.RecordsIn),
		zap.Int("groups", summary.Groups),
		zap.Int("created", summary.EntitiesCreated),
		zap.Int("updated", summary.EntitiesUpdated),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (r *Runner) consolidateKey(ctx context.Context, key string, group []model.NormalizedRecord) (created bool, enriched bool, err error) {
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.store.GetEntity(ctx, key)
	if err != nil {
		return false, false, eris.Wrapf(err, "load entity %s", key)
	}

	entity := r.engine.Consolidate(key, group, existing)
	enriched = r.enricher.apply(ctx, &entity)

	created, err = r.store.UpsertMerge(ctx, &entity)
	if err != nil {
		return false, false, eris.Wrapf(err, "upsert entity %s", key)
	}
	return created, enriched, nil
}
