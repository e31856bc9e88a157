package consolidate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/resilience"
)

// Enricher is the optional external collaborator that augments a canonical
// entity after consolidation. Failures never block or fail consolidation.
type Enricher interface {
	Enrich(ctx context.Context, entity *model.CanonicalEntity) (map[string]any, error)
}

// enrichApplier wraps an Enricher with a timeout and a circuit breaker so
// a slow or dead collaborator degrades to skipping enrichment.
type enrichApplier struct {
	enricher Enricher
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
	log      *zap.Logger
}

func newEnrichApplier(enricher Enricher, timeout time.Duration) *enrichApplier {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &enrichApplier{
		enricher: enricher,
		breaker:  resilience.NewCircuitBreaker(3, 2*time.Minute),
		timeout:  timeout,
		log:      zap.L().With(zap.String("component", "enrich")),
	}
}

// apply enriches the entity in place. It reports whether enrichment ran;
// false means it was skipped, never that consolidation failed.
func (a *enrichApplier) apply(ctx context.Context, entity *model.CanonicalEntity) bool {
	if a == nil || a.enricher == nil {
		return false
	}

	if err := a.breaker.Allow(); err != nil {
		a.log.Debug("enrichment skipped, circuit open",
			zap.String("canonical_key", entity.CanonicalKey),
		)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	patch, err := a.enricher.Enrich(ctx, entity)
	a.breaker.Record(err)
	if err != nil {
		a.log.Warn("enrichment failed, skipping",
			zap.String("canonical_key", entity.CanonicalKey),
			zap.Error(err),
		)
		return false
	}

	applied := false
	for name, value := range patch {
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		// Enrichment only fills gaps; it never overrides a value the
		// sources resolved.
		if _, exists := entity.Resolved[name]; exists {
			continue
		}
		if entity.Resolved == nil {
			entity.Resolved = make(map[string]string)
		}
		entity.Resolved[name] = strings.TrimSpace(s)
		applied = true
	}
	return applied
}
