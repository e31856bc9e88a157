// Package ingest exposes the trigger surface: run one source, run them
// all, consolidate staged records, and report status. CLI and HTTP
// callers both go through this service.
package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/state"
	"github.com/atlas-health/refsync/internal/storage"
)

// Acquirer runs the acquisition state machine for one source.
type Acquirer interface {
	Run(ctx context.Context, sourceID string, forceFresh bool) (*model.RunSummary, error)
}

// Consolidator merges staged records into canonical entities.
type Consolidator interface {
	Run(ctx context.Context, sourceIDs []string, records []model.NormalizedRecord) (*model.ConsolidationSummary, error)
}

// EntityReader is the storage surface the service reads through.
type EntityReader interface {
	LoadStaged(ctx context.Context, sourceIDs []string) ([]model.NormalizedRecord, error)
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// RunLog records run outcomes. It is best-effort: logging failures never
// fail a run.
type RunLog interface {
	Start(ctx context.Context, source string) (int64, error)
	Complete(ctx context.Context, runID int64, items int64, metadata map[string]any) error
	Fail(ctx context.Context, runID int64, errMsg string) error
}

// Service is the ingestion facade.
type Service struct {
	catalog      *config.Catalog
	acquirer     Acquirer
	consolidator Consolidator
	reader       EntityReader
	states       state.Store
	runLog       RunLog
	log          *zap.Logger
}

// NewService wires the ingestion facade. runLog may be nil.
func NewService(cat *config.Catalog, acquirer Acquirer, consolidator Consolidator, reader EntityReader, states state.Store, runLog RunLog) *Service {
	return &Service{
		catalog:      cat,
		acquirer:     acquirer,
		consolidator: consolidator,
		reader:       reader,
		states:       states,
		runLog:       runLog,
		log:          zap.L().With(zap.String("component", "ingest")),
	}
}

// RunSource runs one source's acquisition and records the outcome in the
// sync log.
func (s *Service) RunSource(ctx context.Context, sourceID string, forceFresh bool) (*model.RunSummary, error) {
	runID := s.logStart(ctx, sourceID)

	summary, err := s.acquirer.Run(ctx, sourceID, forceFresh)
	if err != nil {
		s.logFail(ctx, runID, err)
		return summary, err
	}

	s.logComplete(ctx, runID, summary)
	return summary, nil
}

// RunAll runs every catalog source concurrently, one worker per source.
// A failing source does not cancel the others; all summaries are returned
// together with the joined errors.
func (s *Service) RunAll(ctx context.Context, forceFresh bool) ([]model.RunSummary, error) {
	ids := s.catalog.IDs()
	summaries := make([]model.RunSummary, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			summary, err := s.RunSource(ctx, id, forceFresh)
			if summary != nil {
				summaries[i] = *summary
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	return summaries, errors.Join(errs...)
}

// RunConsolidation consolidates the staged records of the given sources
// (all sources when empty) into canonical entities.
func (s *Service) RunConsolidation(ctx context.Context, sourceIDs []string) (*model.ConsolidationSummary, error) {
	if len(sourceIDs) == 0 {
		sourceIDs = s.catalog.IDs()
	}
	for _, id := range sourceIDs {
		if s.catalog.ByID(id) == nil {
			return nil, eris.Errorf("ingest: unknown source %q", id)
		}
	}

	records, err := s.reader.LoadStaged(ctx, sourceIDs)
	if err != nil {
		return nil, eris.Wrap(err, "load staged records")
	}
	s.log.Info("consolidating staged records",
		zap.Strings("sources", sourceIDs),
		zap.Int("records", len(records)),
	)
	return s.consolidator.Run(ctx, sourceIDs, records)
}

// SourceStatus pairs a source's configured identity with its download
// state.
type SourceStatus struct {
	SourceID    string              `json:"source_id"`
	TrustWeight float64             `json:"trust_weight"`
	State       model.DownloadState `json:"state"`
}

// StatusReport is the full status surface.
type StatusReport struct {
	Sources []SourceStatus `json:"sources"`
	Storage *storage.Stats `json:"storage,omitempty"`
	AsOf    time.Time      `json:"as_of"`
}

// Status reports every source's download state plus storage counts.
// Storage being unreachable degrades the report rather than failing it.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{AsOf: time.Now().UTC()}

	states, err := s.states.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list download states")
	}
	byID := make(map[string]model.DownloadState, len(states))
	for _, st := range states {
		byID[st.SourceID] = st
	}

	for _, cfg := range s.catalog.Sources {
		st, ok := byID[cfg.ID]
		if !ok {
			st = *model.NewDownloadState(cfg.ID)
		}
		report.Sources = append(report.Sources, SourceStatus{
			SourceID:    cfg.ID,
			TrustWeight: cfg.TrustWeight,
			State:       st,
		})
	}
	sort.Slice(report.Sources, func(i, j int) bool {
		return report.Sources[i].SourceID < report.Sources[j].SourceID
	})

	if stats, err := s.reader.GetStats(ctx); err != nil {
		s.log.Warn("storage stats unavailable", zap.Error(err))
	} else {
		report.Storage = stats
	}
	return report, nil
}

// Reset clears a source's download state so the next run starts fresh.
// This is the operator escape hatch for permanently failed sources.
func (s *Service) Reset(ctx context.Context, sourceID string) error {
	if s.catalog.ByID(sourceID) == nil {
		return eris.Errorf("ingest: unknown source %q", sourceID)
	}
	if err := s.states.Reset(ctx, sourceID); err != nil {
		return eris.Wrapf(err, "reset state for %s", sourceID)
	}
	s.log.Info("source state reset", zap.String("source", sourceID))
	return nil
}

func (s *Service) logStart(ctx context.Context, sourceID string) int64 {
	if s.runLog == nil {
		return 0
	}
	id, err := s.runLog.Start(ctx, sourceID)
	if err != nil {
		s.log.Warn("sync log start failed", zap.Error(err))
		return 0
	}
	return id
}

func (s *Service) logComplete(ctx context.Context, runID int64, summary *model.RunSummary) {
	if s.runLog == nil || runID == 0 {
		return
	}
	meta := map[string]any{
		"pages":    summary.Pages,
		"rejected": summary.ItemsRejected,
		"resumed":  summary.Resumed,
	}
	if err := s.runLog.Complete(ctx, runID, int64(summary.ItemsValid), meta); err != nil {
		s.log.Warn("sync log complete failed", zap.Error(err))
	}
}

func (s *Service) logFail(ctx context.Context, runID int64, runErr error) {
	if s.runLog == nil || runID == 0 {
		return
	}
	if err := s.runLog.Fail(ctx, runID, runErr.Error()); err != nil {
		s.log.Warn("sync log fail failed", zap.Error(err))
	}
}
