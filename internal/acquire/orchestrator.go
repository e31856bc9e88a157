// Package acquire drives the per-source download state machine. One
// orchestrator run walks a source through IDLE, FETCHING, rate-limit and
// retry waits, and finally COMPLETED or FAILED, persisting the download
// state after every transition so a crash at any point resumes cleanly.
package acquire

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/normalize"
	"github.com/atlas-health/refsync/internal/resilience"
	"github.com/atlas-health/refsync/internal/source"
	"github.com/atlas-health/refsync/internal/state"
)

// Stager receives each page's normalized records. The storage layer
// implements it with an idempotent upsert keyed by (source_id, record_id)
// so a re-fetched page never duplicates rows.
type Stager interface {
	StageRecords(ctx context.Context, records []model.NormalizedRecord) error
}

// Orchestrator runs the acquisition state machine for catalog sources.
type Orchestrator struct {
	catalog *config.Catalog
	sources *source.Registry
	norms   *normalize.Registry
	states  state.Store
	stager  Stager
	now     func() time.Time
	log     *zap.Logger
}

// New builds an orchestrator over the given collaborators.
func New(cat *config.Catalog, sources *source.Registry, norms *normalize.Registry, states state.Store, stager Stager) *Orchestrator {
	return &Orchestrator{
		catalog: cat,
		sources: sources,
		norms:   norms,
		states:  states,
		stager:  stager,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "acquire")),
	}
}

// Run executes one acquisition run for a source and returns its summary.
// forceFresh discards the stored cursor and counters before starting.
// The returned summary is non-nil even when err is non-nil; err reports
// why the run ended FAILED.
func (o *Orchestrator) Run(ctx context.Context, sourceID string, forceFresh bool) (*model.RunSummary, error) {
	start := o.now()
	summary := &model.RunSummary{SourceID: sourceID, FinalStatus: model.StatusFailed}

	cfg := o.catalog.ByID(sourceID)
	if cfg == nil {
		return summary, eris.Errorf("acquire: source %q not in catalog", sourceID)
	}
	src, err := o.sources.For(sourceID)
	if err != nil {
		return summary, err
	}
	norm, err := o.norms.For(sourceID)
	if err != nil {
		return summary, err
	}

	st, err := state.Load(ctx, o.states, sourceID)
	if err != nil {
		summary.LastErrorKind = model.ErrKindStorage
		return summary, eris.Wrap(err, "load download state")
	}

	if forceFresh {
		st.ResetProgress()
	}
	summary.Resumed = st.Cursor != "" || st.CompletedCount > 0

	// A permanent source failure stays failed until an operator resets
	// the source; retrying cannot fix bad credentials or a moved schema.
	if st.Status == model.StatusFailed && st.LastErrorKind == model.ErrKindPermanent {
		summary.LastErrorKind = model.ErrKindPermanent
		return summary, eris.Errorf("acquire: source %q failed permanently, reset required", sourceID)
	}

	if cfg.RunTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.RunTimeoutSecs)*time.Second)
		defer cancel()
	}

	err = o.loop(ctx, cfg, src, norm, st, summary)
	summary.FinalStatus = st.Status
	summary.LastErrorKind = st.LastErrorKind
	summary.Duration = o.now().Sub(start)

	o.log.Info("run finished",
		zap.String("source", sourceID),
		zap.String("status", string(st.Status)),
		zap.Int("pages", summary.Pages),
		zap.Int("fetched", summary.ItemsFetched),
		zap.Int("rejected", summary.ItemsRejected),
		zap.Duration("duration", summary.Duration),
	)
	return summary, err
}

// loop is the fetch loop proper. Every status or cursor change is persisted
// before the next fetch begins; the write for page N committed
// happens-before any attempt at page N+1.
func (o *Orchestrator) loop(ctx context.Context, cfg *config.SourceConfig, src source.Source, norm normalize.Normalizer, st *model.DownloadState, summary *model.RunSummary) error {
	transientAttempts := 0

	for {
		// The (daily_retry_count+1)-th rate-limit retry is refused
		// locally, before any network call.
		if st.LastErrorKind == model.ErrKindRateLimited && st.DailyRetries(o.now()) >= cfg.MaxDailyRetries {
			if failErr := o.fail(ctx, st, model.ErrKindRateLimited); failErr != nil {
				return failErr
			}
			return eris.Errorf("acquire: source %q hit the daily retry ceiling (%d)", cfg.ID, cfg.MaxDailyRetries)
		}

		// A persisted cool-down binds across restarts: no fetch happens
		// before NextAllowedAttempt, even when the wait was started by a
		// previous process.
		if until := st.NextAllowedAttempt; until.After(o.now()) {
			o.log.Info("honoring stored cool-down",
				zap.String("source", cfg.ID),
				zap.Time("next_allowed_attempt", until),
			)
			if err := o.waitUntil(ctx, until); err != nil {
				if failErr := o.fail(ctx, st, model.ErrKindCancelled); failErr != nil {
					return failErr
				}
				return eris.Wrap(err, "cancelled during cool-down")
			}
		}

		st.Status = model.StatusFetching
		if err := o.persist(ctx, st); err != nil {
			return err
		}

		page, err := src.FetchPage(ctx, st.Cursor)
		if err != nil {
			done, ferr := o.handleFetchError(ctx, cfg, st, err, &transientAttempts)
			if done {
				return ferr
			}
			continue
		}

		valid, rejected := o.normalizePage(norm, page.Records)
		summary.Pages++
		summary.ItemsFetched += len(page.Records)
		summary.ItemsValid += len(valid)
		summary.ItemsRejected += rejected

		if len(valid) > 0 {
			if err := o.stager.StageRecords(ctx, valid); err != nil {
				// Cursor is not advanced: the page will be re-staged
				// on resume, which the staging upsert absorbs.
				if failErr := o.fail(ctx, st, model.ErrKindStorage); failErr != nil {
					return failErr
				}
				return eris.Wrap(err, "stage records")
			}
		}

		st.Cursor = page.NextCursor
		st.CompletedCount += int64(len(page.Records))
		st.LastErrorKind = model.ErrKindNone
		transientAttempts = 0

		if page.Done {
			st.Status = model.StatusDraining
			if err := o.persist(ctx, st); err != nil {
				return err
			}
			st.Status = model.StatusCompleted
			return o.persist(ctx, st)
		}

		// Commit the page before the next fetch.
		if err := o.persist(ctx, st); err != nil {
			return err
		}

		// On deadline, the in-flight page is already committed; exit
		// without starting a new one and stay resumable.
		if ctx.Err() != nil {
			if failErr := o.fail(ctx, st, model.ErrKindCancelled); failErr != nil {
				return failErr
			}
			return eris.Wrap(ctx.Err(), "run deadline reached")
		}
	}
}

// handleFetchError applies the error taxonomy to one failed fetch. It
// returns done=true when the run is over, with the terminal error.
func (o *Orchestrator) handleFetchError(ctx context.Context, cfg *config.SourceConfig, st *model.DownloadState, fetchErr error, transientAttempts *int) (bool, error) {
	if ctx.Err() != nil {
		if failErr := o.fail(ctx, st, model.ErrKindCancelled); failErr != nil {
			return true, failErr
		}
		return true, eris.Wrap(ctx.Err(), "fetch cancelled")
	}

	switch resilience.Kind(fetchErr) {
	case model.ErrKindRateLimited:
		st.BumpRetry(o.now())
		st.LastErrorKind = model.ErrKindRateLimited

		if st.DailyRetries(o.now()) >= cfg.MaxDailyRetries {
			if failErr := o.fail(ctx, st, model.ErrKindRateLimited); failErr != nil {
				return true, failErr
			}
			return true, eris.Wrapf(fetchErr, "daily retry ceiling (%d) reached", cfg.MaxDailyRetries)
		}

		cooldown := resilience.RetryAfter(fetchErr)
		if cooldown <= 0 {
			cooldown = time.Duration(cfg.CooldownSecs) * time.Second
		}
		st.Status = model.StatusRateLimited
		st.NextAllowedAttempt = o.now().Add(cooldown)
		if err := o.persist(ctx, st); err != nil {
			return true, err
		}

		o.log.Warn("rate limited, cooling down",
			zap.String("source", cfg.ID),
			zap.Duration("cooldown", cooldown),
			zap.Int("daily_retries", st.DailyRetries(o.now())),
		)
		if err := o.waitUntil(ctx, st.NextAllowedAttempt); err != nil {
			if failErr := o.fail(ctx, st, model.ErrKindCancelled); failErr != nil {
				return true, failErr
			}
			return true, eris.Wrap(err, "cancelled during cool-down")
		}

		st.Status = model.StatusRetrying
		if err := o.persist(ctx, st); err != nil {
			return true, err
		}
		return false, nil

	case model.ErrKindPermanent:
		if failErr := o.fail(ctx, st, model.ErrKindPermanent); failErr != nil {
			return true, failErr
		}
		return true, eris.Wrap(fetchErr, "permanent source error")

	case model.ErrKindStorage:
		if failErr := o.fail(ctx, st, model.ErrKindStorage); failErr != nil {
			return true, failErr
		}
		return true, eris.Wrap(fetchErr, "storage unavailable")

	default: // transient network
		*transientAttempts++
		st.LastErrorKind = model.ErrKindTransient
		if *transientAttempts >= cfg.TransientMaxAttempts {
			if failErr := o.fail(ctx, st, model.ErrKindTransient); failErr != nil {
				return true, failErr
			}
			return true, eris.Wrapf(fetchErr, "transient errors exhausted after %d attempts", *transientAttempts)
		}

		delay := time.Duration(cfg.TransientDelaySecs) * time.Second
		st.Status = model.StatusRetrying
		st.NextAllowedAttempt = o.now().Add(delay)
		if err := o.persist(ctx, st); err != nil {
			return true, err
		}

		o.log.Warn("transient fetch error, retrying",
			zap.String("source", cfg.ID),
			zap.Int("attempt", *transientAttempts),
			zap.Duration("delay", delay),
			zap.Error(fetchErr),
		)
		if err := o.waitUntil(ctx, st.NextAllowedAttempt); err != nil {
			if failErr := o.fail(ctx, st, model.ErrKindCancelled); failErr != nil {
				return true, failErr
			}
			return true, eris.Wrap(err, "cancelled during retry delay")
		}
		return false, nil
	}
}

func (o *Orchestrator) normalizePage(norm normalize.Normalizer, raws []model.RawRecord) ([]model.NormalizedRecord, int) {
	valid := make([]model.NormalizedRecord, 0, len(raws))
	rejected := 0
	for _, raw := range raws {
		rec, err := norm.Normalize(raw)
		if err != nil {
			rejected++
			o.log.Debug("record rejected",
				zap.String("source", raw.SourceID),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, *rec)
	}
	return valid, rejected
}

// fail records a terminal failure. The cursor is left untouched so the next
// invocation resumes from the last committed page. The write uses a
// detached context: a cancelled run must still persist its terminal state.
func (o *Orchestrator) fail(ctx context.Context, st *model.DownloadState, kind model.ErrorKind) error {
	st.Status = model.StatusFailed
	st.LastErrorKind = kind
	return o.persist(context.WithoutCancel(ctx), st)
}

func (o *Orchestrator) persist(ctx context.Context, st *model.DownloadState) error {
	st.UpdatedAt = o.now().UTC()
	if err := o.states.Put(ctx, st); err != nil {
		return eris.Wrapf(err, "persist state for %s", st.SourceID)
	}
	return nil
}

// waitUntil sleeps until the given time or the context ends, whichever
// comes first.
func (o *Orchestrator) waitUntil(ctx context.Context, until time.Time) error {
	d := until.Sub(o.now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
