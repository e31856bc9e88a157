package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/acquire"
	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/consolidate"
	"github.com/atlas-health/refsync/internal/ingest"
	"github.com/atlas-health/refsync/internal/normalize"
	"github.com/atlas-health/refsync/internal/ratelimit"
	"github.com/atlas-health/refsync/internal/source"
	"github.com/atlas-health/refsync/internal/state"
	"github.com/atlas-health/refsync/internal/storage"
	"github.com/atlas-health/refsync/pkg/enrich"
)

// env holds everything a command needs wired together. Close releases the
// database pool and the state store.
type env struct {
	Catalog *config.Catalog
	States  state.Store
	Pool    *pgxpool.Pool
	Writer  *storage.Writer
	SyncLog *storage.SyncLog
	Service *ingest.Service
}

func (e *env) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.States != nil {
		_ = e.States.Close()
	}
}

// initEnv wires the full service: catalog, state store, Postgres, sources,
// normalizers, acquisition orchestrator, and consolidation runner.
func initEnv(ctx context.Context) (*env, error) {
	cat, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	states, err := openStateStore()
	if err != nil {
		return nil, err
	}

	pool, err := openPool(ctx)
	if err != nil {
		_ = states.Close()
		return nil, err
	}

	writer := storage.NewWriter(pool, nil)
	syncLog := storage.NewSyncLog(pool)

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		pool.Close()
		_ = states.Close()
		return nil, eris.Wrapf(err, "create temp dir %s", cfg.TempDir)
	}

	sources := source.Build(cat, source.BuildOptions{
		Limiters: ratelimit.NewRegistry(),
		TempDir:  cfg.TempDir,
		Timeout:  60 * time.Second,
	})

	trust := make(map[string]float64, len(cat.Sources))
	for _, s := range cat.Sources {
		trust[s.ID] = s.TrustWeight
	}
	norms := normalize.NewRegistry(trust)

	orchestrator := acquire.New(cat, sources, norms, states, writer)

	var enricher consolidate.Enricher
	if cfg.Enrich.Enabled {
		if cfg.Enrich.APIKey == "" {
			pool.Close()
			_ = states.Close()
			return nil, eris.New("enrich.enabled is set but enrich.api_key is empty")
		}
		enricher = enrich.New(cfg.Enrich.APIKey, cfg.Enrich.Model)
	}

	engine := consolidate.NewEngine(cfg.Consolidate)
	runner := consolidate.NewRunner(engine, writer, enricher,
		cfg.Consolidate.Workers,
		time.Duration(cfg.Enrich.TimeoutSecs)*time.Second,
	)

	service := ingest.NewService(cat, orchestrator, runner, writer, states, syncLog)

	return &env{
		Catalog: cat,
		States:  states,
		Pool:    pool,
		Writer:  writer,
		SyncLog: syncLog,
		Service: service,
	}, nil
}

// loadCatalog returns the configured catalog file, or the built-in one.
func loadCatalog() (*config.Catalog, error) {
	if cfg.Catalog == "" {
		return config.DefaultCatalog(), nil
	}
	cat, err := config.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, eris.Wrapf(err, "load catalog %s", cfg.Catalog)
	}
	return cat, nil
}

func openStateStore() (state.Store, error) {
	switch cfg.State.Driver {
	case "file":
		return state.NewFileStore(cfg.State.Path)
	case "sqlite", "":
		return state.NewSQLiteStore(cfg.State.Path)
	default:
		return nil, eris.Errorf("unknown state driver %q (want file or sqlite)", cfg.State.Driver)
	}
}

// openPool creates the canonical-store connection pool.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, eris.New("no database url configured (set database.url or REFSYNC_DATABASE_URL)")
	}

	pc, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, eris.Wrap(err, "parse database url")
	}
	if cfg.Database.MaxConns > 0 {
		pc.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		pc.MinConns = cfg.Database.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, eris.Wrap(err, "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping database")
	}

	fmt.Println("Connected to database")
	return pool, nil
}
