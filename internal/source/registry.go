package source

import (
	"time"

	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/ratelimit"
)

// BuildOptions wires the shared infrastructure the adapters need.
type BuildOptions struct {
	Limiters *ratelimit.Registry
	TempDir  string
	Timeout  time.Duration
}

// Build constructs the registry of adapters for every catalog entry. Entries
// with an id no adapter implements are skipped with a warning so a stale
// catalog file cannot break a sync of the sources we do understand.
func Build(cat *config.Catalog, opts BuildOptions) *Registry {
	if opts.Limiters == nil {
		opts.Limiters = ratelimit.NewRegistry()
	}

	reg := NewSourceRegistry()
	for _, cfg := range cat.Sources {
		lim := opts.Limiters.For(cfg.ID, cfg.RatePerSec, cfg.Burst)
		httpClient := NewHTTPClient(lim, opts.Timeout)

		switch cfg.ID {
		case "ndc":
			reg.Register(NewNDC(cfg, httpClient))
		case "icd10":
			reg.Register(NewICD10(cfg, NewFTPClient(opts.Timeout), opts.TempDir))
		case "hcpcs":
			reg.Register(NewHCPCS(cfg, httpClient, opts.TempDir))
		case "pubmed":
			reg.Register(NewPubMed(cfg, httpClient, DefaultPubMedTerm))
		default:
			zap.L().Warn("no adapter for catalog source, skipping",
				zap.String("source", cfg.ID),
			)
		}
	}
	return reg
}
