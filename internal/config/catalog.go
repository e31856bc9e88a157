package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SourceConfig describes one upstream source: its endpoint, trust weight
// for conflict resolution, rate limits, and retry policy.
type SourceConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`

	// TrustWeight (0.0-1.0) reflects how authoritative this source is.
	TrustWeight float64 `yaml:"trust_weight"`

	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	PageSize   int     `yaml:"page_size"`

	// MaxDailyRetries caps rate-limit retries per UTC calendar day.
	MaxDailyRetries int `yaml:"max_daily_retries"`

	// CooldownSecs is the wait after a rate-limit signal (unless the
	// server supplied Retry-After). TransientDelaySecs is the shorter
	// fixed wait after a transient network error.
	CooldownSecs         int `yaml:"cooldown_secs"`
	TransientDelaySecs   int `yaml:"transient_delay_secs"`
	TransientMaxAttempts int `yaml:"transient_max_attempts"`
	RunTimeoutSecs       int `yaml:"run_timeout_secs"`
}

// Catalog is the set of configured sources, in declaration order.
type Catalog struct {
	Sources []SourceConfig `yaml:"sources"`
}

// ByID returns the source with the given id, or nil.
func (c *Catalog) ByID(id string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// IDs returns the source ids in declaration order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		ids[i] = s.ID
	}
	return ids
}

// DefaultCatalog returns the built-in source catalog. A catalog file, when
// configured, replaces it entirely.
func DefaultCatalog() *Catalog {
	return &Catalog{Sources: []SourceConfig{
		{
			ID:          "ndc",
			BaseURL:     "https://api.fda.gov",
			TrustWeight: 0.9,
			RatePerSec:  4, Burst: 4,
			PageSize:        100,
			MaxDailyRetries: 10,
			CooldownSecs:    60, TransientDelaySecs: 5, TransientMaxAttempts: 5,
			RunTimeoutSecs: 3600,
		},
		{
			ID:          "icd10",
			BaseURL:     "ftp://ftp.cdc.gov/pub/Health_Statistics/NCHS/Publications/ICD10CM/2026/icd10cm-codes-2026.txt",
			TrustWeight: 0.95,
			RatePerSec:  1, Burst: 1,
			PageSize:        500,
			MaxDailyRetries: 5,
			CooldownSecs:    120, TransientDelaySecs: 10, TransientMaxAttempts: 3,
			RunTimeoutSecs: 1800,
		},
		{
			ID:          "hcpcs",
			BaseURL:     "https://www.cms.gov/files/zip/2026-hcpcs-quarterly-update.zip",
			TrustWeight: 0.85,
			RatePerSec:  1, Burst: 1,
			PageSize:        500,
			MaxDailyRetries: 5,
			CooldownSecs:    120, TransientDelaySecs: 10, TransientMaxAttempts: 3,
			RunTimeoutSecs: 1800,
		},
		{
			ID:          "pubmed",
			BaseURL:     "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
			TrustWeight: 0.6,
			RatePerSec:  3, Burst: 3,
			PageSize:        50,
			MaxDailyRetries: 10,
			CooldownSecs:    90, TransientDelaySecs: 5, TransientMaxAttempts: 5,
			RunTimeoutSecs: 3600,
		},
	}}
}

// LoadCatalog reads a source catalog from a YAML file, or returns the
// default catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read catalog %s", path)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, eris.Wrapf(err, "config: parse catalog %s", path)
	}

	if len(cat.Sources) == 0 {
		return nil, eris.Errorf("config: catalog %s defines no sources", path)
	}
	seen := make(map[string]bool, len(cat.Sources))
	for _, s := range cat.Sources {
		if s.ID == "" {
			return nil, eris.Errorf("config: catalog %s has a source with no id", path)
		}
		if seen[s.ID] {
			return nil, eris.Errorf("config: catalog %s declares source %q twice", path, s.ID)
		}
		seen[s.ID] = true
		if s.TrustWeight < 0 || s.TrustWeight > 1 {
			return nil, eris.Errorf("config: source %q trust_weight %v outside [0,1]", s.ID, s.TrustWeight)
		}
	}

	return &cat, nil
}
