package source

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/resilience"
)

// HCPCS serves the CMS billing code workbook. The upstream publishes a ZIP
// containing one XLSX; the adapter downloads and parses it once, then
// answers offset-cursor pages from memory.
type HCPCS struct {
	cfg config.SourceConfig
	dl  FileDownloader
	dir string
	now func() time.Time

	mu      sync.Mutex
	records []model.RawRecord
	loaded  bool
}

// NewHCPCS builds the CMS workbook adapter. Downloads land in dir.
func NewHCPCS(cfg config.SourceConfig, dl FileDownloader, dir string) *HCPCS {
	return &HCPCS{cfg: cfg, dl: dl, dir: dir, now: time.Now}
}

func (s *HCPCS) ID() string           { return s.cfg.ID }
func (s *HCPCS) TrustWeight() float64 { return s.cfg.TrustWeight }

func (s *HCPCS) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	offset, err := offsetCursor(cursor)
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return pageOf(s.records, offset, s.cfg.PageSize), nil
}

func (s *HCPCS) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	zipPath := filepath.Join(s.dir, "hcpcs.zip")
	if _, err := s.dl.DownloadToFile(ctx, s.cfg.BaseURL, zipPath); err != nil {
		return err
	}

	xlsxPath, err := extractZIPMatch(zipPath, s.dir, func(name string) bool {
		return strings.HasSuffix(strings.ToLower(name), ".xlsx")
	})
	if err != nil {
		return resilience.Permanent(eris.Wrap(err, "hcpcs archive"))
	}

	records, err := s.parseWorkbook(xlsxPath)
	if err != nil {
		return err
	}
	zap.L().Info("hcpcs workbook parsed",
		zap.String("path", xlsxPath),
		zap.Int("records", len(records)),
	)

	s.records = records
	s.loaded = true
	return nil
}

// parseWorkbook maps workbook rows to payloads. The sheet layout is
// code, long description, short description, coverage; one header row.
func (s *HCPCS) parseWorkbook(path string) ([]model.RawRecord, error) {
	rows, err := readXLSXRows(path, 1)
	if err != nil {
		return nil, resilience.Permanent(err)
	}

	fetched := s.now().UTC()
	var records []model.RawRecord
	for _, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		payload := map[string]any{"code": row[0]}
		if len(row) > 1 {
			payload["long_description"] = row[1]
		}
		if len(row) > 2 {
			payload["short_description"] = row[2]
		}
		if len(row) > 3 {
			payload["coverage"] = row[3]
		}
		records = append(records, model.RawRecord{
			SourceID:  s.cfg.ID,
			FetchTime: fetched,
			Payload:   payload,
		})
	}
	if len(records) == 0 {
		return nil, resilience.Permanent(eris.Errorf("workbook %s has no code rows", path))
	}

	return records, nil
}
