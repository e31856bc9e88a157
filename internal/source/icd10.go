package source

import (
	"bufio"
	"context"
	"os"
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

// ICD10 serves the CDC diagnostic code flat file. The upstream is a single
// FTP download, so the adapter fetches it once per process and then answers
// offset-cursor pages from memory. Resuming in a fresh process re-downloads
// the file, which is safe because staged pages are idempotent.
type ICD10 struct {
	cfg config.SourceConfig
	dl  FileDownloader
	dir string
	now func() time.Time

	mu      sync.Mutex
	records []model.RawRecord
	loaded  bool
}

// NewICD10 builds the CDC flat-file adapter. Downloads land in dir.
func NewICD10(cfg config.SourceConfig, dl FileDownloader, dir string) *ICD10 {
	return &ICD10{cfg: cfg, dl: dl, dir: dir, now: time.Now}
}

func (s *ICD10) ID() string           { return s.cfg.ID }
func (s *ICD10) TrustWeight() float64 { return s.cfg.TrustWeight }

func (s *ICD10) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	offset, err := offsetCursor(cursor)
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return pageOf(s.records, offset, s.cfg.PageSize), nil
}

func (s *ICD10) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	path := filepath.Join(s.dir, "icd10cm-codes.txt")
	n, err := s.dl.DownloadToFile(ctx, s.cfg.BaseURL, path)
	if err != nil {
		return err
	}
	zap.L().Info("icd10 code file downloaded",
		zap.String("path", path),
		zap.Int64("bytes", n),
	)

	records, err := s.parseFile(path)
	if err != nil {
		return err
	}

	s.records = records
	s.loaded = true
	return nil
}

// parseFile reads the flat file: one code per line, code token first,
// description after the first whitespace run.
func (s *ICD10) parseFile(path string) ([]model.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open code file")
	}
	defer f.Close() //nolint:errcheck

	fetched := s.now().UTC()
	var records []model.RawRecord

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		code, desc, _ := strings.Cut(line, " ")
		records = append(records, model.RawRecord{
			SourceID:  s.cfg.ID,
			FetchTime: fetched,
			Payload: map[string]any{
				"code":        strings.TrimSpace(code),
				"description": strings.TrimSpace(desc),
			},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "scan code file")
	}
	if len(records) == 0 {
		return nil, resilience.Permanent(eris.Errorf("code file %s is empty", path))
	}

	return records, nil
}
