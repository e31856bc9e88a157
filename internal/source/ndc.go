package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/config"
	"github.com/atlas-health/refsync/internal/model"
)

// NDC pages through the openFDA drug formulation endpoint with limit/skip
// pagination.
type NDC struct {
	cfg    config.SourceConfig
	client *HTTPClient
	now    func() time.Time
}

// NewNDC builds the openFDA adapter.
func NewNDC(cfg config.SourceConfig, client *HTTPClient) *NDC {
	return &NDC{cfg: cfg, client: client, now: time.Now}
}

func (s *NDC) ID() string           { return s.cfg.ID }
func (s *NDC) TrustWeight() float64 { return s.cfg.TrustWeight }

type openFDAResponse struct {
	Meta struct {
		Results struct {
			Skip  int `json:"skip"`
			Limit int `json:"limit"`
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
	Results []map[string]any `json:"results"`
}

func (s *NDC) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	offset, err := offsetCursor(cursor)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(s.cfg.PageSize))
	q.Set("skip", strconv.Itoa(offset))
	if s.cfg.APIKey != "" {
		q.Set("api_key", s.cfg.APIKey)
	}
	endpoint := fmt.Sprintf("%s/drug/ndc.json?%s", strings.TrimRight(s.cfg.BaseURL, "/"), q.Encode())

	var resp openFDAResponse
	if err := s.client.GetJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	fetched := s.now().UTC()
	records := make([]model.RawRecord, 0, len(resp.Results))
	for _, payload := range resp.Results {
		records = append(records, model.RawRecord{
			SourceID:  s.cfg.ID,
			FetchTime: fetched,
			Payload:   payload,
		})
	}

	next := offset + len(records)
	done := len(records) == 0 || (resp.Meta.Results.Total > 0 && next >= resp.Meta.Results.Total)

	zap.L().Debug("ndc page fetched",
		zap.Int("offset", offset),
		zap.Int("records", len(records)),
		zap.Int("total", resp.Meta.Results.Total),
	)

	return &Page{
		Records:    records,
		NextCursor: strconv.Itoa(next),
		Done:       done,
	}, nil
}
