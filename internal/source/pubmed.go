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

// DefaultPubMedTerm scopes literature sync to drug therapy publications.
const DefaultPubMedTerm = "drug therapy[MeSH Major Topic]"

// PubMed pages through NCBI E-utilities: esearch for a window of PMIDs,
// then esummary for their metadata.
type PubMed struct {
	cfg    config.SourceConfig
	client *HTTPClient
	term   string
	now    func() time.Time
}

// NewPubMed builds the E-utilities adapter for the given search term.
func NewPubMed(cfg config.SourceConfig, client *HTTPClient, term string) *PubMed {
	if term == "" {
		term = DefaultPubMedTerm
	}
	return &PubMed{cfg: cfg, client: client, term: term, now: time.Now}
}

func (s *PubMed) ID() string           { return s.cfg.ID }
func (s *PubMed) TrustWeight() float64 { return s.cfg.TrustWeight }

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type esummaryResponse struct {
	Result map[string]any `json:"result"`
}

func (s *PubMed) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	offset, err := offsetCursor(cursor)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(s.cfg.BaseURL, "/")

	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("term", s.term)
	q.Set("retmode", "json")
	q.Set("retmax", strconv.Itoa(s.cfg.PageSize))
	q.Set("retstart", strconv.Itoa(offset))
	if s.cfg.APIKey != "" {
		q.Set("api_key", s.cfg.APIKey)
	}

	var search esearchResponse
	if err := s.client.GetJSON(ctx, fmt.Sprintf("%s/esearch.fcgi?%s", base, q.Encode()), &search); err != nil {
		return nil, err
	}

	total, _ := strconv.Atoi(search.Result.Count)
	ids := search.Result.IDList
	if len(ids) == 0 {
		return &Page{NextCursor: strconv.Itoa(offset), Done: true}, nil
	}

	sq := url.Values{}
	sq.Set("db", "pubmed")
	sq.Set("id", strings.Join(ids, ","))
	sq.Set("retmode", "json")
	if s.cfg.APIKey != "" {
		sq.Set("api_key", s.cfg.APIKey)
	}

	var summary esummaryResponse
	if err := s.client.GetJSON(ctx, fmt.Sprintf("%s/esummary.fcgi?%s", base, sq.Encode()), &summary); err != nil {
		return nil, err
	}

	fetched := s.now().UTC()
	records := make([]model.RawRecord, 0, len(ids))
	for _, id := range ids {
		doc, ok := summary.Result[id].(map[string]any)
		if !ok {
			continue
		}
		records = append(records, model.RawRecord{
			SourceID:  s.cfg.ID,
			FetchTime: fetched,
			Payload:   summaryPayload(id, doc),
		})
	}

	next := offset + len(ids)

	zap.L().Debug("pubmed page fetched",
		zap.Int("offset", offset),
		zap.Int("records", len(records)),
		zap.Int("total", total),
	)

	return &Page{
		Records:    records,
		NextCursor: strconv.Itoa(next),
		Done:       next >= total,
	}, nil
}

// summaryPayload flattens an esummary document into the payload shape the
// pubmed normalizer expects.
func summaryPayload(id string, doc map[string]any) map[string]any {
	payload := map[string]any{"pmid": id}
	if title, ok := doc["title"].(string); ok {
		payload["title"] = title
	}
	if journal, ok := doc["fulljournalname"].(string); ok {
		payload["journal"] = journal
	}
	if date, ok := doc["pubdate"].(string); ok {
		payload["pub_date"] = date
	}
	if authors, ok := doc["authors"].([]any); ok {
		names := make([]any, 0, len(authors))
		for _, a := range authors {
			if m, ok := a.(map[string]any); ok {
				if name, ok := m["name"].(string); ok && name != "" {
					names = append(names, name)
				}
			}
		}
		if len(names) > 0 {
			payload["authors"] = names
		}
	}
	return payload
}
