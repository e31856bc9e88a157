package enrich

import (
	"context"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/resilience"
)

type stubMessages struct {
	reply string
	err   error
	calls int
}

func (s *stubMessages) New(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: s.reply}},
	}, nil
}

func testEntity() *model.CanonicalEntity {
	return &model.CanonicalEntity{
		CanonicalKey: "LISINOPRIL",
		Resolved:     map[string]string{"name": "Lisinopril"},
		Sets:         map[string][]string{"aliases": {"Lisinopril", "Prinivil"}},
		SourceIDs:    []string{"ndc", "pubmed"},
	}
}

func TestEnrichReturnsPatch(t *testing.T) {
	stub := &stubMessages{reply: `{"summary": "An ACE inhibitor used for hypertension."}`}
	e := newWithMessages(stub, "claude-haiku-4-5-20251001")

	patch, err := e.Enrich(context.Background(), testEntity())
	require.NoError(t, err)
	assert.Equal(t, "An ACE inhibitor used for hypertension.", patch["summary"])
	assert.Equal(t, 1, stub.calls)
}

func TestEnrichSkipsAlreadySummarized(t *testing.T) {
	stub := &stubMessages{reply: `{}`}
	e := newWithMessages(stub, "claude-haiku-4-5-20251001")

	entity := testEntity()
	entity.Resolved["summary"] = "present"

	patch, err := e.Enrich(context.Background(), entity)
	require.NoError(t, err)
	assert.Nil(t, patch)
	assert.Equal(t, 0, stub.calls)
}

func TestEnrichToleratesFencedReply(t *testing.T) {
	stub := &stubMessages{reply: "```json\n{\"summary\": \"fenced\"}\n```"}
	e := newWithMessages(stub, "claude-haiku-4-5-20251001")

	patch, err := e.Enrich(context.Background(), testEntity())
	require.NoError(t, err)
	assert.Equal(t, "fenced", patch["summary"])
}

func TestEnrichSurfacesAPIErrors(t *testing.T) {
	stub := &stubMessages{err: eris.New("overloaded")}
	e := newWithMessages(stub, "claude-haiku-4-5-20251001")
	e.retry = resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, ShouldRetry: func(error) bool { return true }}

	_, err := e.Enrich(context.Background(), testEntity())
	assert.Error(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestEnrichRejectsNonJSONReply(t *testing.T) {
	stub := &stubMessages{reply: "Sorry, I cannot help with that."}
	e := newWithMessages(stub, "claude-haiku-4-5-20251001")

	_, err := e.Enrich(context.Background(), testEntity())
	assert.Error(t, err)
}
