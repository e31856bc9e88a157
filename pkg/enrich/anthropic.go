// Package enrich implements the optional post-consolidation enrichment
// collaborator on top of the Anthropic API. The consolidation core treats
// it as best-effort: any failure here is recorded and skipped.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/resilience"
)

const systemPrompt = `You are a medical reference-data assistant. Given a ` +
	`canonical reference entity, write a one-paragraph plain-language summary ` +
	`of what it is. Respond with a JSON object {"summary": "..."} and nothing else.`

// MessageCreator is the slice of the Anthropic client the enricher uses.
type MessageCreator interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicEnricher generates a plain-language summary field for canonical
// entities that lack one.
type AnthropicEnricher struct {
	messages MessageCreator
	model    string
	retry    resilience.RetryConfig
	log      *zap.Logger
}

// New builds an enricher backed by the Anthropic API.
func New(apiKey, modelID string) *AnthropicEnricher {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return newWithMessages(&client.Messages, modelID)
}

func newWithMessages(messages MessageCreator, modelID string) *AnthropicEnricher {
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = 2 * time.Second
	// API transport errors carry no classification, so every failure is
	// retried up to the attempt cap.
	retry.ShouldRetry = func(error) bool { return true }
	retry.OnRetry = resilience.RetryLogger("enrich.anthropic", "messages.create")

	return &AnthropicEnricher{
		messages: messages,
		model:    modelID,
		retry:    retry,
		log:      zap.L().With(zap.String("component", "enrich.anthropic")),
	}
}

// Enrich returns a patch of generated fields for the entity. It only ever
// proposes fields the entity does not already resolve.
func (e *AnthropicEnricher) Enrich(ctx context.Context, entity *model.CanonicalEntity) (map[string]any, error) {
	if _, ok := entity.Resolved["summary"]; ok {
		return nil, nil
	}

	msg, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*sdk.Message, error) {
		return e.messages.New(ctx, sdk.MessageNewParams{
			Model:     sdk.Model(e.model),
			MaxTokens: 512,
			System:    []sdk.TextBlockParam{{Text: systemPrompt}},
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(entityPrompt(entity))),
			},
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "enrich: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	patch, err := parsePatch(text.String())
	if err != nil {
		return nil, err
	}

	e.log.Debug("entity enriched",
		zap.String("canonical_key", entity.CanonicalKey),
	)
	return patch, nil
}

// entityPrompt renders the entity's resolved view for the model.
func entityPrompt(entity *model.CanonicalEntity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Canonical key: %s\n", entity.CanonicalKey)
	for name, value := range entity.Resolved {
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}
	for name, values := range entity.Sets {
		fmt.Fprintf(&b, "%s: %s\n", name, strings.Join(values, "; "))
	}
	fmt.Fprintf(&b, "Contributing sources: %s\n", strings.Join(entity.SourceIDs, ", "))
	return b.String()
}

// parsePatch decodes the model's JSON reply, tolerating a fenced code
// block around it.
func parsePatch(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var patch map[string]any
	if err := json.Unmarshal([]byte(text), &patch); err != nil {
		return nil, eris.Wrap(err, "enrich: decode model reply")
	}
	return patch, nil
}
