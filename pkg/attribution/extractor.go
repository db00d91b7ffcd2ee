package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/falcon-pm/falcon/pkg/models"
)

// ErrInvalidEvidence is returned when the external model produces a
// response that does not validate against the evidence schema.
var ErrInvalidEvidence = errors.New("invalid evidence bundle")

// Extractor produces an EvidenceBundle for a confirmed finding.
type Extractor interface {
	Extract(ctx context.Context, finding *models.Finding, contextPack, spec string) (*models.EvidenceBundle, error)
}

// MessagesClient is the subset of the Anthropic SDK used by the extractor,
// satisfiable by *sdk.MessageService or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// LLMExtractor asks an external model to locate the carrier instruction
// behind a finding and report structured evidence. Responses are validated
// against the bundle schema before use; invalid responses are rejected,
// never repaired.
type LLMExtractor struct {
	client MessagesClient
	model  string
}

// NewLLMExtractor builds an extractor over an existing messages client.
func NewLLMExtractor(client MessagesClient, model string) *LLMExtractor {
	return &LLMExtractor{client: client, model: model}
}

// NewLLMExtractorFromKey builds an extractor with its own SDK client.
func NewLLMExtractorFromKey(apiKey, model string) (*LLMExtractor, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewLLMExtractor(&client.Messages, model), nil
}

const extractorSystemPrompt = `You are an attribution analyst. Given a confirmed code-review finding and the guidance documents the implementing agent received, locate the instruction (or its absence) that led to the finding. Respond with a single JSON object matching the provided schema and nothing else.`

func (x *LLMExtractor) Extract(ctx context.Context, finding *models.Finding,
	contextPack, spec string) (*models.EvidenceBundle, error) {

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Finding: %s\n\n%s\n\n", finding.Title, finding.Description)
	fmt.Fprintf(&prompt, "=== Context Pack ===\n%s\n\n=== Spec ===\n%s\n\n", contextPack, spec)
	fmt.Fprintf(&prompt, "JSON schema for your response:\n%s\n", evidenceSchemaJSON)

	msg, err := x.client.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(x.model),
		MaxTokens: 2048,
		System: []sdk.TextBlockParam{
			{Text: extractorSystemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evidence extraction call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseEvidence([]byte(extractJSONObject(text.String())))
}

// extractJSONObject trims any prose the model wrapped around the JSON
// object. Returns the slice from the first '{' to the last '}'.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// ParseEvidence validates raw JSON against the evidence schema and decodes
// it. Schema violations wrap ErrInvalidEvidence.
func ParseEvidence(raw []byte) (*models.EvidenceBundle, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	if err := evidenceSchema().Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	var bundle models.EvidenceBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	return &bundle, nil
}

// MockExtractor returns canned bundles from a fixed table keyed by finding
// ID, falling back to a default. Deterministic by construction.
type MockExtractor struct {
	// Responses maps finding IDs to bundles.
	Responses map[string]*models.EvidenceBundle

	// Default is returned for findings absent from Responses. Nil Default
	// yields an error, which exercises the caller's failure path.
	Default *models.EvidenceBundle

	// Err, when set, is returned from every call.
	Err error

	// Calls records the finding IDs extracted, in order.
	Calls []string
}

func (m *MockExtractor) Extract(_ context.Context, finding *models.Finding,
	_, _ string) (*models.EvidenceBundle, error) {
	m.Calls = append(m.Calls, finding.ID)
	if m.Err != nil {
		return nil, m.Err
	}
	if b, ok := m.Responses[finding.ID]; ok {
		cp := *b
		return &cp, nil
	}
	if m.Default != nil {
		cp := *m.Default
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: no canned response for finding %s", ErrInvalidEvidence, finding.ID)
}
