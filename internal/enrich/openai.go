package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// defaultModel is used when no model is configured.
const defaultModel = "gpt-4o-mini"

// OpenAI implements [MemoryExtractor] and [Summarizer] on the OpenAI chat
// completions API. Structured output is enforced with JSON-schema response
// formats so malformed completions fail loudly instead of half-parsing.
type OpenAI struct {
	client openai.Client
	model  string
}

// OpenAIOption configures the OpenAI enrichment client.
type OpenAIOption func(*OpenAI)

// WithModel overrides the default chat model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		if model != "" {
			o.model = model
		}
	}
}

// NewOpenAI returns an enrichment client authenticated with apiKey. baseURL
// overrides the API endpoint when non-empty (for proxies and tests).
func NewOpenAI(apiKey, baseURL string, opts ...OpenAIOption) *OpenAI {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	o := &OpenAI{
		client: openai.NewClient(clientOpts...),
		model:  defaultModel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ MemoryExtractor = (*OpenAI)(nil)
var _ Summarizer = (*OpenAI)(nil)

const memorySystemPrompt = `You extract long-term memories from a transcribed conversation.
Return only facts worth remembering later: appointments, decisions, preferences,
relationships, commitments. Phrase each memory so it stands alone without the
conversation. Attribute facts to named speakers when names are given. Return an
empty list when nothing is worth remembering.`

// memorySchema constrains the extraction response.
var memorySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"memories": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":  map[string]any{"type": "string"},
					"category": map[string]any{"type": "string"},
				},
				"required":             []string{"content", "category"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"memories"},
	"additionalProperties": false,
}

// ExtractMemories implements [MemoryExtractor].
func (o *OpenAI) ExtractMemories(ctx context.Context, transcript string, speakers []string) ([]Memory, error) {
	user := transcript
	if len(speakers) > 0 {
		user = "Known speakers: " + strings.Join(speakers, ", ") + "\n\n" + transcript
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(memorySystemPrompt),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "memories",
					Strict: openai.Bool(true),
					Schema: memorySchema,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: extract memories: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("enrich: extract memories: empty response")
	}

	var out struct {
		Memories []Memory `json:"memories"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("enrich: decode memories: %w", err)
	}
	return out.Memories, nil
}

const summarySystemPrompt = `You summarise a transcribed conversation at three levels:
a title of at most eight words, a one-or-two sentence summary, and a detailed
paragraph covering every topic discussed. Write in the transcript's language.`

// summarySchema constrains the summary response.
var summarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":            map[string]any{"type": "string"},
		"summary":          map[string]any{"type": "string"},
		"detailed_summary": map[string]any{"type": "string"},
	},
	"required":             []string{"title", "summary", "detailed_summary"},
	"additionalProperties": false,
}

// Summarize implements [Summarizer].
func (o *OpenAI) Summarize(ctx context.Context, transcript string) (TitleSummary, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(transcript),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "title_summary",
					Strict: openai.Bool(true),
					Schema: summarySchema,
				},
			},
		},
	})
	if err != nil {
		return TitleSummary{}, fmt.Errorf("enrich: summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return TitleSummary{}, fmt.Errorf("enrich: summarize: empty response")
	}

	var ts TitleSummary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &ts); err != nil {
		return TitleSummary{}, fmt.Errorf("enrich: decode summary: %w", err)
	}
	return ts, nil
}
