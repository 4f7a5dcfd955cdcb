package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// Summarizer produces a short synopsis of an entity from its attributes.
type Summarizer interface {
	Summarize(ctx context.Context, name string, entityType string, structured model.Metadata) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, name string, entityType string, structured model.Metadata) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, name string, entityType string, structured model.Metadata) (string, error) {
	return f(ctx, name, entityType, structured)
}

// SafeSummarize calls s and never fails: errors and panics are logged and
// an empty summary is returned so the caller falls back to the template.
func SafeSummarize(ctx context.Context, s Summarizer, logger *slog.Logger, name string, entityType string, structured model.Metadata) (summary string) {
	if s == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Summarizer panicked, using template", slog.String("entity_name", name), slog.Any("error", fmt.Errorf("%w: %v", helper.ErrSummarization, r)))
			summary = ""
		}
	}()

	summary, err := s.Summarize(ctx, name, entityType, structured)
	if err != nil {
		logger.Warn("Summarizer failed, using template", slog.String("entity_name", name), slog.Any("error", fmt.Errorf("%w: %w", helper.ErrSummarization, err)))
		return ""
	}
	return strings.TrimSpace(summary)
}

// OpenAISummarizerOptions configures the chat completion summarizer.
type OpenAISummarizerOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

// OpenAISummarizer asks an OpenAI compatible chat completion endpoint for a
// two to three sentence synopsis.
type OpenAISummarizer struct {
	client  openai.Client
	options OpenAISummarizerOptions
}

func NewOpenAISummarizer(options OpenAISummarizerOptions) *OpenAISummarizer {
	if options.Model == "" {
		options.Model = "gpt-3.5-turbo"
	}
	if options.MaxTokens <= 0 {
		options.MaxTokens = 150
	}

	requestOptions := []option.RequestOption{
		option.WithAPIKey(options.APIKey),
		option.WithMaxRetries(0),
	}
	if options.BaseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(options.BaseURL))
	}
	if options.Timeout > 0 {
		requestOptions = append(requestOptions, option.WithRequestTimeout(options.Timeout))
	}

	return &OpenAISummarizer{
		client:  openai.NewClient(requestOptions...),
		options: options,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, name string, entityType string, structured model.Metadata) (string, error) {
	if len(structured) == 0 {
		return "", nil
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.options.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You write short, factual profile summaries for a personal knowledge graph."),
			openai.UserMessage(SummaryPrompt(name, entityType, structured)),
		},
		Temperature: openai.Float(s.options.Temperature),
		MaxTokens:   openai.Int(s.options.MaxTokens),
	})
	if err != nil {
		return "", helper.NewError("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", helper.NewError("chat completion", fmt.Errorf("no choices returned"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// SummaryPrompt lists the non-empty attributes of an entity.
func SummaryPrompt(name string, entityType string, structured model.Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a 2-3 sentence summary of %s (%s) using only these attributes:\n", name, entityType)
	for _, key := range structured.Keys() {
		if value := FormatValue(structured[key]); value != "" {
			fmt.Fprintf(&b, "- %s: %s\n", helper.TitleKey(key), value)
		}
	}
	return b.String()
}
