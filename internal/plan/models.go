// ABOUTME: Completer implementations backed by the Anthropic and OpenAI chat APIs.
// ABOUTME: Both send one system prompt and one user message and return the text reply.

package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
)

// Default models used when ModelOptions.Model is empty.
const (
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultOpenAIModel    = openai.ChatModelGPT4oMini
)

const planMaxTokens = 1024

// ErrEmptyCompletion is returned when a model replies with no text.
var ErrEmptyCompletion = errors.New("model returned no text")

// ModelOptions configures a hosted model client.
type ModelOptions struct {
	Model  string
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL    string
	MaxRetries int
}

// Anthropic completes prompts with the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates an Anthropic completer. An empty APIKey falls back to
// the SDK's ANTHROPIC_API_KEY lookup.
func NewAnthropic(opts ModelOptions) *Anthropic {
	var clientOpts []anthropicopt.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, anthropicopt.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicopt.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, anthropicopt.WithMaxRetries(opts.MaxRetries))

	model := opts.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{client: &client, model: anthropic.Model(model)}
}

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   planMaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}

// OpenAI completes prompts with the OpenAI Chat Completions API.
type OpenAI struct {
	client *openai.Client
	model  openai.ChatModel
}

// NewOpenAI creates an OpenAI completer. An empty APIKey falls back to the
// SDK's OPENAI_API_KEY lookup.
func NewOpenAI(opts ModelOptions) *OpenAI {
	var clientOpts []openaiopt.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, openaiopt.WithMaxRetries(opts.MaxRetries))

	model := opts.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{client: &client, model: model}
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(planMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// NewPlanner builds the planner for provider: an LLM planner backed by
// Anthropic or OpenAI that falls back to RuleBased, or RuleBased alone.
func NewPlanner(provider string, opts ModelOptions, logger *slog.Logger) (Planner, error) {
	var completer Completer
	switch provider {
	case "", "rule":
		return RuleBased{}, nil
	case "anthropic":
		completer = NewAnthropic(opts)
	case "openai":
		completer = NewOpenAI(opts)
	default:
		return nil, fmt.Errorf("unknown planner provider %q", provider)
	}
	return Fallback{
		Planners: []Planner{NewLLM(completer, logger), RuleBased{}},
		Logger:   logger,
	}, nil
}
