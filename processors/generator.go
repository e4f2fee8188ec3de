package processors

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"videorag/config"
	"videorag/core"
)

// TextGenerator turns context plus question into prose. The system
// instruction travels separately from the prompt so grounding rules hold
// regardless of question content.
type TextGenerator interface {
	Generate(ctx context.Context, systemInstruction, prompt string, opts GenerateOptions) (GenerateResult, error)
}

type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
}

type GenerateResult struct {
	Text  string
	Usage *core.TokenUsage
}

// SimpleGenerator is the degraded mode used when no chat model is
// configured: it returns the retrieved context verbatim so read paths
// stay available without a language model.
type SimpleGenerator struct{}

func (SimpleGenerator) Generate(_ context.Context, _, prompt string, _ GenerateOptions) (GenerateResult, error) {
	return GenerateResult{Text: "No language model is configured. Retrieved context:\n\n" + prompt}, nil
}

// OpenAIGenerator calls a chat-completion endpoint.
type OpenAIGenerator struct {
	cli   *openai.Client
	model string
}

func NewOpenAIGenerator(cfg *config.Config) (*OpenAIGenerator, error) {
	if !cfg.HasValidAPI() {
		return nil, fmt.Errorf("text generator: %w: api key or base url missing", core.ErrUpstreamUnavailable)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	return &OpenAIGenerator{
		cli:   openai.NewClientWithConfig(clientConfig),
		model: cfg.ChatModel,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, systemInstruction, prompt string, opts GenerateOptions) (GenerateResult, error) {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1000
	}
	resp, err := g.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generation request: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("generation response has no choices")
	}
	return GenerateResult{
		Text: resp.Choices[0].Message.Content,
		Usage: &core.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
