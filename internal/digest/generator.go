package digest

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const maxCompletionTokens = 2000

// Generator produces digest text from a rendered prompt
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	ModelVersion() string
}

type openaiGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates a chat-completion backed generator
func NewOpenAIGenerator(apiKey, model string) Generator {
	return &openaiGenerator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (g *openaiGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		MaxCompletionTokens: openai.Int(maxCompletionTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *openaiGenerator) ModelVersion() string {
	return g.model
}
