package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	AnswerLength int
	Timeout      time.Duration
}

type OpenAIGenerator struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger
}

func NewOpenAIGenerator(cfg Config, logger *zap.Logger) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger,
	}
}

// Complete asks the model to answer text in the voice described by persona.
func (g *OpenAIGenerator) Complete(ctx context.Context, persona string, text string) (string, bool) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: g.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: g.systemPrompt(persona),
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				},
			},
			MaxTokens:   g.cfg.MaxTokens,
			Temperature: float32(g.cfg.Temperature),
		},
	)
	if err != nil {
		g.logger.Error("Failed to get completion", zap.Error(err))
		return "", false
	}
	if len(resp.Choices) == 0 {
		g.logger.Warn("Completion returned no choices")
		return "", false
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		g.logger.Warn("Completion returned empty answer")
		return "", false
	}
	return answer, true
}

func (g *OpenAIGenerator) systemPrompt(persona string) string {
	if g.cfg.AnswerLength <= 0 {
		return persona
	}
	return fmt.Sprintf("%s\n次の文章に対して%d文字程度で返信してください。", persona, g.cfg.AnswerLength)
}
