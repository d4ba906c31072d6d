package refiner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deal-scanner/internal/domain"
	"deal-scanner/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI переписывает обоснование оценки человеческим языком.
// Сама оценка никогда не меняется; сбой оставляет детерминированный текст.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

var _ domain.Refiner = (*OpenAI)(nil)

// NewOpenAI создаёт рефайнер.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

const systemPrompt = "Ты помощник охотника за скидками. Перепиши техническое обоснование оценки " +
	"сделки одним-двумя живыми предложениями. Не меняй числа и не добавляй фактов."

// Refine возвращает переписанное обоснование.
func (r *OpenAI) Refine(ctx context.Context, obs domain.Observation, score domain.Score) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Товар: %s\nЦена: %s %s\nОценка: %.1f/100\nОбоснование: %s",
		obs.Title, obs.Price, obs.Currency, score.Value, score.Rationale)

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt},
			{Role: openai.RoleUser, Content: prompt},
		},
		Temperature: 0.4,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("refine: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("refine: пустой ответ модели")
	}
	refined := strings.TrimSpace(resp.Choices[0].Message.Content)
	if refined == "" {
		return "", fmt.Errorf("refine: пустой текст")
	}
	return refined, nil
}
