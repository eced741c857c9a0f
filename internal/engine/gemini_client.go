package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"social-duel/server/internal/config"
)

// GeminiClient is the Completer backed by Google's Gemini API
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig, temperature float32) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		temperature: temperature,
	}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Complete runs one chat turn. A model handle is built per call because
// the system instruction differs between requests.
func (c *GeminiClient) Complete(ctx context.Context, conv *Conversation) (string, error) {
	model := c.client.GenerativeModel(c.model)
	if c.temperature > 0 {
		model.SetTemperature(c.temperature)
	}
	if conv.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(conv.MaxTokens))
	}
	if conv.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(conv.System)}}
	}

	chat := model.StartChat()
	for _, turn := range conv.History {
		role := "user"
		if turn.Role == "assistant" {
			role = "model"
		}
		chat.History = append(chat.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}

	resp, err := chat.SendMessage(ctx, genai.Text(conv.Prompt))
	if err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no content returned from Gemini")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	if out.Len() == 0 {
		return "", errors.New("unexpected response type from Gemini")
	}

	text := strings.TrimSpace(out.String())
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text), nil
}
