package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"social-duel/server/internal/config"
)

const (
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	retryDelay     = 1 * time.Second
)

// OpenAIClient talks to any OpenAI-compatible chat endpoint
type OpenAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	retryDelay  time.Duration
}

// NewOpenAIClient creates a client from the ai.openai config section
func NewOpenAIClient(cfg config.OpenAIConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: defaultTimeout,
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		retryDelay:  retryDelay,
	}
}

// Complete sends a chat completion request, retrying transient failures
func (c *OpenAIClient) Complete(ctx context.Context, conv *Conversation) (string, error) {
	req := c.buildRequest(conv)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", errors.New("no choices returned")
			}
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	return "", fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func (c *OpenAIClient) buildRequest(conv *Conversation) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(conv.History)+2)
	if conv.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: conv.System,
		})
	}
	for _, turn := range conv.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: conv.Prompt,
	})

	maxTokens := conv.MaxTokens
	if maxTokens == 0 || (c.maxTokens > 0 && c.maxTokens < maxTokens) {
		maxTokens = c.maxTokens
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
	}
}

// WhisperTranscriber is the SpeechToText backed by the OpenAI audio API
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

func NewWhisperTranscriber(cfg config.OpenAIConfig) *WhisperTranscriber {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: defaultTimeout,
	}

	model := cfg.TranscriptionModel
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if filename == "" {
		filename = "voice.webm"
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// isRetryableError checks if an error is worth another attempt
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "rate limit")
}
