package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"social-duel/server/internal/config"
)

const defaultTimeout = 60 * time.Second

// ElevenLabsClient renders persona voices through the ElevenLabs
// text-to-speech API
type ElevenLabsClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	cache      *AudioCache
	logger     *slog.Logger
}

// TTSRequest is the synthesis request body
type TTSRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}

// VoiceSettings tunes the delivery of a line
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type ttsError struct {
	Detail json.RawMessage `json:"detail"`
}

// NewElevenLabsClient creates a client. When cache is not nil identical
// lines are synthesized once.
func NewElevenLabsClient(cfg config.ElevenLabsConfig, cache *AudioCache) *ElevenLabsClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &ElevenLabsClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		modelID: cfg.ModelID,
		cache:   cache,
		logger:  slog.Default().With("component", "tts"),
	}
}

// Synthesize renders text in the given voice and returns the audio bytes
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	if voiceID == "" {
		return nil, fmt.Errorf("voice id cannot be empty")
	}

	key := GenerateAudioCacheKey(text, voiceID, c.modelID)
	if c.cache != nil {
		if data, _, err := c.cache.Get(ctx, key); err == nil {
			return data, nil
		}
	}

	reqJSON, err := json.Marshal(&TTSRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: &VoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, url.PathEscape(voiceID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr ttsError
		if err := json.Unmarshal(body, &apiErr); err == nil && len(apiErr.Detail) > 0 {
			return nil, fmt.Errorf("TTS failed: status %d: %s", resp.StatusCode, string(apiErr.Detail))
		}
		return nil, fmt.Errorf("TTS failed: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") && contentType != "application/octet-stream" {
		return nil, fmt.Errorf("unexpected response content-type %s", contentType)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty audio response")
	}

	if c.cache != nil {
		if err := c.cache.PutWithKey(ctx, key, body, text, voiceID); err != nil {
			c.logger.Warn("failed to cache synthesized audio", "error", err)
		}
	}
	return body, nil
}

// HealthCheck checks that the API key is accepted
func (c *ElevenLabsClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/user", nil)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ElevenLabs returned status %d", resp.StatusCode)
	}
	return nil
}
