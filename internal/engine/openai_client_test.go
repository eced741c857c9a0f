package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-duel/server/internal/config"
	"social-duel/server/internal/interfaces"
)

func chatCompletionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(body)
}

func newTestOpenAIClient(url string) *OpenAIClient {
	c := NewOpenAIClient(config.OpenAIConfig{
		BaseURL:   url + "/v1",
		APIKey:    "sk-test",
		Model:     "gpt-4o-mini",
		MaxTokens: 300,
	})
	c.retryDelay = time.Millisecond
	return c
}

func TestOpenAIClientComplete(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatCompletionBody("charm"))
	}))
	defer server.Close()

	text, err := newTestOpenAIClient(server.URL).Complete(context.Background(), &Conversation{
		System:    "You are Vesper",
		History:   []interfaces.Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		Prompt:    "choose",
		MaxTokens: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, "charm", text)

	messages, ok := received["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", messages[2].(map[string]any)["role"])
	assert.Equal(t, "choose", messages[3].(map[string]any)["content"])
	assert.EqualValues(t, 16, received["max_tokens"])
}

func TestOpenAIClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		_, _ = io.WriteString(w, chatCompletionBody("ok"))
	}))
	defer server.Close()

	text, err := newTestOpenAIClient(server.URL).Complete(context.Background(), &Conversation{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAIClientDoesNotRetryBadRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	_, err := newTestOpenAIClient(server.URL).Complete(context.Background(), &Conversation{Prompt: "hi"})
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWhisperTranscriber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "clip.webm", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" Meet me on the deck. "}`)
	}))
	defer server.Close()

	stt := NewWhisperTranscriber(config.OpenAIConfig{BaseURL: server.URL + "/v1", APIKey: "sk-test"})
	text, err := stt.Transcribe(context.Background(), []byte("raw audio"), "clip.webm")
	require.NoError(t, err)
	assert.Equal(t, "Meet me on the deck.", text)
}
