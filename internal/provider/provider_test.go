package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybot/internal/config"
	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAI_Chat(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "pong"}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(Endpoint{APIKey: "sk-test", APIBase: srv.URL, Model: "gpt-test", Client: srv.Client(), Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages:  []domain.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "ping"}},
		MaxTokens: 64,
	})

	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Len(t, got.Messages, 2)
}

func TestOpenAI_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAI(Endpoint{APIKey: "k", APIBase: srv.URL, Client: srv.Client(), Logger: testLogger()})
	_, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "x"}}})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "openai", se.Provider)
}

func TestClaude_SystemPromptOutOfBand(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "hel"}, {"type": "text", "text": "lo"}},
			"stop_reason": "max_tokens",
			"usage":       map[string]any{"input_tokens": 5, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	p := NewClaude(Endpoint{APIKey: "key", APIBase: srv.URL, Client: srv.Client(), Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "length", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestOllama_ChatAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[]}`))
		case "/api/chat":
			var req ollamaRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Stream)
			require.NotNil(t, req.Options)
			assert.Equal(t, 128, req.Options.NumPredict)
			w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true,"done_reason":"stop","prompt_eval_count":2,"eval_count":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllama(Endpoint{APIBase: srv.URL, Client: srv.Client(), Logger: testLogger()})
	require.NoError(t, p.Healthy(context.Background()))

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 128,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents([]domain.Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "r"},
		{Role: "system", Content: "b"},
	})
	assert.Equal(t, "a\n\nb", system)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
}

func TestFactory_BuildFailsFastOnMissingKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["openai"] = config.ProviderConfig{Enabled: true}

	_, _, err := NewFactory(cfg, testLogger()).Build(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredentials))
}

func TestFactory_BuildCards(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["claude"] = config.ProviderConfig{
		Enabled:      true,
		APIKey:       "k",
		DefaultModel: "claude-test",
		Capabilities: []string{"code", "long-context"},
	}
	cfg.Providers["disabled"] = config.ProviderConfig{Enabled: false}

	providers, cards, err := NewFactory(cfg, testLogger()).Build(context.Background())
	require.NoError(t, err)

	assert.Len(t, providers, 2)
	require.Len(t, cards, 2)
	assert.Equal(t, "claude", cards[0].Provider)
	assert.True(t, cards[0].Has(domain.CapabilityCode))
	assert.True(t, cards[0].Has(domain.CapabilityLongContext))
	assert.Equal(t, "ollama", cards[1].Provider)
}

func TestFactory_OpenAICompatibleFallback(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["groq"] = config.ProviderConfig{Enabled: true, APIBase: "https://api.groq.example/v1", APIKey: "k"}

	providers, _, err := NewFactory(cfg, testLogger()).Build(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, providers["groq"])
	assert.Equal(t, "groq", providers["groq"].Name())
}

func TestFactory_RegisterConstructor(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["stub"] = config.ProviderConfig{Enabled: true}

	f := NewFactory(cfg, testLogger())
	f.RegisterConstructor("stub", func(context.Context, config.ProviderConfig, *slog.Logger) (domain.Provider, error) {
		return NewOllama(Endpoint{Logger: testLogger()}), nil
	})

	providers, _, err := f.Build(context.Background())
	require.NoError(t, err)
	assert.Contains(t, providers, "stub")
}
