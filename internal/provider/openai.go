package provider

import (
	"context"
	"time"

	"replybot/internal/domain"
)

// OpenAI speaks the chat completions API. Any OpenAI-compatible server
// (Groq, OpenRouter, vLLM) works with a different APIBase.
type OpenAI struct {
	backend
}

func NewOpenAI(ep Endpoint) *OpenAI {
	return NewOpenAICompatible("openai", ep)
}

// NewOpenAICompatible names the backend after its config entry so errors
// and metrics carry the right provider.
func NewOpenAICompatible(name string, ep Endpoint) *OpenAI {
	b := newBackend(name, "https://api.openai.com/v1", "gpt-4o-mini", ep)
	if ep.APIKey != "" {
		b.headers.Set("Authorization", "Bearer "+ep.APIKey)
	}
	return &OpenAI{backend: b}
}

func (o *OpenAI) Healthy(ctx context.Context) error {
	return o.probe(ctx, "/models")
}

type completionRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message      domain.Message `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := completionRequest{
		Model:     o.modelFor(req),
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	start := time.Now()
	var out completionResponse
	if err := o.post(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}

	resp := &domain.ChatResponse{
		FinishReason: "stop",
		Usage:        usage(out.Usage.PromptTokens, out.Usage.CompletionTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if len(out.Choices) > 0 {
		resp.Content = out.Choices[0].Message.Content
		if fr := out.Choices[0].FinishReason; fr != "" {
			resp.FinishReason = fr
		}
	}
	return resp, nil
}
