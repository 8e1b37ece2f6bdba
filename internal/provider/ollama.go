package provider

import (
	"context"
	"time"

	"replybot/internal/domain"
)

// Ollama talks to a local or hosted Ollama server over /api/chat.
type Ollama struct {
	backend
}

func NewOllama(ep Endpoint) *Ollama {
	b := newBackend("ollama", "http://localhost:11434", "llama3.1:8b", ep)
	if ep.APIKey != "" {
		b.headers.Set("Authorization", "Bearer "+ep.APIKey)
	}
	return &Ollama{backend: b}
}

func (o *Ollama) Healthy(ctx context.Context) error {
	return o.probe(ctx, "/api/tags")
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         domain.Message `json:"message"`
	DoneReason      string         `json:"done_reason"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
}

func (o *Ollama) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := ollamaRequest{Model: o.modelFor(req), Messages: req.Messages}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	start := time.Now()
	var out ollamaResponse
	if err := o.post(ctx, "/api/chat", body, &out); err != nil {
		return nil, err
	}

	return &domain.ChatResponse{
		Content:      out.Message.Content,
		FinishReason: out.DoneReason,
		Usage:        usage(out.PromptEvalCount, out.EvalCount),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
