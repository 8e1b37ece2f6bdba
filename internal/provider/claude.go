package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"replybot/internal/domain"
)

const (
	claudeAPIVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// Claude talks to the Anthropic Messages API.
type Claude struct {
	backend
	hasKey bool
}

func NewClaude(ep Endpoint) *Claude {
	b := newBackend("claude", "https://api.anthropic.com/v1", "claude-sonnet-4-5-20250514", ep)
	b.headers.Set("x-api-key", ep.APIKey)
	b.headers.Set("anthropic-version", claudeAPIVersion)
	return &Claude{backend: b, hasKey: ep.APIKey != ""}
}

func (c *Claude) Healthy(ctx context.Context) error {
	if !c.hasKey {
		return fmt.Errorf("claude: %w", ErrMissingCredentials)
	}
	return c.probe(ctx, "/models")
}

type messagesRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	System      string           `json:"system,omitempty"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// claudeStopReasons maps Anthropic stop reasons onto the stop|length pair.
var claudeStopReasons = map[string]string{
	"end_turn":      "stop",
	"stop_sequence": "stop",
	"max_tokens":    "length",
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := messagesRequest{Model: c.modelFor(req), MaxTokens: req.MaxTokens}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	// System prompts travel out of band.
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
		} else {
			body.Messages = append(body.Messages, m)
		}
	}
	body.System = strings.Join(system, "\n\n")

	start := time.Now()
	var out messagesResponse
	if err := c.post(ctx, "/messages", body, &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	finish, ok := claudeStopReasons[out.StopReason]
	if !ok {
		finish = out.StopReason
	}

	return &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: finish,
		Usage:        usage(out.Usage.InputTokens, out.Usage.OutputTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
