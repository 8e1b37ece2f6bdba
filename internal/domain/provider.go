package domain

import "context"

// Provider is the interface all generation backends implement.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

// Capability tags what a provider card is good at.
type Capability string

const (
	CapabilityCode        Capability = "code"
	CapabilityLongContext Capability = "long-context"
)

// ProviderCard describes one configured backend for routing purposes.
type ProviderCard struct {
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Has reports whether the card carries the given capability.
func (c ProviderCard) Has(capability Capability) bool {
	for _, cp := range c.Capabilities {
		if cp == capability {
			return true
		}
	}
	return false
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	FinishReason string // stop | length
	Usage        Usage
	LatencyMs    int64
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationRequest is what the pipeline hands to the router.
type GenerationRequest struct {
	Prompt       string
	History      []Message
	SystemPrompt string
	MaxTokens    int
	UserID       string
	GuildID      string
}
