package verify

import (
	"context"
	"fmt"

	"replybot/internal/domain"
	"replybot/internal/router"
)

// Refiner performs the local self-critique pass.
type Refiner interface {
	Refine(ctx context.Context, userPrompt, draft string, history []domain.Message) (string, error)
}

// Generator is the slice of the router the verifier needs.
type Generator interface {
	GenerateWithMeta(ctx context.Context, req domain.GenerationRequest) (router.Generation, error)
}

// NopRefiner returns the draft untouched.
type NopRefiner struct{}

func (NopRefiner) Refine(_ context.Context, _, draft string, _ []domain.Message) (string, error) {
	return draft, nil
}

const critiqueSystemPrompt = "You review answers written by another assistant. " +
	"Fix factual mistakes and unclear wording, drop filler, keep the language and tone of the draft. " +
	"Reply with the improved answer only, no commentary."

// RouterRefiner asks the router to critique and rewrite the draft.
type RouterRefiner struct {
	Gen       Generator
	MaxTokens int
}

func (r RouterRefiner) Refine(ctx context.Context, userPrompt, draft string, history []domain.Message) (string, error) {
	g, err := r.Gen.GenerateWithMeta(ctx, domain.GenerationRequest{
		Prompt:       fmt.Sprintf("Question:\n%s\n\nDraft answer:\n%s", userPrompt, draft),
		History:      history,
		SystemPrompt: critiqueSystemPrompt,
		MaxTokens:    r.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("self-critique: %w", err)
	}
	return g.Text, nil
}
