// Package llm provides the language-model collaborator used to generate
// assistant turns, with retry support across two HTTP backend families.
package llm

import (
	"context"

	"github.com/ashureev/stancelab/internal/domain"
)

// Turn roles in generation context order.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one element of the ordered generation context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces the next assistant turn from the full ordered context
// (system prompt, example exchange, prior history, new user turn).
type Generator interface {
	Generate(ctx context.Context, backend domain.Backend, turns []Turn) (string, error)
}
