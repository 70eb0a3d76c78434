package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/internal/facade"
)

// Completer produces the assistant reply to a prompt
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Assistant answers chat prompts through the AI profile. Identical prompts
// share one cached reply.
type Assistant struct {
	facade    *facade.Facade
	completer Completer
	fallback  Completer
}

// NewAssistant creates the assistant service. fallback may be nil.
func NewAssistant(f *facade.Facade, completer, fallback Completer) *Assistant {
	return &Assistant{facade: f, completer: completer, fallback: fallback}
}

// Ask returns the assistant reply
func (a *Assistant) Ask(ctx context.Context, prompt string, ectx errorlog.Context) (string, error) {
	opts := facade.Options{
		Type:     facade.TypeAI,
		CacheKey: PromptKey(prompt),
	}
	if a.fallback != nil {
		opts.Fallback = func(ctx context.Context) (interface{}, error) {
			return a.fallback.Complete(ctx, prompt)
		}
	}

	return facade.Execute(ctx, a.facade, func(ctx context.Context) (string, error) {
		return a.completer.Complete(ctx, prompt)
	}, ectx, opts)
}

// PromptKey is the cache key of a prompt
func PromptKey(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return "ai:" + hex.EncodeToString(sum[:8])
}
