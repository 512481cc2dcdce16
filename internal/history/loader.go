// Package history loads bounded conversation context for the agent.
//
// Two limits apply: a message window (the newest N messages) and a
// token budget. The window bounds the database read; the budget then
// trims from the oldest end so the newest messages always survive.
package history

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/store"
)

// Loader reads recent conversation history under fixed bounds.
type Loader struct {
	store       *store.Store
	window      int
	tokenBudget int
	logger      *slog.Logger

	// encoding is nil when the tokenizer data could not be loaded;
	// counting then falls back to a bytes/4 estimate.
	encoding *tiktoken.Tiktoken
}

// NewLoader builds a loader with the given bounds. window and
// tokenBudget must be positive; the config layer defaults them.
func NewLoader(st *store.Store, window, tokenBudget int, logger *slog.Logger) *Loader {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tokenizer unavailable, using byte estimate", "error", err)
		enc = nil
	}
	return &Loader{
		store:       st,
		window:      window,
		tokenBudget: tokenBudget,
		logger:      logger,
		encoding:    enc,
	}
}

// CountTokens returns the token count of text, estimating when the
// tokenizer is unavailable.
func (l *Loader) CountTokens(text string) int {
	if l.encoding != nil {
		return len(l.encoding.Encode(text, nil, nil))
	}
	// Rough heuristic: about 4 bytes per token for English text.
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Load returns the newest messages of a conversation in chronological
// order, bounded by the window and token budget. Ownership is verified
// first; errors map to store.ErrNotFound / store.ErrForbidden.
func (l *Loader) Load(convID uint, userID uuid.UUID) ([]llm.Message, error) {
	if _, err := l.store.GetConversation(convID, userID); err != nil {
		return nil, err
	}

	msgs, err := l.store.RecentMessages(convID, l.window)
	if err != nil {
		return nil, err
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			out = append(out, llm.AssistantMessage(m.Content))
		} else {
			out = append(out, llm.UserMessage(m.Content))
		}
	}

	// Trim oldest-first until the remainder fits the budget.
	total := 0
	for _, m := range out {
		total += l.CountTokens(m.Content)
	}
	trimmed := 0
	for len(out) > 1 && total > l.tokenBudget {
		total -= l.CountTokens(out[0].Content)
		out = out[1:]
		trimmed++
	}
	if trimmed > 0 {
		l.logger.Debug("history trimmed to token budget",
			"conversation", convID, "dropped", trimmed, "kept", len(out))
	}

	return out, nil
}
