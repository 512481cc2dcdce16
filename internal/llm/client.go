package llm

import "context"

// Client is the interface the orchestrator uses to talk to a model.
// Implementations must be safe for concurrent use: one client serves
// every in-flight turn.
type Client interface {
	// Chat sends the ordered message history plus tool declarations and
	// returns the model's next message, which either carries final text
	// or requests one or more tool calls.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*ChatResponse, error)
}
