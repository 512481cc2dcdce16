// Package agent implements the per-turn orchestration loop.
//
// The Loop carries no conversation state between calls. Everything a
// turn needs is loaded from the store at the start and persisted back
// before returning, so any process replica can serve any turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/auth"
	"github.com/taskpilot/taskpilot/internal/history"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/prompts"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/tools"
)

// MaxMessageLen bounds a single user message.
const MaxMessageLen = 10000

// ErrEmptyMessage is returned for a blank or whitespace-only message.
var ErrEmptyMessage = errors.New("message is empty")

// ErrMessageTooLong is returned when a message exceeds MaxMessageLen.
var ErrMessageTooLong = errors.New("message too long")

// Replies used when a turn cannot finish normally. They are persisted
// like any assistant message so the transcript records the failure.
const (
	replyModelUnavailable = "I'm having trouble reaching the language model right now. Please try again in a moment."
	replyRoundLimit       = "I wasn't able to finish that request within my action limit. The steps completed so far have been saved; please ask me to continue."
)

// Limits bounds one turn of the loop.
type Limits struct {
	MaxToolRounds int
	ModelTimeout  time.Duration
	MaxRetries    int
	ToolTokenTTL  time.Duration
}

// TurnRequest is one user message aimed at a conversation.
// ConversationID zero means "start a new conversation".
type TurnRequest struct {
	UserID         uuid.UUID
	ConversationID uint
	Message        string
}

// TurnResult is what a completed turn hands back to the transport.
type TurnResult struct {
	ConversationID uint
	Reply          string
	ToolCalls      []store.ToolCallRecord
	Rounds         int

	// Model and FinishReason describe the final model response.
	// FinishReason is "error" when the model was unreachable and
	// "max_rounds" when the tool round cap was hit.
	Model        string
	FinishReason string

	// Ids of the two messages this turn persisted.
	UserMessageID      uint
	AssistantMessageID uint
}

// Loop orchestrates turns. Safe for concurrent use; all mutable state
// lives in the store.
type Loop struct {
	store    *store.Store
	loader   *history.Loader
	registry *tools.Registry
	client   llm.Client
	guard    *auth.Guard
	limits   Limits
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewLoop wires the orchestrator together.
func NewLoop(st *store.Store, loader *history.Loader, reg *tools.Registry, client llm.Client, guard *auth.Guard, limits Limits, logger *slog.Logger) *Loop {
	if limits.MaxToolRounds <= 0 {
		limits.MaxToolRounds = 10
	}
	if limits.ModelTimeout <= 0 {
		limits.ModelTimeout = 60 * time.Second
	}
	if limits.MaxRetries < 0 {
		limits.MaxRetries = 0
	}
	if limits.ToolTokenTTL <= 0 {
		limits.ToolTokenTTL = 5 * time.Minute
	}
	return &Loop{
		store:    st,
		loader:   loader,
		registry: reg,
		client:   client,
		guard:    guard,
		limits:   limits,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes one turn: resolve the conversation, load bounded
// history, drive the model/tool loop, persist both sides of the
// exchange, and return the reply.
func (l *Loop) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(message); n > MaxMessageLen {
		return nil, fmt.Errorf("%w: %d characters, max %d", ErrMessageTooLong, n, MaxMessageLen)
	}

	conv, err := l.resolveConversation(req, message)
	if err != nil {
		return nil, err
	}

	// History is loaded before the new message is appended, so the
	// prompt carries prior context plus exactly one copy of the
	// current message.
	past, err := l.loader.Load(conv.ID, req.UserID)
	if err != nil {
		return nil, err
	}

	userMsg, err := l.store.AppendMessage(conv.ID, store.RoleUser, message, nil)
	if err != nil {
		return nil, err
	}

	toolToken, err := l.guard.MintToken(req.UserID, l.limits.ToolTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("minting tool token: %w", err)
	}

	transcript := make([]llm.Message, 0, len(past)+2)
	transcript = append(transcript, llm.SystemMessage(prompts.System(l.now())))
	transcript = append(transcript, past...)
	transcript = append(transcript, llm.UserMessage(message))

	outcome := l.drive(ctx, transcript, toolToken, conv.ID)

	encoded, err := store.EncodeToolCalls(outcome.audit)
	if err != nil {
		l.logger.Error("encoding tool call log", "error", err)
		encoded = nil
	}
	asstMsg, err := l.store.AppendMessage(conv.ID, store.RoleAssistant, outcome.reply, encoded)
	if err != nil {
		return nil, err
	}

	l.logger.Info("turn completed",
		"conversation", conv.ID, "user", req.UserID,
		"rounds", outcome.rounds, "tool_calls", len(outcome.audit),
		"finish", outcome.finishReason)

	return &TurnResult{
		ConversationID:     conv.ID,
		Reply:              outcome.reply,
		ToolCalls:          outcome.audit,
		Rounds:             outcome.rounds,
		Model:              outcome.model,
		FinishReason:       outcome.finishReason,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: asstMsg.ID,
	}, nil
}

// resolveConversation loads an existing conversation or starts a new
// one titled after the opening message.
func (l *Loop) resolveConversation(req TurnRequest, message string) (*store.Conversation, error) {
	if req.ConversationID != 0 {
		return l.store.GetConversation(req.ConversationID, req.UserID)
	}
	return l.store.CreateConversation(req.UserID, deriveTitle(message))
}

// deriveTitle shortens the first message into a listing title.
func deriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= 50 {
		return message
	}
	return string(runes[:50]) + "..."
}

// turnOutcome is the internal result of the model/tool loop.
type turnOutcome struct {
	reply        string
	audit        []store.ToolCallRecord
	rounds       int
	model        string
	finishReason string
}

// drive runs the bounded model/tool loop. It always produces a reply,
// substituting a failure notice when the model is unreachable or the
// round limit is hit, so the caller can persist unconditionally.
func (l *Loop) drive(ctx context.Context, transcript []llm.Message, toolToken string, convID uint) turnOutcome {
	specs := l.registry.Specs()
	var audit []store.ToolCallRecord
	var model string

	// Results of completed calls, keyed by name plus arguments. A
	// repeated identical call is answered from here instead of being
	// re-executed; some models retry calls they already made.
	executed := map[string]string{}

	rounds := 0
	for rounds < l.limits.MaxToolRounds {
		rounds++

		resp, err := l.chatWithRetry(ctx, transcript, specs)
		if err != nil {
			l.logger.Error("model unreachable", "conversation", convID, "rounds", rounds, "error", err)
			return turnOutcome{
				reply: replyModelUnavailable, audit: audit, rounds: rounds,
				model: model, finishReason: "error",
			}
		}
		model = resp.Model

		if len(resp.Message.ToolCalls) == 0 {
			return turnOutcome{
				reply: resp.Message.Content, audit: audit, rounds: rounds,
				model: resp.Model, finishReason: resp.FinishReason,
			}
		}

		transcript = append(transcript, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			key := call.Name + "\x00" + call.Arguments
			if prior, dup := executed[key]; dup {
				l.logger.Debug("duplicate tool call answered from cache",
					"conversation", convID, "tool", call.Name)
				transcript = append(transcript, llm.ToolResult(call.ID, call.Name, prior))
				continue
			}

			result, record := l.execute(ctx, call, toolToken)
			executed[key] = result
			audit = append(audit, record)
			transcript = append(transcript, llm.ToolResult(call.ID, call.Name, result))
		}
	}

	l.logger.Warn("tool round limit reached", "conversation", convID, "rounds", rounds)
	return turnOutcome{
		reply: replyRoundLimit, audit: audit, rounds: rounds,
		model: model, finishReason: "max_rounds",
	}
}

// execute runs one tool call and produces both the model-facing result
// text and the audit record. Tool failures are converted to text; they
// never abort the turn.
func (l *Loop) execute(ctx context.Context, call llm.ToolCall, toolToken string) (string, store.ToolCallRecord) {
	args, redacted := injectToken(call.Arguments, toolToken)

	started := l.now()
	result, err := l.registry.Execute(ctx, call.Name, args)
	elapsed := time.Since(started)

	record := store.ToolCallRecord{
		Tool:       call.Name,
		Arguments:  redacted,
		Timestamp:  started.UTC(),
		DurationMS: elapsed.Milliseconds(),
		Status:     "success",
	}

	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
		record.Status = "error"
		l.logger.Warn("tool call failed", "tool", call.Name, "error", err)
	}
	record.Result = result

	l.logger.Debug("tool executed",
		"tool", call.Name, "status", record.Status, "duration_ms", record.DurationMS)
	return result, record
}

// injectToken merges the per-turn token into the model's arguments and
// returns both the merged JSON and a token-free copy for the audit log.
func injectToken(argsJSON, token string) (merged string, redacted []byte) {
	raw := strings.TrimSpace(argsJSON)
	if raw == "" || raw == "null" {
		raw = "{}"
	}
	redacted = []byte(raw)

	// Splice rather than decode/re-encode so the audit log preserves
	// the model's exact argument text.
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		if strings.TrimSpace(raw[1:len(raw)-1]) == "" {
			merged = fmt.Sprintf(`{"user_token":%q}`, token)
			return merged, redacted
		}
		merged = fmt.Sprintf(`%s,"user_token":%q}`, raw[:len(raw)-1], token)
		return merged, redacted
	}
	// Not an object; let the executor report the malformed arguments.
	return raw, redacted
}

// chatWithRetry calls the model with a per-attempt timeout and simple
// exponential backoff.
func (l *Loop) chatWithRetry(ctx context.Context, transcript []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	var lastErr error
	attempts := l.limits.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			l.logger.Warn("retrying model call", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, l.limits.ModelTimeout)
		resp, err := l.client.Chat(callCtx, transcript, specs)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
