// Package tools defines the task tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/auth"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/store"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the fixed set of tools. It is built once at startup
// and read-only afterward: per-request mutation would break the
// statelessness guarantee.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	store  *store.Store
	guard  *auth.Guard
	logger *slog.Logger

	// now is swappable for tests of date inference and summaries.
	now func() time.Time
}

// NewRegistry creates the tool registry over the store and guard.
func NewRegistry(st *store.Store, guard *auth.Guard, logger *slog.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		store:  st,
		guard:  guard,
		logger: logger,
		now:    time.Now,
	}
	r.registerBuiltins()
	return r
}

// Register adds a tool to the registry. Registering a duplicate name is
// a programming error and panics at startup rather than failing later.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tools: duplicate registration of %q", t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Specs returns the declared tool schemas for the model, in
// registration order. The user_token parameter never appears here: the
// orchestrator injects it, so the model cannot supply or omit it.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Execute runs a tool by name with the given JSON arguments. The caller
// must have merged the user_token into argsJSON; every handler verifies
// it independently.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrUnknownTool{ToolName: name}
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", validationErr("invalid arguments: %v", err)
		}
	}

	return tool.Handler(ctx, args)
}

// authorize extracts and verifies the injected user token. Every
// handler calls this first; tools never trust that authorization
// happened upstream.
func (r *Registry) authorize(args map[string]any) (uuid.UUID, error) {
	token, _ := args["user_token"].(string)
	return r.guard.VerifyToken(token)
}

// Argument extraction helpers. Models are loose with types and some
// send task ids as strings, so numeric arguments accept both forms.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}

func argTaskID(args map[string]any) (uint, error) {
	v, ok := args["task_id"]
	if !ok {
		return 0, validationErr("task_id is required")
	}
	switch id := v.(type) {
	case float64:
		if id < 1 || id != float64(uint(id)) {
			return 0, validationErr("task_id must be a positive integer, got %v", id)
		}
		return uint(id), nil
	case string:
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return 0, validationErr("task_id must be numeric, got %q", id)
		}
		return uint(n), nil
	default:
		return 0, validationErr("task_id must be numeric")
	}
}
