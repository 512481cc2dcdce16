package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/auth"
	"github.com/taskpilot/taskpilot/internal/store"
)

var testNow = time.Date(2025, 6, 11, 15, 30, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := NewRegistry(st, auth.NewGuard("test-secret"), logger)
	r.now = func() time.Time { return testNow }
	return r, st
}

// call executes a tool with the dev token for userID merged in, the way
// the orchestrator would.
func call(t *testing.T, r *Registry, userID uuid.UUID, tool string, args map[string]any) (string, error) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	args["user_token"] = "user_id:" + userID.String()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return r.Execute(context.Background(), tool, string(raw))
}

func decodeResult(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, raw)
	}
	return out
}

func TestSpecsExcludeUserToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	specs := r.Specs()
	if len(specs) != 7 {
		t.Fatalf("got %d specs, want 7", len(specs))
	}
	if specs[0].Name != "add_task" {
		t.Errorf("first spec = %q, want add_task (registration order)", specs[0].Name)
	}
	for _, spec := range specs {
		raw, err := json.Marshal(spec.Parameters)
		if err != nil {
			t.Fatalf("marshal %s parameters: %v", spec.Name, err)
		}
		if strings.Contains(string(raw), "user_token") {
			t.Errorf("%s schema leaks user_token", spec.Name)
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Execute(context.Background(), "launch_missiles", "{}")
	var unknown *ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want ErrUnknownTool", err)
	}
	if unknown.ToolName != "launch_missiles" {
		t.Errorf("ToolName = %q", unknown.ToolName)
	}
}

func TestExecuteRejectsBadArguments(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Execute(context.Background(), "add_task", "not json"); !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestExecuteRequiresToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Execute(context.Background(), "add_task", `{"title":"x"}`)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestAddTaskInference(t *testing.T) {
	r, st := newTestRegistry(t)
	userID := uuid.New()

	raw, err := call(t, r, userID, "add_task", map[string]any{
		"title":    "Submit tax forms, urgent",
		"due_date": "tomorrow",
	})
	if err != nil {
		t.Fatalf("add_task: %v", err)
	}
	result := decodeResult(t, raw)
	task := result["task"].(map[string]any)
	if task["priority"] != "high" {
		t.Errorf("priority = %v, want high (inferred)", task["priority"])
	}
	if task["due_date"] != "2025-06-12" {
		t.Errorf("due_date = %v, want 2025-06-12", task["due_date"])
	}

	stored, err := st.GetTask(uint(task["id"].(float64)), userID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Priority != store.PriorityHigh {
		t.Errorf("stored priority = %q", stored.Priority)
	}
}

func TestAddTaskExplicitPriorityWins(t *testing.T) {
	r, _ := newTestRegistry(t)

	raw, err := call(t, r, uuid.New(), "add_task", map[string]any{
		"title":    "urgent cleanup",
		"priority": "low",
	})
	if err != nil {
		t.Fatalf("add_task: %v", err)
	}
	task := decodeResult(t, raw)["task"].(map[string]any)
	if task["priority"] != "low" {
		t.Errorf("priority = %v, want low (explicit beats inference)", task["priority"])
	}
}

func TestAddTaskValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	cases := []struct {
		name string
		args map[string]any
	}{
		{"missing title", map[string]any{}},
		{"blank title", map[string]any{"title": "   "}},
		{"title too long", map[string]any{"title": strings.Repeat("x", 201)}},
		{"description too long", map[string]any{"title": "ok", "description": strings.Repeat("x", 1001)}},
		{"bad priority", map[string]any{"title": "ok", "priority": "extreme"}},
		{"bad due date", map[string]any{"title": "ok", "due_date": "whenever"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := call(t, r, userID, "add_task", tc.args); !errors.Is(err, ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestTitleLengthCountsRunes(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	// 200 two-byte runes is 400 bytes but still a legal title.
	if _, err := call(t, r, userID, "add_task", map[string]any{"title": strings.Repeat("ü", 200)}); err != nil {
		t.Errorf("200-rune title rejected: %v", err)
	}
	if _, err := call(t, r, userID, "add_task", map[string]any{"title": strings.Repeat("ü", 201)}); !errors.Is(err, ErrValidation) {
		t.Errorf("201-rune title: got %v, want ErrValidation", err)
	}
}

func TestUpdateTaskPartial(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	raw, err := call(t, r, userID, "add_task", map[string]any{"title": "draft slides", "due_date": "friday"})
	if err != nil {
		t.Fatalf("add_task: %v", err)
	}
	id := decodeResult(t, raw)["task"].(map[string]any)["id"].(float64)

	raw, err = call(t, r, userID, "update_task", map[string]any{
		"task_id":  id,
		"priority": "high",
		"due_date": "none",
	})
	if err != nil {
		t.Fatalf("update_task: %v", err)
	}
	result := decodeResult(t, raw)

	changed, _ := result["changed"].([]any)
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want [priority due_date]", changed)
	}
	task := result["task"].(map[string]any)
	if task["title"] != "draft slides" {
		t.Errorf("title changed unexpectedly: %v", task["title"])
	}
	if task["priority"] != "high" {
		t.Errorf("priority = %v", task["priority"])
	}
	if _, present := task["due_date"]; present {
		t.Errorf("due_date not cleared: %v", task["due_date"])
	}

	// No-op update reports nothing changed.
	raw, err = call(t, r, userID, "update_task", map[string]any{"task_id": id, "priority": "high"})
	if err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if _, present := decodeResult(t, raw)["changed"]; present {
		t.Errorf("no-op update reported changes: %s", raw)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := call(t, r, uuid.New(), "update_task", map[string]any{"task_id": 42, "title": "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCompleteTaskToggles(t *testing.T) {
	r, st := newTestRegistry(t)
	userID := uuid.New()

	raw, _ := call(t, r, userID, "add_task", map[string]any{"title": "water plants"})
	id := decodeResult(t, raw)["task"].(map[string]any)["id"].(float64)

	raw, err := call(t, r, userID, "complete_task", map[string]any{"task_id": id})
	if err != nil {
		t.Fatalf("complete_task: %v", err)
	}
	if !decodeResult(t, raw)["task"].(map[string]any)["completed"].(bool) {
		t.Errorf("task not completed: %s", raw)
	}

	// A second call undoes the first and says so.
	raw, err = call(t, r, userID, "complete_task", map[string]any{"task_id": id})
	if err != nil {
		t.Fatalf("second complete_task: %v", err)
	}
	result := decodeResult(t, raw)
	if result["task"].(map[string]any)["completed"].(bool) {
		t.Errorf("task still completed after toggle: %s", raw)
	}
	if msg := result["message"].(string); !strings.Contains(msg, "Reopened") {
		t.Errorf("second toggle message = %q", msg)
	}

	stored, err := st.GetTask(uint(id), userID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Completed {
		t.Error("stored task did not return to its original state")
	}
}

func TestTaskIDCoercion(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	raw, _ := call(t, r, userID, "add_task", map[string]any{"title": "string id test"})
	id := decodeResult(t, raw)["task"].(map[string]any)["id"].(float64)

	// Some models send numeric ids as strings.
	idStr := strconv.Itoa(int(id))
	if _, err := call(t, r, userID, "complete_task", map[string]any{"task_id": idStr}); err != nil {
		t.Errorf("string task_id rejected: %v", err)
	}

	if _, err := call(t, r, userID, "complete_task", map[string]any{"task_id": "abc"}); !errors.Is(err, ErrValidation) {
		t.Errorf("non-numeric id: got %v, want ErrValidation", err)
	}

	// A fractional id must not silently truncate to a neighboring task.
	if _, err := call(t, r, userID, "complete_task", map[string]any{"task_id": id + 0.5}); !errors.Is(err, ErrValidation) {
		t.Errorf("fractional id: got %v, want ErrValidation", err)
	}
}

func TestDeleteTaskEchoesTitle(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	raw, _ := call(t, r, userID, "add_task", map[string]any{"title": "old chore"})
	id := decodeResult(t, raw)["task"].(map[string]any)["id"].(float64)

	raw, err := call(t, r, userID, "delete_task", map[string]any{"task_id": id})
	if err != nil {
		t.Fatalf("delete_task: %v", err)
	}
	if msg := decodeResult(t, raw)["message"].(string); !strings.Contains(msg, "old chore") {
		t.Errorf("delete message = %q, want title echoed", msg)
	}

	if _, err := call(t, r, userID, "delete_task", map[string]any{"task_id": id}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestCrossUserIsolation(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := uuid.New()
	bob := uuid.New()

	raw, _ := call(t, r, alice, "add_task", map[string]any{"title": "alice secret"})
	id := decodeResult(t, raw)["task"].(map[string]any)["id"].(float64)

	if _, err := call(t, r, bob, "complete_task", map[string]any{"task_id": id}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("bob completing alice's task: got %v, want ErrNotFound", err)
	}

	raw, err := call(t, r, bob, "list_tasks", nil)
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if count := decodeResult(t, raw)["count"].(float64); count != 0 {
		t.Errorf("bob sees %v tasks, want 0", count)
	}
}

func TestTaskSummaryCounts(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	seed := []map[string]any{
		{"title": "overdue one", "due_date": "yesterday"},
		{"title": "due today", "due_date": "today"},
		{"title": "due this week", "due_date": "in 3 days"},
		{"title": "far out", "due_date": "next month"},
		{"title": "urgent no date"},
		{"title": "plain"},
	}
	for _, args := range seed {
		if _, err := call(t, r, userID, "add_task", args); err != nil {
			t.Fatalf("add_task %v: %v", args["title"], err)
		}
	}

	// Complete one.
	raw, _ := call(t, r, userID, "list_tasks", nil)
	tasks := decodeResult(t, raw)["tasks"].([]any)
	lastID := tasks[len(tasks)-1].(map[string]any)["id"].(float64)
	if _, err := call(t, r, userID, "complete_task", map[string]any{"task_id": lastID}); err != nil {
		t.Fatalf("complete_task: %v", err)
	}

	raw, err := call(t, r, userID, "get_task_summary", nil)
	if err != nil {
		t.Fatalf("get_task_summary: %v", err)
	}
	summary := decodeResult(t, raw)

	want := map[string]float64{
		"total":         6,
		"completed":     1,
		"pending":       5,
		"high_priority": 1,
		"overdue":       1,
		"due_today":     1,
		"due_this_week": 2, // today plus "in 3 days"
	}
	for key, val := range want {
		if got := summary[key].(float64); got != val {
			t.Errorf("%s = %v, want %v", key, got, val)
		}
	}
}

func TestSuggestPrioritiesOrdering(t *testing.T) {
	r, _ := newTestRegistry(t)
	userID := uuid.New()

	seed := []map[string]any{
		{"title": "someday maybe", "priority": "low"},
		{"title": "overdue chore", "priority": "low", "due_date": "yesterday"},
		{"title": "urgent report", "priority": "high", "due_date": "today"},
		{"title": "routine errand"},
	}
	for _, args := range seed {
		if _, err := call(t, r, userID, "add_task", args); err != nil {
			t.Fatalf("add_task: %v", err)
		}
	}

	raw, err := call(t, r, userID, "suggest_priorities", map[string]any{"limit": 3})
	if err != nil {
		t.Fatalf("suggest_priorities: %v", err)
	}
	result := decodeResult(t, raw)
	suggestions := result["suggestions"].([]any)
	if len(suggestions) != 3 {
		t.Fatalf("got %d suggestions, want 3", len(suggestions))
	}

	// Overdue low (105) beats high due today (80) beats normal (15).
	wantOrder := []string{"overdue chore", "urgent report", "routine errand"}
	for i, s := range suggestions {
		title := s.(map[string]any)["task"].(map[string]any)["title"].(string)
		if title != wantOrder[i] {
			t.Errorf("suggestion %d = %q, want %q", i, title, wantOrder[i])
		}
	}
}
