package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taskpilot/taskpilot/internal/store"
)

// Shared schema fragments. user_token is deliberately absent from every
// schema: the orchestrator injects it into the arguments after the
// model has chosen a call.
var priorityProperty = map[string]any{
	"type":        "string",
	"enum":        []string{"low", "normal", "high"},
	"description": "Task priority. Omit to infer from the task text.",
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "add_task",
		Description: "Create a new task for the user. Supports natural-language due dates like 'tomorrow' or 'next friday'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title, 1 to 200 characters.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer description, up to 1000 characters.",
				},
				"priority": priorityProperty,
				"due_date": map[string]any{
					"type":        "string",
					"description": "Optional due date: an ISO date or a relative expression such as 'tomorrow', 'next week', 'in 3 days'.",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.addTask,
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks, optionally filtered by completion status and sorted.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"all", "pending", "completed"},
					"description": "Which tasks to include. Defaults to all.",
				},
				"sort_by": map[string]any{
					"type":        "string",
					"enum":        []string{"created", "due_date", "priority"},
					"description": "Ordering key. Defaults to creation order.",
				},
			},
		},
		Handler: r.listTasks,
	})

	r.Register(&Tool{
		Name:        "update_task",
		Description: "Update fields of an existing task. Only the provided fields change.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "Id of the task to update.",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "New title, 1 to 200 characters.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "New description, up to 1000 characters.",
				},
				"priority": priorityProperty,
				"due_date": map[string]any{
					"type":        "string",
					"description": "New due date, or 'none' to clear it.",
				},
				"completed": map[string]any{
					"type":        "boolean",
					"description": "New completion state.",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.updateTask,
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Description: "Toggle a task's completion state: complete it if pending, reopen it if already completed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "Id of the task to toggle.",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.completeTask,
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Permanently delete a task.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "Id of the task to delete.",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.deleteTask,
	})

	r.Register(&Tool{
		Name:        "get_task_summary",
		Description: "Get aggregate counts of the user's tasks: totals, completion, priorities, and due-date pressure.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timeframe": map[string]any{
					"type":        "string",
					"enum":        []string{"all", "today", "week", "overdue"},
					"description": "Timeframe of interest. The summary always reports every window; this only validates intent.",
				},
			},
		},
		Handler: r.taskSummary,
	})

	r.Register(&Tool{
		Name:        "suggest_priorities",
		Description: "Rank the user's pending tasks by urgency, combining priority with due-date pressure.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of suggestions. Defaults to 5.",
				},
			},
		},
		Handler: r.suggestPriorities,
	})
}

// taskView is the tool-facing rendering of a task. Due dates serialize
// as bare dates so the model does not echo timestamps at users.
type taskView struct {
	ID          uint   `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date,omitempty"`
}

func viewOf(t *store.Task) taskView {
	v := taskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		Priority:    t.Priority,
	}
	if t.DueDate != nil {
		v.DueDate = t.DueDate.Format("2006-01-02")
	}
	return v
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(raw), nil
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", validationErr("title is required")
	}
	if n := utf8.RuneCountInString(title); n > 200 {
		return "", validationErr("title is too long (%d characters, max 200)", n)
	}
	return title, nil
}

func validateDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if n := utf8.RuneCountInString(desc); n > 1000 {
		return "", validationErr("description is too long (%d characters, max 1000)", n)
	}
	return desc, nil
}

func (r *Registry) addTask(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}

	title, err := validateTitle(argString(args, "title"))
	if err != nil {
		return "", err
	}
	desc, err := validateDescription(argString(args, "description"))
	if err != nil {
		return "", err
	}

	priority := strings.ToLower(strings.TrimSpace(argString(args, "priority")))
	switch {
	case priority == "":
		priority = InferPriority(title + " " + desc)
	case !store.ValidPriority(priority):
		return "", validationErr("priority must be low, normal, or high, got %q", priority)
	}

	var due *time.Time
	if raw := argString(args, "due_date"); raw != "" {
		parsed, ok := ParseDueDate(raw, r.now())
		if !ok {
			return "", validationErr("could not parse due_date %q", raw)
		}
		due = &parsed
	}

	task := &store.Task{
		UserID:      userID,
		Title:       title,
		Description: desc,
		Priority:    priority,
		DueDate:     due,
	}
	if err := r.store.CreateTask(task); err != nil {
		return "", err
	}

	r.logger.Info("task added", "task", task.ID, "user", userID, "priority", priority)
	return marshalResult(map[string]any{
		"message": fmt.Sprintf("Created task %d: %s", task.ID, task.Title),
		"task":    viewOf(task),
	})
}

func (r *Registry) listTasks(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}

	status := strings.ToLower(strings.TrimSpace(argString(args, "status")))
	if status == "" {
		status = store.StatusAll
	}
	if !store.ValidStatus(status) {
		return "", validationErr("status must be all, pending, or completed, got %q", status)
	}

	sortBy := strings.ToLower(strings.TrimSpace(argString(args, "sort_by")))
	switch sortBy {
	case "", store.SortCreated, store.SortDueDate, store.SortPriority:
	default:
		return "", validationErr("sort_by must be created, due_date, or priority, got %q", sortBy)
	}

	tasks, err := r.store.ListTasks(userID, status, sortBy)
	if err != nil {
		return "", err
	}

	views := make([]taskView, len(tasks))
	for i := range tasks {
		views[i] = viewOf(&tasks[i])
	}
	return marshalResult(map[string]any{
		"count": len(views),
		"tasks": views,
	})
}

func (r *Registry) updateTask(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}
	id, err := argTaskID(args)
	if err != nil {
		return "", err
	}

	task, err := r.store.GetTask(id, userID)
	if err != nil {
		return "", err
	}

	var changed []string

	if _, ok := args["title"]; ok {
		title, err := validateTitle(argString(args, "title"))
		if err != nil {
			return "", err
		}
		if title != task.Title {
			task.Title = title
			changed = append(changed, "title")
		}
	}
	if _, ok := args["description"]; ok {
		desc, err := validateDescription(argString(args, "description"))
		if err != nil {
			return "", err
		}
		if desc != task.Description {
			task.Description = desc
			changed = append(changed, "description")
		}
	}
	if _, ok := args["priority"]; ok {
		priority := strings.ToLower(strings.TrimSpace(argString(args, "priority")))
		if !store.ValidPriority(priority) {
			return "", validationErr("priority must be low, normal, or high, got %q", priority)
		}
		if priority != task.Priority {
			task.Priority = priority
			changed = append(changed, "priority")
		}
	}
	if _, ok := args["due_date"]; ok {
		raw := strings.ToLower(strings.TrimSpace(argString(args, "due_date")))
		if raw == "" || raw == "none" {
			if task.DueDate != nil {
				task.DueDate = nil
				changed = append(changed, "due_date")
			}
		} else {
			parsed, ok := ParseDueDate(raw, r.now())
			if !ok {
				return "", validationErr("could not parse due_date %q", raw)
			}
			if task.DueDate == nil || !task.DueDate.Equal(parsed) {
				task.DueDate = &parsed
				changed = append(changed, "due_date")
			}
		}
	}
	if done, ok := argBool(args, "completed"); ok && done != task.Completed {
		task.Completed = done
		changed = append(changed, "completed")
	}

	if len(changed) == 0 {
		return marshalResult(map[string]any{
			"message": fmt.Sprintf("Task %d is already up to date", task.ID),
			"task":    viewOf(task),
		})
	}

	if err := r.store.SaveTask(task); err != nil {
		return "", err
	}
	r.logger.Info("task updated", "task", task.ID, "user", userID, "fields", changed)
	return marshalResult(map[string]any{
		"message": fmt.Sprintf("Updated %s of task %d", strings.Join(changed, ", "), task.ID),
		"changed": changed,
		"task":    viewOf(task),
	})
}

func (r *Registry) completeTask(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}
	id, err := argTaskID(args)
	if err != nil {
		return "", err
	}

	task, err := r.store.GetTask(id, userID)
	if err != nil {
		return "", err
	}

	// Toggle rather than set, so a second call undoes the first. That
	// lets the model recover after completing the wrong task.
	task.Completed = !task.Completed
	if err := r.store.SaveTask(task); err != nil {
		return "", err
	}

	message := fmt.Sprintf("Completed task %d: %s", task.ID, task.Title)
	if !task.Completed {
		message = fmt.Sprintf("Reopened task %d: %s", task.ID, task.Title)
	}
	r.logger.Info("task completion toggled", "task", task.ID, "user", userID, "completed", task.Completed)
	return marshalResult(map[string]any{
		"message": message,
		"task":    viewOf(task),
	})
}

func (r *Registry) deleteTask(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}
	id, err := argTaskID(args)
	if err != nil {
		return "", err
	}

	// Load first so the confirmation can name what was removed.
	task, err := r.store.GetTask(id, userID)
	if err != nil {
		return "", err
	}
	if err := r.store.DeleteTask(id, userID); err != nil {
		return "", err
	}

	r.logger.Info("task deleted", "task", id, "user", userID)
	return marshalResult(map[string]any{
		"message": fmt.Sprintf("Deleted task %d: %s", id, task.Title),
	})
}

func (r *Registry) taskSummary(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(strings.TrimSpace(argString(args, "timeframe"))) {
	case "", "all", "today", "week", "overdue":
	default:
		return "", validationErr("timeframe must be all, today, week, or overdue")
	}

	tasks, err := r.store.ListTasks(userID, store.StatusAll, store.SortCreated)
	if err != nil {
		return "", err
	}

	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	// Due dates are midnight-normalized; "this week" includes day seven.
	weekEnd := today.AddDate(0, 0, 8)

	summary := map[string]int{
		"total":         len(tasks),
		"completed":     0,
		"pending":       0,
		"high_priority": 0,
		"overdue":       0,
		"due_today":     0,
		"due_this_week": 0,
	}
	for i := range tasks {
		t := &tasks[i]
		if t.Completed {
			summary["completed"]++
			continue
		}
		summary["pending"]++
		if t.Priority == store.PriorityHigh {
			summary["high_priority"]++
		}
		if t.DueDate == nil {
			continue
		}
		due := *t.DueDate
		switch {
		case due.Before(today):
			summary["overdue"]++
		case due.Before(today.AddDate(0, 0, 1)):
			summary["due_today"]++
		}
		if !due.Before(today) && due.Before(weekEnd) {
			summary["due_this_week"]++
		}
	}

	return marshalResult(summary)
}

// urgencyScore ranks a pending task. Due-date pressure dominates the
// declared priority so an overdue low-priority task still surfaces.
func urgencyScore(t *store.Task, today time.Time) (int, string) {
	score := 0
	var reasons []string
	switch t.Priority {
	case store.PriorityHigh:
		score += 30
		reasons = append(reasons, "High Priority")
	case store.PriorityNormal:
		score += 15
	default:
		score += 5
	}
	if t.DueDate != nil {
		due := *t.DueDate
		switch {
		case due.Before(today):
			score += 100
			reasons = append(reasons, "Overdue")
		case due.Before(today.AddDate(0, 0, 1)):
			score += 50
			reasons = append(reasons, "Due Today")
		case due.Before(today.AddDate(0, 0, 8)):
			score += 25
			reasons = append(reasons, "Due This Week")
		}
	}
	if len(reasons) == 0 {
		return score, "Normal"
	}
	return score, strings.Join(reasons, " + ")
}

func (r *Registry) suggestPriorities(ctx context.Context, args map[string]any) (string, error) {
	userID, err := r.authorize(args)
	if err != nil {
		return "", err
	}

	limit := 5
	if v, ok := args["limit"].(float64); ok && v >= 1 {
		limit = int(v)
	}

	tasks, err := r.store.ListTasks(userID, store.StatusPending, store.SortCreated)
	if err != nil {
		return "", err
	}

	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	type suggestion struct {
		Task      taskView `json:"task"`
		Score     int      `json:"score"`
		Reasoning string   `json:"reasoning"`
	}
	suggestions := make([]suggestion, len(tasks))
	for i := range tasks {
		score, reasoning := urgencyScore(&tasks[i], today)
		suggestions[i] = suggestion{
			Task:      viewOf(&tasks[i]),
			Score:     score,
			Reasoning: reasoning,
		}
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}

	return marshalResult(map[string]any{
		"count":       len(suggestions),
		"suggestions": suggestions,
	})
}
