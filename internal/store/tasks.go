package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Task status filters for ListTasks.
const (
	StatusAll       = "all"
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Task sort keys for ListTasks. Every ordering tie-breaks on creation
// order so repeated listings are deterministic.
const (
	SortCreated  = "created"
	SortDueDate  = "due_date"
	SortPriority = "priority"
)

// ValidStatus reports whether s is a recognized status filter.
func ValidStatus(s string) bool {
	return s == StatusAll || s == StatusPending || s == StatusCompleted
}

// CreateTask inserts a new task. UserID, Title, and Priority must be set
// by the caller; validation happens in the tool executor.
func (s *Store) CreateTask(task *Task) error {
	if err := s.db.Create(task).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	s.logger.Debug("task created", "task", task.ID, "user", task.UserID)
	return nil
}

// GetTask loads one task scoped to its owner. A task id belonging to a
// different user is reported as ErrNotFound: the owner-scoped query
// cannot tell "absent" from "not yours", and the task id alone must
// never be enough to reach another tenant's data.
func (s *Store) GetTask(id uint, userID uuid.UUID) (*Task, error) {
	var task Task
	err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", id, err)
	}
	return &task, nil
}

// ListTasks returns the caller's tasks filtered by completion status and
// ordered by the requested key.
func (s *Store) ListTasks(userID uuid.UUID, status, sortBy string) ([]Task, error) {
	query := s.db.Where("user_id = ?", userID)

	switch status {
	case StatusPending:
		query = query.Where("completed = ?", false)
	case StatusCompleted:
		query = query.Where("completed = ?", true)
	}

	switch sortBy {
	case SortDueDate:
		// NULL due dates sort last.
		query = query.Order("due_date IS NULL, due_date ASC, created_at ASC, id ASC")
	case SortPriority:
		query = query.Order("CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at ASC, id ASC")
	default:
		query = query.Order("created_at ASC, id ASC")
	}

	var tasks []Task
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// SaveTask persists changes to an already-loaded task. Callers must have
// obtained the task through GetTask so the owner scope has been applied.
func (s *Store) SaveTask(task *Task) error {
	if err := s.db.Save(task).Error; err != nil {
		return fmt.Errorf("saving task %d: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes one owner-scoped task. Irreversible.
func (s *Store) DeleteTask(id uint, userID uuid.UUID) error {
	result := s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&Task{})
	if result.Error != nil {
		return fmt.Errorf("deleting task %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	s.logger.Debug("task deleted", "task", id, "user", userID)
	return nil
}
