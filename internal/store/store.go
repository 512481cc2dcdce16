// Package store implements durable storage for conversations, messages,
// and tasks. It is the only cross-request state in the system: the agent
// process holds nothing between turns, so any instance can serve any
// conversation as long as it shares this database.
//
// Every query that touches owned data is filtered by the verified owner
// id at the query level, not just checked in application code. Even a
// logic bug upstream cannot produce a cross-owner write.
package store

import (
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record does not exist. For tasks it also
// covers records owned by another user, since owner-scoped queries make
// the two cases indistinguishable by design.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when a conversation exists but belongs to a
// different owner. Conversations signal this explicitly rather than
// returning an ambiguous empty result.
var ErrForbidden = errors.New("forbidden")

// Store wraps the database handle shared by all components.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the SQLite database at path, applies pragmas, and
// migrates the schema. Use "file::memory:?cache=shared" for tests.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	sqlDB.Exec("PRAGMA foreign_keys = ON;")
	sqlDB.Exec("PRAGMA journal_mode = WAL;")

	if err := db.AutoMigrate(&Conversation{}, &Message{}, &Task{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	log.Info("database ready", "path", path)

	return &Store{db: db, logger: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
