package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

// GORMStore implements the Store interface over SQLite via GORM.
type GORMStore struct {
	db *gorm.DB
}

// allModels lists every persisted model for auto-migration.
func allModels() []interface{} {
	return []interface{}{
		&types.User{},
		&types.Passkey{},
		&types.Connection{},
		&types.BatchTask{},
		&types.BatchSubTask{},
	}
}

// New opens the SQLite database and migrates the schema.
func New(path string) (*GORMStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// SQLite pragmas for better concurrent access:
	// - journal_mode(WAL): concurrent readers with a single writer
	// - busy_timeout(5000): wait up to 5 seconds when the database is locked
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &GORMStore{db: db}, nil
}

// DB returns the underlying GORM handle, useful for advanced queries in
// tests.
func (s *GORMStore) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueConstraintError checks if the error is a unique constraint
// violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to a NotFound kind
// naming the entity.
func convertNotFoundError(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errdefs.E(errdefs.KindNotFound, "%s not found: %s", entity, id)
	}
	return err
}
