package storage

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Generic GORM helpers. They reduce repetitive CRUD boilerplate across the
// per-entity files and operate on the raw *gorm.DB to avoid coupling to
// GORMStore. Not-found conversion and unique-constraint detection happen
// here so callers see domain error kinds only.

// getByField retrieves a single record of type T matching field=value.
func getByField[T any](db *gorm.DB, ctx context.Context, field string, value any, entity string, preloads ...string) (*T, error) {
	var result T
	q := db.WithContext(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.Where(field+" = ?", value).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, entity, valueString(value))
	}
	return &result, nil
}

// listByField retrieves all records of type T matching field=value, ordered
// by created_at.
func listByField[T any](db *gorm.DB, ctx context.Context, field string, value any, preloads ...string) ([]*T, error) {
	var results []*T
	q := db.WithContext(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.Where(field+" = ?", value).Order("created_at").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// createWithID generates a UUID for the entity if it has no id, then
// inserts it. Unique violations are converted to dupErr.
func createWithID[T any](db *gorm.DB, ctx context.Context, entity *T, idSetter func(*T, string), currentID string, dupErr error) (string, error) {
	id := currentID
	if id == "" {
		id = uuid.New().String()
		idSetter(entity, id)
	}
	if err := db.WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", dupErr
		}
		return "", err
	}
	return id, nil
}

func valueString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "?"
}
