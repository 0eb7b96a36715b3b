package storage

import (
	"context"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

func (s *GORMStore) CreateConnection(ctx context.Context, conn *types.Connection) (string, error) {
	dup := errdefs.E(errdefs.KindValidationError, "connection %q already exists", conn.Name)
	return createWithID(s.db, ctx, conn, func(c *types.Connection, id string) { c.ID = id }, conn.ID, dup)
}

func (s *GORMStore) GetConnection(ctx context.Context, id string) (*types.Connection, error) {
	return getByField[types.Connection](s.db, ctx, "id", id, "connection")
}

func (s *GORMStore) ListConnections(ctx context.Context, userID string) ([]*types.Connection, error) {
	return listByField[types.Connection](s.db, ctx, "user_id", userID)
}

// UpdateConnection rewrites the mutable fields of a connection record.
// Ciphertext columns are included so credential rotation goes through the
// same path.
func (s *GORMStore) UpdateConnection(ctx context.Context, conn *types.Connection) error {
	var existing types.Connection
	if err := s.db.WithContext(ctx).Where("id = ?", conn.ID).First(&existing).Error; err != nil {
		return convertNotFoundError(err, "connection", conn.ID)
	}

	return s.db.WithContext(ctx).
		Model(&existing).
		Select("Name", "Host", "Port", "Username", "AuthMethod",
			"PasswordCiphertext", "PrivateKeyCiphertext", "PassphraseCiphertext", "ProxyID").
		Updates(conn).Error
}

func (s *GORMStore) DeleteConnection(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.Connection{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errdefs.E(errdefs.KindNotFound, "connection not found: %s", id)
	}
	return nil
}
