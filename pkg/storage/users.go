package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

func (s *GORMStore) CreateUser(ctx context.Context, user *types.User) (string, error) {
	dup := errdefs.E(errdefs.KindValidationError, "username %q already exists", user.Username)
	return createWithID(s.db, ctx, user, func(u *types.User, id string) { u.ID = id }, user.ID, dup)
}

func (s *GORMStore) GetUser(ctx context.Context, username string) (*types.User, error) {
	return getByField[types.User](s.db, ctx, "username", username, "user")
}

func (s *GORMStore) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	return getByField[types.User](s.db, ctx, "id", id, "user")
}

func (s *GORMStore) ListUsers(ctx context.Context) ([]*types.User, error) {
	var users []*types.User
	if err := s.db.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *GORMStore) UpdateUserTOTPSecret(ctx context.Context, userID, ciphertext string) error {
	return s.updateUserColumns(ctx, userID, map[string]any{"totp_secret": ciphertext})
}

func (s *GORMStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	return s.updateUserColumns(ctx, userID, map[string]any{"password_hash": passwordHash})
}

func (s *GORMStore) UpdateUserLastLogin(ctx context.Context, userID string) error {
	now := time.Now()
	return s.updateUserColumns(ctx, userID, map[string]any{"last_login_at": &now})
}

func (s *GORMStore) updateUserColumns(ctx context.Context, userID string, cols map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&types.User{}).
		Where("id = ?", userID).
		Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errdefs.E(errdefs.KindNotFound, "user not found: %s", userID)
	}
	return nil
}

func (s *GORMStore) DeleteUser(ctx context.Context, username string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user types.User
		if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
			return convertNotFoundError(err, "user", username)
		}

		if err := tx.Where("user_id = ?", user.ID).Delete(&types.Passkey{}).Error; err != nil {
			return err
		}

		return tx.Delete(&user).Error
	})
}
