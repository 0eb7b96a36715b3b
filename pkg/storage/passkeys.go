package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

func (s *GORMStore) CreatePasskey(ctx context.Context, passkey *types.Passkey) (string, error) {
	dup := errdefs.E(errdefs.KindValidationError, "passkey credential already registered")
	return createWithID(s.db, ctx, passkey, func(p *types.Passkey, id string) { p.ID = id }, passkey.ID, dup)
}

func (s *GORMStore) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*types.Passkey, error) {
	return getByField[types.Passkey](s.db, ctx, "credential_id", credentialID, "passkey")
}

func (s *GORMStore) ListPasskeysByUser(ctx context.Context, userID string) ([]*types.Passkey, error) {
	return listByField[types.Passkey](s.db, ctx, "user_id", userID)
}

// UpdatePasskeyCounter stores the post-assertion signature counter and
// stamps last use.
func (s *GORMStore) UpdatePasskeyCounter(ctx context.Context, id string, signCount uint32) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&types.Passkey{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sign_count":   signCount,
			"last_used_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errdefs.E(errdefs.KindNotFound, "passkey not found: %s", id)
	}
	return nil
}

func (s *GORMStore) DeletePasskey(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.Passkey{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errdefs.E(errdefs.KindNotFound, "passkey not found: %s", id)
	}
	return nil
}

// UserHasPasskeys reports whether the named user has at least one registered
// passkey. Unknown usernames report false rather than an error so the
// endpoint cannot be used to probe accounts.
func (s *GORMStore) UserHasPasskeys(ctx context.Context, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.Passkey{}).
		Joins("JOIN users ON users.id = passkeys.user_id").
		Where("users.username = ?", username).
		Count(&count).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return false, err
	}
	return count > 0, nil
}
