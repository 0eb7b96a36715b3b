package storage

import (
	"context"

	"github.com/nexushq/nexus/pkg/types"
)

// Store defines the interface for control-plane state storage.
// The GORM/SQLite store implements all of it; tests substitute pieces.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *types.User) (string, error)
	GetUser(ctx context.Context, username string) (*types.User, error)
	GetUserByID(ctx context.Context, id string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)
	UpdateUserTOTPSecret(ctx context.Context, userID, ciphertext string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	UpdateUserLastLogin(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, username string) error

	// Passkeys
	CreatePasskey(ctx context.Context, passkey *types.Passkey) (string, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*types.Passkey, error)
	ListPasskeysByUser(ctx context.Context, userID string) ([]*types.Passkey, error)
	UpdatePasskeyCounter(ctx context.Context, id string, signCount uint32) error
	DeletePasskey(ctx context.Context, id string) error
	UserHasPasskeys(ctx context.Context, username string) (bool, error)

	// Connections
	CreateConnection(ctx context.Context, conn *types.Connection) (string, error)
	GetConnection(ctx context.Context, id string) (*types.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]*types.Connection, error)
	UpdateConnection(ctx context.Context, conn *types.Connection) error
	DeleteConnection(ctx context.Context, id string) error

	// Batch tasks
	CreateBatchTask(ctx context.Context, task *types.BatchTask) error
	GetBatchTask(ctx context.Context, id string) (*types.BatchTask, error)
	ListBatchTasks(ctx context.Context, userID string) ([]*types.BatchTask, error)
	ListUnfinishedBatchTasks(ctx context.Context) ([]*types.BatchTask, error)
	CountBatchTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error)
	UpdateBatchTask(ctx context.Context, task *types.BatchTask) error
	UpdateBatchSubTask(ctx context.Context, sub *types.BatchSubTask) error
	DeleteBatchTask(ctx context.Context, id string) error

	// Utility
	Close() error
}
