package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

func newTestStore(t *testing.T) *GORMStore {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, &types.User{Username: "alice", PasswordHash: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	user, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.False(t, user.TwoFactorEnabled())

	// Duplicate usernames are rejected.
	_, err = s.CreateUser(ctx, &types.User{Username: "alice", PasswordHash: "y"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidationError))

	require.NoError(t, s.UpdateUserTOTPSecret(ctx, id, "ciphertext"))
	user, err = s.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.TwoFactorEnabled())

	require.NoError(t, s.UpdateUserLastLogin(ctx, id))
	user, _ = s.GetUserByID(ctx, id)
	assert.NotNil(t, user.LastLoginAt)

	require.NoError(t, s.DeleteUser(ctx, "alice"))
	_, err = s.GetUser(ctx, "alice")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "ghost")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestPasskeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, &types.User{Username: "bob", PasswordHash: "x"})
	require.NoError(t, err)

	credID := []byte{0x01, 0x02, 0x03}
	pkID, err := s.CreatePasskey(ctx, &types.Passkey{
		UserID:       userID,
		CredentialID: credID,
		PublicKey:    []byte{0xAA},
		SignCount:    7,
		Name:         "yubikey",
	})
	require.NoError(t, err)

	pk, err := s.GetPasskeyByCredentialID(ctx, credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), pk.SignCount)

	require.NoError(t, s.UpdatePasskeyCounter(ctx, pkID, 8))
	pk, _ = s.GetPasskeyByCredentialID(ctx, credID)
	assert.Equal(t, uint32(8), pk.SignCount)
	assert.NotNil(t, pk.LastUsedAt)

	keys, err := s.ListPasskeysByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	has, err := s.UserHasPasskeys(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, has)

	// Unknown usernames report false, not an error.
	has, err = s.UserHasPasskeys(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.DeletePasskey(ctx, pkID))
	has, _ = s.UserHasPasskeys(ctx, "bob")
	assert.False(t, has)
}

func TestConnectionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConnection(ctx, &types.Connection{
		UserID:             "u1",
		Name:               "web-1",
		Host:               "10.0.0.5",
		Port:               22,
		Username:           "root",
		AuthMethod:         types.AuthMethodPassword,
		PasswordCiphertext: "ct",
	})
	require.NoError(t, err)

	conn, err := s.GetConnection(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "web-1", conn.Name)

	conn.Host = "10.0.0.6"
	conn.AuthMethod = types.AuthMethodKey
	conn.PrivateKeyCiphertext = "keyct"
	require.NoError(t, s.UpdateConnection(ctx, conn))

	conn, _ = s.GetConnection(ctx, id)
	assert.Equal(t, "10.0.0.6", conn.Host)
	assert.Equal(t, types.AuthMethodKey, conn.AuthMethod)

	list, err := s.ListConnections(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteConnection(ctx, id))
	_, err = s.GetConnection(ctx, id)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestBatchTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &types.BatchTask{
		ID:            "t1",
		UserID:        "u1",
		Command:       "uptime",
		ConnectionIDs: []string{"c1", "c2"},
		Concurrency:   2,
		Status:        types.TaskStatusQueued,
		TaskCounts:    types.TaskCounts{TotalSubTasks: 2},
		SubTasks: []types.BatchSubTask{
			{ID: "s1", TaskID: "t1", Position: 0, ConnectionID: "c1", Command: "uptime", Status: types.SubTaskStatusQueued},
			{ID: "s2", TaskID: "t1", Position: 1, ConnectionID: "c2", Command: "uptime", Status: types.SubTaskStatusQueued},
		},
	}
	require.NoError(t, s.CreateBatchTask(ctx, task))

	got, err := s.GetBatchTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.SubTasks, 2)
	// Submission order survives retrieval.
	assert.Equal(t, "s1", got.SubTasks[0].ID)
	assert.Equal(t, "s2", got.SubTasks[1].ID)
	assert.Equal(t, []string{"c1", "c2"}, got.ConnectionIDs)

	// Sub-task progress round-trips.
	now := time.Now()
	exit := 0
	sub := got.SubTasks[0]
	sub.Status = types.SubTaskStatusCompleted
	sub.Progress = 100
	sub.ExitCode = &exit
	sub.Output = "ok\n"
	sub.StartedAt = &now
	sub.EndedAt = &now
	require.NoError(t, s.UpdateBatchSubTask(ctx, &sub))

	got, _ = s.GetBatchTask(ctx, "t1")
	assert.Equal(t, types.SubTaskStatusCompleted, got.SubTasks[0].Status)
	require.NotNil(t, got.SubTasks[0].ExitCode)
	assert.Equal(t, 0, *got.SubTasks[0].ExitCode)

	// Task aggregate round-trips, including zero progress values.
	got.Status = types.TaskStatusInProgress
	got.Progress = 50
	got.Completed = 1
	require.NoError(t, s.UpdateBatchTask(ctx, got))

	got, _ = s.GetBatchTask(ctx, "t1")
	assert.Equal(t, types.TaskStatusInProgress, got.Status)
	assert.Equal(t, 1, got.Completed)

	require.NoError(t, s.DeleteBatchTask(ctx, "t1"))
	_, err = s.GetBatchTask(ctx, "t1")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestListUnfinishedBatchTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status types.TaskStatus
	}{
		{"t1", types.TaskStatusQueued},
		{"t2", types.TaskStatusInProgress},
		{"t3", types.TaskStatusCompleted},
		{"t4", types.TaskStatusFailed},
	} {
		require.NoError(t, s.CreateBatchTask(ctx, &types.BatchTask{
			ID: tc.id, UserID: "u1", Command: "true", Status: tc.status,
		}))
	}

	unfinished, err := s.ListUnfinishedBatchTasks(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(unfinished))
	for _, task := range unfinished {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)
}

func TestTransferStoreIsolation(t *testing.T) {
	ts := NewTransferStore()

	task := &types.TransferTask{
		ID:            "tr1",
		UserID:        "u1",
		ConnectionIDs: []string{"c1"},
		Status:        types.TaskStatusQueued,
		SubTasks: []types.TransferSubTask{
			{ID: "s1", TaskID: "tr1", Status: types.SubTaskStatusQueued},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, ts.Create(task))

	// Mutating the retrieved copy does not touch the stored record.
	got, err := ts.Get("tr1")
	require.NoError(t, err)
	got.SubTasks[0].Status = types.SubTaskStatusCompleted

	again, _ := ts.Get("tr1")
	assert.Equal(t, types.SubTaskStatusQueued, again.SubTasks[0].Status)

	// Update replaces the record.
	got.Status = types.TaskStatusInProgress
	require.NoError(t, ts.Update(got))
	again, _ = ts.Get("tr1")
	assert.Equal(t, types.TaskStatusInProgress, again.Status)

	assert.Len(t, ts.List("u1"), 1)
	assert.Empty(t, ts.List("u2"))

	require.NoError(t, ts.Delete("tr1"))
	_, err = ts.Get("tr1")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestTransferStoreListOrder(t *testing.T) {
	ts := NewTransferStore()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, ts.Create(&types.TransferTask{
			ID:        id,
			UserID:    "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	list := ts.List("u1")
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID) // newest first
	assert.Equal(t, "a", list[2].ID)
}
