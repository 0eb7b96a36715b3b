package batch

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/sshutils"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/types"
	"github.com/nexushq/nexus/pkg/vault"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeProcess struct {
	ctx      context.Context
	done     chan struct{}
	exitCode int
	stdout   string
	stderr   string
}

func (p *fakeProcess) Stdout() io.Reader { return strings.NewReader(p.stdout) }
func (p *fakeProcess) Stderr() io.Reader { return strings.NewReader(p.stderr) }
func (p *fakeProcess) Close() error      { return nil }

func (p *fakeProcess) Wait() (int, error) {
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-p.ctx.Done():
		if p.ctx.Err() == context.DeadlineExceeded {
			return -1, errdefs.Wrap(errdefs.KindTimeout, p.ctx.Err(), "command timed out")
		}
		return -1, p.ctx.Err()
	}
}

type fakeClient struct {
	dialer *fakeDialer
	connID string
}

func (c *fakeClient) Exec(ctx context.Context, command string, opts sshutils.ExecOptions) (sshutils.Process, error) {
	proc := &fakeProcess{
		ctx:      ctx,
		done:     make(chan struct{}),
		exitCode: c.dialer.exitCodes[c.connID],
		stdout:   c.dialer.stdout[c.connID],
	}
	if !c.dialer.blocking {
		close(proc.done)
	}
	return proc, nil
}

func (c *fakeClient) SFTP() (sshutils.SFTP, error) {
	return nil, errdefs.E(errdefs.KindProtocol, "sftp not supported")
}

func (c *fakeClient) Close() error {
	c.dialer.release()
	return nil
}

// fakeDialer hands out fake clients and records how many are open at
// once, which bounds how many sub-tasks were active simultaneously.
type fakeDialer struct {
	mu          sync.Mutex
	unreachable map[string]bool
	exitCodes   map[string]int
	stdout      map[string]string
	blocking    bool
	dialOrder   []string
	active      int
	maxActive   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		unreachable: make(map[string]bool),
		exitCodes:   make(map[string]int),
		stdout:      make(map[string]string),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, conn *types.Connection, creds *vault.Credentials) (sshutils.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialOrder = append(d.dialOrder, conn.ID)
	if d.unreachable[conn.Name] {
		return nil, errdefs.E(errdefs.KindUnreachable, "host %s unreachable", conn.Host)
	}
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	return &fakeClient{dialer: d, connID: conn.ID}, nil
}

func (d *fakeDialer) release() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
}

type fixture struct {
	exec   *Executor
	store  storage.Store
	dialer *fakeDialer
	broker *events.Broker
	userID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v, err := vault.NewFromHex(testMasterKey)
	require.NoError(t, err)

	dialer := newFakeDialer()
	broker := events.NewBroker()

	userID, err := store.CreateUser(context.Background(), &types.User{
		Username:     "operator",
		PasswordHash: "x",
	})
	require.NoError(t, err)

	exec := NewExecutor(Config{
		Store:       store,
		Credentials: vault.NewLoader(v, store),
		Dialer:      dialer,
		Events:      broker,
		Clock:       clockwork.NewFakeClock(),
	})

	return &fixture{exec: exec, store: store, dialer: dialer, broker: broker, userID: userID}
}

func (f *fixture) createConnections(t *testing.T, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := f.store.CreateConnection(context.Background(), &types.Connection{
			UserID:     f.userID,
			Name:       name,
			Host:       name + ".internal",
			Port:       22,
			Username:   "root",
			AuthMethod: types.AuthMethodNone,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "web1")

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty command", SubmitRequest{ConnectionIDs: conns}},
		{"no connections", SubmitRequest{Command: "uptime"}},
		{"concurrency too high", SubmitRequest{Command: "uptime", ConnectionIDs: conns, Concurrency: 51}},
		{"timeout too long", SubmitRequest{Command: "uptime", ConnectionIDs: conns, TimeoutSeconds: 3601}},
		{"bad env entry", SubmitRequest{Command: "uptime", ConnectionIDs: conns, Env: []string{"NOEQUALS"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Submit(context.Background(), f.userID, tt.req)
			assert.Equal(t, errdefs.KindValidationError, errdefs.KindOf(err))
		})
	}
}

func TestSubmitRejectsForeignConnections(t *testing.T) {
	f := newFixture(t)
	otherID, err := f.store.CreateUser(context.Background(), &types.User{Username: "other", PasswordHash: "x"})
	require.NoError(t, err)
	foreign, err := f.store.CreateConnection(context.Background(), &types.Connection{
		UserID: otherID, Name: "theirs", Host: "h", Username: "u", AuthMethod: types.AuthMethodNone,
	})
	require.NoError(t, err)

	_, err = f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "uptime",
		ConnectionIDs: []string{foreign},
	})
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestPartialCompletionAggregation(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "web1", "web2", "web3", "ghost")
	f.dialer.unreachable["ghost"] = true
	for _, id := range conns[:3] {
		f.dialer.stdout[id] = "ok\n"
	}

	task, err := f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "uptime",
		ConnectionIDs: conns,
		Concurrency:   2,
	})
	require.NoError(t, err)
	f.exec.Wait(task.ID)

	got, err := f.exec.Get(context.Background(), f.userID, task.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusPartiallyCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 4, got.TotalSubTasks)
	assert.Equal(t, 3, got.Completed)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 0, got.Cancelled)

	for _, sub := range got.SubTasks {
		if sub.ConnectionName == "ghost" {
			assert.Equal(t, types.SubTaskStatusFailed, sub.Status)
			assert.Equal(t, "Unreachable", sub.Message)
			assert.Nil(t, sub.ExitCode)
		} else {
			assert.Equal(t, types.SubTaskStatusCompleted, sub.Status)
			require.NotNil(t, sub.ExitCode)
			assert.Equal(t, 0, *sub.ExitCode)
		}
	}

	assert.LessOrEqual(t, f.dialer.maxActive, 2, "concurrency limit respected")
}

func TestNonZeroExitFailsSubTask(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "web1")
	f.dialer.exitCodes[conns[0]] = 2
	f.dialer.stdout[conns[0]] = "boom\n"

	task, err := f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "false",
		ConnectionIDs: conns,
	})
	require.NoError(t, err)
	f.exec.Wait(task.ID)

	got, err := f.exec.Get(context.Background(), f.userID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	require.Len(t, got.SubTasks, 1)
	require.NotNil(t, got.SubTasks[0].ExitCode)
	assert.Equal(t, 2, *got.SubTasks[0].ExitCode)
	assert.Contains(t, got.SubTasks[0].Output, "boom")
}

func TestDispatchFollowsSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "a", "b", "c", "d", "e")

	task, err := f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "uptime",
		ConnectionIDs: conns,
		Concurrency:   1,
	})
	require.NoError(t, err)
	f.exec.Wait(task.ID)

	assert.Equal(t, conns, f.dialer.dialOrder)
}

func TestCancelIsIdempotentAndFinal(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "slow1", "slow2", "slow3")
	f.dialer.blocking = true

	task, err := f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "sleep 600",
		ConnectionIDs: conns,
		Concurrency:   2,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.exec.Get(context.Background(), f.userID, task.ID)
		return err == nil && got.Status == types.TaskStatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.exec.Cancel(context.Background(), f.userID, task.ID))
	require.NoError(t, f.exec.Cancel(context.Background(), f.userID, task.ID), "second cancel is a no-op")

	f.exec.Wait(task.ID)

	got, err := f.exec.Get(context.Background(), f.userID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
	for _, sub := range got.SubTasks {
		assert.Equal(t, types.SubTaskStatusCancelled, sub.Status)
	}

	// Still idempotent after the goroutine drained.
	require.NoError(t, f.exec.Cancel(context.Background(), f.userID, task.ID))
}

func TestCancelRefusedOnceFinished(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "web1")

	task, err := f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "uptime",
		ConnectionIDs: conns,
	})
	require.NoError(t, err)
	f.exec.Wait(task.ID)

	err = f.exec.Cancel(context.Background(), f.userID, task.ID)
	assert.Equal(t, errdefs.KindValidationError, errdefs.KindOf(err))

	// The completed status was not revived.
	got, err := f.exec.Get(context.Background(), f.userID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
}

func TestResubmissionYieldsIndependentTasks(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "web1")
	req := SubmitRequest{Command: "uptime", ConnectionIDs: conns}

	first, err := f.exec.Submit(context.Background(), f.userID, req)
	require.NoError(t, err)
	second, err := f.exec.Submit(context.Background(), f.userID, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	f.exec.Wait(first.ID)
	f.exec.Wait(second.ID)

	tasks, err := f.exec.List(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "slow1")
	f.dialer.blocking = true

	task, err := f.exec.Submit(context.Background(), f.userID, SubmitRequest{
		Command:       "sleep 600",
		ConnectionIDs: conns,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.exec.Get(context.Background(), f.userID, task.ID)
		return err == nil && got.Status == types.TaskStatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	err = f.exec.Delete(context.Background(), f.userID, task.ID)
	assert.Equal(t, errdefs.KindValidationError, errdefs.KindOf(err))

	require.NoError(t, f.exec.Cancel(context.Background(), f.userID, task.ID))
	f.exec.Wait(task.ID)

	require.NoError(t, f.exec.Delete(context.Background(), f.userID, task.ID))
	_, err = f.exec.Get(context.Background(), f.userID, task.ID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	conns := f.createConnections(t, "web1", "web2", "web3")

	// Simulate a crash: a persisted in-progress task whose goroutine no
	// longer exists.
	task := &types.BatchTask{
		ID:             "11111111-1111-1111-1111-111111111111",
		UserID:         f.userID,
		Command:        "uptime",
		ConnectionIDs:  conns,
		Concurrency:    2,
		TimeoutSeconds: 60,
		Status:         types.TaskStatusInProgress,
		TaskCounts:     types.TaskCounts{TotalSubTasks: 3},
	}
	statuses := []types.SubTaskStatus{
		types.SubTaskStatusCompleted,
		types.SubTaskStatusRunning,
		types.SubTaskStatusQueued,
	}
	for i, connID := range conns {
		sub := types.BatchSubTask{
			ID:           uuid.New().String(),
			TaskID:       task.ID,
			Position:     i,
			ConnectionID: connID,
			Command:      task.Command,
			Status:       statuses[i],
		}
		if statuses[i] == types.SubTaskStatusCompleted {
			sub.Progress = 100
		}
		task.SubTasks = append(task.SubTasks, sub)
	}
	require.NoError(t, f.store.CreateBatchTask(context.Background(), task))

	require.NoError(t, f.exec.RecoverInterrupted(context.Background()))

	got, err := f.store.GetBatchTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPartiallyCompleted, got.Status)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, 2, got.Failed)
	require.NotNil(t, got.EndedAt)

	for _, sub := range got.SubTasks {
		if sub.Status == types.SubTaskStatusFailed {
			assert.Equal(t, "Interrupted", sub.Message)
			assert.Equal(t, 100, sub.Progress)
		}
	}
}

func TestAggregate(t *testing.T) {
	sub := func(status types.SubTaskStatus, progress int) types.BatchSubTask {
		return types.BatchSubTask{Status: status, Progress: progress}
	}

	tests := []struct {
		name         string
		subs         []types.BatchSubTask
		wantStatus   types.TaskStatus
		wantProgress int
	}{
		{
			name:         "all completed",
			subs:         []types.BatchSubTask{sub(types.SubTaskStatusCompleted, 100), sub(types.SubTaskStatusCompleted, 100)},
			wantStatus:   types.TaskStatusCompleted,
			wantProgress: 100,
		},
		{
			name:         "all failed",
			subs:         []types.BatchSubTask{sub(types.SubTaskStatusFailed, 100), sub(types.SubTaskStatusFailed, 100)},
			wantStatus:   types.TaskStatusFailed,
			wantProgress: 100,
		},
		{
			name:         "mixed with a completion",
			subs:         []types.BatchSubTask{sub(types.SubTaskStatusCompleted, 100), sub(types.SubTaskStatusFailed, 100), sub(types.SubTaskStatusCancelled, 100)},
			wantStatus:   types.TaskStatusPartiallyCompleted,
			wantProgress: 100,
		},
		{
			name:         "terminal mix without completion",
			subs:         []types.BatchSubTask{sub(types.SubTaskStatusFailed, 100), sub(types.SubTaskStatusCancelled, 100)},
			wantStatus:   types.TaskStatusCancelled,
			wantProgress: 100,
		},
		{
			name:         "still running",
			subs:         []types.BatchSubTask{sub(types.SubTaskStatusCompleted, 100), sub(types.SubTaskStatusRunning, 50), sub(types.SubTaskStatusQueued, 0)},
			wantStatus:   types.TaskStatusInProgress,
			wantProgress: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, progress, counts := Aggregate(tt.subs)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantProgress, progress)
			assert.Equal(t, len(tt.subs), counts.TotalSubTasks)
		})
	}
}
