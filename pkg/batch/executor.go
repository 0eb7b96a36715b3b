package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/log"
	"github.com/nexushq/nexus/pkg/sshutils"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/types"
)

const (
	// MinConcurrency and MaxConcurrency bound the per-task fan-out.
	MinConcurrency = 1
	MaxConcurrency = 50

	// MinTimeout and MaxTimeout bound the per-host execution deadline.
	MinTimeout = 1 * time.Second
	MaxTimeout = 3600 * time.Second
)

// Config holds the batch executor dependencies.
type Config struct {
	Store       storage.Store
	Credentials sshutils.CredentialSource
	Dialer      sshutils.Dialer
	Events      *events.Broker
	Clock       clockwork.Clock

	// DefaultConcurrency applies when a submission does not choose one.
	DefaultConcurrency int
	// DefaultTimeout applies when a submission does not choose one.
	DefaultTimeout time.Duration
	// OutputLimit caps retained output per sub-task.
	OutputLimit int64
}

// Executor fans a command out across connections under a per-task
// concurrency limit. Tasks are durable: every transition is persisted,
// so a restart can mark whatever was in flight as interrupted.
type Executor struct {
	store       storage.Store
	creds       sshutils.CredentialSource
	dialer      sshutils.Dialer
	events      *events.Broker
	clock       clockwork.Clock
	logger      zerolog.Logger
	defaultConc int
	defaultTO   time.Duration
	outputLimit int64

	mu      sync.Mutex
	running map[string]*taskRun
}

// taskRun is the in-memory handle for an executing task. All task and
// sub-task mutations happen under mu so aggregation is atomic.
type taskRun struct {
	task   *types.BatchTask
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewExecutor creates the batch executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DefaultConcurrency == 0 {
		cfg.DefaultConcurrency = 5
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.OutputLimit == 0 {
		cfg.OutputLimit = sshutils.DefaultOutputLimit
	}
	return &Executor{
		store:       cfg.Store,
		creds:       cfg.Credentials,
		dialer:      cfg.Dialer,
		events:      cfg.Events,
		clock:       cfg.Clock,
		logger:      log.WithComponent("batch"),
		defaultConc: cfg.DefaultConcurrency,
		defaultTO:   cfg.DefaultTimeout,
		outputLimit: cfg.OutputLimit,
		running:     make(map[string]*taskRun),
	}
}

// SubmitRequest describes one batch submission.
type SubmitRequest struct {
	Command        string
	ConnectionIDs  []string
	Concurrency    int
	TimeoutSeconds int
	Env            []string
	WorkDir        string
	Sudo           bool
	LoginShell     bool
}

// Submit validates the request, persists the task with all sub-tasks
// queued, and starts execution asynchronously. The returned snapshot is
// safe to serialize while the task runs.
func (e *Executor) Submit(ctx context.Context, userID string, req SubmitRequest) (*types.BatchTask, error) {
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = e.defaultConc
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if req.TimeoutSeconds == 0 {
		timeout = e.defaultTO
	}

	switch {
	case req.Command == "":
		return nil, errdefs.E(errdefs.KindValidationError, "command must not be empty")
	case len(req.ConnectionIDs) == 0:
		return nil, errdefs.E(errdefs.KindValidationError, "at least one connection is required")
	case concurrency < MinConcurrency || concurrency > MaxConcurrency:
		return nil, errdefs.E(errdefs.KindValidationError, "concurrency limit must be between %d and %d", MinConcurrency, MaxConcurrency)
	case timeout < MinTimeout || timeout > MaxTimeout:
		return nil, errdefs.E(errdefs.KindValidationError, "timeout must be between %d and %d seconds", int(MinTimeout.Seconds()), int(MaxTimeout.Seconds()))
	}

	if _, err := sshutils.BuildCommand(e.commandSpec(req.Command, req)); err != nil {
		return nil, err
	}

	names := make(map[string]string, len(req.ConnectionIDs))
	for _, connID := range req.ConnectionIDs {
		conn, err := e.store.GetConnection(ctx, connID)
		if err != nil {
			return nil, err
		}
		if conn.UserID != userID {
			return nil, errdefs.E(errdefs.KindNotFound, "connection %s not found", connID)
		}
		names[connID] = conn.Name
	}

	task := &types.BatchTask{
		ID:             uuid.New().String(),
		UserID:         userID,
		Command:        req.Command,
		ConnectionIDs:  req.ConnectionIDs,
		Concurrency:    concurrency,
		TimeoutSeconds: int(timeout / time.Second),
		LoginShell:     req.LoginShell,
		Sudo:           req.Sudo,
		WorkDir:        req.WorkDir,
		Env:            req.Env,
		Status:         types.TaskStatusQueued,
		TaskCounts:     types.TaskCounts{TotalSubTasks: len(req.ConnectionIDs)},
	}
	for i, connID := range req.ConnectionIDs {
		task.SubTasks = append(task.SubTasks, types.BatchSubTask{
			ID:             uuid.New().String(),
			TaskID:         task.ID,
			Position:       i,
			ConnectionID:   connID,
			ConnectionName: names[connID],
			Command:        req.Command,
			Status:         types.SubTaskStatusQueued,
		})
	}

	if err := e.store.CreateBatchTask(ctx, task); err != nil {
		return nil, err
	}

	snapshot := copyTask(task)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &taskRun{task: task, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[task.ID] = run
	e.mu.Unlock()
	go e.run(runCtx, run)

	return snapshot, nil
}

// Get returns one of the user's tasks with sub-tasks in submission
// order.
func (e *Executor) Get(ctx context.Context, userID, taskID string) (*types.BatchTask, error) {
	task, err := e.store.GetBatchTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, errdefs.E(errdefs.KindNotFound, "task %s not found", taskID)
	}
	return task, nil
}

// List returns all of the user's tasks, newest first.
func (e *Executor) List(ctx context.Context, userID string) ([]*types.BatchTask, error) {
	return e.store.ListBatchTasks(ctx, userID)
}

// Cancel stops a task. Cancelling an already-cancelled task is a no-op;
// cancelling one that finished on its own is refused. The status flips
// to cancelled immediately and the abort signal fires; active sub-tasks
// observe it at their next I/O suspension point.
func (e *Executor) Cancel(ctx context.Context, userID, taskID string) error {
	task, err := e.Get(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if task.Status == types.TaskStatusCancelled {
		return nil
	}
	if task.Status.Terminal() {
		return errdefs.E(errdefs.KindValidationError, "task %s already finished", taskID)
	}

	e.mu.Lock()
	run := e.running[taskID]
	e.mu.Unlock()

	if run == nil {
		// No live goroutine (interrupted before recovery, or it just
		// finished). Re-read and settle the stored record directly.
		task, err = e.store.GetBatchTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status == types.TaskStatusCancelled {
			return nil
		}
		if task.Status.Terminal() {
			return errdefs.E(errdefs.KindValidationError, "task %s already finished", taskID)
		}
		now := e.clock.Now()
		for i := range task.SubTasks {
			sub := &task.SubTasks[i]
			if sub.Status.Terminal() {
				continue
			}
			sub.Status = types.SubTaskStatusCancelled
			sub.Progress = 100
			sub.EndedAt = &now
			if err := e.store.UpdateBatchSubTask(ctx, sub); err != nil {
				return err
			}
		}
		_, progress, counts := Aggregate(task.SubTasks)
		task.Status = types.TaskStatusCancelled
		task.Progress = progress
		task.TaskCounts = counts
		task.EndedAt = &now
		return e.store.UpdateBatchTask(ctx, task)
	}

	run.mu.Lock()
	switch {
	case run.task.Status == types.TaskStatusCancelled:
		run.mu.Unlock()
		return nil
	case run.task.Status.Terminal():
		run.mu.Unlock()
		return errdefs.E(errdefs.KindValidationError, "task %s already finished", taskID)
	}
	run.task.Status = types.TaskStatusCancelled
	err = e.store.UpdateBatchTask(context.Background(), run.task)
	run.mu.Unlock()
	if err != nil {
		return err
	}

	run.cancel()
	e.logger.Info().Str("task_id", taskID).Msg("batch task cancelled")
	return nil
}

// Delete removes a finished task and its sub-tasks. Live tasks must be
// cancelled first.
func (e *Executor) Delete(ctx context.Context, userID, taskID string) error {
	task, err := e.Get(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return errdefs.E(errdefs.KindValidationError, "task %s is still running, cancel it first", taskID)
	}
	return e.store.DeleteBatchTask(ctx, taskID)
}

// RecoverInterrupted marks every sub-task that was in flight during a
// previous run as failed and settles the parent aggregates. It runs
// once at startup, before new submissions are accepted.
func (e *Executor) RecoverInterrupted(ctx context.Context) error {
	tasks, err := e.store.ListUnfinishedBatchTasks(ctx)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	for _, task := range tasks {
		for i := range task.SubTasks {
			sub := &task.SubTasks[i]
			if sub.Status.Terminal() {
				continue
			}
			sub.Status = types.SubTaskStatusFailed
			sub.Message = "Interrupted"
			sub.Progress = 100
			ended := now
			sub.EndedAt = &ended
			if err := e.store.UpdateBatchSubTask(ctx, sub); err != nil {
				return err
			}
		}

		status, progress, counts := Aggregate(task.SubTasks)
		if !task.Status.Terminal() {
			task.Status = status
		}
		task.Progress = progress
		task.TaskCounts = counts
		ended := now
		task.EndedAt = &ended
		if err := e.store.UpdateBatchTask(ctx, task); err != nil {
			return err
		}

		e.logger.Warn().
			Str("task_id", task.ID).
			Str("status", string(task.Status)).
			Msg("marked interrupted batch task")
	}

	if len(tasks) > 0 {
		e.logger.Info().Int("count", len(tasks)).Msg("batch crash recovery complete")
	}
	return nil
}

// Wait blocks until the task's goroutine exits. Tests use it to observe
// settled state without polling.
func (e *Executor) Wait(taskID string) {
	e.mu.Lock()
	run := e.running[taskID]
	e.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

func (e *Executor) forget(taskID string) {
	e.mu.Lock()
	delete(e.running, taskID)
	e.mu.Unlock()
}

func (e *Executor) commandSpec(command string, req SubmitRequest) sshutils.CommandSpec {
	return sshutils.CommandSpec{
		Command:    command,
		Env:        req.Env,
		WorkDir:    req.WorkDir,
		Sudo:       req.Sudo,
		LoginShell: req.LoginShell,
	}
}

// copyTask returns a snapshot decoupled from the executing goroutine.
func copyTask(task *types.BatchTask) *types.BatchTask {
	snapshot := *task
	snapshot.SubTasks = make([]types.BatchSubTask, len(task.SubTasks))
	copy(snapshot.SubTasks, task.SubTasks)
	return &snapshot
}
