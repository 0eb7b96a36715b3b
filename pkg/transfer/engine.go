package transfer

import (
	"context"
	"strings"
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
	"github.com/nexushq/nexus/pkg/vault"
)

const (
	// Workers is the fixed per-task concurrency of the transfer pool.
	Workers = 5

	// DefaultExecTimeout bounds every command executed on a remote host
	// during a transfer, including the copy itself.
	DefaultExecTimeout = 5 * time.Minute

	// DefaultUploadTimeout bounds the SFTP upload of an ephemeral key.
	DefaultUploadTimeout = 30 * time.Second
)

// Config wires an Engine's collaborators.
type Config struct {
	Store         *storage.TransferStore
	Connections   storage.Store
	Credentials   sshutils.CredentialSource
	Dialer        sshutils.Dialer
	Events        *events.Broker
	Clock         clockwork.Clock
	ExecTimeout   time.Duration
	UploadTimeout time.Duration
	OutputLimit   int64
}

// Engine orchestrates cross-host transfers. Files never flow through the
// control plane: the engine opens one SSH session to the source host and
// drives the source's own rsync or scp against each target.
type Engine struct {
	store         *storage.TransferStore
	conns         storage.Store
	creds         sshutils.CredentialSource
	dialer        sshutils.Dialer
	events        *events.Broker
	clock         clockwork.Clock
	execTimeout   time.Duration
	uploadTimeout time.Duration
	outputLimit   int64
	logger        zerolog.Logger

	mu      sync.Mutex
	running map[string]*taskRun
}

// taskRun is the in-memory state of one executing transfer task.
type taskRun struct {
	mu     sync.Mutex
	task   *types.TransferTask
	cancel context.CancelFunc
	done   chan struct{}

	source sshutils.Client
	tools  sourceTools

	tmu     sync.Mutex
	targets map[string]*targetPrep
}

// targetPrep caches the once-per-target work: credential load, rsync
// probe, and destination mkdir.
type targetPrep struct {
	once sync.Once
	info targetInfo
}

type targetInfo struct {
	conn     *types.Connection
	creds    *vault.Credentials
	hasRsync bool
	err      error
}

// NewEngine creates a transfer engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		store:         cfg.Store,
		conns:         cfg.Connections,
		creds:         cfg.Credentials,
		dialer:        cfg.Dialer,
		events:        cfg.Events,
		clock:         cfg.Clock,
		execTimeout:   cfg.ExecTimeout,
		uploadTimeout: cfg.UploadTimeout,
		outputLimit:   cfg.OutputLimit,
		logger:        log.WithComponent("transfer"),
		running:       make(map[string]*taskRun),
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.execTimeout <= 0 {
		e.execTimeout = DefaultExecTimeout
	}
	if e.uploadTimeout <= 0 {
		e.uploadTimeout = DefaultUploadTimeout
	}
	if e.outputLimit <= 0 {
		e.outputLimit = sshutils.DefaultOutputLimit
	}
	return e
}

// SubmitRequest describes a new transfer: items on one source connection
// pushed to one or more target connections.
type SubmitRequest struct {
	SourceConnectionID string               `json:"sourceConnectionId"`
	ConnectionIDs      []string             `json:"connectionIds"`
	SourceItems        []types.SourceItem   `json:"sourceItems"`
	RemoteTargetPath   string               `json:"remoteTargetPath"`
	Method             types.TransferMethod `json:"transferMethod"`
}

// Submit validates the request, allocates one sub-task per (target, item)
// pair, and starts the task. The returned snapshot is detached from the
// running task.
func (e *Engine) Submit(ctx context.Context, userID string, req SubmitRequest) (*types.TransferTask, error) {
	if req.Method == "" {
		req.Method = types.TransferMethodAuto
	}

	switch {
	case req.SourceConnectionID == "":
		return nil, errdefs.E(errdefs.KindValidationError, "source connection is required")
	case len(req.ConnectionIDs) == 0:
		return nil, errdefs.E(errdefs.KindValidationError, "at least one target connection is required")
	case len(req.SourceItems) == 0:
		return nil, errdefs.E(errdefs.KindValidationError, "at least one source item is required")
	case req.RemoteTargetPath == "":
		return nil, errdefs.E(errdefs.KindValidationError, "remote target path is required")
	}
	switch req.Method {
	case types.TransferMethodAuto, types.TransferMethodRsync, types.TransferMethodSCP:
	default:
		return nil, errdefs.E(errdefs.KindValidationError, "unknown transfer method %q", req.Method)
	}
	for _, item := range req.SourceItems {
		if item.Name == "" || item.Path == "" {
			return nil, errdefs.E(errdefs.KindValidationError, "source items need a name and a path")
		}
		if !strings.HasPrefix(item.Path, "/") {
			return nil, errdefs.E(errdefs.KindValidationError, "source path %q is not absolute", item.Path)
		}
		if item.Type != types.SourceItemFile && item.Type != types.SourceItemDirectory {
			return nil, errdefs.E(errdefs.KindValidationError, "source item type %q is not file or directory", item.Type)
		}
	}

	if _, err := e.ownedConnection(ctx, userID, req.SourceConnectionID); err != nil {
		return nil, err
	}

	targetNames := make(map[string]string, len(req.ConnectionIDs))
	for _, id := range req.ConnectionIDs {
		conn, err := e.ownedConnection(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		targetNames[id] = conn.Name
	}

	now := e.clock.Now()
	task := &types.TransferTask{
		ID:                 uuid.New().String(),
		UserID:             userID,
		SourceConnectionID: req.SourceConnectionID,
		ConnectionIDs:      req.ConnectionIDs,
		SourceItems:        req.SourceItems,
		RemoteTargetPath:   req.RemoteTargetPath,
		Method:             req.Method,
		Status:             types.TaskStatusQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, targetID := range req.ConnectionIDs {
		for _, item := range req.SourceItems {
			task.SubTasks = append(task.SubTasks, types.TransferSubTask{
				ID:                 uuid.New().String(),
				TaskID:             task.ID,
				TargetConnectionID: targetID,
				TargetName:         targetNames[targetID],
				ItemName:           item.Name,
				Item:               item,
				Status:             types.SubTaskStatusQueued,
			})
		}
	}
	task.TaskCounts = types.TaskCounts{TotalSubTasks: len(task.SubTasks)}

	if err := e.store.Create(task); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &taskRun{
		task:    task,
		cancel:  cancel,
		done:    make(chan struct{}),
		targets: make(map[string]*targetPrep),
	}
	e.mu.Lock()
	e.running[task.ID] = run
	e.mu.Unlock()

	go e.run(runCtx, run)

	return e.store.Get(task.ID)
}

// Get returns a snapshot of one task.
func (e *Engine) Get(ctx context.Context, userID, taskID string) (*types.TransferTask, error) {
	task, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, errdefs.E(errdefs.KindNotFound, "transfer task not found: %s", taskID)
	}
	return task, nil
}

// List returns snapshots of the user's tasks, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]*types.TransferTask, error) {
	return e.store.List(userID), nil
}

// Cancel moves a running task to cancelling and fires its abort signal.
// Active sub-tasks observe the signal at their next suspension point.
// Cancelling an already-cancelled task is a no-op; cancelling a finished
// one is rejected.
func (e *Engine) Cancel(ctx context.Context, userID, taskID string) error {
	if _, err := e.Get(ctx, userID, taskID); err != nil {
		return err
	}

	e.mu.Lock()
	run := e.running[taskID]
	e.mu.Unlock()

	if run == nil {
		// No goroutine: the record is settled or stale.
		task, err := e.store.Get(taskID)
		if err != nil {
			return err
		}
		switch {
		case task.Status == types.TaskStatusCancelled:
			return nil
		case task.Status.Terminal():
			return errdefs.E(errdefs.KindValidationError, "transfer task %s already finished", taskID)
		}
		now := e.clock.Now()
		for i := range task.SubTasks {
			if !task.SubTasks[i].Status.Terminal() {
				task.SubTasks[i].Status = types.SubTaskStatusCancelled
				task.SubTasks[i].EndedAt = &now
			}
		}
		task.Status = types.TaskStatusCancelled
		task.UpdatedAt = now
		task.EndedAt = &now
		_, _, task.TaskCounts = Aggregate(task.SubTasks)
		return e.store.Update(task)
	}

	run.mu.Lock()
	switch {
	case run.task.Status == types.TaskStatusCancelling,
		run.task.Status == types.TaskStatusCancelled:
		run.mu.Unlock()
		return nil
	case run.task.Status.Terminal():
		run.mu.Unlock()
		return errdefs.E(errdefs.KindValidationError, "transfer task %s already finished", taskID)
	}
	run.task.Status = types.TaskStatusCancelling
	run.task.UpdatedAt = e.clock.Now()
	if err := e.store.Update(run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to persist cancelling state")
	}
	run.mu.Unlock()

	run.cancel()
	return nil
}

// Delete removes a finished task from the index.
func (e *Engine) Delete(ctx context.Context, userID, taskID string) error {
	task, err := e.Get(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return errdefs.E(errdefs.KindValidationError, "transfer task %s is still running, cancel it first", taskID)
	}
	return e.store.Delete(taskID)
}

// Wait blocks until the task's goroutine has drained. Tests use it to
// observe settled state without polling.
func (e *Engine) Wait(taskID string) {
	e.mu.Lock()
	run := e.running[taskID]
	e.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

func (e *Engine) forget(taskID string) {
	e.mu.Lock()
	delete(e.running, taskID)
	e.mu.Unlock()
}

func (e *Engine) ownedConnection(ctx context.Context, userID, id string) (*types.Connection, error) {
	conn, err := e.conns.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, errdefs.E(errdefs.KindNotFound, "connection not found: %s", id)
	}
	return conn, nil
}
