package batch

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/sshutils"
	"github.com/nexushq/nexus/pkg/types"
)

// runningProgress is the best-effort estimate while a command executes.
// Terminal transitions always settle at 100.
const runningProgress = 50

// run executes one task: sub-tasks dispatch in submission order, gated
// by a semaphore sized at the concurrency limit.
func (e *Executor) run(ctx context.Context, run *taskRun) {
	defer close(run.done)
	defer e.forget(run.task.ID)

	now := e.clock.Now()
	run.mu.Lock()
	run.task.Status = types.TaskStatusInProgress
	run.task.StartedAt = &now
	if err := e.store.UpdateBatchTask(context.Background(), run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist task start")
	}
	run.mu.Unlock()

	e.events.Publish(&events.Event{
		Type:     events.EventBatchStarted,
		Message:  "batch task started",
		Metadata: map[string]string{"task_id": run.task.ID},
	})

	sem := semaphore.NewWeighted(int64(run.task.Concurrency))
	var wg sync.WaitGroup
	for i := range run.task.SubTasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Task cancelled: everything still queued never starts.
			e.cancelQueuedFrom(run, i)
			break
		}
		sub := &run.task.SubTasks[i]
		wg.Add(1)
		go func(sub *types.BatchSubTask) {
			defer wg.Done()
			defer sem.Release(1)
			e.runSubTask(ctx, run, sub)
		}(sub)
	}
	wg.Wait()

	e.finalize(run)
}

// runSubTask drives one connection through
// queued -> connecting -> running -> terminal.
func (e *Executor) runSubTask(ctx context.Context, run *taskRun, sub *types.BatchSubTask) {
	started := e.clock.Now()
	e.updateSub(run, sub, func() {
		sub.Status = types.SubTaskStatusConnecting
		sub.StartedAt = &started
	})

	conn, creds, err := e.creds.Load(ctx, sub.ConnectionID)
	if err != nil {
		e.settleSub(run, sub, subOutcome{status: types.SubTaskStatusFailed, message: kindMessage(err)})
		return
	}

	client, err := e.dialer.Dial(ctx, conn, creds)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.settleSub(run, sub, subOutcome{status: types.SubTaskStatusCancelled})
		} else {
			e.settleSub(run, sub, subOutcome{status: types.SubTaskStatusFailed, message: kindMessage(err)})
		}
		return
	}
	defer client.Close()

	e.updateSub(run, sub, func() {
		sub.Status = types.SubTaskStatusRunning
		sub.Progress = runningProgress
	})

	command, err := sshutils.BuildCommand(sshutils.CommandSpec{
		Command:    sub.Command,
		Env:        run.task.Env,
		WorkDir:    run.task.WorkDir,
		Sudo:       run.task.Sudo,
		LoginShell: run.task.LoginShell,
	})
	if err != nil {
		e.settleSub(run, sub, subOutcome{status: types.SubTaskStatusFailed, message: kindMessage(err)})
		return
	}

	timeout := time.Duration(run.task.TimeoutSeconds) * time.Second
	execCtx, cancelExec := context.WithTimeout(ctx, timeout)
	defer cancelExec()

	proc, err := client.Exec(execCtx, command, sshutils.ExecOptions{})
	if err != nil {
		e.settleSub(run, sub, subOutcome{status: types.SubTaskStatusFailed, message: kindMessage(err)})
		return
	}

	output := sshutils.NewBoundedBuffer(e.outputLimit)
	var streams sync.WaitGroup
	for stream, r := range map[string]io.Reader{"stdout": proc.Stdout(), "stderr": proc.Stderr()} {
		streams.Add(1)
		go func(stream string, r io.Reader) {
			defer streams.Done()
			e.streamOutput(run.task.ID, sub.ID, stream, r, output)
		}(stream, r)
	}

	code, waitErr := proc.Wait()
	streams.Wait()

	outcome := subOutcome{output: output.String()}
	switch {
	case waitErr == nil && code == 0:
		outcome.status = types.SubTaskStatusCompleted
		outcome.exitCode = &code
	case waitErr == nil:
		outcome.status = types.SubTaskStatusFailed
		outcome.exitCode = &code
	case errdefs.IsKind(waitErr, errdefs.KindTimeout):
		outcome.status = types.SubTaskStatusFailed
		outcome.message = "Timeout"
	case errors.Is(waitErr, context.Canceled):
		outcome.status = types.SubTaskStatusCancelled
	default:
		outcome.status = types.SubTaskStatusFailed
		outcome.message = kindMessage(waitErr)
	}
	e.settleSub(run, sub, outcome)
}

// subOutcome is a sub-task's terminal result.
type subOutcome struct {
	status   types.SubTaskStatus
	exitCode *int
	output   string
	message  string
}

// settleSub applies a terminal outcome and reaggregates the parent
// under the task lock, so concurrent terminal transitions never expose
// an intermediate aggregate.
func (e *Executor) settleSub(run *taskRun, sub *types.BatchSubTask, outcome subOutcome) {
	now := e.clock.Now()

	run.mu.Lock()
	sub.Status = outcome.status
	sub.ExitCode = outcome.exitCode
	sub.Output = outcome.output
	sub.Message = outcome.message
	sub.Progress = 100
	sub.EndedAt = &now
	if err := e.store.UpdateBatchSubTask(context.Background(), sub); err != nil {
		e.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to persist sub-task")
	}

	status, progress, counts := Aggregate(run.task.SubTasks)
	if !run.task.Status.Terminal() {
		run.task.Status = status
	}
	run.task.Progress = progress
	run.task.TaskCounts = counts
	if err := e.store.UpdateBatchTask(context.Background(), run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist task aggregate")
	}
	run.mu.Unlock()

	e.publishSubUpdate(run.task.ID, sub)
}

// updateSub applies a non-terminal transition.
func (e *Executor) updateSub(run *taskRun, sub *types.BatchSubTask, mutate func()) {
	run.mu.Lock()
	mutate()
	if err := e.store.UpdateBatchSubTask(context.Background(), sub); err != nil {
		e.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to persist sub-task")
	}
	run.mu.Unlock()

	e.publishSubUpdate(run.task.ID, sub)
}

// cancelQueuedFrom marks every sub-task from index on as cancelled.
// None of them was ever dispatched, so the dispatch loop is their only
// owner.
func (e *Executor) cancelQueuedFrom(run *taskRun, from int) {
	for i := from; i < len(run.task.SubTasks); i++ {
		e.settleSub(run, &run.task.SubTasks[i], subOutcome{status: types.SubTaskStatusCancelled})
	}
}

// finalize stamps the end time and emits the task's closing event.
func (e *Executor) finalize(run *taskRun) {
	now := e.clock.Now()

	run.mu.Lock()
	run.task.EndedAt = &now
	if err := e.store.UpdateBatchTask(context.Background(), run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist task end")
	}
	status := run.task.Status
	run.mu.Unlock()

	eventType := events.EventBatchCompleted
	if status == types.TaskStatusCancelled {
		eventType = events.EventBatchCancelled
	}
	e.events.Publish(&events.Event{
		Type:     eventType,
		Message:  "batch task finished",
		Metadata: map[string]string{"task_id": run.task.ID, "status": string(status)},
	})

	e.logger.Info().
		Str("task_id", run.task.ID).
		Str("status", string(status)).
		Msg("batch task finished")
}

// streamOutput drains one pipe into the bounded buffer, forwarding
// chunks as incremental events.
func (e *Executor) streamOutput(taskID, subID, stream string, r io.Reader, sink *sshutils.BoundedBuffer) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
			e.events.Publish(&events.Event{
				Type:    events.EventBatchSubtaskUpdate,
				Message: "output",
				Metadata: map[string]string{
					"task_id":    taskID,
					"subtask_id": subID,
					"stream":     stream,
					"chunk":      string(buf[:n]),
				},
			})
		}
		if err != nil {
			return
		}
	}
}

func (e *Executor) publishSubUpdate(taskID string, sub *types.BatchSubTask) {
	e.events.Publish(&events.Event{
		Type:    events.EventBatchSubtaskUpdate,
		Message: "status",
		Metadata: map[string]string{
			"task_id":    taskID,
			"subtask_id": sub.ID,
			"status":     string(sub.Status),
			"progress":   strconv.Itoa(sub.Progress),
		},
	})
}

// kindMessage reduces an error to its kind name for sub-task records,
// keeping raw error text out of user-visible state.
func kindMessage(err error) string {
	return string(errdefs.KindOf(err))
}
