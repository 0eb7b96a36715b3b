package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/events"
	"github.com/nexushq/nexus/pkg/sshutils"
	"github.com/nexushq/nexus/pkg/types"
)

// scpMidpointProgress is the coarse progress reported while an scp copy
// runs; scp prints no parseable progress on a non-tty session.
const scpMidpointProgress = 50

// run owns the whole task lifecycle: source session, worker pool,
// aggregation, and the closing event.
func (e *Engine) run(ctx context.Context, run *taskRun) {
	defer close(run.done)
	defer e.forget(run.task.ID)

	now := e.clock.Now()
	run.mu.Lock()
	if run.task.Status == types.TaskStatusQueued {
		run.task.Status = types.TaskStatusInProgress
	}
	run.task.StartedAt = &now
	run.task.UpdatedAt = now
	if err := e.store.Update(run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist task start")
	}
	run.mu.Unlock()

	e.events.Publish(&events.Event{
		Type:     events.EventTransferStarted,
		Message:  "transfer task started",
		Metadata: map[string]string{"task_id": run.task.ID},
	})

	err := e.openSource(ctx, run)
	if run.source != nil {
		defer run.source.Close()
	}
	if err != nil {
		// No source session means no sub-task can make progress.
		e.drainRemaining(run, err)
		e.finalize(run)
		return
	}

	queue := make(chan int)
	go func() {
		defer close(queue)
		for i := range run.task.SubTasks {
			queue <- i
		}
	}()

	workers := Workers
	if n := len(run.task.SubTasks); n < workers {
		workers = n
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				e.runSubTask(ctx, run, &run.task.SubTasks[idx])
			}
		}()
	}
	wg.Wait()

	e.finalize(run)
}

// openSource dials the source host and probes it for transfer tooling.
func (e *Engine) openSource(ctx context.Context, run *taskRun) error {
	conn, creds, err := e.creds.Load(ctx, run.task.SourceConnectionID)
	if err != nil {
		return err
	}
	client, err := e.dialer.Dial(ctx, conn, creds)
	if err != nil {
		return err
	}
	run.source = client

	for tool, present := range map[string]*bool{
		toolRsync:   &run.tools.rsync,
		toolSCP:     &run.tools.scp,
		toolSshpass: &run.tools.sshpass,
	} {
		code, _, err := e.execShort(ctx, client, probeCommand(tool))
		if err != nil {
			return err
		}
		*present = code == 0
	}
	return nil
}

func (e *Engine) runSubTask(ctx context.Context, run *taskRun, sub *types.TransferSubTask) {
	if ctx.Err() != nil {
		e.settleSub(run, sub, subOutcome{status: types.SubTaskStatusCancelled})
		return
	}

	now := e.clock.Now()
	e.updateSub(run, sub, func() {
		sub.Status = types.SubTaskStatusConnecting
		sub.StartedAt = &now
	})

	e.settleSub(run, sub, e.executeSub(ctx, run, sub))
}

// executeSub walks one sub-task through target preparation, method
// resolution, key provisioning, and the copy itself. An uploaded
// ephemeral key is removed before this function returns, so the terminal
// state is only ever written after cleanup.
func (e *Engine) executeSub(ctx context.Context, run *taskRun, sub *types.TransferSubTask) subOutcome {
	tgt, err := e.targetFor(ctx, run, sub.TargetConnectionID)
	if err != nil {
		return outcomeFromError(err)
	}

	method, err := resolveMethod(run.task.Method, run.tools, tgt.hasRsync)
	if err != nil {
		return outcomeFromError(err)
	}

	needKey := tgt.conn.AuthMethod == types.AuthMethodKey && tgt.creds.PrivateKey != ""
	wrap := false
	secret := ""
	switch {
	case tgt.conn.AuthMethod == types.AuthMethodPassword:
		wrap = true
		secret = tgt.creds.Password
	case needKey && tgt.creds.Passphrase != "":
		wrap = true
		secret = tgt.creds.Passphrase
	}
	if wrap && !run.tools.sshpass {
		return outcomeFromError(errdefs.E(errdefs.KindMissingTool, "sshpass not found on source host"))
	}

	var keyfile string
	if needKey {
		handle, path, err := e.uploadKey(ctx, run, []byte(tgt.creds.PrivateKey))
		if handle != nil {
			defer func() {
				if rmErr := handle.Remove(path); rmErr != nil {
					e.logger.Warn().Err(rmErr).
						Str("task_id", run.task.ID).
						Msg("failed to remove ephemeral key from source")
				}
				handle.Close()
			}()
		}
		if err != nil {
			return outcomeFromError(err)
		}
		keyfile = path
	}

	cmd := buildTransferCommand(commandSpec{
		method:   method,
		item:     sub.Item,
		target:   tgt.conn,
		destPath: run.task.RemoteTargetPath,
		keyfile:  keyfile,
		secret:   secret,
		wrap:     wrap,
	})

	progress := 0
	if method == types.TransferMethodSCP {
		progress = scpMidpointProgress
	}
	e.updateSub(run, sub, func() {
		sub.Status = types.SubTaskStatusTransferring
		sub.MethodUsed = method
		sub.Progress = progress
	})

	return e.execTransfer(ctx, run, sub, cmd, method)
}

// uploadKey writes the target's private key to a fresh path under /tmp
// on the source, mode 0600, bounded by the upload timeout. The returned
// SFTP handle is for cleanup: the caller removes the key after the copy,
// and on error a partial file may exist and still needs removal. The
// write runs on a handle of its own, owned and closed by the write
// goroutine, so a timed-out write never races the caller's removal.
func (e *Engine) uploadKey(ctx context.Context, run *taskRun, key []byte) (sshutils.SFTP, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	cleanup, err := run.source.SFTP()
	if err != nil {
		return nil, "", err
	}
	path, err := ephemeralKeyPath()
	if err != nil {
		cleanup.Close()
		return nil, "", err
	}
	writer, err := run.source.SFTP()
	if err != nil {
		cleanup.Close()
		return nil, "", err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer writer.Close()
		done <- writer.WriteFile(path, key, 0600)
	}()

	select {
	case err := <-done:
		return cleanup, path, err
	case <-uploadCtx.Done():
		if errors.Is(uploadCtx.Err(), context.DeadlineExceeded) {
			return cleanup, path, errdefs.Wrap(errdefs.KindTimeout, uploadCtx.Err(), "key upload timed out")
		}
		return cleanup, path, uploadCtx.Err()
	}
}

// execTransfer runs the copy command on the source under the exec
// deadline, scraping progress from stdout and collecting stderr for the
// failure message.
func (e *Engine) execTransfer(ctx context.Context, run *taskRun, sub *types.TransferSubTask, cmd string, method types.TransferMethod) subOutcome {
	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	proc, err := run.source.Exec(execCtx, cmd, sshutils.ExecOptions{})
	if err != nil {
		return outcomeFromError(err)
	}
	defer proc.Close()

	stderr := sshutils.NewBoundedBuffer(e.outputLimit)
	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		io.Copy(stderr, proc.Stderr())
	}()
	go func() {
		defer streams.Done()
		e.watchProgress(run, sub, method, proc.Stdout())
	}()

	code, waitErr := proc.Wait()
	streams.Wait()

	switch {
	case waitErr == nil && code == 0:
		return subOutcome{status: types.SubTaskStatusCompleted}
	case waitErr == nil:
		return subOutcome{status: types.SubTaskStatusFailed, message: exitMessage(code, stderr.String())}
	default:
		return outcomeFromError(waitErr)
	}
}

// watchProgress consumes the copy's stdout. rsync percentages are scraped
// and republished as monotonic progress updates; other methods carry no
// usable progress, so the stream is just drained.
func (e *Engine) watchProgress(run *taskRun, sub *types.TransferSubTask, method types.TransferMethod, r io.Reader) {
	if method != types.TransferMethodRsync {
		io.Copy(io.Discard, r)
		return
	}
	current := 0
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if p, ok := lastPercent(buf[:n]); ok && p > current {
				current = p
				e.updateSub(run, sub, func() {
					sub.Progress = p
				})
			}
		}
		if err != nil {
			return
		}
	}
}

// targetFor returns the cached per-target preparation, running it on
// first use: credential load, target dial, rsync probe when the method
// may need it, and destination mkdir.
func (e *Engine) targetFor(ctx context.Context, run *taskRun, targetID string) (*targetInfo, error) {
	run.tmu.Lock()
	prep, ok := run.targets[targetID]
	if !ok {
		prep = &targetPrep{}
		run.targets[targetID] = prep
	}
	run.tmu.Unlock()

	prep.once.Do(func() {
		prep.info = e.prepareTarget(ctx, run, targetID)
	})
	if prep.info.err != nil {
		return nil, prep.info.err
	}
	return &prep.info, nil
}

func (e *Engine) prepareTarget(ctx context.Context, run *taskRun, targetID string) targetInfo {
	conn, creds, err := e.creds.Load(ctx, targetID)
	if err != nil {
		return targetInfo{err: err}
	}
	info := targetInfo{conn: conn, creds: creds}

	client, err := e.dialer.Dial(ctx, conn, creds)
	if err != nil {
		info.err = err
		return info
	}
	defer client.Close()

	needRsync := run.task.Method == types.TransferMethodRsync ||
		(run.task.Method == types.TransferMethodAuto && run.tools.rsync)
	if needRsync {
		code, _, err := e.execShort(ctx, client, probeCommand(toolRsync))
		if err != nil {
			info.err = err
			return info
		}
		info.hasRsync = code == 0
	}

	code, out, err := e.execShort(ctx, client, mkdirCommand(run.task.RemoteTargetPath))
	if err != nil {
		info.err = err
		return info
	}
	if code != 0 {
		info.err = errdefs.E(errdefs.KindProtocol, "failed to create %s on target: %s",
			run.task.RemoteTargetPath, strings.TrimSpace(out))
		return info
	}
	return info
}

// execShort runs a short command such as a probe or mkdir under the exec
// deadline.
func (e *Engine) execShort(ctx context.Context, client sshutils.Client, cmd string) (int, string, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()
	return sshutils.Run(execCtx, client, cmd, e.outputLimit)
}

type subOutcome struct {
	status  types.SubTaskStatus
	message string
}

// outcomeFromError maps an error from any suspension point to a terminal
// sub-task outcome.
func outcomeFromError(err error) subOutcome {
	switch {
	case errors.Is(err, context.Canceled):
		return subOutcome{status: types.SubTaskStatusCancelled}
	case errdefs.IsKind(err, errdefs.KindTimeout):
		return subOutcome{status: types.SubTaskStatusFailed, message: "Timeout"}
	default:
		return subOutcome{status: types.SubTaskStatusFailed, message: err.Error()}
	}
}

// exitMessage renders a failed copy's exit code with the trimmed tail of
// its stderr.
func exitMessage(code int, stderr string) string {
	msg := fmt.Sprintf("exit status %d", code)
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// settleSub writes a sub-task's terminal state and refreshes the task
// aggregate in the same locked section, so no observer sees a settled
// sub-task with a stale aggregate. A completed sub-task lands at 100
// percent; failed and cancelled ones keep their last known progress.
func (e *Engine) settleSub(run *taskRun, sub *types.TransferSubTask, out subOutcome) {
	now := e.clock.Now()

	run.mu.Lock()
	if sub.Status.Terminal() {
		run.mu.Unlock()
		return
	}
	sub.Status = out.status
	sub.Message = out.message
	if out.status == types.SubTaskStatusCompleted {
		sub.Progress = 100
	}
	sub.EndedAt = &now

	status, progress, counts := Aggregate(run.task.SubTasks)
	if run.task.Status != types.TaskStatusCancelling && !run.task.Status.Terminal() {
		run.task.Status = status
	}
	run.task.Progress = progress
	run.task.TaskCounts = counts
	run.task.UpdatedAt = now
	if err := e.store.Update(run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist task aggregate")
	}
	run.mu.Unlock()

	e.publishSubUpdate(run.task.ID, sub)
}

// updateSub applies a non-terminal transition.
func (e *Engine) updateSub(run *taskRun, sub *types.TransferSubTask, mutate func()) {
	run.mu.Lock()
	mutate()
	run.task.UpdatedAt = e.clock.Now()
	if err := e.store.Update(run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist sub-task update")
	}
	run.mu.Unlock()

	e.publishSubUpdate(run.task.ID, sub)
}

// drainRemaining settles every unfinished sub-task after a task-level
// failure or abort. It only runs before the worker pool starts, so the
// caller is the sole owner of every sub-task.
func (e *Engine) drainRemaining(run *taskRun, cause error) {
	out := outcomeFromError(cause)
	for i := range run.task.SubTasks {
		e.settleSub(run, &run.task.SubTasks[i], out)
	}
}

// finalize stamps the end time, resolves cancelling to cancelled, and
// emits the closing event.
func (e *Engine) finalize(run *taskRun) {
	now := e.clock.Now()

	run.mu.Lock()
	status, progress, counts := Aggregate(run.task.SubTasks)
	if run.task.Status == types.TaskStatusCancelling {
		run.task.Status = types.TaskStatusCancelled
	} else if !run.task.Status.Terminal() {
		run.task.Status = status
	}
	run.task.Progress = progress
	run.task.TaskCounts = counts
	run.task.EndedAt = &now
	run.task.UpdatedAt = now
	if err := e.store.Update(run.task); err != nil {
		e.logger.Error().Err(err).Str("task_id", run.task.ID).Msg("failed to persist task end")
	}
	final := run.task.Status
	run.mu.Unlock()

	eventType := events.EventTransferCompleted
	if final == types.TaskStatusCancelled {
		eventType = events.EventTransferCancelled
	}
	e.events.Publish(&events.Event{
		Type:     eventType,
		Message:  "transfer task finished",
		Metadata: map[string]string{"task_id": run.task.ID, "status": string(final)},
	})

	e.logger.Info().
		Str("task_id", run.task.ID).
		Str("status", string(final)).
		Msg("transfer task finished")
}

func (e *Engine) publishSubUpdate(taskID string, sub *types.TransferSubTask) {
	e.events.Publish(&events.Event{
		Type:    events.EventTransferSubtaskUpdate,
		Message: "status",
		Metadata: map[string]string{
			"task_id":    taskID,
			"subtask_id": sub.ID,
			"status":     string(sub.Status),
			"progress":   strconv.Itoa(sub.Progress),
		},
	})
}
