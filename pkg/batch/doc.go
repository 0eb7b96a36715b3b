/*
Package batch fans a single shell command out across many SSH connections
and tracks the result as one task with per-connection sub-tasks.

This is the workhorse behind "run this on forty hosts": one submission
becomes one durable task, each target host becomes a sub-task, and the
executor drives them through dial, exec, output capture, and settlement
under a per-task concurrency limit.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                         Executor                            │
	│                                                             │
	│  Submit ──► validate ──► persist task + sub-tasks (queued)  │
	│                │                                            │
	│                ▼                                            │
	│         run goroutine                                       │
	│                │                                            │
	│     ┌──────────┴──────────┐  weighted semaphore             │
	│     ▼          ▼          ▼  (submission order)             │
	│  sub-task   sub-task   sub-task                             │
	│  dial ► exec ► stream ► settle                              │
	│     │          │          │                                 │
	│     └──────────┬──────────┘                                 │
	│                ▼                                            │
	│        Aggregate ──► task status / progress / counts        │
	└─────────────────────────────────────────────────────────────┘

# Core Components

Executor:
  - Owns submission, lookup, cancellation, deletion, and recovery
  - Tracks in-flight tasks in a running map guarded by one mutex
  - Wires storage, credential loading, dialing, events, and a clock
    together; every dependency is an interface seam

Config:
  - Store: durable task persistence
  - Credentials: connection-id to decrypted-credentials resolver
  - Dialer: SSH transport factory
  - Events: broker for lifecycle and output events
  - Clock: clockwork clock (fake in tests)
  - DefaultConcurrency / DefaultTimeout / OutputLimit

SubmitRequest:
  - Command plus target ConnectionIDs
  - Optional Concurrency (1-50), TimeoutSeconds (1-3600)
  - Optional Env, WorkDir, Sudo, LoginShell shaping the command line

Aggregate:
  - Pure function from the sub-task slice to (status, progress,
    counts)
  - Re-derived after every settlement; never stored ahead of its
    inputs

# Task Lifecycle

A task moves queued -> in-progress -> one of completed, failed,
partially-completed or cancelled. Each sub-task independently moves
queued -> connecting -> running -> terminal. Terminal statuses are
never overwritten; cancelling an already-cancelled task is a no-op,
while cancelling a finished one is rejected as an invalid state.

Dispatch detail:

 1. Submit validates the request and its bounds, persists the task
    with every sub-task queued, then returns
 2. The run goroutine acquires one semaphore slot per sub-task in
    submission order, so at most the concurrency limit is ever
    connecting or running at once
 3. Each sub-task loads credentials, dials, builds the command line,
    and execs under its own deadline
 4. Output streams into a bounded buffer; chunks are published as
    events while the full (capped) text lands on the sub-task record
 5. Settlement writes the terminal sub-task, re-aggregates the task,
    and persists before publishing

Every state change is persisted before it is published on the event
bus, which keeps the store authoritative for crash recovery.

# Concurrency Model

Dispatch runs through a weighted semaphore sized to the task's
concurrency setting:

  - Slots acquire in submission order, so target N never starts
    before target N-1 has at least started
  - Submissions choose 1-50; out-of-range values are rejected and
    missing values take the configured default
  - Acquisition honors the run context: cancellation releases
    waiters immediately, and those sub-tasks settle cancelled

One mutex per task guards the task tree. Every sub-task mutation,
aggregation, and persistence decision happens under it, which is why
task snapshots are always internally consistent: counts, progress, and
status can never be observed mid-derivation. The lock is cheap because
all I/O (dial, exec, store writes of other tasks) happens outside it.

Tasks are independent: the executor imposes no global ceiling, so two
tasks of concurrency 50 can hold 100 connections between them. The
operator-facing limit is per task by design; deployment-wide limits
belong to the SSH targets themselves.

# Output Handling

Each sub-task captures stdout and stderr into one bounded buffer
(1 MiB default):

  - Chunks publish on the event bus as they arrive (Message "output",
    with stream and chunk metadata) for live views
  - The full capped text lands on the sub-task record at settlement
  - Past the cap, writes report success but the buffer stops growing
    and the stored output ends with a truncation marker
  - Exit codes are authoritative; output is for humans

# Failure Scenarios

Dial failure:
  - Sub-task fails with the classified dial error message
  - Remaining sub-tasks proceed; the task settles partially-completed
    if anything else succeeds

Non-zero exit:
  - Sub-task fails with its exit code and captured output retained

Timeout:
  - The per-sub-task deadline kills the remote command
  - Sub-task fails with "command timed out"

Cancellation:
  - Cancel marks the task cancelled, cancels the run context, and
    still-queued sub-tasks settle cancelled without ever dialing
  - In-flight sub-tasks settle as cancelled when their exec aborts
  - Cancel on a finished task is rejected; on a cancelled one, a no-op

Process crash:
  - RecoverInterrupted runs at startup, finds unfinished tasks, fails
    whatever was still in flight with the message "Interrupted", and
    re-aggregates

# Usage

Constructing the Executor:

	import "github.com/nexushq/nexus/pkg/batch"

	exec := batch.NewExecutor(batch.Config{
		Store:              store,
		Credentials:        loader,
		Dialer:             dialer,
		Events:             broker,
		DefaultConcurrency: cfg.Batch.DefaultConcurrency,
		DefaultTimeout:     cfg.Batch.DefaultTimeout,
	})
	if err := exec.RecoverInterrupted(ctx); err != nil {
		return err
	}

Submitting a Task:

	task, err := exec.Submit(ctx, userID, batch.SubmitRequest{
		Command:       "sudo systemctl restart nginx",
		ConnectionIDs: []string{"c1", "c2", "c3"},
		Concurrency:   2,
	})
	if err != nil {
		return err
	}
	fmt.Println("submitted:", task.ID)

Watching Progress:

	broker.Subscribe(func(e *events.Event) {
		if e.Type == events.EventBatchSubtaskUpdate &&
			e.Metadata["task_id"] == task.ID {
			fmt.Println(e.Metadata["subtask_id"], e.Metadata["status"])
		}
	})

Cancelling:

	if err := exec.Cancel(ctx, userID, task.ID); err != nil {
		return err
	}

Complete Example:

	package main

	import (
		"context"
		"fmt"

		"github.com/nexushq/nexus/pkg/batch"
		"github.com/nexushq/nexus/pkg/types"
	)

	func runEverywhere(ctx context.Context, exec *batch.Executor, userID string, conns []string) error {
		task, err := exec.Submit(ctx, userID, batch.SubmitRequest{
			Command:       "df -h /",
			ConnectionIDs: conns,
		})
		if err != nil {
			return err
		}

		exec.Wait(task.ID)

		final, err := exec.Get(ctx, userID, task.ID)
		if err != nil {
			return err
		}
		for _, sub := range final.SubTasks {
			fmt.Printf("%s: %s\n", sub.ConnectionName, sub.Status)
		}
		if final.Status != types.TaskStatusCompleted {
			return fmt.Errorf("task finished %s", final.Status)
		}
		return nil
	}

# Integration Points

This package integrates with:

  - pkg/sshutils: dialing, command assembly, exec, bounded output
  - pkg/vault: credential loading through the CredentialSource seam
  - pkg/storage: durable task and sub-task persistence
  - pkg/events: started/subtask.update/completed/cancelled events
  - pkg/types: BatchTask, BatchSubTask, statuses, counts
  - pkg/api: handlers call Submit/Get/List/Cancel/Delete
  - pkg/errdefs: validation, state, and transport error kinds

# Design Patterns

Ownership Scoping:
  - Every read and mutation takes the calling user's id
  - A task invisible to its non-owner is NotFound, not Forbidden

Persist Then Publish:
  - The store is written before the broker hears about it
  - Subscribers can always re-read authoritative state

Single-Lock Task Mutation:
  - All sub-task mutation and aggregation happens under the run's
    lock, so derived status can never interleave with a settlement

Deterministic Dispatch:
  - Semaphore acquisition in submission order keeps behavior
    reproducible and makes the first targets the first to run

# Performance Characteristics

  - Submission: one storage transaction regardless of target count
  - Fan-out ceiling: 50 concurrent units per task
  - Per-unit overhead: dominated by SSH dial (tens to hundreds of ms)
  - Output capture: capped per sub-task (1 MiB default), so a noisy
    command costs bounded memory

# Troubleshooting

Task Stuck In-Progress:
  - Symptom: No sub-task progress for a long period
  - Cause: Remote commands waiting on input or a dead transport
  - Check: Sub-task statuses; connecting means dial, running means exec
  - Solution: Cancel the task; lower the timeout for reruns

Everything Fails Instantly:
  - Symptom: All sub-tasks fail within a second
  - Cause: Bad credentials or an unreachable network segment
  - Check: The sub-task messages (classified dial errors)
  - Solution: Test one connection interactively, fix the records

Output Truncated:
  - Symptom: Sub-task output ends with a truncation marker
  - Cause: Command produced more than the output cap
  - Solution: Expected; redirect bulk output to a file on the host

Tasks Interrupted by Restart:
  - Symptom: Sub-tasks failed with the message "Interrupted"
  - Cause: The process died mid-run; recovery settled the leftovers
  - Solution: Resubmit; the command may have partially run on targets

# Monitoring

  - nexus_batch_tasks_total{status}: task gauge by status, collected
    from the store
  - Event stream: batch.started, batch.subtask.update,
    batch.completed, batch.cancelled

# Limitations

Current Limitations:
  - No retry of failed sub-tasks; resubmission is the retry
  - No global concurrency ceiling across tasks
  - No per-connection serialization; two tasks may hit one host
    concurrently
  - Output capture is text-oriented; binary output is stored as-is
    but unreadable

Workarounds:
  - Partial reruns: submit a new task against the failed connections
  - Host protection: use per-task concurrency and disjoint target
    sets when hosts are sensitive to parallel work

# Best Practices

Do:
  - Keep commands non-interactive and idempotent where possible
  - Set an explicit timeout shorter than the 1h ceiling
  - Use WorkDir/Env/Sudo fields instead of embedding shell syntax

Don't:
  - Assume completed means converged; read per-host exit codes
  - Submit thousands of targets in one task; shard submissions
  - Parse sub-task messages programmatically; branch on status

# See Also

  - pkg/transfer for the file-movement counterpart
  - pkg/sshutils for transport behavior and error classification
  - pkg/events for the update stream consumed by live views
*/
package batch
