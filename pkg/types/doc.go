/*
Package types defines the core data structures used throughout Nexus.

This package contains the fundamental types that represent the control
plane's domain model: operator accounts, WebAuthn passkeys, saved SSH
connections, batch command tasks, and cross-host transfer tasks. All
other packages build on these types for persistence, API payloads, and
task orchestration.

# Architecture

The types package is the foundation of the data model. It defines:

  - Accounts and credentials (users, passkeys)
  - Connection records with vault-encrypted secret columns
  - Batch execution state and lifecycle
  - Transfer execution state and lifecycle
  - Shared task vocabulary (statuses, outcome counts)

All types are designed to be:
  - Serializable (JSON for the API, GORM tags for SQLite)
  - Safe by construction (secret columns never marshal to JSON)
  - Self-documenting (typed string constants for every enum)

# Core Types

Accounts:
  - User: operator account; password as bcrypt hash, TOTP secret as
    vault ciphertext; TwoFactorEnabled() reports enrollment
  - Passkey: registered WebAuthn credential with its signature counter

Connections:
  - Connection: saved SSH target; password, private key, and passphrase
    live in ciphertext columns, ProxyID names an optional jump host
  - AuthMethod: none, password, or key

Batch execution:
  - BatchTask: one fan-out command run across many connections
  - BatchSubTask: the command's execution on a single connection
  - TaskStatus / SubTaskStatus: aggregate and per-unit state
  - TaskCounts: sub-task outcome totals, embedded so the fields
    flatten into the task payload

Transfers:
  - TransferTask: items on one source connection pushed to targets
  - TransferSubTask: one (item, target) copy with percent progress
  - TransferMethod: auto, rsync, or scp
  - SourceItem: a file or directory on the source host

# State Machine

Sub-tasks follow a small state machine:

	queued -> connecting -> running      -> completed | failed | cancelled
	queued -> connecting -> transferring -> completed | failed | cancelled

Terminal states are never overwritten; Terminal() guards every
transition. The parent task's status is derived from its sub-tasks:
completed when all complete, failed when all fail, partially-completed
for any other terminal mix with at least one completion, and cancelled
otherwise. Transfer tasks pass through "cancelling" while their abort
signal propagates.

Task statuses:

  - queued: accepted, not yet dispatched
  - in-progress: at least one sub-task is executing
  - cancelling: abort requested, sub-tasks still winding down
    (transfer tasks only)
  - completed / failed / partially-completed / cancelled: terminal

Sub-task statuses:

  - queued: waiting for a concurrency slot
  - connecting: SSH dial in progress
  - running / transferring: the operation itself
  - completed / failed / cancelled: terminal, with ExitCode or Error
    populated on the batch side and Progress frozen on transfers

# Persistence Mapping

GORM tags bind the durable types to their tables:

  - User -> users, Passkey -> passkeys, Connection -> connections
  - BatchTask -> batch_tasks, BatchSubTask -> batch_subtasks
  - Sub-tasks carry a position column preserving submission order
  - TransferTask and TransferSubTask have no tables; transfers are
    indexed in memory only

Primary keys are UUID strings minted at creation. Foreign keys are
plain id columns (UserID, TaskID, ConnectionID) resolved by the
storage layer.

# JSON Conventions

API payloads use camelCase field names ("connectionIds", "subTasks",
"exitCode", "overallProgress", ...). Conventions:

  - Secret-bearing columns carry json:"-" and never marshal
  - Owner ids (BatchTask.UserID) also carry json:"-"; ownership is a
    server-side filter, not payload data
  - Optional fields use omitempty; unset timestamps are omitted
  - Enum values travel as their string constants ("in-progress",
    "partially-completed", "rsync")

# Usage

Building a Task:

	task := &types.BatchTask{
		UserID:        userID,
		Command:       "uptime",
		ConnectionIDs: []string{"c1", "c2"},
		Status:        types.TaskStatusQueued,
	}

Guarding Transitions:

	if !sub.Status.Terminal() {
		sub.Status = types.SubTaskStatusCancelled
	}

Checking 2FA Enrollment:

	if user.TwoFactorEnabled() {
		// route to the TOTP step
	}

# Design Patterns

Enumeration pattern:

	All enums use typed string constants:
	  type TaskStatus string
	  const (
	      TaskStatusQueued    TaskStatus = "queued"
	      TaskStatusCompleted TaskStatus = "completed"
	  )

Secret handling:

	Secret-bearing columns carry json:"-" so they cannot leak through
	an API payload, and hold vault ciphertext so they cannot leak
	through the database either. The vault package is the only reader.

Optional timestamps:

	StartedAt, EndedAt, LastLoginAt, and LastUsedAt use *time.Time;
	nil means the event has not happened.

Embedded counts:

	TaskCounts embeds into BatchTask and TransferTask so completed,
	failed, and cancelled totals flatten into the task payload without
	a nested object.

# Integration Points

This package integrates with:

  - pkg/storage: persists users, passkeys, connections, and batch
    tasks to SQLite; indexes transfer tasks in memory
  - pkg/api: serves these types as camelCase JSON
  - pkg/auth: reads users and passkeys during authentication
  - pkg/vault: decrypts connection secret columns
  - pkg/batch and pkg/transfer: drive task and sub-task lifecycles

# Thread Safety

Types in this package are plain data and carry no locks. The engines
that mutate task trees guard them with their own mutexes, and the
storage layer hands out copies so snapshots can be read without
synchronization.

Rules the rest of the codebase follows:

  - Mutate a task only while holding its engine's lock
  - Treat anything returned by a store as a private copy
  - Never hand a sub-task pointer to another goroutine mid-run

# See Also

  - pkg/storage for table mapping and copy-out semantics
  - pkg/batch and pkg/transfer for lifecycle enforcement
  - pkg/vault for the ciphertext column format
*/
package types
