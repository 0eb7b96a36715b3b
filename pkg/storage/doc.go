/*
Package storage provides state persistence for the Nexus control plane.

Two stores live here. The relational store (GORM over SQLite) holds durable
records: users, passkeys, connections and batch tasks with their sub-tasks.
The in-memory transfer store indexes transfer tasks, which are deliberately
not durable and vanish on restart.

# Architecture

	┌────────────────────── STORAGE ───────────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │            GORMStore (SQLite)               │         │
	│  │  - File: nexus.db (WAL, busy_timeout)       │         │
	│  │  - Schema via AutoMigrate                   │         │
	│  │  ┌────────────────────────────┐             │         │
	│  │  │ users          (User ID)   │             │         │
	│  │  │ passkeys       (Passkey ID)│             │         │
	│  │  │ connections    (Conn ID)   │             │         │
	│  │  │ batch_tasks    (Task ID)   │             │         │
	│  │  │ batch_subtasks (Sub ID)    │             │         │
	│  │  └────────────────────────────┘             │         │
	│  └────────────────────────────────────────────┘          │
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │        TransferStore (in-memory)            │         │
	│  │  - map keyed by task id                     │         │
	│  │  - deep copies on read and write            │         │
	│  │  - newest-first listing                     │         │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

Session records are NOT stored here; they live in the bolt-backed store
owned by the session package.

# Core Components

GORMStore:
  - Opens SQLite through the pure-Go driver (no cgo)
  - DSN enables WAL journaling and a 5s busy timeout
  - Creates the database directory and migrates on New
  - Implements the Store interface consumed by auth, api, and batch

Store interface:
  - Users: create, get by username/id, list, column updates, delete
  - Passkeys: create, lookup by credential id, per-user list, counter
    update, delete, existence check
  - Connections: full CRUD
  - Batch: task+subtask CRUD, unfinished-task listing, status counts
  - Close

TransferStore:
  - RWMutex-guarded map of transfer tasks
  - Every read and write moves a deep copy, so callers can mutate
    their view without racing the engine
  - List filters by owning user and sorts newest first
  - CountByStatus feeds the metrics collector

# Schema

Tables and their load-bearing columns:

users:
  - id (uuid pk), username (unique), password_hash (bcrypt)
  - totp_secret (vault ciphertext; empty means 2FA off)
  - created_at, updated_at, last_login_at

passkeys:
  - id (uuid pk), user_id (indexed), credential_id (unique)
  - public_key, attestation_type, aaguid, sign_count
  - transports, name, backed_up, created_at, last_used_at

connections:
  - id (uuid pk), user_id (indexed), name, host, port, username
  - auth_method (none/password/key)
  - password_ciphertext, private_key_ciphertext,
    passphrase_ciphertext (vault-sealed, never serialized)
  - proxy_id (optional jump host connection)

batch_tasks:
  - id (uuid pk), user_id (indexed), command, connection_ids (json)
  - concurrency, timeout_seconds, login_shell, sudo, work_dir, env
  - status (indexed), progress, embedded counts, timestamps

batch_subtasks:
  - id (uuid pk), task_id (indexed), position, connection_id,
    connection_name, command
  - status, progress, exit_code, output, message, started/ended

# CRUD Operations

Create:
  - User, passkey, and connection ids are minted as UUIDs when absent
  - Duplicate keys surface as ValidationError, not a driver error
  - CreateBatchTask inserts the task row and all sub-task rows in one
    transaction, so a crash cannot leave a task without its units

Read:
  - GetBatchTask preloads sub-tasks ordered by their position column,
    preserving submission order across retrieval
  - ListBatchTasks returns the caller's tasks newest first
  - ListUnfinishedBatchTasks feeds crash recovery at startup

Update:
  - User updates touch named columns only (totp_secret, password_hash,
    last_login_at), never the whole row
  - UpdateBatchSubTask writes a single sub-task row, which is what the
    engine's per-unit progress updates need
  - UpdatePasskeyCounter persists the sign-count watermark

Delete:
  - DeleteUser cascades that user's passkeys
  - DeleteBatchTask removes the task and its sub-tasks

# Error Mapping

Callers never see raw GORM errors:

  - gorm.ErrRecordNotFound becomes KindNotFound with the entity name
    ("user not found: alice", "batch task not found: <id>")
  - UNIQUE constraint violations become KindValidationError
    ("username already exists")
  - Everything else wraps as KindInternal

The mapping happens at this boundary so the API layer can translate
kinds to HTTP statuses without knowing the driver.

# Data Integrity

  - WAL journaling keeps readers unblocked during writes
  - busy_timeout(5000) retries briefly on lock contention instead of
    failing the request
  - Batch task creation is transactional (task + sub-tasks or nothing)
  - AutoMigrate adds missing columns on upgrade; it never drops data

# Usage

Opening the Store:

	import "github.com/nexushq/nexus/pkg/storage"

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

Creating a Connection Record:

	conn := &types.Connection{
		Name:       "web-1",
		Host:       "10.0.4.17",
		Port:       22,
		Username:   "deploy",
		AuthMethod: types.AuthMethodPassword,
	}
	if err := store.CreateConnection(ctx, conn); err != nil {
		return err
	}

Handling Missing Rows:

	user, err := store.GetUser(ctx, username)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		// render 404 / uniform login failure
	}

Transfer Tasks:

	transfers := storage.NewTransferStore()
	if err := transfers.Create(task); err != nil {
		return err
	}
	mine := transfers.List(userID) // newest first

Complete Example:

	package main

	import (
		"context"
		"fmt"

		"github.com/nexushq/nexus/pkg/storage"
		"github.com/nexushq/nexus/pkg/types"
	)

	func main() {
		store, err := storage.New("nexus.db")
		if err != nil {
			panic(err)
		}
		defer store.Close()

		ctx := context.Background()
		id, err := store.CreateUser(ctx, &types.User{
			Username:     "admin",
			PasswordHash: "$2a$10$...",
		})
		if err != nil {
			panic(err)
		}

		user, err := store.GetUserByID(ctx, id)
		if err != nil {
			panic(err)
		}
		fmt.Println("created:", user.Username)
	}

# Integration Points

This package integrates with:

  - pkg/auth: user, passkey, and login bookkeeping reads/writes
  - pkg/api: connection CRUD and task listings for handlers
  - pkg/batch: task persistence, sub-task progress, crash recovery
  - pkg/transfer: the in-memory TransferStore
  - pkg/vault: reads connection rows through the ConnectionGetter seam
  - pkg/metrics: status counts for task gauges
  - pkg/types: the persisted model structs

# Design Patterns

Generic Single-Table Helpers:
  - getByField/listByField/createWithID centralize the lookup, list,
    and id-minting patterns across entities
  - Entity-specific methods stay one or two lines and hold the naming

Copy-Out Semantics (TransferStore):
  - The store never hands out its own pointers
  - Engine and API mutate private copies and write back explicitly

Interface at the Consumer:
  - Store is defined here, but consumers depend on the subset they
    need (vault's ConnectionGetter, batch's task methods)
  - Tests substitute small fakes per consumer

# Performance Characteristics

  - Point reads: sub-millisecond on local SQLite
  - Batch creation: one transaction regardless of sub-task count
  - TransferStore operations: microseconds; cloning dominates
  - Write concurrency: single writer (SQLite); WAL keeps reads flowing

# Troubleshooting

Database Is Locked:
  - Symptom: Writes fail after 5s with a lock error
  - Cause: Another process holds a write transaction on the file
  - Solution: One nexus process per database path

Rows Vanish After Restart:
  - Symptom: Transfer tasks are gone, batch tasks remain
  - Cause: Transfer history is in-memory only
  - Solution: Expected; consult batch tasks for durable history

Migration Differences:
  - Symptom: Old columns linger after a model change
  - Cause: AutoMigrate adds but never drops
  - Solution: Harmless; clean up manually if desired

# Best Practices

Do:
  - Pass the request context into every call for cancellation
  - Branch on errdefs kinds, not error strings
  - Keep writes small; update named columns where a method exists

Don't:
  - Reach for DB() outside migrations and tests
  - Hold TransferStore results across a mutation and expect freshness
  - Share one SQLite file between processes

# See Also

  - pkg/types for the persisted models
  - pkg/errdefs for the kinds this package produces
  - GORM: https://gorm.io/docs/
  - SQLite WAL mode: https://www.sqlite.org/wal.html
*/
package storage
