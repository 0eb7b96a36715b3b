/*
Package log provides structured logging for all Nexus components.

The log package wraps zerolog behind a small initialization surface so every
component logs through the same pipeline with the same level, format, and
timestamp conventions. Components obtain child loggers tagged with their name
via WithComponent, which makes a single process's output filterable per
subsystem.

# Architecture

	┌───────────────────── LOGGING PIPELINE ───────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │                Init(Config)                 │          │
	│  │  - Parses level (debug/info/warn/error)     │          │
	│  │  - Selects JSON or console output           │          │
	│  │  - Installs the package-level Logger        │          │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          WithComponent("...")               │          │
	│  │  - Child logger per subsystem               │          │
	│  │  - Adds component=<name> to every entry     │          │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │               Output                        │          │
	│  │  JSON lines (production, default)           │          │
	│  │  Console writer (development)               │          │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Logger:
  - Package-level zerolog.Logger installed by Init
  - Timestamped entries (RFC3339)
  - Safe for concurrent use from any goroutine

Config:
  - Level: Minimum level emitted (DebugLevel through ErrorLevel)
  - JSONOutput: true for JSON lines, false for the console writer
  - Output: Destination writer; defaults to os.Stdout when nil

WithComponent:
  - Returns a child of Logger carrying a component field
  - The conventional handle components log through
  - Children inherit level and output from Init

# Log Levels

Supported levels, lowest to highest:

  - debug: Request routing, task scheduling decisions, SSH dial steps
  - info: Lifecycle events (startup, task started/finished, logins)
  - warn: Recoverable anomalies (retryable failures, interrupted tasks)
  - error: Failures that end an operation

An unrecognized Level falls back to info rather than failing startup.

# Usage

Initializing at Startup:

	import "github.com/nexushq/nexus/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component Loggers:

	logger := log.WithComponent("batch")
	logger.Info().
		Str("task_id", task.ID).
		Int("targets", len(task.ConnectionIDs)).
		Msg("batch task started")

Structured Fields:

	logger.Error().
		Err(err).
		Str("connection_id", conn.ID).
		Str("host", conn.Host).
		Msg("ssh dial failed")

Development Output:

	// Human-readable output for local runs.
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: false})

Complete Example:

	package main

	import (
		"github.com/nexushq/nexus/pkg/log"
	)

	func main() {
		log.Init(log.Config{
			Level:      log.DebugLevel,
			JSONOutput: true,
		})

		logger := log.WithComponent("startup")
		logger.Info().Str("version", "1.0.0").Msg("nexus starting")

		db := log.WithComponent("storage")
		db.Debug().Str("path", "nexus.db").Msg("opening database")
	}

Output (JSON mode):

	{"level":"info","component":"startup","version":"1.0.0","time":"2025-11-02T10:30:00Z","message":"nexus starting"}
	{"level":"debug","component":"storage","path":"nexus.db","time":"2025-11-02T10:30:00Z","message":"opening database"}

# Component Names

Components currently logging through WithComponent:

  - server: HTTP listener lifecycle
  - api: Request handling and error rendering
  - auth: Authentication decisions
  - session: Session persistence
  - session-janitor: Expired session sweeps
  - storage: Database open/migrate
  - batch: Batch task engine
  - transfer: Transfer task engine
  - sshutils: Connection dialing and command execution
  - metrics: Collector lifecycle
  - audit: Event-sourced security trail

Filtering one subsystem from production output:

	jq 'select(.component=="transfer")' < nexus.log

# Integration Points

This package integrates with:

  - cmd/nexus: calls Init from the server command before any component starts
  - pkg/api: request logging and panic reports
  - pkg/auth, pkg/batch, pkg/transfer, pkg/session, pkg/sshutils,
    pkg/storage, pkg/metrics: component loggers
  - pkg/errdefs: severe error kinds are logged with full detail by pkg/api

# Design Patterns

Global Logger, Local Children:
  - One Init call configures the process
  - Components never configure output themselves
  - Child loggers are values; copying them is cheap and safe

Structured-First:
  - Machine-readable keys (task_id, user_id, connection_id) over
    formatted strings
  - Msg text stays short and stable so dashboards can group on it

Level Gating at the Source:
  - zerolog drops below-level events before field encoding
  - Debug-level instrumentation is affordable in hot paths

# Performance Characteristics

  - Disabled level: ~1ns per call site (level check only)
  - Enabled JSON entry: sub-microsecond encode, one write syscall
  - Console writer: noticeably slower; development only
  - No locking beyond the destination writer's own serialization

# Troubleshooting

No Output at All:
  - Symptom: Process runs silently
  - Cause: Init not called; the zero Logger discards entries
  - Solution: Call log.Init before constructing components

Debug Entries Missing:
  - Symptom: Debug().Msg lines never appear
  - Cause: Level is info or higher
  - Solution: Set logging.level to debug (NEXUS_LOGGING_LEVEL=debug)

Unreadable Production Logs:
  - Symptom: Escaped JSON soup in the terminal
  - Cause: JSONOutput true while eyeballing output directly
  - Solution: Pipe through jq, or run with logging.json=false locally

# Best Practices

Do:
  - Create one component logger per subsystem and reuse it
  - Put identifiers in fields, prose in Msg
  - Log errors once, at the layer that handles them

Don't:
  - Log secrets, passwords, private keys, or session tokens
  - Build log strings with fmt.Sprintf; use typed fields
  - Log and also return the same error up the stack

# See Also

  - pkg/errdefs for the error taxonomy logged by handlers
  - pkg/metrics for numeric observability
  - zerolog documentation: https://github.com/rs/zerolog
*/
package log
