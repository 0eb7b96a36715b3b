/*
Package transfer orchestrates cross-host file copies. Files never pass
through the control plane: the engine opens one SSH session to the source
host and directs the source's own rsync or scp binary at each target,
carrying the target's credentials either as an ephemeral SFTP-uploaded key
or as a password on argv via sshpass.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                          Engine                            │
	│                                                            │
	│  Submit ──► validate ──► sub-task per (target, item)       │
	│                │                                           │
	│                ▼                                           │
	│        source SSH session  (probe rsync/scp/sshpass)       │
	│                │                                           │
	│        worker pool (5)                                     │
	│                │                                           │
	│   per target (cached): dial ► probe rsync ► mkdir -p       │
	│                │                                           │
	│   per sub-task: upload key ► build command ► exec          │
	│                │            (sshpass wrap)   │             │
	│                │                             ▼             │
	│                └──────── remove key ◄── scrape progress    │
	└────────────────────────────────────────────────────────────┘

# Core Components

Engine:
  - Owns submission, lookup, cancellation, deletion of transfers
  - Fixed pool of 5 workers per task
  - Caches per-target preparation so N items to one target dial once
  - All state in memory; the TransferStore index has no database

Config:
  - Store: the in-memory transfer index
  - Connections: connection-record reads (ownership checks)
  - Credentials: decrypted credential resolver
  - Dialer: SSH transport factory
  - Events, Clock, ExecTimeout, UploadTimeout, OutputLimit

SubmitRequest:
  - SourceConnectionID: the host that runs the copy tool
  - ConnectionIDs: target hosts
  - SourceItems: files or directories on the source
  - RemoteTargetPath: destination directory on every target
  - Method: auto, rsync, or scp

commandSpec / buildTransferCommand:
  - Renders the exact argv the source host runs per (target, item)
  - Every user-controlled string is shell-quoted; the destination
    path is quoted a second time because rsync and scp hand it to
    the target's shell

# Transfer Flow

 1. Submit validates ownership of source and targets, expands
    (target, item) pairs into sub-tasks, indexes the task, returns
 2. The run goroutine dials the source and probes for rsync, scp,
    and sshpass with command -v
 3. Workers pick sub-tasks; the first sub-task for each target runs
    the target prep exactly once (dial the target, probe its rsync,
    mkdir -p the destination) and later sub-tasks reuse the result
 4. Key-auth targets get their private key uploaded to the source
    over SFTP (0600, random name under /tmp); password-auth targets
    get an sshpass wrapper instead
 5. The copy command runs on the source; stdout is scraped for
    progress; stderr is kept (bounded) for failure messages
 6. The ephemeral key is removed, the sub-task settles, the task
    re-aggregates, and an event publishes

Sub-task lifecycle:

	queued -> connecting -> transferring -> completed | failed | cancelled

# Method Resolution

Per sub-task, after probing:

  - rsync requested: source and target must both have rsync; a
    missing side fails the sub-task naming the host without it
  - scp requested: source must have scp
  - auto: rsync when both sides have it, else scp on the source
  - password-auth targets additionally need sshpass on the source

Resolution failures are per-sub-task, so one target without rsync
fails its own copies while the rest of the task proceeds.

# Command Shapes

rsync (key auth, directory item):

	rsync -avz --progress -e 'ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -p 22 -i /tmp/nexus_target_key_ab12cd34ef567890' /data/app/ deploy@10.0.4.17:/srv/app

scp (password auth, file item):

	sshpass -p <secret> scp -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -P 22 /etc/motd deploy@10.0.4.17:/srv/files

Directory items get a trailing slash under rsync (copy contents, not
the directory) and -r under scp. Host key checking is disabled on the
carrier: targets are user-registered machines the source has no
known_hosts entry for.

# Ephemeral Keys

Keys are uploaded to the source as

	/tmp/nexus_target_key_<16 hex chars>

with mode 0600 set before content is written, and are always removed
before the sub-task's terminal state is written, including on failure
and cancellation. A key never outlives the sub-task that uploaded it.

# Progress Reporting

  - rsync: stdout is scanned for the last NNN% token per chunk and
    published as sub-task progress
  - scp: no parseable progress; the sub-task sits at 50 while
    transferring and jumps to 100 on completion
  - Task progress is the integer mean of sub-task progress

# Cancellation

Cancel sets the task to cancelling and fires an abort signal shared by
every suspension point (SFTP open, probes, mkdir, the copy itself).
Queued sub-tasks settle cancelled without running. Once the pool
drains, cancelling resolves to cancelled even when some sub-tasks had
already completed. Cancelling a finished task is rejected.

Transfer state lives only in memory; a restart forgets unfinished
transfers entirely.

# Usage

Constructing the Engine:

	import "github.com/nexushq/nexus/pkg/transfer"

	engine := transfer.NewEngine(transfer.Config{
		Store:       storage.NewTransferStore(),
		Connections: store,
		Credentials: loader,
		Dialer:      dialer,
		Events:      broker,
	})

Submitting a Transfer:

	task, err := engine.Submit(ctx, userID, transfer.SubmitRequest{
		SourceConnectionID: "build-box",
		ConnectionIDs:      []string{"web-1", "web-2"},
		SourceItems: []types.SourceItem{
			{Name: "app.tar.gz", Path: "/srv/release/app.tar.gz", Type: types.SourceItemFile},
		},
		RemoteTargetPath: "/opt/app/releases",
		Method:           types.TransferMethodAuto,
	})
	if err != nil {
		return err
	}

Polling State:

	snapshot, err := engine.Get(ctx, userID, task.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d%%\n", snapshot.Status, snapshot.Progress)

Complete Example:

	package main

	import (
		"context"
		"fmt"

		"github.com/nexushq/nexus/pkg/transfer"
		"github.com/nexushq/nexus/pkg/types"
	)

	func pushRelease(ctx context.Context, engine *transfer.Engine, userID string) error {
		task, err := engine.Submit(ctx, userID, transfer.SubmitRequest{
			SourceConnectionID: "build-box",
			ConnectionIDs:      []string{"web-1", "web-2", "web-3"},
			SourceItems: []types.SourceItem{
				{Name: "current", Path: "/srv/release/current", Type: types.SourceItemDirectory},
			},
			RemoteTargetPath: "/opt/app/current",
		})
		if err != nil {
			return err
		}

		engine.Wait(task.ID)

		final, err := engine.Get(ctx, userID, task.ID)
		if err != nil {
			return err
		}
		for _, sub := range final.SubTasks {
			fmt.Printf("%s <- %s: %s\n", sub.TargetName, sub.ItemName, sub.Status)
		}
		return nil
	}

# Integration Points

This package integrates with:

  - pkg/sshutils: source/target dials, SFTP key staging, exec
  - pkg/vault: credential loading for source and every target
  - pkg/storage: the in-memory TransferStore and connection reads
  - pkg/events: transfer.started/subtask.update/completed/cancelled
  - pkg/types: TransferTask, TransferSubTask, methods, items
  - pkg/api: handlers call Submit/Get/List/Cancel/Delete
  - go-shellquote: every rendered command line

# Design Patterns

Source-Driven Copying:
  - The control plane never relays file bytes
  - Bandwidth flows source-to-target directly; the control channel
    carries only commands and progress text

Per-Target Once:
  - Target prep (dial, probe, mkdir) runs under a sync.Once per
    target and its result is shared by all that target's sub-tasks
  - A failed prep fails those sub-tasks with the same cause

Persist Then Publish:
  - The index is updated before the broker hears about a change

Shared Abort Signal:
  - One cancellation channel threads through every blocking step
  - No step can outlive a cancelled task by more than its own exec

# Security Considerations

  - Target private keys exist on the source only as 0600 ephemeral
    files with random names, for the duration of one sub-task
  - Passwords ride argv through sshpass and are visible in the
    source's process table while the copy runs; prefer key auth for
    targets when this matters
  - Command lines are fully shell-quoted; hostile path names travel
    as data, not syntax
  - Progress text and stderr are captured bounded and never include
    credentials

# Performance Characteristics

  - Concurrency: 5 copies in flight per task
  - Per-target overhead: one dial + probe + mkdir, amortized over
    that target's items
  - Copy throughput: whatever the source-target link and tool
    deliver; the engine adds only command startup
  - Progress updates: per output chunk, throttled by rsync itself

# Troubleshooting

Sub-Tasks Fail With "rsync not found":
  - Symptom: Failures naming a missing tool and host
  - Cause: Method resolution required a tool that host lacks
  - Solution: Install the tool, or submit with Method scp

Password Targets Fail Immediately:
  - Symptom: Failures mention sshpass
  - Cause: sshpass missing on the source host
  - Solution: Install sshpass on the source, or switch target auth
    to a key

Copies Hang Then Time Out:
  - Symptom: Sub-tasks fail near the 5m exec timeout
  - Cause: Link too slow for the item size, or the tool prompting
  - Check: Manual rsync between the hosts
  - Solution: Raise ExecTimeout in config; pre-seed host trust

Transfers Gone After Restart:
  - Symptom: List shows nothing after a redeploy
  - Cause: Transfer state is memory-only
  - Solution: Expected; resubmit

# Limitations

Current Limitations:
  - Push only (source to targets; no pulls into the source)
  - No bandwidth limiting or scheduling
  - No resume; a failed copy reruns from the start (rsync's delta
    helps on retry)
  - History does not survive restart

Workarounds:
  - Large trees: prefer rsync so retries copy only the delta
  - Persistence: the audit event stream records outcomes

# Best Practices

Do:
  - Prefer key auth on targets; sshpass is the fallback, not the norm
  - Use directory items with rsync for tree synchronization
  - Cancel stuck tasks instead of letting them ride the timeout

Don't:
  - Point transfers at hosts the source cannot reach directly
  - Embed shell syntax in paths; items and destinations are data
  - Treat completed as verified; rsync/scp exit codes are the proof

# See Also

  - pkg/batch for the command-execution counterpart
  - pkg/sshutils for transport and exec semantics
  - rsync: https://rsync.samba.org/
  - sshpass: https://sourceforge.net/projects/sshpass/
*/
package transfer
