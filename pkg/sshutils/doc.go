/*
Package sshutils provides the SSH transport layer for remote operations:
dialing hosts from stored connection records, running commands with streamed
output, and transferring files over SFTP.

Every remote action in Nexus ultimately flows through this package. The batch
engine execs commands through it, the transfer engine stages keys and drives
rsync through it, and the dialer is the only code that ever touches decrypted
credentials together with the network.

# Architecture

	┌─────────────────────────────────────────────────────────┐
	│                        SSHDialer                        │
	│                                                         │
	│  Connection + Credentials ──► TCP connect ──► handshake │
	│        │                                        │       │
	│        │ ProxyID set?                           ▼       │
	│        └──► jump host chain ──► tunnel      keepalive   │
	└───────────────────────────┬─────────────────────────────┘
	                            │
	                            ▼
	┌─────────────────────────────────────────────────────────┐
	│                         Client                          │
	│                                                         │
	│   Exec(cmd) ──► Process{Stdout, Stderr, Wait}           │
	│   SFTP()    ──► WriteFile / Remove                      │
	└─────────────────────────────────────────────────────────┘

# Core Components

SSHDialer:
  - Dials directly or through up to four chained jump hosts
  - One ready timeout bounds TCP connect plus SSH handshake
  - Loads jump-host credentials through a CredentialSource
  - Records dial outcomes in the connection metrics

Client:
  - Interface over an established connection
  - Exec opens a fresh session channel per command
  - SFTP returns a file-transfer handle on the same transport
  - Caller owns the Client and must Close it

Process:
  - One running remote command
  - Stdout/Stderr readers stream while the command runs
  - Wait returns the remote exit code
  - Close tears down the session channel

CommandSpec / BuildCommand:
  - Declarative command description (env, workdir, sudo, login shell)
  - Assembly quotes every user-supplied component

BoundedBuffer:
  - io.Writer that keeps at most limit bytes (1 MiB default)
  - Appends a truncation marker once the cap is hit
  - Used to capture command output without unbounded growth

# Connection Lifecycle

 1. Dial resolves host:port (port 0 means 22) and connects, directly
    or through the proxy chain
 2. The SSH handshake runs under the same ready timeout as the TCP
    connect, so a host that accepts TCP but stalls during key exchange
    still fails promptly
 3. Established connections answer a keepalive ping every 10s; a
    failed ping closes the connection rather than leaving commands
    hung on a dead transport
 4. Close shuts the transport, any jump-host parents, and decrements
    the active-connection gauge

Each Exec opens its own session channel, so one Client can run several
commands concurrently. Cancelling the Exec context aborts the remote
command and surfaces the cause through Wait.

# PTY Support

ExecOptions.PTY requests a pseudo-terminal ("xterm", 40x120, echo off)
before the command starts, for tools that refuse to run without a
terminal or only emit progress on one. Plain commands should leave it
off: a PTY merges stderr into the stdout stream and translates line
endings, which spoils exit-code-plus-stderr error reporting. Neither
task engine requests one today.

# SFTP Semantics

SFTP() opens a file-transfer subsystem on the existing connection.
WriteFile creates the file, applies the permission bits before any
content is written, then streams the payload; a failure mid-write
removes the partial file. This ordering exists for credential staging:
an ephemeral key file is never observable with loose permissions, and
never left behind half-written.

# Jump Host Chains

A connection whose ProxyID is set is dialed through that connection,
which may itself have a proxy, up to four hops deep. Credentials for
each hop are loaded lazily through the configured CredentialSource.
Exceeding the depth limit fails the dial rather than looping.

Host keys are currently accepted without verification. Deployments
that need strict host-key checking should front hosts with a bastion
they control.

# Error Classification

All dial and exec failures surface as typed errors from pkg/errdefs:

  - KindTimeout: context deadline or network timeout expired
  - KindUnreachable: refused, unroutable, or unresolvable host
  - KindAuthFailed: server rejected the offered credentials, or the
    stored private key failed to parse
  - KindProtocol: everything else in the SSH layer

Caller cancellation (context.Canceled) passes through unwrapped so
task engines can tell "operator cancelled" from "host misbehaved".
Callers branch on the kind, never on error strings.

# Command Assembly

BuildCommand turns a CommandSpec into the final shell line. Layers are
applied inside-out:

 1. cd <workdir> &&           (if WorkDir set)
 2. bash -lc '<command>'      (if LoginShell)
 3. env KEY=VALUE ...         (if Env entries)
 4. sudo ...                  (if Sudo; covers the whole invocation)

Every user-supplied value passes through shell quoting, so hostile
file names or environment values cannot inject shell syntax. Env keys
must match ^[A-Za-z_][A-Za-z0-9_]*$; anything else is a validation
error rather than a quoting problem.

# Usage

Dialing a Host:

	import "github.com/nexushq/nexus/pkg/sshutils"

	dialer := sshutils.NewDialer(sshutils.Config{Credentials: loader})
	client, err := dialer.Dial(ctx, conn, creds)
	if err != nil {
		return err
	}
	defer client.Close()

Running a Command:

	cmd, err := sshutils.BuildCommand(sshutils.CommandSpec{
		Command: "systemctl restart nginx",
		Sudo:    true,
	})
	if err != nil {
		return err
	}
	exitCode, output, err := sshutils.Run(ctx, client, cmd, sshutils.DefaultOutputLimit)

Streaming Output Yourself:

	proc, err := client.Exec(ctx, cmd, sshutils.ExecOptions{})
	if err != nil {
		return err
	}
	defer proc.Close()
	go stream("stdout", proc.Stdout())
	go stream("stderr", proc.Stderr())
	code, err := proc.Wait()

Writing a File over SFTP:

	sftp, err := client.SFTP()
	if err != nil {
		return err
	}
	defer sftp.Close()
	if err := sftp.WriteFile("/tmp/nexus_target_key_ab12", keyPEM, 0600); err != nil {
		return err
	}

Complete Example:

	package main

	import (
		"context"
		"fmt"

		"github.com/nexushq/nexus/pkg/sshutils"
	)

	func run(ctx context.Context, dialer sshutils.Dialer, loader sshutils.CredentialSource, id string) error {
		conn, creds, err := loader.Load(ctx, id)
		if err != nil {
			return err
		}

		client, err := dialer.Dial(ctx, conn, creds)
		if err != nil {
			return err
		}
		defer client.Close()

		code, out, err := sshutils.Run(ctx, client, "uptime", sshutils.DefaultOutputLimit)
		if err != nil {
			return err
		}
		fmt.Printf("exit=%d output=%s\n", code, out)
		return nil
	}

# Integration Points

This package integrates with:

  - pkg/batch: dials targets and execs batch commands
  - pkg/transfer: dials targets, stages keys over SFTP, drives rsync
  - pkg/vault: consumes decrypted Credentials, loads jump-host creds
  - pkg/types: reads Connection records (host, port, auth method)
  - pkg/errdefs: classified dial and exec errors
  - pkg/metrics: SSH dial and connection counters

# Design Patterns

Interface Seams for Tests:
  - Dialer, Client, Process, and SFTP are interfaces
  - Task engine tests substitute in-memory fakes and never open sockets
  - Production wiring uses SSHDialer and its concrete types

Context as the Abort Channel:
  - Exec watches ctx.Done and kills the session on cancellation
  - Wait translates the abort cause (timeout vs cancel) precisely

Bounded Capture:
  - Output buffers stop growing at the limit and mark truncation
  - A chatty command cannot exhaust server memory

# Performance Characteristics

  - Dial: network RTT dominated; handshake typically 50-500ms on a LAN
  - Exec: one session-channel round trip (~RTT) plus command runtime
  - Keepalive: one small request per connection per 10s
  - BoundedBuffer: append-only writes, no per-write allocation after
    the first growth

# Troubleshooting

Dial Fails With Unreachable:
  - Symptom: "host unreachable" errors for a connection
  - Check: Host/port on the record; DNS from the Nexus host
  - Check: Firewalls between Nexus and the target
  - Solution: Fix the record or the route; retry is safe

Dial Fails With AuthFailed:
  - Symptom: "authentication failed" or "private key is not usable"
  - Cause: Wrong stored credentials, or key needs a passphrase
  - Solution: Update the connection's credentials

Commands Hang Then Fail With Timeout:
  - Symptom: Execs run until the task timeout, then KindTimeout
  - Cause: Remote command waits on input or never exits
  - Solution: Make commands non-interactive; add explicit timeouts

Proxy Chain Fails:
  - Symptom: Dial error mentions the jump host, not the target
  - Check: The proxy connection dials successfully on its own
  - Check: Chain depth does not exceed four hops

# Monitoring

Metrics recorded by this package:

  - nexus_ssh_connections_active: open connections gauge
  - nexus_ssh_dials_total{result}: dial outcomes
    (success/unreachable/auth-failed/timeout/protocol/error)

Established connections also log at debug under component=sshutils
with the connection id and address.

# Limitations

Current Limitations:
  - Host keys are not verified (InsecureIgnoreHostKey)
  - No connection pooling; every task dials fresh
  - Proxy chains cap at four hops
  - No agent forwarding or hardware-token auth

Workarounds:
  - Host trust: terminate on a controlled bastion as the jump host
  - Pooling: per-task target caching in the engines covers the
    common N-commands-one-host case

# Best Practices

Do:
  - Always defer client.Close() and proc.Close()
  - Build command lines with BuildCommand, never fmt.Sprintf
  - Pass a context with a deadline for every Exec

Don't:
  - Cache Clients across tasks; dial per task and close
  - Parse error strings; branch on errdefs kinds
  - Write user input into command lines unquoted

# See Also

  - pkg/batch and pkg/transfer for the engines built on this layer
  - pkg/vault for credential loading
  - golang.org/x/crypto/ssh: https://pkg.go.dev/golang.org/x/crypto/ssh
  - github.com/pkg/sftp: https://pkg.go.dev/github.com/pkg/sftp
*/
package sshutils
