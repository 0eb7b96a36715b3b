package sshutils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/metrics"
)

// ExecOptions controls how a remote command is executed.
type ExecOptions struct {
	// PTY allocates a pseudo-terminal for the command. Some interactive
	// tools (sudo with password prompts, sshpass) require one.
	PTY bool
}

// Process is a running remote command. Stdout and Stderr must be drained
// by the caller; Wait blocks until the command finishes and returns its
// exit code. Close terminates the command early.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Close() error
}

// SFTP is the subset of file operations the control plane needs on a
// remote host.
type SFTP interface {
	WriteFile(path string, data []byte, perm os.FileMode) error
	Remove(path string) error
	Close() error
}

// Client is an established SSH connection. Each Exec call opens a fresh
// session channel, so multiple commands can run concurrently over one
// connection. The caller owns the client and must Close it.
type Client interface {
	Exec(ctx context.Context, command string, opts ExecOptions) (Process, error)
	SFTP() (SFTP, error)
	Close() error
}

type sshClient struct {
	client *ssh.Client
	addr   string
	// parent is the jump host connection this client is tunnelled
	// through, nil for direct connections.
	parent *sshClient

	mu        sync.Mutex
	closed    bool
	stopAlive chan struct{}
}

func (c *sshClient) Exec(ctx context.Context, command string, opts ExecOptions) (Process, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindProtocol, err, "failed to open session on %s", c.addr)
	}

	if opts.PTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 40, 120, modes); err != nil {
			sess.Close()
			return nil, errdefs.Wrap(errdefs.KindProtocol, err, "failed to allocate pty on %s", c.addr)
		}
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errdefs.Wrap(errdefs.KindProtocol, err, "failed to attach stdout on %s", c.addr)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, errdefs.Wrap(errdefs.KindProtocol, err, "failed to attach stderr on %s", c.addr)
	}

	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, errdefs.Wrap(errdefs.KindProtocol, err, "failed to start command on %s", c.addr)
	}

	proc := &sshProcess{
		sess:   sess,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	// Tear the session down if the caller's context expires before the
	// command finishes. Wait observes the context error afterwards.
	go func() {
		select {
		case <-ctx.Done():
			proc.abort(ctx.Err())
		case <-proc.done:
		}
	}()

	return proc, nil
}

func (c *sshClient) SFTP() (SFTP, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindProtocol, err, "failed to open sftp channel on %s", c.addr)
	}
	return &sftpHandle{client: client}, nil
}

func (c *sshClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopAlive)
	c.mu.Unlock()
	metrics.SSHConnectionsActive.Dec()
	err := c.client.Close()
	if c.parent != nil {
		c.parent.Close()
	}
	return err
}

// keepalive pings the server on a fixed interval so half-open connections
// are detected instead of hanging until kernel timeouts fire.
func (c *sshClient) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopAlive:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

type sshProcess struct {
	sess   *ssh.Session
	stdout io.Reader
	stderr io.Reader

	mu       sync.Mutex
	abortErr error
	done     chan struct{}
	doneOnce sync.Once
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

// Wait blocks until the remote command exits and returns its exit code.
// A non-zero exit is not an error; transport failures and context
// expiry are.
func (p *sshProcess) Wait() (int, error) {
	err := p.sess.Wait()
	p.doneOnce.Do(func() { close(p.done) })
	p.sess.Close()

	p.mu.Lock()
	abortErr := p.abortErr
	p.mu.Unlock()
	if abortErr != nil {
		if errors.Is(abortErr, context.DeadlineExceeded) {
			return -1, errdefs.Wrap(errdefs.KindTimeout, abortErr, "command timed out")
		}
		return -1, abortErr
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, errdefs.Wrap(errdefs.KindProtocol, err, "command did not report an exit status")
}

func (p *sshProcess) Close() error {
	p.abort(nil)
	return nil
}

func (p *sshProcess) abort(cause error) {
	p.mu.Lock()
	if p.abortErr == nil && cause != nil {
		p.abortErr = cause
	}
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
	p.sess.Close()
}

type sftpHandle struct {
	client *sftp.Client
}

// WriteFile creates path with the requested mode before any content is
// written, so key material is never world-readable even briefly.
func (h *sftpHandle) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := h.client.Create(path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProtocol, err, "failed to create %s", path)
	}
	if err := h.client.Chmod(path, perm); err != nil {
		f.Close()
		h.client.Remove(path)
		return errdefs.Wrap(errdefs.KindProtocol, err, "failed to set mode on %s", path)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		h.client.Remove(path)
		return errdefs.Wrap(errdefs.KindProtocol, err, "failed to write %s", path)
	}
	if err := f.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindProtocol, err, "failed to close %s", path)
	}
	return nil
}

func (h *sftpHandle) Remove(path string) error {
	if err := h.client.Remove(path); err != nil {
		return errdefs.Wrap(errdefs.KindProtocol, err, "failed to remove %s", path)
	}
	return nil
}

func (h *sftpHandle) Close() error {
	return h.client.Close()
}
