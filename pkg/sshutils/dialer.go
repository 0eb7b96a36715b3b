package sshutils

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/log"
	"github.com/nexushq/nexus/pkg/metrics"
	"github.com/nexushq/nexus/pkg/types"
	"github.com/nexushq/nexus/pkg/vault"
)

const (
	// DefaultReadyTimeout bounds TCP connect plus SSH handshake.
	DefaultReadyTimeout = 20 * time.Second
	// DefaultKeepaliveInterval is how often established connections
	// are pinged.
	DefaultKeepaliveInterval = 10 * time.Second

	defaultPort   = 22
	maxProxyDepth = 4
)

// Dialer establishes SSH connections from connection records and their
// decrypted credentials.
type Dialer interface {
	Dial(ctx context.Context, conn *types.Connection, creds *vault.Credentials) (Client, error)
}

// CredentialSource resolves a connection id to its record and decrypted
// credentials. Satisfied by vault.Loader; only needed for jump hosts.
type CredentialSource interface {
	Load(ctx context.Context, connectionID string) (*types.Connection, *vault.Credentials, error)
}

// Config holds the settings for SSHDialer.
type Config struct {
	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	// Credentials is consulted when a connection names a jump host.
	Credentials CredentialSource
}

// SSHDialer dials hosts directly or through a chain of jump hosts.
type SSHDialer struct {
	readyTimeout      time.Duration
	keepaliveInterval time.Duration
	creds             CredentialSource
	logger            zerolog.Logger
}

// NewDialer creates a dialer with the given configuration.
func NewDialer(cfg Config) *SSHDialer {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return &SSHDialer{
		readyTimeout:      cfg.ReadyTimeout,
		keepaliveInterval: cfg.KeepaliveInterval,
		creds:             cfg.Credentials,
		logger:            log.WithComponent("sshutils"),
	}
}

// Dial connects to the host described by conn, authenticating with creds.
// The whole chain, including any jump hosts, must be ready within the
// configured ready timeout. The returned client belongs to the caller.
func (d *SSHDialer) Dial(ctx context.Context, conn *types.Connection, creds *vault.Credentials) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, d.readyTimeout)
	defer cancel()
	client, err := d.dial(ctx, conn, creds, 0)
	metrics.SSHDialsTotal.WithLabelValues(dialResult(err)).Inc()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// dialResult maps a dial outcome to its metric label.
func dialResult(err error) string {
	if err == nil {
		return "success"
	}
	switch errdefs.KindOf(err) {
	case errdefs.KindUnreachable:
		return "unreachable"
	case errdefs.KindAuthFailed:
		return "auth-failed"
	case errdefs.KindTimeout:
		return "timeout"
	case errdefs.KindProtocol:
		return "protocol"
	default:
		return "error"
	}
}

func (d *SSHDialer) dial(ctx context.Context, conn *types.Connection, creds *vault.Credentials, depth int) (*sshClient, error) {
	if depth > maxProxyDepth {
		return nil, errdefs.E(errdefs.KindValidationError, "jump host chain exceeds %d hops", maxProxyDepth)
	}

	addr := address(conn)
	config, err := clientConfig(conn, creds, d.readyTimeout)
	if err != nil {
		return nil, err
	}

	var parent *sshClient
	var netConn net.Conn
	if conn.ProxyID != "" {
		parent, netConn, err = d.dialViaProxy(ctx, conn, depth)
	} else {
		dialer := net.Dialer{}
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, classifyDialError(err, addr)
	}

	client, err := handshake(ctx, netConn, addr, config)
	if err != nil {
		if parent != nil {
			parent.Close()
		}
		return nil, classifyDialError(err, addr)
	}

	c := &sshClient{
		client:    client,
		addr:      addr,
		parent:    parent,
		stopAlive: make(chan struct{}),
	}
	metrics.SSHConnectionsActive.Inc()
	go c.keepalive(d.keepaliveInterval)

	d.logger.Debug().
		Str("connection_id", conn.ID).
		Str("addr", addr).
		Msg("SSH connection established")
	return c, nil
}

// dialViaProxy establishes the jump host connection and opens a TCP
// channel through it towards the target.
func (d *SSHDialer) dialViaProxy(ctx context.Context, conn *types.Connection, depth int) (*sshClient, net.Conn, error) {
	if d.creds == nil {
		return nil, nil, errdefs.E(errdefs.KindValidationError, "connection %s requires a jump host but no credential source is configured", conn.Name)
	}
	proxyConn, proxyCreds, err := d.creds.Load(ctx, conn.ProxyID)
	if err != nil {
		return nil, nil, err
	}
	proxy, err := d.dial(ctx, proxyConn, proxyCreds, depth+1)
	if err != nil {
		return nil, nil, err
	}
	netConn, err := proxy.client.DialContext(ctx, "tcp", address(conn))
	if err != nil {
		proxy.Close()
		return nil, nil, err
	}
	return proxy, netConn, nil
}

// handshake runs the SSH handshake under ctx. Channel connections from
// jump hosts do not support deadlines, so cancellation is enforced by
// closing the transport.
func handshake(ctx context.Context, netConn net.Conn, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case res := <-resCh:
		return res.client, res.err
	case <-ctx.Done():
		netConn.Close()
		<-resCh
		return nil, ctx.Err()
	}
}

func clientConfig(conn *types.Connection, creds *vault.Credentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	switch conn.AuthMethod {
	case types.AuthMethodPassword:
		methods = append(methods, ssh.Password(creds.Password))
	case types.AuthMethodKey:
		signer, err := parseSigner(creds)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case types.AuthMethodNone:
		// Empty auth list makes the client attempt the "none" method.
	default:
		return nil, errdefs.E(errdefs.KindValidationError, "connection %s has unknown auth method %q", conn.Name, conn.AuthMethod)
	}

	return &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

func parseSigner(creds *vault.Credentials) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error
	if creds.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
	}
	if err != nil {
		return nil, errdefs.E(errdefs.KindAuthFailed, "private key is not usable")
	}
	return signer, nil
}

func address(conn *types.Connection) string {
	port := conn.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(conn.Host, strconv.Itoa(port))
}

// Run executes a command, captures combined output up to limit bytes,
// and returns the exit code. It is a convenience for short commands
// such as tool probes and directory creation.
func Run(ctx context.Context, client Client, command string, limit int64) (int, string, error) {
	proc, err := client.Exec(ctx, command, ExecOptions{})
	if err != nil {
		return -1, "", err
	}
	defer proc.Close()

	output := NewBoundedBuffer(limit)
	var wg sync.WaitGroup
	for _, r := range []io.Reader{proc.Stdout(), proc.Stderr()} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			io.Copy(output, r)
		}(r)
	}
	code, err := proc.Wait()
	wg.Wait()
	return code, output.String(), err
}
