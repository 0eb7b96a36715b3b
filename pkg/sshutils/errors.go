package sshutils

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/nexushq/nexus/pkg/errdefs"
)

// classifyDialError maps transport and handshake failures onto the dialer's
// typed error kinds. Order matters: authentication failures arrive wrapped
// in handshake errors, so they are checked before the generic cases.
func classifyDialError(err error, addr string) error {
	switch {
	case err == nil:
		return nil

	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		return errdefs.Wrap(errdefs.KindAuthFailed, err, "authentication rejected by %s", addr)

	case errors.Is(err, context.DeadlineExceeded), isNetTimeout(err):
		return errdefs.Wrap(errdefs.KindTimeout, err, "timed out dialing %s", addr)

	case errors.Is(err, context.Canceled):
		return err

	case isConnectFailure(err):
		return errdefs.Wrap(errdefs.KindUnreachable, err, "host %s unreachable", addr)

	default:
		return errdefs.Wrap(errdefs.KindProtocol, err, "ssh handshake with %s failed", addr)
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable")
}
