package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"kvdash/internal/apperr"
	"kvdash/internal/connection"
)

// classify maps a failed connect attempt onto the connection error kinds
// and attaches a remediation hint.
func classify(d connection.Descriptor, err error) error {
	msg := strings.ToLower(err.Error())
	addr := d.Addr()

	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		hint := fmt.Sprintf("No answer from %s in time. Check the host and port, firewall rules and that the server accepts remote clients.", addr)
		if d.Provider != "" {
			hint += " Managed instances usually require rediss:// (TLS)."
		}
		return apperr.Wrap(apperr.KindConnectionTimeout, "connect", err).WithHint(hint)

	case containsAny(msg, "noauth", "wrongpass", "invalid password", "invalid username-password", "auth failed", "authentication required"):
		return apperr.Wrap(apperr.KindAuthenticationFailed, "connect", err).
			WithHint("The server rejected the credentials. Verify the username and password, or the ACL user permissions.")

	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "connection refused"):
		return apperr.Wrap(apperr.KindConnectionRefused, "connect", err).
			WithHint(fmt.Sprintf("Nothing is listening on %s. Make sure the server is running and bound to a reachable interface.", addr))

	case strings.Contains(msg, "tls:"), strings.Contains(msg, "first record does not look like a tls handshake"):
		hint := "TLS negotiation failed. Use redis:// for servers without TLS and rediss:// for servers that require it."
		return apperr.Wrap(apperr.KindConnectionRefused, "connect", err).WithHint(hint)

	case errors.As(err, &dnsErr), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		containsAny(msg, "no such host", "network is unreachable", "no route to host"):
		return apperr.Wrap(apperr.KindHostUnreachable, "connect", err).
			WithHint(fmt.Sprintf("Host %q could not be reached. Check the hostname resolves and the network path is open.", d.Host))
	}
	return apperr.Wrap(apperr.KindHostUnreachable, "connect", err).
		WithHint(fmt.Sprintf("Connecting to %s failed. Check the connection settings and server logs.", addr))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
