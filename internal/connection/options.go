package connection

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keepAlivePeriod = 30 * time.Second

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// TLSConfig returns the client TLS settings, or nil for plain connections.
func (d Descriptor) TLSConfig() *tls.Config {
	if !d.TLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         d.Host,
		InsecureSkipVerify: d.InsecureSkipVerify, //nolint:gosec // rediss:// accepts self-signed certificates
	}
}

// Network is the dial network, "tcp4" when IPv4 is forced.
func (d Descriptor) Network() string {
	if d.ForceIPv4 {
		return "tcp4"
	}
	return "tcp"
}

// Options translates the descriptor into go-redis client options. The
// dialer is supplied here because a custom network and keep-alive period
// are not expressible through the plain option fields; TLS is therefore
// negotiated by the dialer as well.
func (d Descriptor) Options() *redis.Options {
	opts := &redis.Options{
		Addr:        d.Addr(),
		Username:    d.Username,
		Password:    d.Password,
		DB:          d.DB,
		DialTimeout: d.ConnectTimeout,
		TLSConfig:   d.TLSConfig(),
	}
	if !d.LazyConnect {
		opts.MinIdleConns = 1
	}

	dialer := &net.Dialer{Timeout: d.ConnectTimeout}
	if d.KeepAlive {
		dialer.KeepAlive = keepAlivePeriod
	}
	network := d.Network()
	tlsCfg := opts.TLSConfig
	opts.Dialer = func(ctx context.Context, _, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil || tlsCfg == nil {
			return conn, err
		}
		tc := tls.Client(conn, tlsCfg.Clone())
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return tc, nil
	}
	return opts
}
