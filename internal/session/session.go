// Package session owns the single live store connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kvdash/internal/apperr"
	"kvdash/internal/connection"
	"kvdash/internal/store"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	NamespaceCount        = connection.MaxDB + 1
)

// Dialer creates an unconnected handle for a descriptor.
type Dialer func(ctx context.Context, d connection.Descriptor) (store.Client, error)

// RedisDialer builds a go-redis backed handle.
func RedisDialer(_ context.Context, d connection.Descriptor) (store.Client, error) {
	return store.NewRedisClient(d.Options()), nil
}

// Monitor is a background loop bound to the lifetime of a session.
// Stop must not return before the loop has exited.
type Monitor interface {
	Start(c store.Client)
	Stop()
}

type session struct {
	desc      connection.Descriptor
	client    store.Client
	namespace int
	openedAt  time.Time
	live      bool
}

// Status is a read-only view of the active session.
type Status struct {
	Connected bool
	Addr      string
	Namespace int
	Provider  string
	TLS       bool
	OpenedAt  time.Time
}

// NamespaceInfo is the key count of one logical database.
type NamespaceInfo struct {
	Index int
	Keys  int64
}

// Manager holds at most one live session. opMu serializes lifecycle and
// namespace changes; mu guards the session pointer for readers.
type Manager struct {
	opMu sync.Mutex
	mu   sync.RWMutex

	dial    Dialer
	timeout time.Duration
	log     *slog.Logger
	monitor Monitor
	now     func() time.Time

	active *session
}

func NewManager(dial Dialer, connectTimeout time.Duration, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = RedisDialer
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Manager{dial: dial, timeout: connectTimeout, log: logger, now: time.Now}
}

// SetMonitor attaches the loop started on every successful Open.
func (m *Manager) SetMonitor(mon Monitor) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.monitor = mon
}

// Open replaces the active session with a new one for d. On failure no
// session is left active.
func (m *Manager) Open(ctx context.Context, d connection.Descriptor) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if prev := m.detach(); prev != nil {
		if err := m.teardown(prev); err != nil {
			m.log.Warn("close previous session failed", "addr", prev.desc.Redacted(), "err", err)
		}
	}

	start := m.now()
	c, err := m.connect(ctx, d)
	if err != nil {
		m.log.Warn("connect failed", "addr", d.Redacted(), "kind", apperr.KindOf(err).String(), "err", err)
		return err
	}

	s := &session{desc: d, client: c, namespace: d.DB, openedAt: m.now(), live: true}
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
	if m.monitor != nil {
		m.monitor.Start(c)
	}
	m.log.Info("session opened",
		"addr", d.Redacted(),
		"db", d.DB,
		"provider", d.Provider,
		"duration_ms", m.now().Sub(start).Milliseconds(),
	)
	return nil
}

// connect dials, pings and selects the namespace, racing all of it
// against the connect timeout. A handle that settles after the timeout
// is closed in the background.
func (m *Manager) connect(ctx context.Context, d connection.Descriptor) (store.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		c   store.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := m.dial(ctx, d)
		if err != nil {
			done <- result{err: err}
			return
		}
		if err = c.Ping(ctx); err == nil && d.DB != 0 {
			err = c.Select(ctx, d.DB)
		}
		if err != nil {
			_ = c.Close()
			done <- result{err: err}
			return
		}
		done <- result{c: c}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(d, r.err)
		}
		return r.c, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.c != nil {
				_ = r.c.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("connect %s: %w", d.Addr(), ctx.Err())
		}
		return nil, classify(d, fmt.Errorf("no response within %s: %w", m.timeout, context.DeadlineExceeded))
	}
}

// Close tears down the active session. It is a no-op without one.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.detach()
	if s == nil {
		return nil
	}
	err := m.teardown(s)
	m.log.Info("session closed", "addr", s.desc.Redacted(), "err", err)
	return err
}

func (m *Manager) detach() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	m.active = nil
	if s != nil {
		s.live = false
	}
	return s
}

// teardown stops the monitor before the handle is released so no sample
// is taken against a closing connection.
func (m *Manager) teardown(s *session) error {
	if m.monitor != nil {
		m.monitor.Stop()
	}
	return s.client.Close()
}

// RequireActive returns the live handle or NotConnected.
func (m *Manager) RequireActive() (store.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || !m.active.live {
		return nil, apperr.New(apperr.KindNotConnected, "session", "no active connection")
	}
	return m.active.client, nil
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.active
	if s == nil || !s.live {
		return Status{}
	}
	return Status{
		Connected: true,
		Addr:      s.desc.Redacted(),
		Namespace: s.namespace,
		Provider:  s.desc.Provider,
		TLS:       s.desc.TLS,
		OpenedAt:  s.openedAt,
	}
}

func validNamespace(index int) error {
	if index < 0 || index > connection.MaxDB {
		return apperr.New(apperr.KindOutOfRange, "select", fmt.Sprintf("database index %d not in [0,%d]", index, connection.MaxDB))
	}
	return nil
}

// SelectNamespace switches the database every later operation targets.
func (m *Manager) SelectNamespace(ctx context.Context, index int) error {
	if err := validNamespace(index); err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	c, err := m.RequireActive()
	if err != nil {
		return err
	}
	if err := c.Select(ctx, index); err != nil {
		return fmt.Errorf("select %d: %w", index, err)
	}
	m.setNamespace(index)
	return nil
}

func (m *Manager) setNamespace(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.namespace = index
	}
}

func (m *Manager) namespace() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return 0
	}
	return m.active.namespace
}

// Probe measures one ping round trip.
func (m *Manager) Probe(ctx context.Context) (time.Duration, error) {
	c, err := m.RequireActive()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	return time.Since(start), nil
}

// NamespaceSummary counts keys in all namespaces and switches back to the
// original one afterwards, also when a count fails.
func (m *Manager) NamespaceSummary(ctx context.Context) (out []NamespaceInfo, err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	c, err := m.RequireActive()
	if err != nil {
		return nil, err
	}
	orig := m.namespace()
	defer func() {
		if rerr := c.Select(ctx, orig); rerr != nil && err == nil {
			err = fmt.Errorf("restore namespace %d: %w", orig, rerr)
		}
	}()

	out = make([]NamespaceInfo, 0, NamespaceCount)
	for i := 0; i < NamespaceCount; i++ {
		if err := c.Select(ctx, i); err != nil {
			return nil, fmt.Errorf("select %d: %w", i, err)
		}
		n, err := c.DBSize(ctx)
		if err != nil {
			return nil, fmt.Errorf("dbsize %d: %w", i, err)
		}
		out = append(out, NamespaceInfo{Index: i, Keys: n})
	}
	return out, nil
}

// FlushNamespace empties one namespace (the current one when index is
// nil) and reports how many keys it held.
func (m *Manager) FlushNamespace(ctx context.Context, index *int) (removed int64, err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	c, err := m.RequireActive()
	if err != nil {
		return 0, err
	}
	orig := m.namespace()
	target := orig
	if index != nil {
		target = *index
	}
	if err := validNamespace(target); err != nil {
		return 0, err
	}
	if target != orig {
		if err := c.Select(ctx, target); err != nil {
			return 0, fmt.Errorf("select %d: %w", target, err)
		}
		defer func() {
			if rerr := c.Select(ctx, orig); rerr != nil && err == nil {
				err = fmt.Errorf("restore namespace %d: %w", orig, rerr)
			}
		}()
	}

	n, err := c.DBSize(ctx)
	if err != nil {
		return 0, fmt.Errorf("dbsize: %w", err)
	}
	if err := c.FlushDB(ctx); err != nil {
		return 0, fmt.Errorf("flushdb: %w", err)
	}
	m.log.Info("namespace flushed", "db", target, "keys", n)
	return n, nil
}

func (m *Manager) FlushAll(ctx context.Context) error {
	c, err := m.RequireActive()
	if err != nil {
		return err
	}
	if err := c.FlushAll(ctx); err != nil {
		return fmt.Errorf("flushall: %w", err)
	}
	m.log.Info("all namespaces flushed")
	return nil
}

// Upsert writes key. A ttl of zero keeps the key without expiry.
func (m *Manager) Upsert(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return errors.New("upsert: key must not be empty")
	}
	if ttl < 0 {
		return fmt.Errorf("upsert: negative ttl %s", ttl)
	}
	c, err := m.RequireActive()
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key and reports whether it existed.
func (m *Manager) Remove(ctx context.Context, key string) (bool, error) {
	c, err := m.RequireActive()
	if err != nil {
		return false, err
	}
	n, err := c.Del(ctx, key)
	if err != nil {
		return false, fmt.Errorf("del %q: %w", key, err)
	}
	return n > 0, nil
}
