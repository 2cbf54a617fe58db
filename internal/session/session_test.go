package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kvdash/internal/apperr"
	"kvdash/internal/connection"
	"kvdash/internal/store"
	"kvdash/internal/store/storetest"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeDialer hands out the queued fakes in order.
type fakeDialer struct {
	mu    sync.Mutex
	fakes []*storetest.Fake
	err   error
	calls int
}

func (d *fakeDialer) dial(_ context.Context, _ connection.Descriptor) (store.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	f := d.fakes[0]
	d.fakes = d.fakes[1:]
	return f, nil
}

type recordingMonitor struct {
	mu     sync.Mutex
	events []string
	cur    *storetest.Fake
}

func (r *recordingMonitor) Start(c store.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = c.(*storetest.Fake)
	r.events = append(r.events, "start")
}

func (r *recordingMonitor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := r.cur != nil && r.cur.IsClosed()
	r.events = append(r.events, fmt.Sprintf("stop(closed=%v)", closed))
}

func newManager(t *testing.T, fakes ...*storetest.Fake) (*Manager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{fakes: fakes}
	return NewManager(d.dial, time.Second, discard()), d
}

func TestRequireActiveBeforeOpenAndAfterClose(t *testing.T) {
	f := storetest.New()
	m, _ := newManager(t, f)

	_, err := m.RequireActive()
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))

	require.NoError(t, m.Open(context.Background(), connection.Descriptor{Host: "h", Port: 6379}))
	c, err := m.RequireActive()
	require.NoError(t, err)
	assert.Same(t, f, c)
	assert.True(t, m.Status().Connected)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.RequireActive()
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))
	assert.True(t, f.IsClosed())
	assert.False(t, m.Status().Connected)

	ctx := context.Background()
	_, err = m.Probe(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))
	assert.True(t, errors.Is(m.Upsert(ctx, "k", "v", 0), apperr.ErrNotConnected))
	_, err = m.Remove(ctx, "k")
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))
	_, err = m.NamespaceSummary(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))
	assert.True(t, errors.Is(m.FlushAll(ctx), apperr.ErrNotConnected))
}

func TestOpenSelectsNonZeroNamespace(t *testing.T) {
	f := storetest.New()
	m, _ := newManager(t, f)
	require.NoError(t, m.Open(context.Background(), connection.Descriptor{Host: "h", Port: 6379, DB: 5}))
	assert.Equal(t, 5, f.CurrentDB())
	assert.Equal(t, 5, m.Status().Namespace)
	assert.Equal(t, 1, f.PingCalls)
}

func TestOpenReplacesPreviousSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	first, second := storetest.New(), storetest.New()
	m, _ := newManager(t, first, second)
	mon := &recordingMonitor{}
	m.SetMonitor(mon)

	ctx := context.Background()
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "a", Port: 1}))
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "b", Port: 2}))

	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())
	c, err := m.RequireActive()
	require.NoError(t, err)
	assert.Same(t, second, c)
	assert.Equal(t, []string{"start", "stop(closed=false)", "start"}, mon.events)

	require.NoError(t, m.Close())
	assert.Equal(t, "stop(closed=false)", mon.events[len(mon.events)-1])
	assert.True(t, second.IsClosed())
}

func TestOpenFailureLeavesNoSession(t *testing.T) {
	old, bad := storetest.New(), storetest.New()
	bad.PingErr = &netOpError{err: syscall.ECONNREFUSED}
	m, _ := newManager(t, old, bad)

	ctx := context.Background()
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "a", Port: 1}))
	err := m.Open(ctx, connection.Descriptor{Host: "b", Port: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConnectionRefused), "%v", err)
	assert.NotEmpty(t, apperr.HintOf(err))

	assert.True(t, old.IsClosed())
	assert.True(t, bad.IsClosed())
	_, err = m.RequireActive()
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))
}

func TestOpenSelectFailureClosesHandle(t *testing.T) {
	f := storetest.New()
	f.SelectErr = errors.New("NOAUTH Authentication required.")
	m, _ := newManager(t, f)
	err := m.Open(context.Background(), connection.Descriptor{Host: "a", Port: 1, DB: 3})
	assert.True(t, errors.Is(err, apperr.ErrAuthenticationFailed), "%v", err)
	assert.True(t, f.IsClosed())
}

func TestOpenTimeout(t *testing.T) {
	slow := storetest.New()
	slow.PingDelay = 500 * time.Millisecond
	d := &fakeDialer{fakes: []*storetest.Fake{slow}}
	m := NewManager(d.dial, 30*time.Millisecond, discard())

	start := time.Now()
	err := m.Open(context.Background(), connection.Descriptor{Host: "a", Port: 1})
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.True(t, errors.Is(err, apperr.ErrConnectionTimeout), "%v", err)
	assert.Eventually(t, slow.IsClosed, 2*time.Second, 10*time.Millisecond)
	_, err = m.RequireActive()
	assert.True(t, errors.Is(err, apperr.ErrNotConnected))
}

func TestSelectNamespaceRange(t *testing.T) {
	f := storetest.New()
	m, _ := newManager(t, f)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "a", Port: 1}))

	for _, idx := range []int{-1, 16} {
		err := m.SelectNamespace(ctx, idx)
		assert.True(t, errors.Is(err, apperr.ErrOutOfRange), "index %d: %v", idx, err)
	}
	for idx := 0; idx <= 15; idx++ {
		require.NoError(t, m.SelectNamespace(ctx, idx))
		assert.Equal(t, idx, f.CurrentDB())
		assert.Equal(t, idx, m.Status().Namespace)
	}
}

func TestNamespaceSummaryRestoresNamespace(t *testing.T) {
	f := storetest.New()
	f.Put(0, "a", "1")
	f.Put(3, "b", "2")
	f.Put(3, "c", "3")
	f.Put(15, "d", "4")
	m, _ := newManager(t, f)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "a", Port: 1, DB: 7}))

	summary, err := m.NamespaceSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 16)
	assert.Equal(t, NamespaceInfo{Index: 0, Keys: 1}, summary[0])
	assert.Equal(t, NamespaceInfo{Index: 3, Keys: 2}, summary[3])
	assert.Equal(t, NamespaceInfo{Index: 15, Keys: 1}, summary[15])
	assert.Equal(t, 7, f.CurrentDB())
}

func TestFlushNamespace(t *testing.T) {
	f := storetest.New()
	f.Put(0, "a", "1")
	f.Put(2, "x", "1")
	f.Put(2, "y", "1")
	m, _ := newManager(t, f)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "a", Port: 1}))

	two := 2
	n, err := m.FlushNamespace(ctx, &two)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 0, f.CurrentDB())
	_, ok := f.Lookup(0, "a")
	assert.True(t, ok)

	n, err = m.FlushNamespace(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	bad := 16
	_, err = m.FlushNamespace(ctx, &bad)
	assert.True(t, errors.Is(err, apperr.ErrOutOfRange))
}

func TestUpsertAndRemove(t *testing.T) {
	f := storetest.New()
	m, _ := newManager(t, f)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, connection.Descriptor{Host: "a", Port: 1}))

	require.NoError(t, m.Upsert(ctx, "k", "", 0))
	v, ok := f.Lookup(0, "k")
	assert.True(t, ok)
	assert.Equal(t, "", v)
	assert.Error(t, m.Upsert(ctx, "", "v", 0))
	assert.Error(t, m.Upsert(ctx, "k", "v", -time.Second))

	removed, err := m.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)

	rtt, err := m.Probe(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

type netOpError struct{ err error }

func (e *netOpError) Error() string { return "dial tcp 127.0.0.1:1: connect: " + e.err.Error() }
func (e *netOpError) Unwrap() error { return e.err }
