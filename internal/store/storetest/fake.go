// Package storetest provides an in-memory store.Client for tests.
package storetest

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"kvdash/internal/store"
)

var _ store.Client = (*Fake)(nil)

// ScanPage is one scripted SCAN reply.
type ScanPage struct {
	Next uint64
	Keys []string
}

// Fake keeps 16 databases in memory. Scan either paginates the current
// database or, when ScanScript is set, replays the script call by call.
type Fake struct {
	mu  sync.Mutex
	dbs [16]map[string]string
	db  int

	ScanScript []ScanPage
	ScanLoop   bool
	ScanErr    error

	GetErr   map[string]error
	GetDelay time.Duration

	PingErr   error
	PingDelay time.Duration
	SelectErr error

	// InfoFunc, when set, produces the INFO reply for the n-th call (0-based).
	InfoFunc func(n int) (string, error)
	InfoText string

	ScanCalls   int
	PingCalls   int
	InfoCalls   int
	SelectCalls []int
	Closed      bool

	inFlight    int
	MaxInFlight int
}

func New() *Fake {
	f := &Fake{GetErr: map[string]error{}}
	for i := range f.dbs {
		f.dbs[i] = map[string]string{}
	}
	return f
}

// Put seeds a key in the given database.
func (f *Fake) Put(db int, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs[db][key] = value
}

// Lookup reads a key without going through the Client interface.
func (f *Fake) Lookup(db int, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.dbs[db][key]
	return v, ok
}

// CurrentDB is the database the handle is bound to.
func (f *Fake) CurrentDB() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.db
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.PingCalls++
	delay, err := f.PingDelay, f.PingErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) Select(_ context.Context, db int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SelectCalls = append(f.SelectCalls, db)
	if f.SelectErr != nil {
		return f.SelectErr
	}
	if db < 0 || db >= len(f.dbs) {
		return errors.New("ERR DB index is out of range")
	}
	f.db = db
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.MaxInFlight {
		f.MaxInFlight = f.inFlight
	}
	delay := f.GetDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GetErr[key]; err != nil {
		return "", false, err
	}
	v, ok := f.dbs[f.db][key]
	return v, ok, nil
}

func (f *Fake) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs[f.db][key] = value
	return nil
}

func (f *Fake) Del(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dbs[f.db][key]; !ok {
		return 0, nil
	}
	delete(f.dbs[f.db], key)
	return 1, nil
}

func (f *Fake) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.ScanCalls
	f.ScanCalls++
	if f.ScanErr != nil {
		return nil, 0, f.ScanErr
	}
	if f.ScanScript != nil {
		if call >= len(f.ScanScript) {
			if !f.ScanLoop || len(f.ScanScript) == 0 {
				return nil, 0, nil
			}
			call %= len(f.ScanScript)
		}
		p := f.ScanScript[call]
		return append([]string(nil), p.Keys...), p.Next, nil
	}

	keys := make([]string, 0, len(f.dbs[f.db]))
	for k := range f.dbs[f.db] {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if count <= 0 {
		count = 10
	}
	start := int(cursor)
	if start >= len(keys) {
		return nil, 0, nil
	}
	end := start + int(count)
	if end >= len(keys) {
		return keys[start:], 0, nil
	}
	return keys[start:end], uint64(end), nil
}

func (f *Fake) Info(_ context.Context, _ ...string) (string, error) {
	f.mu.Lock()
	n := f.InfoCalls
	f.InfoCalls++
	fn, text := f.InfoFunc, f.InfoText
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return text, nil
}

func (f *Fake) DBSize(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.dbs[f.db])), nil
}

func (f *Fake) FlushDB(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbs[f.db] = map[string]string{}
	return nil
}

func (f *Fake) FlushAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.dbs {
		f.dbs[i] = map[string]string{}
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}

// InfoCount is the number of Info calls so far.
func (f *Fake) InfoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.InfoCalls
}
