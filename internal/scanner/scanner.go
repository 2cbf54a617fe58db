// Package scanner enumerates the key space with SCAN and fetches values
// in bounded batches.
//
// SCAN is not snapshot consistent: a key created or deleted while the
// enumeration runs may be missed, reported twice by the server, or
// disappear before its value is fetched. Duplicates are coalesced and a
// vanished key is reported with the nil sentinel; nothing more is
// attempted.
package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"kvdash/internal/store"
)

const (
	DefaultPattern   = "*"
	DefaultLimit     = 1000
	DefaultBatchSize = 20
	ScanCountHint    = 100
	MaxIterations    = 100

	// NilValue marks a key that no longer exists when its value is read.
	NilValue = "(nil)"
)

// Source is the slice of store.Client the scanner needs.
type Source interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Get(ctx context.Context, key string) (string, bool, error)
}

var _ Source = (store.Client)(nil)

// ScanState is the accumulator threaded through one enumeration.
type ScanState struct {
	Cursor     uint64
	Pattern    string
	Limit      int
	Iterations int
	Keys       []string
	seen       map[string]struct{}
	Limited    bool
	Incomplete bool
}

func newScanState(pattern string, limit int) *ScanState {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &ScanState{Pattern: pattern, Limit: limit, seen: make(map[string]struct{}, min(limit, 1024))}
}

// add records keys until the limit is reached. It reports whether the
// state is full.
func (s *ScanState) add(keys []string) bool {
	for _, k := range keys {
		if _, dup := s.seen[k]; dup {
			continue
		}
		if len(s.Keys) >= s.Limit {
			s.Limited = true
			return true
		}
		s.seen[k] = struct{}{}
		s.Keys = append(s.Keys, k)
	}
	return len(s.Keys) >= s.Limit
}

// KeyValue is one fetched pair. Err is set when the read failed; Value
// then carries the error text so the pair can be shown inline.
type KeyValue struct {
	Key     string
	Value   string
	Missing bool
	Err     string
}

type Result struct {
	Pairs       []KeyValue
	UniqueCount int
	Requested   int
	Returned    int
	Limited     bool
	Incomplete  bool
	Iterations  int
	Failed      int
}

type Scanner struct {
	batchSize int
	log       *slog.Logger
}

func New(batchSize int, logger *slog.Logger) *Scanner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scanner{batchSize: batchSize, log: logger}
}

// EnumerateKeys walks the cursor from 0 until it wraps, the limit is
// reached or MaxIterations calls were made. Hitting the iteration cap
// marks the state Incomplete; it is not an error.
func (s *Scanner) EnumerateKeys(ctx context.Context, src Source, pattern string, limit int) (*ScanState, error) {
	st := newScanState(pattern, limit)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys, next, err := src.Scan(ctx, st.Cursor, st.Pattern, ScanCountHint)
		if err != nil {
			return nil, fmt.Errorf("scan cursor %d: %w", st.Cursor, err)
		}
		st.Iterations++
		st.Cursor = next
		full := st.add(keys)

		if next == 0 {
			break
		}
		if full {
			// More keys may remain behind a non-zero cursor.
			st.Limited = true
			break
		}
		if st.Iterations >= MaxIterations {
			st.Incomplete = true
			s.log.Warn("scan iteration cap reached", "pattern", st.Pattern, "iterations", st.Iterations, "keys", len(st.Keys))
			break
		}
	}
	return st, nil
}

// FetchValues reads keys in batches. Reads inside a batch run
// concurrently; batches run one after another. A failing read is
// reported on its pair and does not stop the others.
func (s *Scanner) FetchValues(ctx context.Context, src Source, keys []string, batchSize int) ([]KeyValue, error) {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	out := make([]KeyValue, len(keys))
	for start := 0; start < len(keys); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(keys))
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				out[i] = fetchOne(ctx, src, keys[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return out, nil
}

func fetchOne(ctx context.Context, src Source, key string) KeyValue {
	v, found, err := src.Get(ctx, key)
	switch {
	case err != nil:
		return KeyValue{Key: key, Value: "(error) " + err.Error(), Err: err.Error()}
	case !found:
		return KeyValue{Key: key, Value: NilValue, Missing: true}
	default:
		return KeyValue{Key: key, Value: v}
	}
}

// EnumerateAndFetch runs EnumerateKeys followed by FetchValues.
func (s *Scanner) EnumerateAndFetch(ctx context.Context, src Source, pattern string, limit int) (Result, error) {
	st, err := s.EnumerateKeys(ctx, src, pattern, limit)
	if err != nil {
		return Result{}, err
	}
	pairs, err := s.FetchValues(ctx, src, st.Keys, s.batchSize)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Pairs:       pairs,
		UniqueCount: len(st.Keys),
		Requested:   st.Limit,
		Returned:    len(pairs),
		Limited:     st.Limited,
		Incomplete:  st.Incomplete,
		Iterations:  st.Iterations,
	}
	for _, p := range pairs {
		if p.Err != "" {
			res.Failed++
		}
	}
	if res.Failed > 0 {
		s.log.Warn("partial fetch failure", "pattern", st.Pattern, "failed", res.Failed, "returned", res.Returned)
	}
	return res, nil
}
