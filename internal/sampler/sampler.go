// Package sampler reads server counters from the active store session,
// keeps a bounded sample history and runs latency benchmarks.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"kvdash/internal/models"
	"kvdash/internal/store"
	"kvdash/internal/telemetry"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultHistorySize = 100
	MinBenchmarkPings  = 1
	MaxBenchmarkPings  = 200
)

// Evaluator receives every recorded sample.
type Evaluator interface {
	Evaluate(ctx context.Context, s models.MetricsSample)
}

// SourceFunc yields the client of the active session or an error when
// there is none.
type SourceFunc func() (store.Client, error)

// Current is the state of the background loop.
type Current struct {
	Running           bool
	OpsPerSec         float64
	CommandsProcessed int64
	SampledAt         time.Time
	Ticks             int
	LastErr           string
}

type Sampler struct {
	log      *slog.Logger
	source   SourceFunc
	interval time.Duration
	history  *Ring
	metrics  *telemetry.Metrics
	now      func() time.Time

	evalMu sync.RWMutex
	eval   Evaluator

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.RWMutex
	state   Current
}

func New(source SourceFunc, interval time.Duration, historySize int, metrics *telemetry.Metrics, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		log:      logger,
		source:   source,
		interval: interval,
		history:  NewRing(historySize),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sampler) SetEvaluator(e Evaluator) {
	s.evalMu.Lock()
	s.eval = e
	s.evalMu.Unlock()
}

// Start launches the rate loop against c. A loop that is already
// running is stopped first. Per-session counters start from zero.
func (s *Sampler) Start(c store.Client) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stateMu.Lock()
	s.state = Current{Running: true}
	s.stateMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, c)
	}()
}

// Stop cancels the loop and returns once it has exited.
func (s *Sampler) Stop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.stopLocked()
}

func (s *Sampler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.stateMu.Lock()
	s.state.Running = false
	s.state.OpsPerSec = 0
	s.stateMu.Unlock()
	s.metrics.SetOpsPerSec(0)
}

func (s *Sampler) run(ctx context.Context, c store.Client) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.tick(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx, c)
		}
	}
}

func (s *Sampler) tick(ctx context.Context, c store.Client) {
	tctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	text, err := c.Info(tctx, "stats")
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.loopFailed(fmt.Errorf("info stats: %w", err))
		return
	}
	total, ok := commandsProcessed(text)
	if !ok {
		s.loopFailed(fmt.Errorf("info stats: total_commands_processed missing"))
		return
	}
	at := s.now()

	s.stateMu.Lock()
	prev := s.state
	s.state.Ticks++
	s.state.LastErr = ""
	if prev.Ticks > 0 {
		if rate, ok := opsRate(prev.CommandsProcessed, prev.SampledAt, total, at); ok {
			s.state.OpsPerSec = rate
		}
	}
	s.state.CommandsProcessed = total
	s.state.SampledAt = at
	rate := s.state.OpsPerSec
	s.stateMu.Unlock()

	s.metrics.SetOpsPerSec(rate)
}

func (s *Sampler) loopFailed(err error) {
	s.log.Warn("sampler tick", "err", err)
	s.metrics.SampleFailed()
	s.stateMu.Lock()
	s.state.LastErr = err.Error()
	s.stateMu.Unlock()
}

// opsRate derives operations per second from two counter readings. It
// reports false when the pair cannot produce a rate.
func opsRate(prevOps int64, prevAt time.Time, curOps int64, curAt time.Time) (float64, bool) {
	elapsed := curAt.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	delta := curOps - prevOps
	if delta < 0 {
		return 0, false
	}
	return float64(delta) / elapsed, true
}

func (s *Sampler) Current() Current {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Sample reads the full INFO reply, records it and forwards it to the
// evaluator. Nothing is recorded when the read or parse fails.
func (s *Sampler) Sample(ctx context.Context) (models.MetricsSample, error) {
	c, err := s.source()
	if err != nil {
		return models.MetricsSample{}, err
	}
	text, err := c.Info(ctx)
	if err != nil {
		s.metrics.SampleFailed()
		return models.MetricsSample{}, fmt.Errorf("info: %w", err)
	}
	sample, err := parseInfo(text, s.now())
	if err != nil {
		s.metrics.SampleFailed()
		return models.MetricsSample{}, err
	}
	s.history.Push(sample)
	s.metrics.ObserveSample(sample)

	s.evalMu.RLock()
	e := s.eval
	s.evalMu.RUnlock()
	if e != nil {
		e.Evaluate(ctx, sample)
	}
	return sample, nil
}

// History returns the newest n samples, oldest first.
func (s *Sampler) History(n int) []models.MetricsSample {
	return s.history.Last(n)
}

func (s *Sampler) Latest() (models.MetricsSample, bool) {
	return s.history.Latest()
}

func (s *Sampler) Reset() {
	s.history.Reset()
}

// RunLatencyBenchmark pings the store n times in sequence. n is clamped
// to [MinBenchmarkPings, MaxBenchmarkPings]. The first failing ping
// aborts the run.
func (s *Sampler) RunLatencyBenchmark(ctx context.Context, n int) (models.BenchmarkResult, error) {
	n = min(max(n, MinBenchmarkPings), MaxBenchmarkPings)
	c, err := s.source()
	if err != nil {
		return models.BenchmarkResult{}, err
	}
	durs := make([]time.Duration, 0, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		t0 := time.Now()
		if err := c.Ping(ctx); err != nil {
			return models.BenchmarkResult{}, fmt.Errorf("benchmark ping %d/%d: %w", i+1, n, err)
		}
		durs = append(durs, time.Since(t0))
	}
	res := summarize(durs, time.Since(start))
	s.metrics.ObserveBenchmark(res)
	s.log.Info("latency benchmark", "samples", res.Samples, "p50_ms", res.MedianMs, "p99_ms", res.P99Ms)
	return res, nil
}

func summarize(durs []time.Duration, total time.Duration) models.BenchmarkResult {
	if len(durs) == 0 {
		return models.BenchmarkResult{}
	}
	ms := make([]float64, len(durs))
	var sum float64
	for i, d := range durs {
		ms[i] = float64(d.Nanoseconds()) / 1e6
		sum += ms[i]
	}
	sort.Float64s(ms)

	res := models.BenchmarkResult{
		Samples:      len(ms),
		MinMs:        ms[0],
		MaxMs:        ms[len(ms)-1],
		MeanMs:       sum / float64(len(ms)),
		MedianMs:     percentile(ms, 0.50),
		P95Ms:        percentile(ms, 0.95),
		P99Ms:        percentile(ms, 0.99),
		TotalElapsed: total,
	}
	if secs := total.Seconds(); secs > 0 {
		res.Throughput = float64(len(ms)) / secs
	}
	return res
}

// percentile indexes a sorted slice at floor(len*p), clamped to the last
// element.
func percentile(sorted []float64, p float64) float64 {
	i := int(math.Floor(float64(len(sorted)) * p))
	return sorted[min(i, len(sorted)-1)]
}
