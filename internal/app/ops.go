package app

import (
	"context"
	"time"

	"kvdash/internal/alerts"
	"kvdash/internal/apperr"
	"kvdash/internal/config"
	"kvdash/internal/connection"
	"kvdash/internal/models"
	"kvdash/internal/scanner"
	"kvdash/internal/session"
)

func requestFromConfig(r config.RedisConfig) connection.Request {
	if r.URL != "" {
		return connection.Request{ConnectionString: r.URL, Provider: r.Provider}
	}
	db := r.DB
	return connection.Request{
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Password: r.Password,
		DB:       &db,
		Provider: r.Provider,
	}
}

// Connect resolves req and replaces the active session. Sample history
// is cleared first so samples from different servers never mix.
func (a *App) Connect(ctx context.Context, req connection.Request) (session.Status, error) {
	d, err := connection.Resolve(req)
	if err != nil {
		a.metrics.ConnectFailed(apperr.KindOf(err).String())
		return session.Status{}, err
	}
	a.sampler.Reset()
	if err := a.sessions.Open(ctx, d); err != nil {
		a.metrics.ConnectFailed(apperr.KindOf(err).String())
		a.metrics.SetSessionUp(false)
		return session.Status{}, err
	}
	a.metrics.SetSessionUp(true)
	return a.sessions.Status(), nil
}

func (a *App) Disconnect() error {
	err := a.sessions.Close()
	a.metrics.SetSessionUp(false)
	return err
}

// Probe returns the round trip of one ping.
func (a *App) Probe(ctx context.Context) (time.Duration, error) {
	return a.sessions.Probe(ctx)
}

func (a *App) SelectNamespace(ctx context.Context, index int) error {
	return a.sessions.SelectNamespace(ctx, index)
}

func (a *App) NamespaceSummary(ctx context.Context) ([]session.NamespaceInfo, error) {
	return a.sessions.NamespaceSummary(ctx)
}

// FlushNamespace empties index, or the active namespace when index is nil.
func (a *App) FlushNamespace(ctx context.Context, index *int) (int64, error) {
	return a.sessions.FlushNamespace(ctx, index)
}

func (a *App) FlushAll(ctx context.Context) error {
	return a.sessions.FlushAll(ctx)
}

func (a *App) EnumerateAndFetch(ctx context.Context, pattern string, limit int) (scanner.Result, error) {
	c, err := a.sessions.RequireActive()
	if err != nil {
		return scanner.Result{}, err
	}
	res, err := a.scanner.EnumerateAndFetch(ctx, c, pattern, limit)
	if err != nil {
		return scanner.Result{}, err
	}
	a.metrics.ObserveScan(res.UniqueCount, res.Failed)
	return res, nil
}

// Upsert writes key. A zero ttl stores the key without expiry.
func (a *App) Upsert(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.sessions.Upsert(ctx, key, value, ttl)
}

func (a *App) Remove(ctx context.Context, key string) (bool, error) {
	return a.sessions.Remove(ctx, key)
}

// CurrentMetrics takes a full sample, records it and evaluates alerts.
func (a *App) CurrentMetrics(ctx context.Context) (models.MetricsSample, error) {
	return a.sampler.Sample(ctx)
}

func (a *App) MetricsHistory(count int) []models.MetricsSample {
	return a.sampler.History(count)
}

func (a *App) Benchmark(ctx context.Context, samples int) (models.BenchmarkResult, error) {
	return a.sampler.RunLatencyBenchmark(ctx, samples)
}

func (a *App) SystemHealth() models.HealthReport {
	return a.alerts.SystemHealth()
}

func (a *App) ListAlerts(ctx context.Context) (alerts.Overview, error) {
	return a.alerts.ListAlerts(ctx)
}

func (a *App) CreateRule(ctx context.Context, r models.AlertRule) (models.AlertRule, error) {
	return a.alerts.CreateRule(ctx, r)
}

func (a *App) DeleteRule(ctx context.Context, id int64) error {
	return a.alerts.DeleteRule(ctx, id)
}

func (a *App) ClearHistory(ctx context.Context) error {
	return a.alerts.ClearHistory(ctx)
}
