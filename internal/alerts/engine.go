package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kvdash/internal/apperr"
	"kvdash/internal/db"
	"kvdash/internal/models"
	"kvdash/internal/notifier"
	"kvdash/internal/telemetry"
)

const (
	DefaultRetention   = 5 * time.Minute
	DefaultSuppression = 60 * time.Second

	FragmentationAlertRatio = 2.0
	HitRatioAlertPct        = 70.0
	MemoryAlertPct          = 90.0

	notifyTimeout = 5 * time.Second
)

const (
	TitleFragmentation = "High memory fragmentation"
	TitleHitRatio      = "Low cache hit ratio"
	TitleMemory        = "High memory usage"
)

// Notifier delivers alert text to an external channel.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

// HistorySource provides the newest recorded sample.
type HistorySource interface {
	Latest() (models.MetricsSample, bool)
}

type Options struct {
	Retention   time.Duration
	Suppression time.Duration
}

type Engine struct {
	repo        *db.Repository
	history     HistorySource
	notify      Notifier
	metrics     *telemetry.Metrics
	log         *slog.Logger
	now         func() time.Time
	retention   time.Duration
	suppression time.Duration

	// mu makes the suppression check and the insert one step.
	mu sync.Mutex
}

func NewEngine(repo *db.Repository, history HistorySource, notify Notifier, metrics *telemetry.Metrics, opts Options, logger *slog.Logger) *Engine {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Suppression <= 0 {
		opts.Suppression = DefaultSuppression
	}
	return &Engine{
		repo:        repo,
		history:     history,
		notify:      notify,
		metrics:     metrics,
		log:         logger,
		now:         time.Now,
		retention:   opts.Retention,
		suppression: opts.Suppression,
	}
}

// Evaluate purges expired alerts, checks the built-in predicates and
// then every enabled user rule against s.
func (e *Engine) Evaluate(ctx context.Context, s models.MetricsSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()

	if _, err := e.purgeLocked(ctx, now); err != nil {
		e.log.Error("purge alerts", "err", err)
	}

	if s.Memory.FragmentationRatio > FragmentationAlertRatio {
		e.raiseLocked(ctx, now, models.SeverityWarning, TitleFragmentation,
			fmt.Sprintf("Memory fragmentation ratio is %.2f (threshold %.1f)", s.Memory.FragmentationRatio, FragmentationAlertRatio))
	}
	if s.Keyspace.Hits+s.Keyspace.Misses > 0 && s.Keyspace.HitRatio < HitRatioAlertPct {
		e.raiseLocked(ctx, now, models.SeverityWarning, TitleHitRatio,
			fmt.Sprintf("Cache hit ratio is %.1f%% (threshold %.0f%%)", s.Keyspace.HitRatio, HitRatioAlertPct))
	}
	if s.Memory.MaxMemoryBytes > 0 && s.Memory.UsedPct() > MemoryAlertPct {
		e.raiseLocked(ctx, now, models.SeverityCritical, TitleMemory,
			fmt.Sprintf("Memory usage is %.1f%% of maxmemory (threshold %.0f%%)", s.Memory.UsedPct(), MemoryAlertPct))
	}

	rules, err := e.repo.ListRules(ctx)
	if err != nil {
		e.log.Error("load rules", "err", err)
		return
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		v, ok := metricValue(s, r.Condition.Metric)
		if !ok || !compare(v, r.Condition.Operator, r.Threshold) {
			continue
		}
		if err := e.repo.MarkRuleTriggered(ctx, r.ID, now); err != nil {
			e.log.Error("mark rule triggered", "rule_id", r.ID, "err", err)
		}
		e.raiseLocked(ctx, now, models.SeverityWarning, r.Name,
			fmt.Sprintf("%s is %.2f (rule: %s %s %.2f)", r.Condition.Metric, v, r.Condition.Metric, r.Condition.Operator, r.Threshold))
	}
}

// Raise records an alert unless one with the same title was raised
// within the suppression window. It reports whether the alert was kept.
func (e *Engine) Raise(ctx context.Context, sev models.Severity, title, msg string) (models.SystemAlert, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raiseLocked(ctx, e.now().UTC(), sev, title, msg)
}

func (e *Engine) raiseLocked(ctx context.Context, now time.Time, sev models.Severity, title, msg string) (models.SystemAlert, bool, error) {
	recent, err := e.repo.AlertSince(ctx, title, now.Add(-e.suppression))
	if err != nil {
		e.log.Error("check alert suppression", "title", title, "err", err)
		return models.SystemAlert{}, false, err
	}
	if recent {
		e.metrics.AlertSuppressed()
		return models.SystemAlert{}, false, nil
	}
	a := models.SystemAlert{Severity: sev, Title: title, Message: msg, TS: now}
	a.ID, err = e.repo.InsertSystemAlert(ctx, a)
	if err != nil {
		e.log.Error("insert alert", "title", title, "err", err)
		return models.SystemAlert{}, false, err
	}
	e.metrics.AlertRaised(sev)
	e.log.Warn("alert raised", "severity", sev, "title", title, "message", msg)
	e.sendNotification(ctx, a)
	return a, true, nil
}

// sendNotification makes one delivery attempt; failures are logged.
func (e *Engine) sendNotification(ctx context.Context, a models.SystemAlert) {
	if e.notify == nil || !e.notify.Enabled() {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := e.notify.Send(nctx, notifier.FormatAlert(a)); err != nil {
		e.log.Warn("notify failed", "title", a.Title, "err", err)
	}
}

// Purge removes alerts older than the retention window.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.purgeLocked(ctx, e.now().UTC())
}

func (e *Engine) purgeLocked(ctx context.Context, now time.Time) (int64, error) {
	return e.repo.DeleteAlertsOlderThan(ctx, now.Add(-e.retention))
}

type Overview struct {
	Rules  []models.AlertRule
	Alerts []models.SystemAlert
}

// ListAlerts returns user rules in creation order and system alerts
// newest first.
func (e *Engine) ListAlerts(ctx context.Context) (Overview, error) {
	rules, err := e.repo.ListRules(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list rules: %w", err)
	}
	alerts, err := e.repo.ListSystemAlerts(ctx, 0)
	if err != nil {
		return Overview{}, fmt.Errorf("list alerts: %w", err)
	}
	if rules == nil {
		rules = []models.AlertRule{}
	}
	return Overview{Rules: rules, Alerts: alerts}, nil
}

func (e *Engine) CreateRule(ctx context.Context, r models.AlertRule) (models.AlertRule, error) {
	r.Name = strings.TrimSpace(r.Name)
	if err := validateRule(r); err != nil {
		return models.AlertRule{}, err
	}
	r.Triggered = false
	r.LastTriggered = nil
	r.CreatedAt = e.now().UTC()
	id, err := e.repo.CreateRule(ctx, r)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("create rule: %w", err)
	}
	r.ID = id
	return r, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	ok, err := e.repo.DeleteRule(ctx, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "delete rule", fmt.Sprintf("rule %d does not exist", id))
	}
	return nil
}

// ClearHistory removes every system alert. Rules are kept.
func (e *Engine) ClearHistory(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.repo.DeleteAllAlerts(ctx)
	if err != nil {
		return fmt.Errorf("clear alerts: %w", err)
	}
	e.log.Info("alert history cleared", "removed", n)
	return nil
}

// SystemHealth grades the newest sample in history.
func (e *Engine) SystemHealth() models.HealthReport {
	var (
		latest models.MetricsSample
		ok     bool
	)
	if e.history != nil {
		latest, ok = e.history.Latest()
	}
	return healthReport(latest, ok, e.now().UTC())
}
