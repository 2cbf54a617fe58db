package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kvdash/internal/alerts"
	"kvdash/internal/apperr"
	"kvdash/internal/config"
	"kvdash/internal/db"
	"kvdash/internal/models"
	"kvdash/internal/notifier"
	"kvdash/internal/retention"
	"kvdash/internal/sampler"
	"kvdash/internal/scanner"
	"kvdash/internal/session"
	"kvdash/internal/telemetry"
	"kvdash/internal/web"
)

// App owns the single session and every component that reads from it.
type App struct {
	cfg config.Config
	log *slog.Logger

	sqldb    *sql.DB
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	sessions  *session.Manager
	scanner   *scanner.Scanner
	sampler   *sampler.Sampler
	alerts    *alerts.Engine
	retention *retention.Service
	notify    *notifier.Telegram
	web       *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	return newApp(cfg, session.RedisDialer, logger)
}

func newApp(cfg config.Config, dial session.Dialer, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	sessions := session.NewManager(dial, cfg.ConnectTimeout, logger.With("module", "session"))
	smp := sampler.New(sessions.RequireActive, cfg.RateInterval, cfg.HistorySize, metrics, logger.With("module", "sampler"))
	n := notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	engine := alerts.NewEngine(repo, smp, n, metrics,
		alerts.Options{Retention: cfg.AlertRetention, Suppression: cfg.AlertSuppression},
		logger.With("module", "alerts"))
	smp.SetEvaluator(engine)
	sessions.SetMonitor(smp)

	a := &App{
		cfg:       cfg,
		log:       logger,
		sqldb:     sqldb,
		registry:  reg,
		metrics:   metrics,
		sessions:  sessions,
		scanner:   scanner.New(cfg.ScanBatchSize, logger.With("module", "scanner")),
		sampler:   smp,
		alerts:    engine,
		retention: retention.NewService(engine, logger.With("module", "retention")),
		notify:    n,
	}
	a.web = web.NewServer(a.Ready, func(ctx context.Context) any { return a.Status() }, reg, logger.With("module", "web"))
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: a.web.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	if a.cfg.Redis.Configured() {
		if _, err := a.Connect(ctx, requestFromConfig(a.cfg.Redis)); err != nil {
			a.log.Error("initial connect failed", "err", err, "hint", apperr.HintOf(err))
		}
	}

	sampleTicker := time.NewTicker(a.cfg.SampleInterval)
	retentionTicker := time.NewTicker(a.cfg.RetentionInterval)
	defer sampleTicker.Stop()
	defer retentionTicker.Stop()

	// Immediate first run
	a.sampleIfConnected(ctx)
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.httpSrv.Shutdown(shutdownCtx)
			cancel()
			return a.Close()
		case <-sampleTicker.C:
			a.sampleIfConnected(ctx)
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}

func (a *App) sampleIfConnected(ctx context.Context) {
	if !a.sessions.Status().Connected {
		return
	}
	if _, err := a.sampler.Sample(ctx); err != nil && !errors.Is(err, apperr.ErrNotConnected) && ctx.Err() == nil {
		a.log.Warn("periodic sample failed", "err", err)
	}
}

// Close ends the session and releases the alert store.
func (a *App) Close() error {
	err := a.sessions.Close()
	a.metrics.SetSessionUp(false)
	return errors.Join(err, a.sqldb.Close())
}

// Ready succeeds when the alert store answers and a session is live.
func (a *App) Ready(ctx context.Context) error {
	if err := a.sqldb.PingContext(ctx); err != nil {
		return fmt.Errorf("alert store: %w", err)
	}
	_, err := a.sessions.Probe(ctx)
	return err
}

// StatusSnapshot is served on /status.
type StatusSnapshot struct {
	Session session.Status      `json:"session"`
	Rate    sampler.Current     `json:"rate"`
	Health  models.HealthReport `json:"health"`
}

func (a *App) Status() StatusSnapshot {
	return StatusSnapshot{
		Session: a.sessions.Status(),
		Rate:    a.sampler.Current(),
		Health:  a.alerts.SystemHealth(),
	}
}
