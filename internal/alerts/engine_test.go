package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kvdash/internal/apperr"
	"kvdash/internal/db"
	"kvdash/internal/models"
	"kvdash/internal/notifier"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		v, th float64
		op    string
		want  bool
	}{
		{91, 90, ">", true},
		{90, 90, ">=", true},
		{89, 90, "<", true},
		{90, 90, "<=", true},
		{90, 90, "==", true},
		{89, 90, ">", false},
		{89, 90, "!=", false},
	}
	for _, tc := range cases {
		if got := compare(tc.v, tc.op, tc.th); got != tc.want {
			t.Fatalf("compare(%v %s %v) got %v want %v", tc.v, tc.op, tc.th, got, tc.want)
		}
	}
}

type staticHistory struct {
	sample models.MetricsSample
	ok     bool
}

func (h *staticHistory) Latest() (models.MetricsSample, bool) { return h.sample, h.ok }

type testEnv struct {
	engine *Engine
	repo   *db.Repository
	hist   *staticHistory
	sent   *atomic.Int64
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	sqldb, err := db.Open(db.MemoryDSN("alerts_" + name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := db.NewRepository(sqldb)

	sent := &atomic.Int64{}
	n := notifier.NewTelegram("token", "chat")
	n.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		sent.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	})}

	hist := &staticHistory{}
	engine := NewEngine(repo, hist, n, nil, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	env := &testEnv{engine: engine, repo: repo, hist: hist, sent: sent, now: &now}
	engine.now = func() time.Time { return *env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) { *env.now = env.now.Add(d) }

func (env *testEnv) alerts(t *testing.T) []models.SystemAlert {
	t.Helper()
	ov, err := env.engine.ListAlerts(context.Background())
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return ov.Alerts
}

func unhealthySample() models.MetricsSample {
	return models.MetricsSample{
		Memory:   models.MemoryStats{UsedBytes: 95, MaxMemoryBytes: 100, FragmentationRatio: 2.5},
		Keyspace: models.KeyspaceStats{Hits: 60, Misses: 40, HitRatio: 60},
	}
}

func TestEvaluateRaisesBuiltInAlerts(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Evaluate(context.Background(), unhealthySample())

	alerts := env.alerts(t)
	if len(alerts) != 3 {
		t.Fatalf("alerts len = %d, want 3: %+v", len(alerts), alerts)
	}
	got := map[string]models.Severity{}
	for _, a := range alerts {
		got[a.Title] = a.Severity
	}
	if got[TitleFragmentation] != models.SeverityWarning || got[TitleHitRatio] != models.SeverityWarning || got[TitleMemory] != models.SeverityCritical {
		t.Fatalf("unexpected alerts: %v", got)
	}
	if env.sent.Load() != 3 {
		t.Fatalf("notifications sent = %d, want 3", env.sent.Load())
	}
}

func TestEvaluateHealthySampleRaisesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Evaluate(context.Background(), models.MetricsSample{
		Memory:   models.MemoryStats{UsedBytes: 10, FragmentationRatio: 1.1},
		Keyspace: models.KeyspaceStats{},
	})
	if n := len(env.alerts(t)); n != 0 {
		t.Fatalf("alerts len = %d, want 0", n)
	}
}

func TestSameTitleSuppressedWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, kept, err := env.engine.Raise(ctx, models.SeverityInfo, "dup", "first"); err != nil || !kept {
		t.Fatalf("first raise: kept=%v err=%v", kept, err)
	}
	env.advance(30 * time.Second)
	if _, kept, err := env.engine.Raise(ctx, models.SeverityInfo, "dup", "second"); err != nil || kept {
		t.Fatalf("second raise: kept=%v err=%v", kept, err)
	}
	if n := len(env.alerts(t)); n != 1 {
		t.Fatalf("alerts len = %d, want 1", n)
	}

	env.advance(31 * time.Second)
	if _, kept, err := env.engine.Raise(ctx, models.SeverityInfo, "dup", "third"); err != nil || !kept {
		t.Fatalf("third raise: kept=%v err=%v", kept, err)
	}
	if n := len(env.alerts(t)); n != 2 {
		t.Fatalf("alerts len = %d, want 2", n)
	}
}

func TestEvaluatePurgesExpiredAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, _, err := env.engine.Raise(ctx, models.SeverityInfo, "old", "x"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	env.advance(5*time.Minute + time.Second)
	env.engine.Evaluate(ctx, models.MetricsSample{})
	if n := len(env.alerts(t)); n != 0 {
		t.Fatalf("alerts len = %d, want 0 after retention", n)
	}
}

func TestEvaluateUserRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fired, err := env.engine.CreateRule(ctx, models.AlertRule{
		Name:      "too many clients",
		Condition: models.RuleCondition{Metric: "connected_clients", Operator: ">"},
		Threshold: 100,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := env.engine.CreateRule(ctx, models.AlertRule{
		Name:      "disabled",
		Condition: models.RuleCondition{Metric: "connected_clients", Operator: ">"},
		Threshold: 1,
		Enabled:   false,
	}); err != nil {
		t.Fatalf("create disabled rule: %v", err)
	}

	env.engine.Evaluate(ctx, models.MetricsSample{Clients: models.ClientStats{Connected: 150}})

	ov, err := env.engine.ListAlerts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ov.Alerts) != 1 || ov.Alerts[0].Title != "too many clients" || ov.Alerts[0].Severity != models.SeverityWarning {
		t.Fatalf("unexpected alerts: %+v", ov.Alerts)
	}
	for _, r := range ov.Rules {
		switch r.ID {
		case fired.ID:
			if !r.Triggered || r.LastTriggered == nil || !r.LastTriggered.Equal(*env.now) {
				t.Fatalf("rule not marked triggered: %+v", r)
			}
		default:
			if r.Triggered {
				t.Fatalf("disabled rule triggered: %+v", r)
			}
		}
	}
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bad := []models.AlertRule{
		{Name: " ", Condition: models.RuleCondition{Metric: "hit_ratio", Operator: "<"}},
		{Name: "x", Condition: models.RuleCondition{Metric: "nope", Operator: "<"}},
		{Name: "x", Condition: models.RuleCondition{Metric: "hit_ratio", Operator: "~"}},
	}
	for _, r := range bad {
		if _, err := env.engine.CreateRule(ctx, r); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("CreateRule(%+v) err = %v, want ErrInvalidRule", r, err)
		}
	}

	r, err := env.engine.CreateRule(ctx, models.AlertRule{
		Name:      "  low hits ",
		Condition: models.RuleCondition{Metric: "hit_ratio", Operator: "<"},
		Threshold: 50,
		Enabled:   true,
		Triggered: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.ID == 0 || r.Name != "low hits" || r.Triggered || !r.CreatedAt.Equal(*env.now) {
		t.Fatalf("unexpected rule: %+v", r)
	}
}

func TestDeleteRuleNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r, err := env.engine.CreateRule(ctx, models.AlertRule{
		Name:      "r",
		Condition: models.RuleCondition{Metric: "total_keys", Operator: ">="},
		Threshold: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.engine.DeleteRule(ctx, r.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second delete err = %v, want NotFound", err)
	}
}

func TestClearHistoryKeepsRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.engine.CreateRule(ctx, models.AlertRule{
		Name:      "r",
		Condition: models.RuleCondition{Metric: "ops_per_sec", Operator: ">"},
		Threshold: 10,
		Enabled:   true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	env.engine.Evaluate(ctx, unhealthySample())
	if err := env.engine.ClearHistory(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ov, err := env.engine.ListAlerts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ov.Alerts) != 0 || len(ov.Rules) != 1 {
		t.Fatalf("after clear: alerts=%d rules=%d", len(ov.Alerts), len(ov.Rules))
	}
}

func TestNotifierFailureDoesNotBlockAlert(t *testing.T) {
	env := newTestEnv(t)
	n := notifier.NewTelegram("token", "chat")
	n.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network down")
	})}
	env.engine.notify = n

	if _, kept, err := env.engine.Raise(context.Background(), models.SeverityCritical, "t", "m"); err != nil || !kept {
		t.Fatalf("raise: kept=%v err=%v", kept, err)
	}
}

func TestSystemHealth(t *testing.T) {
	env := newTestEnv(t)

	r := env.engine.SystemHealth()
	if r.Status != models.HealthWarning || len(r.Issues) != 1 || !strings.Contains(strings.ToLower(r.Issues[0]), "no metrics") {
		t.Fatalf("empty history report: %+v", r)
	}

	env.hist.ok = true
	env.hist.sample = models.MetricsSample{Memory: models.MemoryStats{FragmentationRatio: 1.0}}
	if r := env.engine.SystemHealth(); r.Status != models.HealthHealthy || len(r.Issues) != 0 {
		t.Fatalf("healthy report: %+v", r)
	}

	env.hist.sample = models.MetricsSample{
		Memory:   models.MemoryStats{FragmentationRatio: 1.7, UsedBytes: 85, MaxMemoryBytes: 100},
		Keyspace: models.KeyspaceStats{Hits: 7, Misses: 3, HitRatio: 70},
		Clients:  models.ClientStats{Connected: 1001},
	}
	r = env.engine.SystemHealth()
	if r.Status != models.HealthWarning || len(r.Issues) != 4 || len(r.Recommendations) != 4 {
		t.Fatalf("warning report: %+v", r)
	}

	env.hist.sample = unhealthySample()
	if r := env.engine.SystemHealth(); r.Status != models.HealthCritical {
		t.Fatalf("critical report: %+v", r)
	}
}

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
