package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"kvdash/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	sqldb, err := Open(MemoryDSN(name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return NewRepository(sqldb)
}

func TestRuleLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	id, err := repo.CreateRule(ctx, models.AlertRule{
		Name:      "many clients",
		Condition: models.RuleCondition{Metric: "connected_clients", Operator: ">"},
		Threshold: 500,
		Enabled:   true,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	if err := repo.MarkRuleTriggered(ctx, id, now.Add(time.Minute)); err != nil {
		t.Fatalf("mark triggered: %v", err)
	}
	rules, err := repo.ListRules(ctx)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules len = %d, want 1", len(rules))
	}
	r := rules[0]
	if r.ID != id || r.Name != "many clients" || !r.Enabled || !r.Triggered {
		t.Fatalf("unexpected rule: %+v", r)
	}
	if r.Condition.Metric != "connected_clients" || r.Condition.Operator != ">" || r.Threshold != 500 {
		t.Fatalf("unexpected condition: %+v", r)
	}
	if r.LastTriggered == nil || !r.LastTriggered.Equal(now.Add(time.Minute)) {
		t.Fatalf("last triggered = %v", r.LastTriggered)
	}

	ok, err := repo.DeleteRule(ctx, id)
	if err != nil || !ok {
		t.Fatalf("delete rule: ok=%v err=%v", ok, err)
	}
	ok, err = repo.DeleteRule(ctx, id)
	if err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
}

func TestSystemAlertsOrderingAndPurge(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	for i, title := range []string{"old", "mid", "new"} {
		_, err := repo.InsertSystemAlert(ctx, models.SystemAlert{
			Severity: models.SeverityWarning,
			Title:    title,
			Message:  title + " message",
			TS:       now.Add(time.Duration(i) * 3 * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", title, err)
		}
	}

	alerts, err := repo.ListSystemAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 3 || alerts[0].Title != "new" || alerts[2].Title != "old" {
		t.Fatalf("unexpected order: %+v", alerts)
	}
	if alerts[0].Severity != models.SeverityWarning {
		t.Fatalf("severity = %q", alerts[0].Severity)
	}

	recent, err := repo.AlertSince(ctx, "mid", now.Add(2*time.Minute))
	if err != nil || !recent {
		t.Fatalf("alert since mid: %v %v", recent, err)
	}
	recent, err = repo.AlertSince(ctx, "old", now.Add(time.Second))
	if err != nil || recent {
		t.Fatalf("alert since old: %v %v", recent, err)
	}

	n, err := repo.DeleteAlertsOlderThan(ctx, now.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}

	n, err = repo.DeleteAllAlerts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("delete all: n=%d err=%v", n, err)
	}
}

func TestMemoryDatabasesAreIsolated(t *testing.T) {
	a := newTestRepo(t)
	sqldb, err := Open(MemoryDSN("isolated_other"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sqldb.Close()
	if err := Migrate(sqldb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := NewRepository(sqldb)

	ctx := context.Background()
	if _, err := a.InsertSystemAlert(ctx, models.SystemAlert{Severity: models.SeverityInfo, Title: "x", TS: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	alerts, err := b.ListSystemAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("other database sees %d alerts", len(alerts))
	}
}
