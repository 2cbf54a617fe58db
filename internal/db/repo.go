package db

import (
	"context"
	"database/sql"
	"time"

	"kvdash/internal/models"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *Repository) CreateRule(ctx context.Context, rule models.AlertRule) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO alert_rules (name,metric,operator,threshold,enabled,triggered,created_at) VALUES (?,?,?,?,?,0,?)`,
		rule.Name, rule.Condition.Metric, rule.Condition.Operator, rule.Threshold, boolInt(rule.Enabled), rule.CreatedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteRule reports whether a rule with the id existed.
func (r *Repository) DeleteRule(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,name,metric,operator,threshold,enabled,triggered,last_triggered_ts,created_at FROM alert_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AlertRule
	for rows.Next() {
		var rule models.AlertRule
		var enabled, triggered int
		var last sql.NullTime
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Condition.Metric, &rule.Condition.Operator, &rule.Threshold, &enabled, &triggered, &last, &rule.CreatedAt); err != nil {
			return nil, err
		}
		rule.Enabled = enabled == 1
		rule.Triggered = triggered == 1
		if last.Valid {
			t := last.Time
			rule.LastTriggered = &t
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) MarkRuleTriggered(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE alert_rules SET triggered=1,last_triggered_ts=? WHERE id=?`, at.UTC(), id)
	return err
}

func (r *Repository) InsertSystemAlert(ctx context.Context, a models.SystemAlert) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO system_alerts (severity,title,message,ts) VALUES (?,?,?,?)`,
		string(a.Severity), a.Title, a.Message, a.TS.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AlertSince reports whether an alert with the title was raised at or
// after since.
func (r *Repository) AlertSince(ctx context.Context, title string, since time.Time) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_alerts WHERE title=? AND ts >= ?`, title, since.UTC()).Scan(&n)
	return n > 0, err
}

// ListSystemAlerts returns alerts newest first.
func (r *Repository) ListSystemAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,severity,title,message,ts FROM system_alerts ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.SystemAlert, 0, 16)
	for rows.Next() {
		var a models.SystemAlert
		var sev string
		if err := rows.Scan(&a.ID, &sev, &a.Title, &a.Message, &a.TS); err != nil {
			return nil, err
		}
		a.Severity = models.Severity(sev)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM system_alerts WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) DeleteAllAlerts(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM system_alerts`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
