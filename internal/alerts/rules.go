package alerts

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"kvdash/internal/models"
)

var ErrInvalidRule = errors.New("invalid alert rule")

type extractor func(models.MetricsSample) (float64, bool)

func always(f func(models.MetricsSample) float64) extractor {
	return func(s models.MetricsSample) (float64, bool) { return f(s), true }
}

// ruleMetrics is the vocabulary user rules may reference. An extractor
// reports false when the sample carries no meaningful value.
var ruleMetrics = map[string]extractor{
	"memory_used_bytes":          always(func(s models.MetricsSample) float64 { return float64(s.Memory.UsedBytes) }),
	"memory_rss_bytes":           always(func(s models.MetricsSample) float64 { return float64(s.Memory.RSSBytes) }),
	"memory_fragmentation_ratio": always(func(s models.MetricsSample) float64 { return s.Memory.FragmentationRatio }),
	"memory_used_pct": func(s models.MetricsSample) (float64, bool) {
		return s.Memory.UsedPct(), s.Memory.MaxMemoryBytes > 0
	},
	"hit_ratio": func(s models.MetricsSample) (float64, bool) {
		return s.Keyspace.HitRatio, s.Keyspace.Hits+s.Keyspace.Misses > 0
	},
	"keyspace_hits":     always(func(s models.MetricsSample) float64 { return float64(s.Keyspace.Hits) }),
	"keyspace_misses":   always(func(s models.MetricsSample) float64 { return float64(s.Keyspace.Misses) }),
	"total_keys":        always(totalKeys),
	"connected_clients": always(func(s models.MetricsSample) float64 { return float64(s.Clients.Connected) }),
	"blocked_clients":   always(func(s models.MetricsSample) float64 { return float64(s.Clients.Blocked) }),
	"ops_per_sec":       always(func(s models.MetricsSample) float64 { return s.Network.InstantaneousOps }),
	"cpu_sys":           always(func(s models.MetricsSample) float64 { return s.CPU.UsedSys }),
	"cpu_user":          always(func(s models.MetricsSample) float64 { return s.CPU.UsedUser }),
	"uptime_seconds":    always(func(s models.MetricsSample) float64 { return float64(s.Server.UptimeSec) }),
}

var operators = []string{">", ">=", "<", "<=", "=="}

func totalKeys(s models.MetricsSample) float64 {
	var n int64
	for _, k := range s.Keyspace.Keys {
		n += k
	}
	return float64(n)
}

// RuleMetrics lists the metric names accepted by CreateRule.
func RuleMetrics() []string {
	out := make([]string, 0, len(ruleMetrics))
	for k := range ruleMetrics {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func metricValue(s models.MetricsSample, metric string) (float64, bool) {
	f, ok := ruleMetrics[metric]
	if !ok {
		return 0, false
	}
	return f(s)
}

func validateRule(r models.AlertRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if _, ok := ruleMetrics[r.Condition.Metric]; !ok {
		return fmt.Errorf("%w: unknown metric %q (want one of %s)", ErrInvalidRule, r.Condition.Metric, strings.Join(RuleMetrics(), ", "))
	}
	valid := false
	for _, op := range operators {
		if r.Condition.Operator == op {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, r.Condition.Operator)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidRule)
	}
	return nil
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
