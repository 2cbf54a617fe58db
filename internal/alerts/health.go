package alerts

import (
	"fmt"
	"time"

	"kvdash/internal/models"
)

const (
	healthFragWarn     = 1.5
	healthFragCrit     = 2.0
	healthHitRatioWarn = 80.0
	healthMemWarn      = 80.0
	healthMemCrit      = 90.0
	healthClientsWarn  = 1000
)

type finding struct {
	status models.HealthStatus
	issue  string
	rec    string
}

// assessHealth grades one sample. The report status is the worst
// finding; a report without findings is healthy.
func assessHealth(s models.MetricsSample) []finding {
	var out []finding

	switch frag := s.Memory.FragmentationRatio; {
	case frag > healthFragCrit:
		out = append(out, finding{models.HealthCritical,
			fmt.Sprintf("Memory fragmentation ratio is critically high (%.2f)", frag),
			"Restart the server during a maintenance window or enable activedefrag"})
	case frag > healthFragWarn:
		out = append(out, finding{models.HealthWarning,
			fmt.Sprintf("Memory fragmentation ratio is elevated (%.2f)", frag),
			"Monitor fragmentation and consider enabling activedefrag"})
	}

	if lookups := s.Keyspace.Hits + s.Keyspace.Misses; lookups > 0 && s.Keyspace.HitRatio < healthHitRatioWarn {
		out = append(out, finding{models.HealthWarning,
			fmt.Sprintf("Cache hit ratio is low (%.1f%%)", s.Keyspace.HitRatio),
			"Review key expiry and access patterns, or raise maxmemory to keep the working set resident"})
	}

	if s.Memory.MaxMemoryBytes > 0 {
		switch pct := s.Memory.UsedPct(); {
		case pct > healthMemCrit:
			out = append(out, finding{models.HealthCritical,
				fmt.Sprintf("Memory usage is at %.1f%% of maxmemory", pct),
				"Increase maxmemory or review the eviction policy before writes start failing"})
		case pct > healthMemWarn:
			out = append(out, finding{models.HealthWarning,
				fmt.Sprintf("Memory usage is at %.1f%% of maxmemory", pct),
				"Plan for more memory or expire unused keys"})
		}
	}

	if s.Clients.Connected > healthClientsWarn {
		out = append(out, finding{models.HealthWarning,
			fmt.Sprintf("%d clients connected", s.Clients.Connected),
			"Check for connection leaks and use client-side pooling"})
	}
	return out
}

func healthReport(latest models.MetricsSample, ok bool, at time.Time) models.HealthReport {
	r := models.HealthReport{Status: models.HealthHealthy, Issues: []string{}, Recommendations: []string{}, CheckedAt: at}
	if !ok {
		r.Status = models.HealthWarning
		r.Issues = append(r.Issues, "No metrics collected yet")
		r.Recommendations = append(r.Recommendations, "Collect a metrics sample to evaluate server health")
		return r
	}
	for _, f := range assessHealth(latest) {
		r.Issues = append(r.Issues, f.issue)
		r.Recommendations = append(r.Recommendations, f.rec)
		if rank(f.status) > rank(r.Status) {
			r.Status = f.status
		}
	}
	return r
}

func rank(s models.HealthStatus) int {
	switch s {
	case models.HealthCritical:
		return 2
	case models.HealthWarning:
		return 1
	default:
		return 0
	}
}
