package models

import "time"

type CPUStats struct {
	UsedSys  float64
	UsedUser float64
}

type MemoryStats struct {
	UsedBytes          int64
	PeakBytes          int64
	RSSBytes           int64
	MaxMemoryBytes     int64
	FragmentationRatio float64
}

// UsedPct is used/maxmemory in percent, 0 when no limit is configured.
func (m MemoryStats) UsedPct() float64 {
	if m.MaxMemoryBytes <= 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.MaxMemoryBytes) * 100
}

type NetworkStats struct {
	InputBytes          int64
	OutputBytes         int64
	InstantaneousOps    float64
	ConnectionsReceived int64
	CommandsProcessed   int64
}

type ClientStats struct {
	Connected int64
	Blocked   int64
}

type KeyspaceStats struct {
	Hits     int64
	Misses   int64
	HitRatio float64
	Keys     map[int]int64
}

type ServerInfo struct {
	Version   string
	Mode      string
	UptimeSec int64
	PID       int64
	Port      int
}

type MetricsSample struct {
	TS       time.Time
	CPU      CPUStats
	Memory   MemoryStats
	Network  NetworkStats
	Clients  ClientStats
	Keyspace KeyspaceStats
	Server   ServerInfo
}

type BenchmarkResult struct {
	Samples      int
	MinMs        float64
	MaxMs        float64
	MeanMs       float64
	MedianMs     float64
	P95Ms        float64
	P99Ms        float64
	TotalElapsed time.Duration
	Throughput   float64
}

// RuleCondition names the sample metric a user rule compares and how.
type RuleCondition struct {
	Metric   string
	Operator string
}

type AlertRule struct {
	ID            int64
	Name          string
	Condition     RuleCondition
	Threshold     float64
	Enabled       bool
	Triggered     bool
	LastTriggered *time.Time
	CreatedAt     time.Time
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type SystemAlert struct {
	ID       int64
	Severity Severity
	Title    string
	Message  string
	TS       time.Time
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

type HealthReport struct {
	Status          HealthStatus
	Issues          []string
	Recommendations []string
	CheckedAt       time.Time
}
