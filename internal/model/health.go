package model

import "time"

// HealthTrend describes how an agent's health is moving
type HealthTrend string

const (
	HealthTrendImproving HealthTrend = "improving"
	HealthTrendStable    HealthTrend = "stable"
	HealthTrendDegrading HealthTrend = "degrading"
)

// HealthRecord is the per-agent health score. Every component is in [0,1].
type HealthRecord struct {
	AgentID        string      `json:"agent_id"`
	Responsiveness float64     `json:"responsiveness"`
	Performance    float64     `json:"performance"`
	Reliability    float64     `json:"reliability"`
	ResourceUsage  float64     `json:"resource_usage"`
	Overall        float64     `json:"overall"`
	Trend          HealthTrend `json:"trend"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Metric names a live measurement evaluated by rollback triggers
type Metric string

const (
	MetricErrorRate           Metric = "error_rate"
	MetricMemoryUsage         Metric = "memory_usage"
	MetricCPUUsage            Metric = "cpu_usage"
	MetricResponseTime        Metric = "response_time"
	MetricDiskSpace           Metric = "disk_space"
	MetricConsecutiveFailures Metric = "consecutive_failures"
)

// MetricSample is one observation of the live metrics
type MetricSample struct {
	ErrorRate           float64   `json:"error_rate"`
	MemoryUsage         float64   `json:"memory_usage"`
	CPUUsage            float64   `json:"cpu_usage"`
	ResponseTime        float64   `json:"response_time_ms"`
	DiskSpace           float64   `json:"disk_space_free"`
	ConsecutiveFailures float64   `json:"consecutive_failures"`
	SwarmHealth         float64   `json:"swarm_health"`
	CollectedAt         time.Time `json:"collected_at"`
}

// Value returns the value of the named metric
func (s MetricSample) Value(m Metric) (float64, bool) {
	switch m {
	case MetricErrorRate:
		return s.ErrorRate, true
	case MetricMemoryUsage:
		return s.MemoryUsage, true
	case MetricCPUUsage:
		return s.CPUUsage, true
	case MetricResponseTime:
		return s.ResponseTime, true
	case MetricDiskSpace:
		return s.DiskSpace, true
	case MetricConsecutiveFailures:
		return s.ConsecutiveFailures, true
	}
	return 0, false
}
