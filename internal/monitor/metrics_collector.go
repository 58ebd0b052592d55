package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/events"
	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/scheduler"
)

// SystemUsage is a host resource sample; every field is a fraction in [0,1]
type SystemUsage struct {
	CPU      float64
	Memory   float64
	DiskFree float64
}

// SystemProbe samples host resource usage
type SystemProbe interface {
	Sample(ctx context.Context) (SystemUsage, error)
}

// HostProbe samples the local host with gopsutil
type HostProbe struct {
	// DiskPath is the mount whose free space is reported
	DiskPath string

	// CPUWindow is how long CPU usage is measured over
	CPUWindow time.Duration
}

// Sample implements SystemProbe
func (p HostProbe) Sample(ctx context.Context) (SystemUsage, error) {
	window := p.CPUWindow
	if window <= 0 {
		window = time.Second
	}
	path := p.DiskPath
	if path == "" {
		path = "/"
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return SystemUsage{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return SystemUsage{}, fmt.Errorf("failed to get CPU usage: no samples")
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemUsage{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	diskInfo, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return SystemUsage{}, fmt.Errorf("failed to get disk usage of %s: %w", path, err)
	}

	return SystemUsage{
		CPU:      clamp01(cpuPercent[0] / 100),
		Memory:   clamp01(memInfo.UsedPercent / 100),
		DiskFree: clamp01(1 - diskInfo.UsedPercent/100),
	}, nil
}

// TaskStats reports the scheduler's running statistics
type TaskStats interface {
	Stats() scheduler.Stats
}

// SwarmHealth reports the aggregate agent health
type SwarmHealth interface {
	SwarmHealth() float64
}

// SampleSink consumes metric samples, e.g. the rollback triggers
type SampleSink func(ctx context.Context, sample model.MetricSample)

// MetricsCollector combines host usage with scheduler statistics into the
// live metric samples rollback triggers are evaluated against
type MetricsCollector struct {
	logger    *zap.Logger
	probe     SystemProbe
	tasks     TaskStats
	health    SwarmHealth
	publisher Publisher
	sinks     []SampleSink
	now       func() time.Time

	mu   sync.RWMutex
	last model.MetricSample
}

// CollectorOption configures a MetricsCollector
type CollectorOption func(*MetricsCollector)

// WithSwarmHealth sets where the aggregate agent health comes from
func WithSwarmHealth(h SwarmHealth) CollectorOption {
	return func(c *MetricsCollector) { c.health = h }
}

// WithSamplePublisher publishes every sample on swarm.metrics.system
func WithSamplePublisher(p Publisher) CollectorOption {
	return func(c *MetricsCollector) { c.publisher = p }
}

// WithSink adds a consumer of every sample
func WithSink(s SampleSink) CollectorOption {
	return func(c *MetricsCollector) { c.sinks = append(c.sinks, s) }
}

// WithCollectorClock overrides the time source
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *MetricsCollector) { c.now = now }
}

// NewMetricsCollector creates a metrics collector
func NewMetricsCollector(logger *zap.Logger, probe SystemProbe, tasks TaskStats, opts ...CollectorOption) *MetricsCollector {
	c := &MetricsCollector{
		logger: logger.Named("metrics-collector"),
		probe:  probe,
		tasks:  tasks,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect takes one sample, publishes it and hands it to the sinks. A
// failed host probe yields no sample so triggers never see invented values.
func (c *MetricsCollector) Collect(ctx context.Context) (model.MetricSample, error) {
	usage, err := c.probe.Sample(ctx)
	if err != nil {
		c.logger.Error("Failed to sample host", zap.Error(err))
		return model.MetricSample{}, err
	}

	sample := model.MetricSample{
		CPUUsage:    usage.CPU,
		MemoryUsage: usage.Memory,
		DiskSpace:   usage.DiskFree,
		SwarmHealth: 1,
		CollectedAt: c.now(),
	}
	if c.tasks != nil {
		stats := c.tasks.Stats()
		sample.ErrorRate = stats.ErrorRate
		sample.ResponseTime = float64(stats.MeanResponseTime) / float64(time.Millisecond)
		sample.ConsecutiveFailures = float64(stats.ConsecutiveFailures)
	}
	if c.health != nil {
		sample.SwarmHealth = c.health.SwarmHealth()
	}

	c.mu.Lock()
	c.last = sample
	c.mu.Unlock()

	if c.publisher != nil {
		if err := c.publisher.PublishJSON(ctx, events.SubjectMetrics, sample); err != nil {
			c.logger.Error("Failed to publish metrics", zap.Error(err))
		}
	}
	for _, sink := range c.sinks {
		sink(ctx, sample)
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", sample.CPUUsage),
		zap.Float64("memory_usage", sample.MemoryUsage),
		zap.Float64("disk_space_free", sample.DiskSpace),
		zap.Float64("error_rate", sample.ErrorRate),
		zap.Float64("swarm_health", sample.SwarmHealth))
	return sample, nil
}

// Last returns the most recent sample
func (c *MetricsCollector) Last() model.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
