package metrics

import (
	"context"
	"fmt"
	"math"

	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var log = logger.NewLogger("stockade.metrics")

// HostMetrics is the resource usage of the host in percent.
type HostMetrics struct {
	CPUUsage     int `json:"cpuUsage"`
	MemoryUsage  int `json:"memoryUsage"`
	StorageUsage int `json:"storageUsage"`
}

type MetricsService interface {
	HostMetrics(ctx context.Context) (HostMetrics, error)
	ProcessAlive(ctx context.Context, pid int) bool
}

type metricsService struct {
	storagePath string
}

// NewMetricsService creates a new MetricsService instance. The storage usage
// is reported for the file system containing storagePath.
func NewMetricsService(storagePath string) MetricsService {
	if storagePath == "" {
		storagePath = "/"
	}
	return &metricsService{
		storagePath: storagePath,
	}
}

// HostMetrics returns the current metrics of the host.
func (m *metricsService) HostMetrics(ctx context.Context) (HostMetrics, error) {
	cpuUsage, err := m.cpuUsage(ctx)
	if err != nil {
		return HostMetrics{}, err
	}
	memUsage, err := m.memoryUsage(ctx)
	if err != nil {
		return HostMetrics{}, err
	}
	diskUsage, err := m.diskUsage(ctx)
	if err != nil {
		return HostMetrics{}, err
	}
	return HostMetrics{
		CPUUsage:     cpuUsage,
		MemoryUsage:  memUsage,
		StorageUsage: diskUsage,
	}, nil
}

// ProcessAlive reports whether a process with the given pid still exists.
func (m *metricsService) ProcessAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		log.Debugf("failed to look up process %d: %v", pid, err)
		return false
	}
	return exists
}

// cpuUsage returns the current CPU usage in percent.
func (m *metricsService) cpuUsage(ctx context.Context) (int, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get cpu usage: %w", err)
	}
	if len(percent) > 0 {
		return int(math.Round(percent[0])), nil
	}
	return 0, nil
}

// memoryUsage returns the current memory usage in percent.
func (m *metricsService) memoryUsage(ctx context.Context) (int, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	return int(math.Round(stat.UsedPercent)), nil
}

// diskUsage returns the current disk usage in percent.
func (m *metricsService) diskUsage(ctx context.Context) (int, error) {
	stat, err := disk.UsageWithContext(ctx, m.storagePath)
	if err != nil {
		return 0, fmt.Errorf("failed to get disk usage: %w", err)
	}
	return int(math.Round(stat.UsedPercent)), nil
}
