// RAM usage collector: gathers used and available memory.
// Uses gopsutil for cross-platform memory metrics.
package collector

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

const bytesPerMB = 1024 * 1024

// MemoryResult holds the collected memory usage data in megabytes.
type MemoryResult struct {
	UsedMB      float64
	AvailableMB float64
}

// Apply sets the cycle's memory figures.
func (r MemoryResult) Apply(c *models.Cycle) {
	c.System.UsedMemoryMB = r.UsedMB
	c.System.AvailableMemoryMB = r.AvailableMB
}

// MemoryCollector collects RAM usage metrics.
type MemoryCollector struct{}

// NewMemoryCollector creates a new memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

// Name returns the collector identifier.
func (c *MemoryCollector) Name() string { return "memory" }

// Collect gathers memory usage data.
func (c *MemoryCollector) Collect(ctx context.Context) (Result, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return MemoryResult{
		UsedMB:      toMB(v.Used),
		AvailableMB: toMB(v.Available),
	}, nil
}

// IsAvailable returns true; memory metrics are available on all platforms.
func (c *MemoryCollector) IsAvailable() bool { return true }

func toMB(b uint64) float64 {
	return float64(b) / bytesPerMB
}
