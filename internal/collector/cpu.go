// CPU usage collector: gathers overall CPU utilization.
// Uses gopsutil for cross-platform CPU metrics.
package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

// CPUResult holds the collected CPU usage data.
type CPUResult struct {
	Overall float64
}

// Apply sets the cycle's overall CPU usage.
func (r CPUResult) Apply(c *models.Cycle) {
	pct := r.Overall
	c.System.CPUPercent = &pct
}

// CPUCollector collects CPU usage metrics.
type CPUCollector struct {
	window time.Duration
}

// NewCPUCollector creates a new CPU collector that measures over window.
func NewCPUCollector(window time.Duration) *CPUCollector {
	return &CPUCollector{window: window}
}

// Name returns the collector identifier.
func (c *CPUCollector) Name() string { return "cpu" }

// Collect gathers the overall CPU percentage. It blocks for the measurement
// window to compute an accurate value.
func (c *CPUCollector) Collect(ctx context.Context) (Result, error) {
	overall, err := cpu.PercentWithContext(ctx, c.window, false)
	if err != nil {
		return nil, err
	}

	result := CPUResult{}
	if len(overall) > 0 {
		result.Overall = overall[0]
	}
	return result, nil
}

// IsAvailable returns true; CPU metrics are available on all platforms.
func (c *CPUCollector) IsAvailable() bool { return true }
