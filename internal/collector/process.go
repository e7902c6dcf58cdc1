// Top N processes collector: gathers the most resource-intensive processes.
// Uses gopsutil for cross-platform process listing.
package collector

import (
	"context"
	"sort"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

// ProcessCollector collects the top N processes by CPU usage.
type ProcessCollector struct {
	topN int
}

// NewProcessCollector creates a new process collector that returns the top N
// processes sorted by CPU usage descending.
func NewProcessCollector(topN int) *ProcessCollector {
	return &ProcessCollector{topN: topN}
}

// Name returns the collector identifier.
func (c *ProcessCollector) Name() string { return "processes" }

// Collect gathers the top N processes sorted by CPU usage descending.
// Individual process errors are silently skipped to avoid failing the
// entire collection due to a single inaccessible process.
func (c *ProcessCollector) Collect(ctx context.Context) (Result, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	samples := make([]models.ProcessSample, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		samples = append(samples, sampleProcess(ctx, p, name))
	}

	return ProcessResult(topByCPU(samples, c.topN)), nil
}

// IsAvailable returns true; process listing is available on all platforms.
func (c *ProcessCollector) IsAvailable() bool { return true }

func sampleProcess(ctx context.Context, p *process.Process, name string) models.ProcessSample {
	s := models.ProcessSample{
		Name: name,
		PID:  p.Pid,
	}

	if exe, err := p.ExeWithContext(ctx); err == nil && exe != "" {
		s.Path = &exe
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = pct
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		s.WorkingSetMB = toMB(mi.RSS)
		s.VirtualMB = toMB(mi.VMS)
		// Data is the private segment where the OS reports it.
		s.PrivateMB = toMB(mi.Data)
		if mi.Data == 0 {
			s.PrivateMB = s.WorkingSetMB
		}
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.ThreadCount = n
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		s.HandleCount = n
	}
	return s
}

// topByCPU sorts samples by CPU usage descending and keeps the first n.
// A non-positive n keeps everything.
func topByCPU(samples []models.ProcessSample, n int) []models.ProcessSample {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].CPUPercent > samples[j].CPUPercent
	})
	if n > 0 && len(samples) > n {
		samples = samples[:n]
	}
	return samples
}
