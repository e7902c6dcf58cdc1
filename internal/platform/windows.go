//go:build windows

// Windows-specific Platform implementation.
// Uses system commands for Windows-specific metrics.
package platform

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// nvidiaSMITimeout bounds a single nvidia-smi invocation so a hung driver
// cannot stall the collection cycle.
const nvidiaSMITimeout = 3 * time.Second

// WindowsPlatform implements Platform for Windows systems.
type WindowsPlatform struct{}

// New creates a new Windows platform instance.
func New() Platform {
	return &WindowsPlatform{}
}

// Name returns the platform identifier.
func (p *WindowsPlatform) Name() string { return "windows" }

// GetGPUTemperature attempts to read GPU temperature via nvidia-smi.
// Returns nil if NVIDIA GPU or nvidia-smi is not available.
func (p *WindowsPlatform) GetGPUTemperature() (*float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), nvidiaSMITimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=temperature.gpu", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, nil // Not available
	}
	// One line per GPU; the first adapter is reported.
	line := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	temp, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return nil, nil
	}
	return &temp, nil
}
