//go:build !windows

// Stub Platform implementation for non-Windows builds.
// gopsutil sensors cover GPU temperature on Linux and macOS, so the stub
// reports nothing.
package platform

// StubPlatform is a no-op Platform for non-Windows operating systems.
type StubPlatform struct{}

// New creates a stub platform instance for non-Windows systems.
func New() Platform {
	return &StubPlatform{}
}

// Name returns the platform identifier.
func (p *StubPlatform) Name() string { return "stub" }

// GetGPUTemperature returns nil on non-Windows platforms.
func (p *StubPlatform) GetGPUTemperature() (*float64, error) {
	return nil, nil
}
