// CPU/GPU/board temperature collector: gathers thermal sensor readings.
// Uses gopsutil host sensors for temperature data with platform-specific
// fallbacks for GPU temperature. Collects the maximum (hottest) reading
// across all matching sensors to represent the worst-case thermal state.
package collector

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/agent/internal/models"
	"github.com/Guliveer/vitalis/agent/internal/platform"
)

// Sensor name substrings per category. The first category that matches wins,
// so package sensors are listed before the broader core keys ("coretemp"
// would otherwise match "core").
// Linux:  coretemp_package_id_0_input, coretemp_core_0_input, k10temp_tctl_input,
//         acpitz_temp1_input, amdgpu_edge_input, nct6775_systin_input
// macOS:  TC0D (CPU die), TC0P/TCXC (CPU core), TG0P (GPU), TB0T
// Windows: CPU Package, CPU Core #0, GPU Core, Motherboard
var (
	cpuPackageKeys  = []string{"package", "tctl", "tdie", "tc0d", "zenpower", "k10temp"}
	cpuCoreKeys     = []string{"core", "tc0p", "tcxc", "cpu"}
	gpuSensorKeys   = []string{"gpu", "nvidia", "radeon", "tg0p", "tg0d", "amdgpu", "nouveau"}
	boardSensorKeys = []string{"acpitz", "motherboard", "mainboard", "systin", "pch", "tb0t"}
)

// minValidTemp is the minimum temperature (°C) considered valid.
const minValidTemp = 0.0

// maxValidTemp is the maximum temperature (°C) considered valid.
// Readings above this are likely sensor errors.
const maxValidTemp = 150.0

// TemperatureCollector collects thermal readings.
// It accepts an optional Platform for GPU temperature fallback.
type TemperatureCollector struct {
	platform platform.Platform
	logger   *zap.Logger
}

// NewTemperatureCollector creates a new temperature collector.
// The platform parameter provides a fallback for GPU temperature
// (e.g., nvidia-smi on Windows). Pass nil if no platform fallback is needed.
// The logger parameter is used for debug logging. Pass nil for no logging.
func NewTemperatureCollector(p platform.Platform, logger *zap.Logger) *TemperatureCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemperatureCollector{
		platform: p,
		logger:   logger,
	}
}

// Name returns the collector identifier.
func (c *TemperatureCollector) Name() string { return "temperature" }

// Collect gathers temperature data from available sensors. Missing sensors
// are left nil. Falls back to the platform interface for GPU temperature if
// no GPU sensor is found via gopsutil.
func (c *TemperatureCollector) Collect(ctx context.Context) (Result, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		c.logger.Debug("Temperature sensors not available via gopsutil",
			zap.Error(err))
		// Fall through, we may still get GPU temp from the platform fallback
	}

	result := summarizeTemperatures(temps)
	if result.GPU == nil {
		result.GPU = c.platformGPUFallback()
	}

	c.logger.Debug("Temperatures collected",
		zap.Bool("cpu_package", result.CPUPackage != nil),
		zap.Bool("cpu_core", result.CPUCoreMax != nil),
		zap.Bool("gpu", result.GPU != nil),
		zap.Bool("motherboard", result.Motherboard != nil))
	return TemperatureResult(result), nil
}

// IsAvailable returns true; always registered; returns nil temps if sensors unavailable.
func (c *TemperatureCollector) IsAvailable() bool { return true }

// summarizeTemperatures reduces raw sensor readings to the hottest reading per
// category. The thermal limit is the hottest CPU reading relative to its
// sensor's critical threshold; throttling is reported when a CPU sensor is at
// or above its high threshold. Both stay nil when no sensor exposes limits.
func summarizeTemperatures(temps []host.TemperatureStat) models.TemperatureSample {
	var (
		result        models.TemperatureSample
		limitPct      *float64
		throttleKnown bool
		throttling    bool
	)

	for _, t := range temps {
		if !isValidTemperature(t.Temperature) {
			continue
		}

		name := strings.ToLower(t.SensorKey)
		isCPU := false
		switch {
		case matchesSensor(name, gpuSensorKeys):
			result.GPU = maxOf(result.GPU, t.Temperature)
		case matchesSensor(name, cpuPackageKeys):
			result.CPUPackage = maxOf(result.CPUPackage, t.Temperature)
			isCPU = true
		case matchesSensor(name, cpuCoreKeys):
			result.CPUCoreMax = maxOf(result.CPUCoreMax, t.Temperature)
			isCPU = true
		case matchesSensor(name, boardSensorKeys):
			result.Motherboard = maxOf(result.Motherboard, t.Temperature)
		}
		if !isCPU {
			continue
		}

		if t.Critical > 0 {
			limitPct = maxOf(limitPct, t.Temperature/t.Critical*100)
		}
		if t.High > 0 {
			throttleKnown = true
			if t.Temperature >= t.High {
				throttling = true
			}
		}
	}

	result.ThermalLimitPercent = limitPct
	if throttleKnown {
		result.Throttling = &throttling
	}
	return result
}

// platformGPUFallback attempts to get GPU temperature from the platform interface.
// Returns nil if the platform is not set or the temperature is unavailable/invalid.
func (c *TemperatureCollector) platformGPUFallback() *float64 {
	if c.platform == nil {
		c.logger.Debug("No platform fallback available for GPU temperature")
		return nil
	}

	temp, err := c.platform.GetGPUTemperature()
	if err != nil {
		c.logger.Debug("Platform GPU temperature fallback failed",
			zap.Error(err))
		return nil
	}

	if temp == nil {
		c.logger.Debug("Platform GPU temperature not available")
		return nil
	}

	if !isValidTemperature(*temp) {
		c.logger.Debug("Platform GPU temperature out of valid range",
			zap.Float64("temp_c", *temp))
		return nil
	}

	c.logger.Debug("GPU temperature collected from platform fallback",
		zap.Float64("temp_c", *temp))
	return temp
}

// isEmptyTemperature reports whether no sensor produced a reading.
func isEmptyTemperature(t models.TemperatureSample) bool {
	return t.CPUPackage == nil && t.CPUCoreMax == nil && t.GPU == nil &&
		t.Motherboard == nil && t.ThermalLimitPercent == nil && t.Throttling == nil
}

func maxOf(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

// matchesSensor checks if the sensor name contains any of the given key substrings.
func matchesSensor(name string, keys []string) bool {
	for _, key := range keys {
		if strings.Contains(name, key) {
			return true
		}
	}
	return false
}

// isValidTemperature returns true if the temperature is within a plausible range.
func isValidTemperature(temp float64) bool {
	return temp > minValidTemp && temp <= maxValidTemp
}
