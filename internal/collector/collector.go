// Package collector defines the Collector interface and the collectors that
// together measure one monitoring cycle.
package collector

import (
	"context"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

// Collector is the interface that all metric collectors must implement.
// Each collector measures one part of a monitoring cycle.
type Collector interface {
	// Name returns the unique identifier for this collector.
	Name() string

	// Collect measures this collector's part of the current cycle.
	// The context allows for cancellation and timeout control.
	Collect(ctx context.Context) (Result, error)

	// IsAvailable checks if this collector can run on the current platform.
	// Collectors that return false will not be registered.
	IsAvailable() bool
}

// Result is one collector's share of a monitoring cycle.
type Result interface {
	// Apply writes the result into its part of the cycle.
	Apply(c *models.Cycle)
}

// ProcessResult is the process list of a cycle, busiest first.
type ProcessResult []models.ProcessSample

// Apply sets the cycle's process list.
func (p ProcessResult) Apply(c *models.Cycle) {
	if p != nil {
		c.Processes = p
	}
}

// TemperatureResult is the thermal summary of a cycle.
type TemperatureResult models.TemperatureSample

// Apply attaches the temperature sample unless no sensor answered.
func (t TemperatureResult) Apply(c *models.Cycle) {
	s := models.TemperatureSample(t)
	if isEmptyTemperature(s) {
		return
	}
	c.Temperature = &s
}
