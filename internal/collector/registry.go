// Package collector provides a registry for managing metric collectors.
// Collectors are registered at startup; the scheduler queries the registry
// to run all available collectors concurrently.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

// Registry manages all registered collectors and orchestrates concurrent collection.
type Registry struct {
	collectors []Collector
	logger     *zap.Logger
}

// NewRegistry creates a new collector registry with the given logger.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		collectors: make([]Collector, 0),
		logger:     logger,
	}
}

// Register adds a collector if it's available on the current platform.
// Unavailable collectors are logged and skipped.
func (r *Registry) Register(c Collector) {
	if c.IsAvailable() {
		r.collectors = append(r.collectors, c)
		r.logger.Info("Registered collector", zap.String("name", c.Name()))
	} else {
		r.logger.Warn("Collector not available, skipping", zap.String("name", c.Name()))
	}
}

// CollectAll runs all registered collectors concurrently and returns a map
// of collector name -> result. Failed collectors are logged but do not
// prevent other collectors from completing.
func (r *Registry) CollectAll(ctx context.Context) map[string]Result {
	results := make(map[string]Result)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range r.collectors {
		wg.Add(1)
		go func(col Collector) {
			defer wg.Done()
			data, err := col.Collect(ctx)
			if err != nil {
				r.logger.Error("Collection failed",
					zap.String("collector", col.Name()),
					zap.Error(err))
				return
			}
			if data == nil {
				return
			}
			mu.Lock()
			results[col.Name()] = data
			mu.Unlock()
		}(c)
	}

	wg.Wait()
	return results
}

// Collectors returns a copy of all registered collectors.
func (r *Registry) Collectors() []Collector {
	result := make([]Collector, len(r.collectors))
	copy(result, r.collectors)
	return result
}

// Cycle runs all collectors and assembles one monitoring cycle. Results are
// applied in registration order; parts whose collector failed keep their zero
// value.
func (r *Registry) Cycle(ctx context.Context) models.Cycle {
	results := r.CollectAll(ctx)
	cycle := models.Cycle{
		Timestamp: time.Now().UTC(),
		Processes: make([]models.ProcessSample, 0),
	}
	for _, c := range r.collectors {
		if res, ok := results[c.Name()]; ok {
			res.Apply(&cycle)
		}
	}
	return cycle
}
