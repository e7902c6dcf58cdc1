// Package models defines the measurement data structures used throughout the agent.
// These structures are written to the store and serialized to JSON for the
// local offline queue, so JSON field names are part of the on-disk format.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SystemSample holds the system-wide measurements of one monitoring cycle.
type SystemSample struct {
	CPUPercent        *float64 `json:"cpu_percent"`
	UsedMemoryMB      float64  `json:"used_memory_mb"`
	AvailableMemoryMB float64  `json:"available_memory_mb"`
}

// ProcessSample represents a single process's resource usage within a cycle.
type ProcessSample struct {
	Name         string   `json:"name"`
	Path         *string  `json:"path"`
	PID          int32    `json:"pid"`
	CPUPercent   float64  `json:"cpu_percent"`
	WorkingSetMB float64  `json:"working_set_mb"`
	PrivateMB    float64  `json:"private_mb"`
	VirtualMB    float64  `json:"virtual_mb"`
	VRAMMB       *float64 `json:"vram_mb"`
	ThreadCount  int32    `json:"thread_count"`
	HandleCount  int32    `json:"handle_count"`
}

// Key returns the identity of the process the sample belongs to.
func (p ProcessSample) Key() ProcessKey {
	return NewProcessKey(p.Name, p.Path)
}

// ProcessKey identifies a process across cycles. An unknown executable path
// is represented by the empty string so the key stays comparable.
type ProcessKey struct {
	Name string
	Path string
}

// NewProcessKey builds a ProcessKey from a name and an optional path.
func NewProcessKey(name string, path *string) ProcessKey {
	k := ProcessKey{Name: name}
	if path != nil {
		k.Path = *path
	}
	return k
}

// PathPtr returns the path as an optional value, nil when unknown.
func (k ProcessKey) PathPtr() *string {
	if k.Path == "" {
		return nil
	}
	p := k.Path
	return &p
}

// TemperatureSample holds thermal readings. Nil pointers indicate the sensor
// was not found.
type TemperatureSample struct {
	CPUPackage          *float64 `json:"cpu_package"`
	CPUCoreMax          *float64 `json:"cpu_core_max"`
	GPU                 *float64 `json:"gpu"`
	Motherboard         *float64 `json:"motherboard"`
	ThermalLimitPercent *float64 `json:"thermal_limit_percent"`
	Throttling          *bool    `json:"throttling"`
}

// PendingRecord is the durable on-disk form of one monitoring cycle that has
// not been committed to the store yet. Processes only ever grows: separate
// write calls of the same cycle append to it.
type PendingRecord struct {
	BatchID         uuid.UUID `json:"batch_id"`
	LocalSnapshotID int64     `json:"local_snapshot_id"`

	// RemoteSnapshotID is set when the snapshot row of the cycle was already
	// committed before the store became unreachable. Restore attaches the
	// remaining rows to it instead of inserting a new snapshot.
	RemoteSnapshotID int64 `json:"remote_snapshot_id,omitempty"`

	CreatedAt   time.Time          `json:"created_at"`
	System      *SystemSample      `json:"system_sample"`
	Processes   []ProcessSample    `json:"process_samples"`
	Temperature *TemperatureSample `json:"temperature_sample"`
	RetryCount  int                `json:"retry_count"`
	LastError   string             `json:"last_error,omitempty"`
}

// NewPendingRecord creates an empty record for the given local snapshot id.
func NewPendingRecord(localSnapshotID int64, now time.Time) PendingRecord {
	return PendingRecord{
		BatchID:         uuid.New(),
		LocalSnapshotID: localSnapshotID,
		CreatedAt:       now.UTC(),
		Processes:       make([]ProcessSample, 0),
	}
}

// Cycle is everything the producer measured during one monitoring cycle.
type Cycle struct {
	Timestamp   time.Time
	System      SystemSample
	Processes   []ProcessSample
	Temperature *TemperatureSample
}

// Float64 returns a pointer to v. Convenience for optional fields.
func Float64(v float64) *float64 { return &v }

// String returns a pointer to s. Convenience for optional fields.
func String(s string) *string { return &s }

// Bool returns a pointer to b. Convenience for optional fields.
func Bool(b bool) *bool { return &b }
