package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Guliveer/vitalis/agent/internal/config"
	"github.com/Guliveer/vitalis/agent/internal/models"
)

type staticSource struct {
	cycle models.Cycle
	runs  atomic.Int32
}

func (s *staticSource) Cycle(context.Context) models.Cycle {
	s.runs.Add(1)
	return s.cycle
}

// recordingWriter records the calls it receives.
type recordingWriter struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (w *recordingWriter) record(call string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
	return w.fail
}

func (w *recordingWriter) CreateSnapshot(context.Context, models.SystemSample) (int64, error) {
	return 11, w.record("snapshot")
}

func (w *recordingWriter) GetOrCreateProcess(context.Context, string, *string) (int64, error) {
	return 1, w.record("process")
}

func (w *recordingWriter) CreateProcessSnapshot(_ context.Context, snapshotID, processID int64, p models.ProcessSample) error {
	return w.record("process_snapshot:" + p.Name)
}

func (w *recordingWriter) CreateTemperature(context.Context, int64, models.TemperatureSample) error {
	return w.record("temperature")
}

func (w *recordingWriter) BatchGetOrCreateProcesses(_ context.Context, keys []models.ProcessKey) (map[models.ProcessKey]int64, error) {
	ids := make(map[models.ProcessKey]int64, len(keys))
	for i, k := range keys {
		ids[k] = int64(i + 1)
	}
	return ids, w.record("batch_processes")
}

func (w *recordingWriter) CreateSnapshotWithData(context.Context, models.SystemSample, []models.ProcessSample, *models.TemperatureSample) (int64, error) {
	return 22, w.record("snapshot_with_data")
}

func (w *recordingWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func testSource() *staticSource {
	return &staticSource{cycle: models.Cycle{
		System:      models.SystemSample{UsedMemoryMB: 100},
		Processes:   []models.ProcessSample{{Name: "a"}, {Name: "b"}},
		Temperature: &models.TemperatureSample{GPU: models.Float64(40)},
	}}
}

func testConfig(single bool) config.CollectionConfig {
	return config.CollectionConfig{
		Interval:          config.Duration{Duration: 10 * time.Millisecond},
		PurgeInterval:     config.Duration{Duration: 10 * time.Millisecond},
		SingleTransaction: single,
	}
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name   string
		single bool
		wantID int64
		want   []string
	}{
		{
			name:   "single transaction",
			single: true,
			wantID: 22,
			want:   []string{"snapshot_with_data"},
		},
		{
			name:   "separate writes",
			single: false,
			wantID: 11,
			want:   []string{"snapshot", "batch_processes", "process_snapshot:a", "process_snapshot:b", "temperature"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			s := New(testSource(), w, testConfig(tt.single), zaptest.NewLogger(t))

			id, err := s.RunOnce(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if id != tt.wantID {
				t.Errorf("id = %d, want %d", id, tt.wantID)
			}
			got := w.snapshot()
			if len(got) != len(tt.want) {
				t.Fatalf("calls = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("call %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRunOnce_WriterError(t *testing.T) {
	w := &recordingWriter{fail: errors.New("disk full")}
	s := New(testSource(), w, testConfig(false), zaptest.NewLogger(t))

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := w.snapshot(); len(got) != 1 {
		t.Errorf("calls after failure = %v, want only the snapshot call", got)
	}
}

func TestStart_CollectsUntilCancelled(t *testing.T) {
	src := testSource()
	s := New(src, &recordingWriter{}, testConfig(true), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for src.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d cycles collected", src.runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

type countingPurger struct{ calls atomic.Int32 }

func (p *countingPurger) Purge() int {
	p.calls.Add(1)
	return 1
}

func TestStartPurge(t *testing.T) {
	s := New(testSource(), &recordingWriter{}, testConfig(true), zaptest.NewLogger(t))
	p := &countingPurger{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.StartPurge(ctx, p) }()

	deadline := time.After(5 * time.Second)
	for p.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("purge loop did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
