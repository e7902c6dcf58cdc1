// Package queue provides the local durable queue for monitoring cycles that
// could not be committed to the store. Each pending cycle is one JSON file in
// the queue directory; a sidecar counter file hands out local snapshot ids.
// Data persists across crashes and reboots.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/agent/internal/models"
)

const (
	filePrefix  = "batch_"
	fileExt     = ".json"
	counterFile = "next_snapshot_id"

	// timeLayout is used in file names. It sorts lexically and contains no
	// characters that are invalid on Windows.
	timeLayout = "20060102T150405.000Z"
)

// ErrNotFound is returned when no pending record exists for a lookup.
var ErrNotFound = errors.New("pending record not found")

// Queue stores pending records as files in a directory. All operations are
// serialized behind a single mutex; volume is at most one small file per cycle.
type Queue struct {
	dir       string
	maxSizeMB int
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	nextID int64
}

// New opens (creating if needed) a queue in dir. A maxSizeMB of zero disables
// the size cap. The local id counter is raised above every id still referenced
// by a queued record, so a missing or damaged counter file never causes reuse.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &Queue{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		logger:    logger,
		now:       time.Now,
	}

	next, err := q.readCounter()
	if err != nil {
		return nil, err
	}

	records, err := q.readAll()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.LocalSnapshotID >= next {
			next = r.LocalSnapshotID + 1
		}
	}
	q.nextID = next

	return q, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Put writes the record, replacing any existing file for the same batch id.
// The write is atomic: readers see either the old or the new content.
func (q *Queue) Put(record models.PendingRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(record)
}

// Get returns the pending record for a local snapshot id, or ErrNotFound.
func (q *Queue) Get(localSnapshotID int64) (models.PendingRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getLocked(localSnapshotID)
}

// Has reports whether a pending record exists for the local snapshot id.
func (q *Queue) Has(localSnapshotID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	matches, err := q.filesForSnapshot(localSnapshotID)
	return err == nil && len(matches) > 0
}

// Update performs an atomic read-modify-write of the record for a local
// snapshot id. When no record exists, create supplies the initial value; a
// nil create makes Update return ErrNotFound instead. The stored result is
// returned.
func (q *Queue) Update(localSnapshotID int64, create func() models.PendingRecord, mutate func(*models.PendingRecord)) (models.PendingRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, err := q.getLocked(localSnapshotID)
	if errors.Is(err, ErrNotFound) {
		if create == nil {
			return models.PendingRecord{}, err
		}
		record = create()
		record.LocalSnapshotID = localSnapshotID
	} else if err != nil {
		return models.PendingRecord{}, err
	}

	mutate(&record)
	if err := q.putLocked(record); err != nil {
		return models.PendingRecord{}, err
	}
	return record, nil
}

// ListPending returns all pending records, oldest first. Records are ordered
// by local snapshot id, which is assigned monotonically, so the order does not
// depend on filesystem timestamp resolution. Unreadable files are moved aside
// with a .corrupt suffix and logged.
func (q *Queue) ListPending() ([]models.PendingRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readAll()
}

// Remove deletes every file belonging to the batch id. Removing an absent
// batch is not an error.
func (q *Queue) Remove(batchID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(batchID)
}

// Count returns the number of pending record files.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.recordFiles()
	if err != nil {
		return 0
	}
	return len(names)
}

// PurgeOlderThan deletes every record created strictly before now-retention,
// regardless of its retry count. It returns the number of records purged.
func (q *Queue) PurgeOlderThan(retention time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-retention)
	records, err := q.readAll()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, r := range records {
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		if err := q.removeLocked(r.BatchID); err != nil {
			return purged, err
		}
		purged++
	}

	if purged > 0 {
		q.logger.Info("Purged expired pending records",
			zap.Int("count", purged),
			zap.Duration("retention", retention))
	}
	return purged, nil
}

// NextLocalSnapshotID increments the persisted counter and returns the id it
// held. Ids start at 1.
func (q *Queue) NextLocalSnapshotID() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextID
	if err := q.writeCounter(id + 1); err != nil {
		return 0, err
	}
	q.nextID = id + 1
	return id, nil
}

// putLocked must be called with q.mu held.
func (q *Queue) putLocked(record models.PendingRecord) error {
	if record.BatchID == uuid.Nil {
		return fmt.Errorf("put pending record: empty batch id")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if record.Processes == nil {
		record.Processes = make([]models.ProcessSample, 0)
	}

	if q.maxSizeMB > 0 && q.currentSizeMB() >= q.maxSizeMB {
		q.logger.Warn("Queue full, dropping oldest pending record")
		q.dropOldest(record.BatchID)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal pending record: %w", err)
	}

	name := fileName(record)
	if err := writeFileAtomic(filepath.Join(q.dir, name), data); err != nil {
		return fmt.Errorf("write pending record: %w", err)
	}

	// Drop stale files for the same batch written under a different name.
	stale, err := q.filesForBatch(record.BatchID)
	if err != nil {
		return err
	}
	for _, s := range stale {
		if s == name {
			continue
		}
		if err := os.Remove(filepath.Join(q.dir, s)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale record file: %w", err)
		}
	}

	if record.LocalSnapshotID >= q.nextID {
		if err := q.writeCounter(record.LocalSnapshotID + 1); err != nil {
			return err
		}
		q.nextID = record.LocalSnapshotID + 1
	}
	return nil
}

// getLocked must be called with q.mu held.
func (q *Queue) getLocked(localSnapshotID int64) (models.PendingRecord, error) {
	matches, err := q.filesForSnapshot(localSnapshotID)
	if err != nil {
		return models.PendingRecord{}, err
	}
	if len(matches) == 0 {
		return models.PendingRecord{}, ErrNotFound
	}
	return q.readFile(filepath.Join(q.dir, matches[0]))
}

// removeLocked must be called with q.mu held.
func (q *Queue) removeLocked(batchID uuid.UUID) error {
	names, err := q.filesForBatch(batchID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove pending record: %w", err)
		}
	}
	return nil
}

// readAll must be called with q.mu held.
func (q *Queue) readAll() ([]models.PendingRecord, error) {
	names, err := q.recordFiles()
	if err != nil {
		return nil, err
	}

	records := make([]models.PendingRecord, 0, len(names))
	for _, name := range names {
		path := filepath.Join(q.dir, name)
		record, err := q.readFile(path)
		if err != nil {
			q.logger.Warn("Failed to read pending record, moving aside",
				zap.String("file", path),
				zap.Error(err))
			if rnErr := os.Rename(path, path+".corrupt"); rnErr != nil {
				q.logger.Error("Failed to move corrupt record",
					zap.String("file", path),
					zap.Error(rnErr))
			}
			continue
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].LocalSnapshotID != records[j].LocalSnapshotID {
			return records[i].LocalSnapshotID < records[j].LocalSnapshotID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (q *Queue) readFile(path string) (models.PendingRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.PendingRecord{}, err
	}
	var record models.PendingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.PendingRecord{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if record.BatchID == uuid.Nil {
		return models.PendingRecord{}, fmt.Errorf("parse %s: missing batch id", filepath.Base(path))
	}
	return record, nil
}

// recordFiles returns the names of all record files, sorted.
func (q *Queue) recordFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (q *Queue) filesForSnapshot(localSnapshotID int64) ([]string, error) {
	names, err := q.recordFiles()
	if err != nil {
		return nil, err
	}
	prefix := snapshotPrefix(localSnapshotID)
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (q *Queue) filesForBatch(batchID uuid.UUID) ([]string, error) {
	names, err := q.recordFiles()
	if err != nil {
		return nil, err
	}
	suffix := "_" + batchID.String() + fileExt
	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, suffix) {
			out = append(out, n)
		}
	}
	return out, nil
}

// currentSizeMB returns the total size of all record files in megabytes.
// Must be called with q.mu held.
func (q *Queue) currentSizeMB() int {
	var totalSize int64
	names, err := q.recordFiles()
	if err != nil {
		return 0
	}
	for _, n := range names {
		if info, err := os.Stat(filepath.Join(q.dir, n)); err == nil {
			totalSize += info.Size()
		}
	}
	return int(totalSize / (1024 * 1024))
}

// dropOldest removes the oldest record file other than keep.
// Must be called with q.mu held.
func (q *Queue) dropOldest(keep uuid.UUID) {
	names, err := q.recordFiles()
	if err != nil {
		return
	}
	keepSuffix := "_" + keep.String() + fileExt
	for _, n := range names {
		if strings.HasSuffix(n, keepSuffix) {
			continue
		}
		path := filepath.Join(q.dir, n)
		if err := os.Remove(path); err != nil {
			q.logger.Warn("Failed to remove oldest pending record",
				zap.String("file", path),
				zap.Error(err))
		} else {
			q.logger.Error("Dropped pending record to stay under size limit, data lost",
				zap.String("file", path))
		}
		return
	}
}

func (q *Queue) readCounter() (int64, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, counterFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read snapshot id counter: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 1 {
		q.logger.Warn("Snapshot id counter unreadable, rebuilding from queued records",
			zap.String("content", string(data)))
		return 1, nil
	}
	return n, nil
}

func (q *Queue) writeCounter(next int64) error {
	path := filepath.Join(q.dir, counterFile)
	if err := writeFileAtomic(path, []byte(strconv.FormatInt(next, 10))); err != nil {
		return fmt.Errorf("write snapshot id counter: %w", err)
	}
	return nil
}

func fileName(r models.PendingRecord) string {
	return fmt.Sprintf("%s%s_%s%s",
		snapshotPrefix(r.LocalSnapshotID),
		r.CreatedAt.UTC().Format(timeLayout),
		r.BatchID.String(),
		fileExt)
}

func snapshotPrefix(localSnapshotID int64) string {
	return fmt.Sprintf("%s%020d_", filePrefix, localSnapshotID)
}

func isRecordFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && filepath.Ext(name) == fileExt
}
