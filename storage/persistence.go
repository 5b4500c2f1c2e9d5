package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	opSet    = "SET"
	opDelete = "DELETE"
)

// LogEntry represents a single entry in the append-only log
type LogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Operation string `json:"operation"` // SET, DELETE
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
}

// SegmentOptions tunes segment rotation and compaction
type SegmentOptions struct {
	MaxSegmentSize      int64         // Maximum size per segment in bytes
	CompactionThreshold int           // Number of segments before compaction
	CompactionInterval  time.Duration // Minimum interval between compactions
}

// DefaultSegmentOptions returns the options used by NewSegmentManager
func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{
		MaxSegmentSize:      4 * 1024 * 1024,
		CompactionThreshold: 4,
		CompactionInterval:  time.Minute,
	}
}

// SegmentManager manages append-only log segments. Segments are replayed in
// order on load; a DELETE entry is a tombstone for every earlier SET of the
// same key.
type SegmentManager struct {
	mu               sync.Mutex
	dataDir          string
	opts             SegmentOptions
	currentSegment   *os.File
	currentSegmentID int64
	segments         []string  // Segment file paths, oldest first
	lastCompaction   time.Time // Last compaction time
}

// NewSegmentManager creates a new segment manager with default options
func NewSegmentManager(dataDir string) (*SegmentManager, error) {
	return NewSegmentManagerWithOptions(dataDir, DefaultSegmentOptions())
}

// NewSegmentManagerWithOptions creates a segment manager in dataDir
func NewSegmentManagerWithOptions(dataDir string, opts SegmentOptions) (*SegmentManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	sm := &SegmentManager{
		dataDir:        dataDir,
		opts:           opts,
		lastCompaction: time.Now(),
	}

	if err := sm.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}

	if err := sm.openCurrentSegment(); err != nil {
		return nil, fmt.Errorf("failed to open current segment: %w", err)
	}

	return sm, nil
}

func segmentName(id int64) string {
	return fmt.Sprintf("segment-%08d.log", id)
}

// loadSegments discovers existing segment files
func (sm *SegmentManager) loadSegments() error {
	files, err := os.ReadDir(sm.dataDir)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		name := file.Name()
		if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".log")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue // Skip invalid segment files
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sm.segments = sm.segments[:0]
	var maxID int64 = -1
	for _, id := range ids {
		sm.segments = append(sm.segments, filepath.Join(sm.dataDir, segmentName(id)))
		maxID = id
	}
	sm.currentSegmentID = maxID + 1

	return nil
}

// openCurrentSegment opens or creates the current segment for writing
func (sm *SegmentManager) openCurrentSegment() error {
	segmentPath := filepath.Join(sm.dataDir, segmentName(sm.currentSegmentID))

	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	sm.currentSegment = file

	for _, seg := range sm.segments {
		if seg == segmentPath {
			return nil
		}
	}
	sm.segments = append(sm.segments, segmentPath)
	return nil
}

// WriteEntry appends a log entry to the current segment and syncs it
func (sm *SegmentManager) WriteEntry(entry *LogEntry) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.currentSegment == nil {
		return ErrClosed
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := sm.currentSegment.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	// Sync to disk for durability
	if err := sm.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}

	if err := sm.checkSegmentRotation(); err != nil {
		return fmt.Errorf("failed to check segment rotation: %w", err)
	}

	if sm.shouldCompact() {
		// The entry is already durable; a failed compaction leaves the
		// segments as they were.
		if err := sm.performCompaction(); err != nil {
			log.Printf("storage: compaction failed: %v", err)
		}
	}

	return nil
}

// checkSegmentRotation rotates to a new segment if current one is too large
func (sm *SegmentManager) checkSegmentRotation() error {
	stat, err := sm.currentSegment.Stat()
	if err != nil {
		return err
	}
	if stat.Size() >= sm.opts.MaxSegmentSize {
		return sm.rotateSegment()
	}
	return nil
}

// rotateSegment closes current segment and opens a new one
func (sm *SegmentManager) rotateSegment() error {
	if err := sm.currentSegment.Close(); err != nil {
		return err
	}
	sm.currentSegmentID++
	return sm.openCurrentSegment()
}

func (sm *SegmentManager) shouldCompact() bool {
	if time.Since(sm.lastCompaction) < sm.opts.CompactionInterval {
		return false
	}
	return len(sm.segments) >= sm.opts.CompactionThreshold
}

// performCompaction folds every closed segment into the oldest one, keeping
// only the latest SET per key. Tombstones are dropped since no older segment
// remains for them to shadow. Callers hold sm.mu.
func (sm *SegmentManager) performCompaction() error {
	// Don't compact the current segment
	segmentsToCompact := sm.segments[:len(sm.segments)-1]
	if len(segmentsToCompact) < 2 {
		return nil
	}

	latest := make(map[string]*LogEntry)
	var orderedKeys []string
	for _, segmentPath := range segmentsToCompact {
		entries, err := readSegment(segmentPath)
		if err != nil {
			return fmt.Errorf("failed to read segment %s: %w", segmentPath, err)
		}
		for _, entry := range entries {
			if _, seen := latest[entry.Key]; !seen {
				orderedKeys = append(orderedKeys, entry.Key)
			}
			latest[entry.Key] = entry
		}
	}

	target := segmentsToCompact[0]
	tmpPath := target + ".compact"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create compacted segment: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, key := range orderedKeys {
		entry := latest[key]
		if entry.Operation == opDelete {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to marshal compacted entry: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write compacted segment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync compacted segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace segment: %w", err)
	}

	for _, segmentPath := range segmentsToCompact[1:] {
		if err := os.Remove(segmentPath); err != nil && !os.IsNotExist(err) {
			log.Printf("storage: failed to remove old segment %s: %v", segmentPath, err)
		}
	}

	newSegments := []string{target}
	newSegments = append(newSegments, sm.segments[len(segmentsToCompact):]...)
	sm.segments = newSegments
	sm.lastCompaction = time.Now()
	return nil
}

// readSegment reads all entries from a segment file. A torn trailing line
// from a crash mid-write is skipped.
func readSegment(segmentPath string) ([]*LogEntry, error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []*LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Printf("storage: skipping invalid entry in %s: %v", segmentPath, err)
			continue
		}
		entries = append(entries, &entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading segment: %w", err)
	}
	return entries, nil
}

// LoadAllEntries replays every segment and returns the live key set
func (sm *SegmentManager) LoadAllEntries() (map[string]string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	result := make(map[string]string)
	for _, segmentPath := range sm.segments {
		entries, err := readSegment(segmentPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", segmentPath, err)
		}
		for _, entry := range entries {
			switch entry.Operation {
			case opSet:
				result[entry.Key] = entry.Value
			case opDelete:
				delete(result, entry.Key)
			}
		}
	}
	return result, nil
}

// Close closes the current segment
func (sm *SegmentManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.currentSegment == nil {
		return nil
	}
	err := sm.currentSegment.Close()
	sm.currentSegment = nil
	return err
}

// GetStats returns statistics about the segment manager
func (sm *SegmentManager) GetStats() map[string]interface{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	stats := map[string]interface{}{
		"total_segments":       len(sm.segments),
		"current_segment_id":   sm.currentSegmentID,
		"max_segment_size":     sm.opts.MaxSegmentSize,
		"compaction_threshold": sm.opts.CompactionThreshold,
		"last_compaction":      sm.lastCompaction,
	}

	var totalSize int64
	for _, segmentPath := range sm.segments {
		if stat, err := os.Stat(segmentPath); err == nil {
			totalSize += stat.Size()
		}
	}
	stats["total_size_bytes"] = totalSize

	return stats
}

// FileDevice is a Device over an append-only segment log. The live key set
// is held in memory and rebuilt from the log on open.
type FileDevice struct {
	mu       sync.RWMutex
	segments *SegmentManager
	items    map[string]string
}

// OpenFileDevice opens (or creates) a segment log device in dir
func OpenFileDevice(dir string) (*FileDevice, error) {
	return OpenFileDeviceWithOptions(dir, DefaultSegmentOptions())
}

// OpenFileDeviceWithOptions opens a segment log device with custom options
func OpenFileDeviceWithOptions(dir string, opts SegmentOptions) (*FileDevice, error) {
	sm, err := NewSegmentManagerWithOptions(dir, opts)
	if err != nil {
		return nil, err
	}
	items, err := sm.LoadAllEntries()
	if err != nil {
		sm.Close()
		return nil, err
	}
	return &FileDevice{segments: sm, items: items}, nil
}

func (d *FileDevice) GetString(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.items == nil {
		return "", false, ErrClosed
	}
	value, ok := d.items[key]
	return value, ok, nil
}

func (d *FileDevice) SetString(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.items == nil {
		return ErrClosed
	}
	return d.setLocked(key, value)
}

func (d *FileDevice) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.items == nil {
		return ErrClosed
	}
	old, found := d.items[key]
	value, err := fn(old, found)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	return d.setLocked(key, value)
}

// setLocked appends a SET entry; callers hold d.mu
func (d *FileDevice) setLocked(key, value string) error {
	entry := &LogEntry{
		Timestamp: time.Now().UnixNano(),
		Operation: opSet,
		Key:       key,
		Value:     value,
	}
	if err := d.segments.WriteEntry(entry); err != nil {
		return err
	}
	d.items[key] = value
	return nil
}

func (d *FileDevice) RemoveKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.items == nil {
		return ErrClosed
	}
	if _, ok := d.items[key]; !ok {
		return nil
	}
	entry := &LogEntry{
		Timestamp: time.Now().UnixNano(),
		Operation: opDelete,
		Key:       key,
	}
	if err := d.segments.WriteEntry(entry); err != nil {
		return err
	}
	delete(d.items, key)
	return nil
}

func (d *FileDevice) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.items == nil {
		return nil, ErrClosed
	}
	var keys []string
	for key := range d.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats exposes the segment statistics of the underlying log
func (d *FileDevice) Stats() map[string]interface{} {
	return d.segments.GetStats()
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items = nil
	return d.segments.Close()
}
