package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the journal written inside the state directory.
const FileName = "decoded.jsonl"

var ErrEmptyStateDir = errors.New("state directory is empty")

// Record is one decoded message. Hash is the content hash of the raw
// message and is the only field used for duplicate detection.
type Record struct {
	Hash      string    `json:"hash"`
	MessageID string    `json:"message_id"`
	Encoded   bool      `json:"encoded,omitempty"`
	Degraded  []string  `json:"degraded,omitempty"`
	DecodedAt time.Time `json:"decoded_at"`
}

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(rec Record) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed int
	Encoded   int
	Degraded  int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(rec Record) error {
	m.add(rec)
	return nil
}

// add stores rec and reports whether the hash was new.
func (m *MemoryTracker) add(rec Record) bool {
	if rec.Hash == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[rec.Hash]; exists {
		return false
	}
	m.processed[rec.Hash] = rec
	return true
}

// Lookup returns the record stored for hash.
func (m *MemoryTracker) Lookup(hash string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.processed[hash]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Processed: len(m.processed)}
	for _, rec := range m.processed {
		if rec.Encoded {
			snap.Encoded++
		}
		if len(rec.Degraded) > 0 {
			snap.Degraded++
		}
	}
	return snap
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker persists decoded message hashes so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

// NewFileTracker loads the journal in stateDir. With persist false the
// journal is read but never written.
func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, ErrEmptyStateDir
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, FileName),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

// Path returns the journal location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		f.add(record)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkProcessed(rec Record) error {
	if rec.DecodedAt.IsZero() {
		rec.DecodedAt = time.Now().UTC()
	}
	if !f.add(rec) || !f.persist {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.flushLocked(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	err := errors.Join(f.flushLocked(), f.file.Close())
	f.file = nil
	if err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	return nil
}

func (f *FileTracker) flushLocked() error {
	if err := f.writer.Flush(); err != nil {
		return err
	}
	return f.file.Sync()
}
