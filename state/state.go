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

	"github.com/google/uuid"
)

const fileName = "extracted.jsonl"

// Tracker remembers which output folder every extracted message went to,
// so reruns reuse the folder and distinct messages never share one.
type Tracker interface {
	Destination(hash string) (string, bool)
	Record(hash, messageID, folder string) error
	Claimed(folder string) bool
	Snapshot() Snapshot
}

type Snapshot struct {
	Extracted int
	RunID     string
}

type MemoryTracker struct {
	mu      sync.RWMutex
	folders map[string]string
	claims  map[string]string
	runID   string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		folders: make(map[string]string),
		claims:  make(map[string]string),
		runID:   uuid.NewString(),
	}
}

// Destination returns the folder a message hash was written to.
func (m *MemoryTracker) Destination(hash string) (string, bool) {
	if hash == "" {
		return "", false
	}

	m.mu.RLock()
	folder, ok := m.folders[hash]
	m.mu.RUnlock()
	return folder, ok
}

// Claimed reports whether any message has been recorded for folder.
func (m *MemoryTracker) Claimed(folder string) bool {
	m.mu.RLock()
	_, ok := m.claims[filepath.Clean(folder)]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) Record(hash, messageID, folder string) error {
	if hash == "" {
		return nil
	}

	m.mu.Lock()
	m.put(hash, folder)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) put(hash, folder string) {
	folder = filepath.Clean(folder)
	m.folders[hash] = folder
	m.claims[folder] = hash
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.folders)
	m.mu.RUnlock()
	return Snapshot{Extracted: count, RunID: m.runID}
}

// FileTracker persists extracted message hashes so future runs can reuse
// their folders.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Hash        string    `json:"hash"`
	MessageID   string    `json:"message_id"`
	Folder      string    `json:"folder"`
	RunID       string    `json:"run_id"`
	ExtractedAt time.Time `json:"extracted_at"`
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, fileName),
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

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Hash == "" || record.Folder == "" {
			continue
		}

		f.mu.Lock()
		f.put(record.Hash, record.Folder)
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// Record stores the folder for hash and appends it to the state file.
func (f *FileTracker) Record(hash, messageID, folder string) error {
	if hash == "" {
		return nil
	}

	f.mu.Lock()
	if existing, ok := f.folders[hash]; ok && existing == filepath.Clean(folder) {
		f.mu.Unlock()
		return nil
	}
	f.put(hash, folder)
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	record := fileRecord{
		Hash:        hash,
		MessageID:   messageID,
		Folder:      filepath.Clean(folder),
		RunID:       f.runID,
		ExtractedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
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
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
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

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
