package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DiffInfoFileName is the name of the diff-info cache file inside the output directory.
	DiffInfoFileName = "diff-info.json"
)

// ErrNoRecord is returned by Load when no cache file exists.
var ErrNoRecord = errors.New("no cached diff info")

// DiffInfoRecord is the last successfully computed diff info, tagged with
// when it was generated and which snapshot it was generated for.
type DiffInfoRecord struct {
	ID                  string    `json:"id"`
	Target              string    `json:"target"`
	TargetType          string    `json:"targetType"`
	ChangedFiles        []string  `json:"changedFiles"`
	DiffSummary         string    `json:"diffSummary"`
	GeneratedAt         time.Time `json:"generatedAt"`
	SnapshotFingerprint string    `json:"snapshotFingerprint,omitempty"`
}

// FreshFor reports whether the record was generated from a snapshot with
// the given fingerprint.
func (r *DiffInfoRecord) FreshFor(fingerprint string) bool {
	return r.SnapshotFingerprint != "" && r.SnapshotFingerprint == fingerprint
}

// Manager persists the diff-info cache.
type Manager interface {
	// Load reads the cached record. It returns ErrNoRecord when nothing was cached.
	Load() (*DiffInfoRecord, error)

	// Save overwrites the cached record, assigning an ID and timestamp when missing.
	Save(rec *DiffInfoRecord) error

	// Exists reports whether a cache file is present.
	Exists() bool
}

// FileManager is a file-backed implementation of the Manager interface.
type FileManager struct {
	mu       sync.Mutex
	filePath string
	now      func() time.Time
}

// NewFileManager creates a new FileManager for the given directory.
// The cache file will be stored at dir/diff-info.json.
func NewFileManager(dir string) *FileManager {
	return &FileManager{
		filePath: filepath.Join(dir, DiffInfoFileName),
		now:      time.Now,
	}
}

// Load reads the cached record from disk.
func (m *FileManager) Load() (*DiffInfoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("failed to read diff info cache %s: %w", m.filePath, err)
	}

	var rec DiffInfoRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse diff info cache %s: %w", m.filePath, err)
	}
	return &rec, nil
}

// Save writes the record to disk, replacing any previous one.
func (m *FileManager) Save(rec *DiffInfoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = m.now().UTC()
	}
	if rec.ChangedFiles == nil {
		rec.ChangedFiles = []string{}
	}

	// Ensure directory exists
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal diff info: %w", err)
	}

	// Write-then-rename keeps readers from seeing a torn file.
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write diff info cache %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("failed to replace diff info cache %s: %w", m.filePath, err)
	}

	return nil
}

// Exists reports whether a cache file is present.
func (m *FileManager) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := os.Stat(m.filePath)
	return err == nil
}
