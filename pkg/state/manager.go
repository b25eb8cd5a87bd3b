package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/psantana5/memguard/pkg/cache"
	"github.com/psantana5/memguard/pkg/conversation"
	"github.com/psantana5/memguard/pkg/logging"
	"github.com/psantana5/memguard/pkg/storage"
)

// latestKey is the cache key for the most recent persisted snapshot
const latestKey = "latest"

// persistRetries bounds how many times a failed snapshot write is retried
// before the failure is declared and swallowed.
const persistRetries = 2

// ProcessInfoSource supplies the current supervised process identity.
// The guardian implements this.
type ProcessInfoSource interface {
	ProcessInfo() ProcessInfo
}

// ContextApplier applies a restored conversation context to the replacement
// process's context store.
type ContextApplier interface {
	Apply(ctx *conversation.Context) error
}

// FileApplier writes the restored context as JSON for the supervised
// application to pick up on startup.
type FileApplier struct {
	Path    string
	Storage *storage.Storage
}

// Apply writes the context atomically to the configured path
func (a *FileApplier) Apply(ctx *conversation.Context) error {
	if a.Path == "" {
		return fmt.Errorf("no restore path configured")
	}
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal restored context: %w", err)
	}
	return a.Storage.Write(data, a.Path, true, false)
}

// Options configures a Manager
type Options struct {
	StateFile string
	Compress  bool
	CacheSize int
	CacheTTL  time.Duration

	// RestorePath is where restored conversation context is applied when no
	// custom applier is installed. Defaults to "<state dir>/restore.json".
	RestorePath string
}

// Manager coordinates capture, persist, load and restore of snapshots, plus
// retention cleanup of superseded ones.
type Manager struct {
	opts      Options
	storage   *storage.Storage
	cache     *cache.Cache
	extractor *conversation.Extractor
	process   ProcessInfoSource
	applier   ContextApplier
	logger    *logging.Logger

	mu           sync.Mutex // serializes persist/cleanup file operations
	captureCount int64
	restoreCount int64
}

// NewManager creates a state manager. process may be nil when the manager is
// used only for offline snapshot inspection and cleanup.
func NewManager(opts Options, st *storage.Storage, extractor *conversation.Extractor, process ProcessInfoSource, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if st == nil {
		st = storage.New()
	}
	if opts.RestorePath == "" && opts.StateFile != "" {
		opts.RestorePath = filepath.Join(filepath.Dir(opts.StateFile), "restore.json")
	}

	return &Manager{
		opts:      opts,
		storage:   st,
		cache:     cache.New(opts.CacheSize, opts.CacheTTL),
		extractor: extractor,
		process:   process,
		applier:   &FileApplier{Path: opts.RestorePath, Storage: st},
		logger:    logger,
	}
}

// SetApplier replaces the default file-based context applier
func (m *Manager) SetApplier(a ContextApplier) {
	m.applier = a
}

// Capture gathers current process state and conversation context into a new
// immutable snapshot.
func (m *Manager) Capture(reason string) *Snapshot {
	snap := &Snapshot{
		StateID:       uuid.NewString(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		CaptureReason: reason,
	}
	if m.process != nil {
		snap.Process = m.process.ProcessInfo()
	}
	if m.extractor != nil {
		snap.Conversation = m.extractor.Extract(true)
	}

	atomic.AddInt64(&m.captureCount, 1)
	m.logger.Debug("Captured state snapshot", map[string]interface{}{
		"state_id": snap.StateID, "reason": reason,
	})
	return snap
}

// Persist serializes the snapshot to the state file (and an archive copy)
// and updates the cache. I/O failures are retried with exponential backoff,
// then logged and reported as false; persistence never raises.
func (m *Manager) Persist(snap *Snapshot) bool {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		m.logger.Error("State persist failed: cannot marshal snapshot", map[string]interface{}{
			"state_id": snap.StateID, "error": err.Error(),
		})
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	write := func() error {
		if err := m.storage.Write(data, m.opts.StateFile, true, m.opts.Compress); err != nil {
			return err
		}
		return m.storage.Write(data, m.archivePath(snap.StateID), true, m.opts.Compress)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), persistRetries)
	if err := backoff.Retry(write, policy); err != nil {
		m.logger.Error("State persist failed", map[string]interface{}{
			"state_id": snap.StateID, "path": m.opts.StateFile, "error": err.Error(),
		})
		return false
	}

	m.cache.Set(latestKey, snap)
	m.cache.Set(snap.StateID, snap)
	return true
}

// Load returns the most recent persisted snapshot, consulting the cache
// first. An absent or corrupt state file yields nil, not an error.
func (m *Manager) Load() *Snapshot {
	if v, ok := m.cache.Get(latestKey); ok {
		return v.(*Snapshot)
	}

	data, err := m.storage.Read(m.opts.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if errors.Is(err, storage.ErrStateCorrupt) {
			m.logger.Warn("State file corrupt, treating as no snapshot", map[string]interface{}{
				"path": m.opts.StateFile,
			})
			return nil
		}
		m.logger.Warn("Failed to read state file", map[string]interface{}{
			"path": m.opts.StateFile, "error": err.Error(),
		})
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("State file corrupt, treating as no snapshot", map[string]interface{}{
			"path": m.opts.StateFile, "error": err.Error(),
		})
		return nil
	}

	m.cache.Set(latestKey, &snap)
	return &snap
}

// Restore validates the snapshot and applies its conversation context to the
// replacement process. Returns false on schema mismatch or apply failure.
func (m *Manager) Restore(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	if snap.SchemaVersion != SchemaVersion {
		m.logger.Warn("Refusing to restore incompatible snapshot", map[string]interface{}{
			"state_id": snap.StateID, "schema_version": snap.SchemaVersion, "supported": SchemaVersion,
		})
		return false
	}
	if snap.Conversation == nil {
		m.logger.Warn("Snapshot carries no conversation context", map[string]interface{}{
			"state_id": snap.StateID,
		})
		return false
	}

	if err := m.applier.Apply(snap.Conversation); err != nil {
		m.logger.Error("Failed to apply restored context", map[string]interface{}{
			"state_id": snap.StateID, "error": err.Error(),
		})
		return false
	}

	atomic.AddInt64(&m.restoreCount, 1)
	m.logger.Info("Restored conversation context", map[string]interface{}{
		"state_id":     snap.StateID,
		"conversation": snap.Conversation.ActiveConversationID,
	})
	return true
}

// CleanupOldStates removes archived snapshots older than the retention
// period and returns how many were removed. Running it twice back to back
// removes nothing the second time.
func (m *Manager) CleanupOldStates(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.archiveDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan snapshot directory: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			m.logger.Warn("Failed to remove old snapshot", map[string]interface{}{
				"file": entry.Name(), "error": err.Error(),
			})
			continue
		}
		m.cache.Delete(strings.TrimSuffix(entry.Name(), snapshotExt(m.opts.Compress)))
		removed++
	}

	if removed > 0 {
		m.logger.Info("Removed old snapshots", map[string]interface{}{
			"count": removed, "retention_days": retentionDays,
		})
	}
	return removed, nil
}

// ListSnapshots returns the archived snapshot IDs with their modification
// times, newest first last. Read-only, used by the status surfaces.
func (m *Manager) ListSnapshots() []SnapshotFileInfo {
	entries, err := os.ReadDir(m.archiveDir())
	if err != nil {
		return nil
	}

	infos := make([]SnapshotFileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, SnapshotFileInfo{
			StateID:    strings.TrimSuffix(entry.Name(), snapshotExt(m.opts.Compress)),
			ModifiedAt: info.ModTime(),
			SizeBytes:  info.Size(),
		})
	}
	return infos
}

// SnapshotFileInfo describes one archived snapshot on disk
type SnapshotFileInfo struct {
	StateID    string    `json:"state_id"`
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// Stats reports manager counters for observability
type Stats struct {
	Captures   int64       `json:"captures"`
	Restores   int64       `json:"restores"`
	Writes     int64       `json:"writes"`
	Reads      int64       `json:"reads"`
	CacheStats cache.Stats `json:"cache"`
}

// GetStats returns current manager counters
func (m *Manager) GetStats() Stats {
	return Stats{
		Captures:   atomic.LoadInt64(&m.captureCount),
		Restores:   atomic.LoadInt64(&m.restoreCount),
		Writes:     m.storage.WriteCount(),
		Reads:      m.storage.ReadCount(),
		CacheStats: m.cache.GetStats(),
	}
}

// RunCleanupLoop runs retention cleanup on the given interval until the
// context is cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval time.Duration, retentionDays int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupOldStates(retentionDays); err != nil {
				m.logger.Warn("Snapshot cleanup failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (m *Manager) archiveDir() string {
	return filepath.Join(filepath.Dir(m.opts.StateFile), "snapshots")
}

func (m *Manager) archivePath(stateID string) string {
	return filepath.Join(m.archiveDir(), stateID+snapshotExt(m.opts.Compress))
}

func snapshotExt(compress bool) string {
	if compress {
		return ".json.gz"
	}
	return ".json"
}
