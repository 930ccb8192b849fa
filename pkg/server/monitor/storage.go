package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UsageCacheDuration bounds how often the data directory is walked.
const UsageCacheDuration = 10 * time.Second

// StorageMonitor reports on-disk usage of the data directory against a
// configured ceiling. Usage is cached to avoid walking badger's files on
// every request.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a new storage monitor. An empty dataDir (the
// MySQL and memory backends) always reports zero usage.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: UsageCacheDuration,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	if sm.dataDir == "" {
		return 0, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// OverLimit reports whether usage exceeds the limit. A zero limit never
// trips.
func (sm *StorageMonitor) OverLimit() (bool, error) {
	if sm.maxBytes <= 0 {
		return false, nil
	}
	used, err := sm.GetUsage()
	if err != nil {
		return false, err
	}
	return used > sm.maxBytes, nil
}

// calculateDirSize sums allocated bytes under path.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		actual, err := diskUsage(filePath, info)
		if err != nil {
			size += info.Size()
		} else {
			size += actual
		}
		return nil
	})
	return size, err
}
