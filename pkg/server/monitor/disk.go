package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskMonitor reports how much disk the data directory uses. Directory walks
// are cached.
type DiskMonitor struct {
	dataDir       string
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewDiskMonitor creates a monitor for dataDir
func NewDiskMonitor(dataDir string) *DiskMonitor {
	return &DiskMonitor{
		dataDir:       dataDir,
		cacheDuration: 10 * time.Second,
	}
}

// Usage returns the bytes allocated under the data directory
func (dm *DiskMonitor) Usage() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.lastCheck.IsZero() && time.Since(dm.lastCheck) < dm.cacheDuration {
		return dm.cachedUsage, nil
	}

	usage, err := dirSize(dm.dataDir)
	if err != nil {
		return 0, err
	}
	dm.cachedUsage = usage
	dm.lastCheck = time.Now()
	dataDirBytes.Set(float64(usage))
	return usage, nil
}

// dirSize sums allocated (not logical) file sizes, so sparse value logs are
// counted correctly.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += allocatedSize(filePath, info)
		}
		return nil
	})
	return size, err
}
