package monitor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskMonitor_Usage(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "000001.vlog")
	if err := os.WriteFile(testFile, []byte("test data"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	dm := NewDiskMonitor(tmpDir)
	usage, err := dm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage < 9 {
		t.Errorf("Usage() = %d, want at least 9", usage)
	}

	// Cached until the cache expires
	if err := os.WriteFile(filepath.Join(tmpDir, "more"), make([]byte, 1<<16), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	again, err := dm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if again != usage {
		t.Errorf("cached Usage() = %d, want %d", again, usage)
	}
}

func TestDiskMonitor_InvalidDir(t *testing.T) {
	dm := NewDiskMonitor("/nonexistent/path/12345")
	if _, err := dm.Usage(); err == nil {
		t.Error("Usage() should return error for nonexistent directory")
	}
}
