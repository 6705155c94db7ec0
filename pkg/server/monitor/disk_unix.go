//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// allocatedSize returns the blocks allocated to a file
func allocatedSize(path string, info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	return stat.Blocks * 512
}
