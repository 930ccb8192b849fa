//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// diskUsage returns the bytes allocated to a file, which for badger's
// sparse value logs is well below the logical size.
func diskUsage(path string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	// Blocks are 512 bytes regardless of filesystem block size
	return stat.Blocks * 512, nil
}
