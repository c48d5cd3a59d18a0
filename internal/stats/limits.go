package stats

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskLimit is the result of computing the effective cache size limit:
// min(fixed_max, free_disk - reserved_headroom).
type DiskLimit struct {
	EffectiveLimit   int64
	CleanupThreshold int64
	DiskLimited      bool
}

// ComputeDiskLimit inspects the filesystem backing path (the cache
// directory) via golang.org/x/sys/unix.Statfs and derives the effective
// limit and cleanup threshold from the configured bounds.
func ComputeDiskLimit(path string, fixedMaxBytes, reservedHeadroomBytes int64, cleanupThresholdRatio float64) (DiskLimit, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return DiskLimit{}, fmt.Errorf("stats: statfs %s: %w", path, err)
	}

	freeBytes := int64(fs.Bavail) * int64(fs.Bsize)
	diskLimit := freeBytes - reservedHeadroomBytes
	if diskLimit < 0 {
		diskLimit = 0
	}

	effective := fixedMaxBytes
	diskLimited := false
	if diskLimit < fixedMaxBytes {
		effective = diskLimit
		diskLimited = true
	}

	threshold := int64(float64(effective) * cleanupThresholdRatio)
	return DiskLimit{
		EffectiveLimit:   effective,
		CleanupThreshold: threshold,
		DiskLimited:      diskLimited,
	}, nil
}
