package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/guiyumin/streamcached/internal/config"
	"github.com/guiyumin/streamcached/internal/stats"
	"github.com/guiyumin/streamcached/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a cache statistics report",
	Long: `Print the durable cache_statistics row plus the dynamic disk-limit
calculation. This reads the on-disk database directly, so it works whether
or not a 'streamcached serve' daemon is currently running -- the hot-path
atomic counters from a live process are not included since those only
exist inside that process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadOrDefault()
		return printStats(cfg)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func printStats(cfg *config.Config) error {
	dbPath := filepath.Join(cfg.CacheDir, "streamcached.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("cli: open store: %w", err)
	}
	defer db.Close()

	statsDB := store.NewStatsStore(db)
	row, err := statsDB.Get()
	if err != nil {
		return fmt.Errorf("cli: read stats: %w", err)
	}

	entries := store.NewEntryIndex(db)
	all, err := entries.ListAll()
	if err != nil {
		return fmt.Errorf("cli: list entries: %w", err)
	}

	limit, err := stats.ComputeDiskLimit(cfg.CacheDir, cfg.FixedMaxBytes, cfg.ReservedDiskHeadroomBytes, cfg.CleanupThresholdRatio)
	if err != nil {
		return fmt.Errorf("cli: compute disk limit: %w", err)
	}

	complete := 0
	for _, e := range all {
		if e.IsComplete {
			complete++
		}
	}

	hitRate := 0.0
	if total := row.HitCount + row.MissCount; total > 0 {
		hitRate = float64(row.HitCount) / float64(total) * 100
	}

	fmt.Printf("Cache directory:    %s\n", cfg.CacheDir)
	fmt.Printf("Entries:            %d (%d complete)\n", len(all), complete)
	fmt.Printf("Total size:         %s\n", formatBytes(row.TotalSize))
	fmt.Printf("Effective limit:    %s", formatBytes(limit.EffectiveLimit))
	if limit.DiskLimited {
		fmt.Printf(" (disk-limited)")
	}
	fmt.Println()
	fmt.Printf("Cleanup threshold:  %s\n", formatBytes(limit.CleanupThreshold))
	fmt.Printf("Bytes served:       %s\n", formatBytes(row.BytesServed))
	fmt.Printf("Bytes downloaded:   %s\n", formatBytes(row.BytesDownloaded))
	fmt.Printf("Hit rate:           %.1f%% (%d hits / %d misses)\n", hitRate, row.HitCount, row.MissCount)
	if row.LastCleanupAt != nil {
		fmt.Printf("Last cleanup:       unix_ms=%d\n", *row.LastCleanupAt)
	} else {
		fmt.Printf("Last cleanup:       never\n")
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
