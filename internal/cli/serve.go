package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guiyumin/streamcached/internal/cache"
	"github.com/guiyumin/streamcached/internal/config"
	"github.com/guiyumin/streamcached/internal/coordinator"
	"github.com/guiyumin/streamcached/internal/httpclient"
	"github.com/guiyumin/streamcached/internal/logging"
	"github.com/guiyumin/streamcached/internal/proxy"
	"github.com/guiyumin/streamcached/internal/stats"
	"github.com/guiyumin/streamcached/internal/store"
)

var (
	serveBindAddr string
	serveCacheDir string
	serveDaemon   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Range Proxy cache daemon",
	Long: `Start the streamcached Range Proxy: a local HTTP listener that serves
player Range requests from a byte-range cache, downloading from the
upstream origin on demand.

Examples:
  streamcached serve                 # foreground, bound to config's bind_addr
  streamcached serve -b 127.0.0.1:0  # foreground, ephemeral port
  streamcached serve -d              # background daemon
  streamcached serve stop            # stop the background daemon
  streamcached serve status          # report whether the daemon is running`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 {
			switch args[0] {
			case "stop":
				if err := stopDaemon(); err != nil {
					fatal(err)
				}
				return
			case "status":
				if err := daemonStatus(); err != nil {
					fatal(err)
				}
				return
			}
		}
		if err := runServe(); err != nil {
			fatal(err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveBindAddr, "bind", "b", "", "proxy listen address (overrides config)")
	serveCmd.Flags().StringVarP(&serveCacheDir, "cache-dir", "c", "", "cache directory (overrides config)")
	serveCmd.Flags().BoolVarP(&serveDaemon, "daemon", "d", false, "run as a background daemon")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg := config.LoadOrDefault()
	if serveBindAddr != "" {
		cfg.BindAddr = serveBindAddr
	}
	if serveCacheDir != "" {
		cfg.CacheDir = serveCacheDir
	}

	if serveDaemon {
		return startDaemon()
	}
	return runForeground(cfg)
}

// runForeground wires every component together -- store, coordinator,
// controller, proxy -- and blocks serving until a signal or the listener
// fails.
func runForeground(cfg *config.Config) error {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("cli: create cache dir: %w", err)
	}
	dbPath := filepath.Join(cfg.CacheDir, "streamcached.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("cli: open store: %w", err)
	}
	defer db.Close()

	entries := store.NewEntryIndex(db)
	chunks := store.NewChunkStore(db)
	queue := store.NewQueue(db)
	variants := store.NewVariantStore(db)
	headers := store.NewHeaderStore(db)
	statsDB := store.NewStatsStore(db)
	_ = statsDB.SetFixedMaxBytes(cfg.FixedMaxBytes)

	counters := stats.New()
	client := httpclient.New(httpclient.DefaultOptions(logger))

	coord := coordinator.New(entries, chunks, queue, variants, headers, statsDB, counters, client, logger, coordinator.Options{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		ProbeBytes:             cfg.ProbeBytes,
		DefaultReadAheadBytes:  cfg.DefaultReadAheadBytes,
	})

	controller := cache.New(entries, chunks, queue, variants, headers, statsDB, coord, counters, logger, cache.Config{
		CacheDir:                  cfg.CacheDir,
		FixedMaxBytes:             cfg.FixedMaxBytes,
		ReservedDiskHeadroomBytes: cfg.ReservedDiskHeadroomBytes,
		CleanupThresholdRatio:     cfg.CleanupThresholdRatio,
	})

	if err := coord.Resume(); err != nil {
		return fmt.Errorf("cli: resume: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.RunScheduler(ctx)

	handler := &proxy.Handler{
		Controller:         controller,
		Resolver:           proxy.NewVariantResolver(variants),
		Logger:             logger,
		InitialWaitTimeout: time.Duration(cfg.InitialWaitTimeoutMs) * time.Millisecond,
		ReadWaitTimeout:    time.Duration(cfg.ReadWaitTimeoutMs) * time.Millisecond,
	}
	server := proxy.NewServer(cfg.BindAddr, handler, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("cli: start proxy: %w", err)
	}
	logger.Info().Str("addr", server.Addr()).Str("cache_dir", cfg.CacheDir).Msg("streamcached serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}

// Daemon mode: fork a detached copy of this same command without -d,
// tracked by a PID file and redirected log file.

func startDaemon() error {
	if pid := getDaemonPID(); pid > 0 && processExists(pid) {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	os.Remove(pidFilePath())

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cli: resolve executable: %w", err)
	}

	args := []string{"serve"}
	if serveBindAddr != "" {
		args = append(args, "-b", serveBindAddr)
	}
	if serveCacheDir != "" {
		args = append(args, "-c", serveCacheDir)
	}

	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cli: open daemon log: %w", err)
	}
	defer logFile.Close()

	proc := exec.Command(executable, args...)
	proc.Stdout = logFile
	proc.Stderr = logFile
	proc.Stdin = nil
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := proc.Start(); err != nil {
		return fmt.Errorf("cli: start daemon: %w", err)
	}
	if err := savePID(proc.Process.Pid); err != nil {
		proc.Process.Kill()
		return fmt.Errorf("cli: save pid: %w", err)
	}

	fmt.Printf("streamcached daemon started (PID %d)\n", proc.Process.Pid)
	fmt.Printf("  Log: %s\n", logFilePath())
	fmt.Println("Use 'streamcached serve stop' to stop it")
	return nil
}

func stopDaemon() error {
	pid := getDaemonPID()
	if pid <= 0 {
		return fmt.Errorf("daemon is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidFilePath())
		return fmt.Errorf("daemon process not found")
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFilePath())
		return fmt.Errorf("cli: signal daemon: %w", err)
	}
	for i := 0; i < 50; i++ {
		if !processExists(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	os.Remove(pidFilePath())
	fmt.Println("Daemon stopped")
	return nil
}

func daemonStatus() error {
	pid := getDaemonPID()
	if pid <= 0 || !processExists(pid) {
		if pid > 0 {
			os.Remove(pidFilePath())
		}
		fmt.Println("Daemon is not running")
		return nil
	}
	fmt.Printf("Daemon is running (PID %d)\n", pid)
	fmt.Printf("Log file: %s\n", logFilePath())
	return nil
}

func pidFilePath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "streamcached-serve.pid")
	}
	return filepath.Join(dir, "serve.pid")
}

func logFilePath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "streamcached-serve.log")
	}
	return filepath.Join(dir, "serve.log")
}

func savePID(pid int) error {
	path := pidFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func getDaemonPID() int {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
