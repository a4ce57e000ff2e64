// Command backupcore runs the continuous, content-addressed backup client.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"backupcore/internal/cache"
	"backupcore/internal/cdp"
	"backupcore/internal/config"
	configfile "backupcore/internal/config/file"
	"backupcore/internal/devauth"
	"backupcore/internal/engine"
	"backupcore/internal/home"
	"backupcore/internal/logging"
	"backupcore/internal/objectstore"
	"backupcore/internal/uploadset"
	"backupcore/internal/watch"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "backupcore",
		Short: "Continuous, content-addressed backup client",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory for config/cache (default: platform config dir)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Back up the configured roots and watch for changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			roots, _ := cmd.Flags().GetStringArray("root")
			objectStoreURL, _ := cmd.Flags().GetString("object-store-url")
			deviceID, _ := cmd.Flags().GetString("device-id")
			deviceSecret, _ := cmd.Flags().GetString("device-secret")
			workers, _ := cmd.Flags().GetInt("workers")
			debounce, _ := cmd.Flags().GetDuration("debounce")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, runFlags{
				home:           homeFlag,
				roots:          roots,
				objectStoreURL: objectStoreURL,
				deviceID:       deviceID,
				deviceSecret:   deviceSecret,
				workers:        workers,
				debounce:       debounce,
			})
		},
	}
	runCmd.Flags().StringArray("root", nil, "backup root directory (repeatable); overrides and updates the saved config when set")
	runCmd.Flags().String("object-store-url", "", "object store base URL; overrides and updates the saved config when set")
	runCmd.Flags().String("device-id", "", "device identity; overrides and updates the saved config when set")
	runCmd.Flags().String("device-secret", "", "device HMAC secret; overrides and updates the saved config when set")
	runCmd.Flags().Int("workers", 0, "per-root worker pool size (0: use saved/default)")
	runCmd.Flags().Duration("debounce", 0, "CDP debounce window (0: use saved/default)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runFlags carries the subset of Options a command-line invocation may
// override; zero values mean "leave whatever was loaded/bootstrapped
// alone".
type runFlags struct {
	home           string
	roots          []string
	objectStoreURL string
	deviceID       string
	deviceSecret   string
	workers        int
	debounce       time.Duration
}

func run(ctx context.Context, logger *slog.Logger, flags runFlags) error {
	hd, err := resolveHome(flags.home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	cfgStore := configfile.NewStore(filepath.Join(hd.Root(), "config.json"))
	if err := config.Bootstrap(ctx, cfgStore); err != nil {
		return fmt.Errorf("bootstrap config: %w", err)
	}
	opts, err := cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(opts, flags)
	if opts.CachePath == "" {
		opts.CachePath = filepath.Join(hd.Root(), "cache.db")
	}
	if err := cfgStore.Save(ctx, opts); err != nil {
		return fmt.Errorf("save merged config: %w", err)
	}

	if len(opts.Roots) == 0 {
		return fmt.Errorf("no backup roots configured; pass --root at least once")
	}
	if opts.ObjectStoreBaseURL == "" {
		return fmt.Errorf("no object store URL configured; pass --object-store-url")
	}
	if opts.DeviceID == "" {
		return fmt.Errorf("no device ID configured; pass --device-id")
	}

	c, err := cache.Open(opts.CachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = c.Close() }()

	tokens := devauth.NewStaticJWTSource(opts.DeviceID, []byte(opts.DeviceSecret), time.Hour)
	store := objectstore.New(opts.ObjectStoreBaseURL, tokens, objectstore.WithLogger(logger))

	managerOpts := []uploadset.Option{
		uploadset.WithLogger(logger),
		uploadset.WithMetaSnapshotCallback(func(_ *uploadset.Manager, info uploadset.MetaSnapshotInfo) {
			logger.Info("meta snapshot committed", "kind", info.Kind, "roots", len(info.Roots), "size", info.SubtreeSize)
		}),
	}
	if opts.MaxChunkSize > 0 {
		managerOpts = append(managerOpts, uploadset.WithMaxChunkSize(opts.MaxChunkSize))
	}
	manager := uploadset.New(store, opts.DeviceID, managerOpts...)

	monitor, err := watch.New(watch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create watch monitor: %w", err)
	}

	for _, root := range opts.Roots {
		engineOpts := []engine.Option{engine.WithLogger(logger)}
		if len(opts.Exclusions) > 0 {
			engineOpts = append(engineOpts, engine.WithExclusions(opts.Exclusions...))
		}
		eng := manager.AddRoot(root, c, engineOpts...)
		if opts.Workers > 0 {
			eng.SetWorkers(opts.Workers)
		}
		if err := monitor.AddRoot(root); err != nil {
			logger.Warn("failed to watch root, falling back to scheduled backups only", "root", root, "error", err)
		}
	}

	schedulerOpts := []cdp.Option{cdp.WithLogger(logger)}
	if opts.Debounce > 0 {
		schedulerOpts = append(schedulerOpts, cdp.WithDebounce(opts.Debounce))
	}
	scheduler := cdp.New(func(ctx context.Context) bool {
		return manager.StartTouchedRoots(ctx)
	}, schedulerOpts...)

	var wg sync.WaitGroup
	for _, fn := range []func(){
		func() { monitor.Run(ctx) },
		func() { scheduler.Run(ctx) },
		func() { pumpWatchEvents(ctx, monitor, manager, scheduler) },
	} {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			fn()
		}(fn)
	}

	logger.Info("starting initial full backup", "roots", opts.Roots)
	manager.StartUpload(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	manager.CancelUpload()
	scheduler.Shutdown()
	_ = monitor.Stop()
	wg.Wait()
	return nil
}

// pumpWatchEvents forwards filesystem events from monitor into both the
// upload-set manager's watch tree and the CDP scheduler's debounce
// window, until ctx is cancelled.
func pumpWatchEvents(ctx context.Context, monitor *watch.Monitor, manager *uploadset.Manager, scheduler *cdp.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.Ready():
			for {
				ev, ok := monitor.PopEvent()
				if !ok {
					break
				}
				if monitor.QuotaExceeded() {
					continue // watch quota exhausted: CDP is disabled
				}
				manager.HandleWatchEvent(ev)
				scheduler.NotifyChange(filepath.Join(ev.Root, ev.Relative))
			}
		}
	}
}

func applyFlagOverrides(opts *config.Options, flags runFlags) {
	if len(flags.roots) > 0 {
		opts.Roots = flags.roots
	}
	if flags.objectStoreURL != "" {
		opts.ObjectStoreBaseURL = flags.objectStoreURL
	}
	if flags.deviceID != "" {
		opts.DeviceID = flags.deviceID
	}
	if flags.deviceSecret != "" {
		opts.DeviceSecret = flags.deviceSecret
	}
	if flags.workers > 0 {
		opts.Workers = flags.workers
	}
	if flags.debounce > 0 {
		opts.Debounce = flags.debounce
	}
}

func resolveHome(homeFlag string) (home.Dir, error) {
	if homeFlag != "" {
		return home.New(homeFlag), nil
	}
	return home.Default()
}
