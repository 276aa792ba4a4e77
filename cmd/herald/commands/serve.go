package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sayonatsu/herald/config"
	"github.com/sayonatsu/herald/db"
	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/extract"
	"github.com/sayonatsu/herald/lifecycle"
	"github.com/sayonatsu/herald/logger"
	"github.com/sayonatsu/herald/notify"
	"github.com/sayonatsu/herald/recovery"
	"github.com/sayonatsu/herald/scheduler"
	"github.com/sayonatsu/herald/server"
	"github.com/sayonatsu/herald/store"
	"github.com/sayonatsu/herald/vrchat"
)

// ServeCmd runs the announcement daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the announcement daemon",
	Long: `Run the herald daemon: recover durable timers, serve the admin API,
and post announcements when their time arrives.

Recovery runs before anything else, so a restart re-arms every surviving
booking and expires the ones whose window passed during downtime.`,
	RunE: runServe,
}

var skipVerify bool

func init() {
	ServeCmd.Flags().BoolVar(&skipVerify, "skip-session-verify", false,
		"Skip the startup session check against the group platform")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Cleanup()
	log := logger.Named("daemon")

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn, log); err != nil {
		return err
	}

	st := store.NewStore(conn)
	sched := scheduler.New(st, logger.Named("scheduler"))
	defer sched.Stop()

	extractor, err := extract.NewClient(extract.Config{
		APIKey:      cfg.OpenRouter.APIKey,
		Model:       cfg.OpenRouter.Model,
		Timezone:    cfg.OpenRouter.Timezone,
		Temperature: cfg.OpenRouter.Temperature,
		MaxTokens:   cfg.OpenRouter.MaxTokens,
		Logger:      logger.Named("extract"),
	})
	if err != nil {
		return err
	}

	poster, err := vrchat.NewClient(vrchat.Config{
		GroupID:     cfg.VRChat.GroupID,
		SessionFile: cfg.VRChat.SessionFile,
		RatePerMin:  cfg.VRChat.RatePerMin,
		UserAgent:   cfg.VRChat.UserAgent,
		Logger:      logger.Named("vrchat"),
	})
	if err != nil {
		return err
	}
	if !skipVerify {
		if err := poster.Verify(cmd.Context()); err != nil {
			return errors.Wrap(err, "group platform session check failed")
		}
	}

	auth := &lifecycle.ApproverList{
		Global:       cfg.Authz.Approvers,
		PerPartition: cfg.Authz.PartitionApprovers,
	}

	manager := lifecycle.NewManager(st, sched, extractor, poster,
		notify.NewLogNotifier(logger.Named("notify")), auth,
		lifecycle.Config{
			HistoryCapacity: cfg.Lifecycle.HistoryCapacity,
			PostRetries:     cfg.Lifecycle.PostRetries,
			RetryBackoff:    cfg.Lifecycle.RetryBackoff(),
			CallTimeout:     cfg.Lifecycle.CallTimeout(),
		},
		logger.Named("lifecycle"))

	// Recovery must finish before timers can race new work.
	coord := recovery.NewCoordinator(st, sched, manager, logger.Named("recovery"))
	result, err := coord.Run(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "startup recovery failed")
	}
	log.Infow("Daemon starting",
		"db", cfg.Database.Path,
		"rearmed", result.Rearmed,
		"expired", result.Expired)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var adminSrv *server.Server
	if cfg.Server.Enabled {
		adminSrv = server.New(cfg.Server.Addr, manager, sched, st, logger.Named("server"))
		manager.SetBroadcaster(adminSrv.Hub())
		go func() {
			if err := adminSrv.Start(); err != nil {
				log.Errorw("Admin server exited", "error", err)
				cancel()
			}
		}()
	}

	// Config hot-reload keeps long-running daemons in sync with on-disk edits.
	if watcher := startConfigWatcher(log); watcher != nil {
		defer watcher.Close()
	}

	go statusLoop(ctx, sched, cfg.Lifecycle.StatusInterval(), log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infow("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Admin server shutdown failed", "error", err)
		}
	}
	return nil
}

func startConfigWatcher(log *zap.SugaredLogger) *config.Watcher {
	project := config.UserConfigPath()
	if project == "" {
		return nil
	}
	if _, err := os.Stat(project); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(project)
	if err != nil {
		log.Warnw("Config watcher unavailable", "error", err)
		return nil
	}
	watcher.OnReload(func(cfg *config.Config) error {
		logger.Infow("Configuration reloaded; restart to apply structural changes",
			"history_capacity", cfg.Lifecycle.HistoryCapacity)
		return nil
	})
	watcher.Start()
	return watcher
}

// statusLoop periodically logs daemon health: armed timers, next due time,
// and host memory pressure.
func statusLoop(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration, log *zap.SugaredLogger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fields := []interface{}{"armed_timers", sched.ArmedCount()}
			if due := sched.NextDue(); due != nil {
				fields = append(fields, "next_due", due.UTC().Format(time.RFC3339))
			}
			if v, err := mem.VirtualMemory(); err == nil {
				fields = append(fields,
					"mem_used_percent", fmt.Sprintf("%.1f", v.UsedPercent),
					"mem_available_mb", v.Available/1024/1024)
			}
			log.Infow("Daemon status", fields...)
		}
	}
}
