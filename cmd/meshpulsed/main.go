package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"meshpulse/internal/config"
	"meshpulse/internal/sched"
	"meshpulse/internal/stats"
	"meshpulse/internal/storage"
	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runDaemon(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfgPath string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctrlTimeout, err := config.DurationOr("controller.timeout", cfg.Controller.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	topo, err := topology.NewHTTP(topology.Config{
		BaseURL:    cfg.Controller.BaseURL,
		Timeout:    ctrlTimeout,
		RatePerSec: cfg.Controller.RatePerSec,
	}, log.With(logx.String("comp", "controller")))
	if err != nil {
		return fmt.Errorf("controller client: %w", err)
	}

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}
	scheduler := sched.New(schedCfg, store, topo, stats.Passthrough,
		log.With(logx.String("comp", "sched")))

	scheduler.Start(ctx)
	if err := scheduler.Restart(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// Live re-apply for logging and lifecycle timing.
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		_, err := schedulerConfig(c)
		return err
	})
	sub := cfgm.Subscribe(1)
	go func() {
		for c := range sub {
			logSvc.Apply(logx.Config{
				Level:   c.Logging.Level,
				Console: c.Logging.Console,
				File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
			})
			if sc, err := schedulerConfig(c); err == nil {
				scheduler.Apply(sc)
			}
		}
	}()
	go func() { _ = cfgm.Watch(ctx) }()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("meshpulse up", logx.String("config", cfgPath))

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	scheduler.Stop(stopCtx)
	cfgm.Unsubscribe(sub)
	return nil
}

func schedulerConfig(cfg *config.Config) (sched.Config, error) {
	slack, err := config.Duration("scheduler.timeout_slack", cfg.Scheduler.TimeoutSlack)
	if err != nil {
		return sched.Config{}, err
	}
	scanDelay, err := config.Duration("scheduler.scan_start_delay", cfg.Scheduler.ScanStartDelay)
	if err != nil {
		return sched.Config{}, err
	}
	scanWindow, err := config.Duration("scheduler.scan_response_window", cfg.Scheduler.ScanResponseWindow)
	if err != nil {
		return sched.Config{}, err
	}
	gap, err := config.Duration("scheduler.sequential_gap", cfg.Scheduler.SequentialGap)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Timezone:           cfg.Scheduler.Timezone,
		TimeoutSlack:       slack,
		ScanStartDelay:     scanDelay,
		ScanResponseWindow: scanWindow,
		SequentialGap:      gap,
	}, nil
}
