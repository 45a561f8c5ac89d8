package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petitiond/petitiond/internal/api"
	"github.com/petitiond/petitiond/internal/auth"
	"github.com/petitiond/petitiond/internal/config"
	"github.com/petitiond/petitiond/internal/events"
	"github.com/petitiond/petitiond/internal/history"
	"github.com/petitiond/petitiond/internal/lock"
	"github.com/petitiond/petitiond/internal/log"
	"github.com/petitiond/petitiond/internal/manager"
	"github.com/petitiond/petitiond/internal/processor"
	"github.com/petitiond/petitiond/internal/watchdog"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("petitiond", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *showVersion {
		fmt.Printf("petitiond version %s\n", version)
		return 0
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("petitiond starting", "version", version, "config", *configPath)

	if cfg.Service.LockPath != "" {
		pidLock, err := lock.Acquire(cfg.Service.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		logger.Error("failed to open history database", "path", cfg.History.Path, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("history database opened", "path", cfg.History.Path)

	if cfg.History.Retention > 0 {
		if err := store.Prune(ctx, cfg.History.Retention); err != nil {
			logger.Warn("history prune failed", "error", err)
		}
	}

	recorder := history.NewRecorder(store)
	defer recorder.Close()

	hub := events.NewHub(256)
	mgr := manager.New(recorder, manager.DefaultConverter{MaxRunning: cfg.Service.MaxRunning})
	proc := processor.New(mgr, hub, processor.Config{
		LookAhead:       cfg.Service.LookAhead,
		StarveAfter:     cfg.Service.StarveAfter,
		MaxLoopFailures: cfg.Service.MaxLoopFailures,
	})
	proc.Start()

	var dog *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		var notifier watchdog.Notifier
		if n, err := watchdog.NewSdNotifier(); err == nil {
			notifier = n
		} else if errors.Is(err, watchdog.ErrNoSocket) {
			logger.Info("no supervisor notify socket, heartbeat runs locally only")
		} else {
			logger.Warn("supervisor notify unavailable", "error", err)
		}

		wcfg := watchdog.Config{Interval: cfg.Watchdog.Interval, Deadline: cfg.Watchdog.Deadline}
		if interval, ok := watchdog.IntervalFromEnv(); ok {
			wcfg.Interval = interval
			logger.Info("watchdog interval derived from supervisor", "interval", interval)
		}
		dog = watchdog.New(proc, notifier, wcfg)
		dog.Start()
	}

	keyring := auth.NewKeyring(cfg.API.AuthKey)
	apiServer := api.New(api.Config{Listen: cfg.API.Listen, Name: cfg.Service.Name}, proc, hub, store, keyring)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("petitiond running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	if dog != nil {
		dog.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	proc.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()

	logger.Info("petitiond stopped")
	return exitCode
}
