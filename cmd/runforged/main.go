package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/logrelay"
	"github.com/runforge/runforge/internal/orchestrator"
	"github.com/runforge/runforge/internal/sessions"
	"github.com/runforge/runforge/internal/supervisor"
	"github.com/runforge/runforge/internal/syncer"
	"github.com/runforge/runforge/internal/taskcfg"
	"github.com/runforge/runforge/internal/watch"
	"github.com/runforge/runforge/pkg/api"
	"github.com/runforge/runforge/pkg/logging"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/shutdown"
	"github.com/runforge/runforge/pkg/store"
)

func main() {
	cfgFile := flag.String("config", "", "config file path")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon failed", map[string]interface{}{"error": err.Error()})
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	for _, dir := range []string{cfg.DataDir, cfg.TasksDir(), cfg.SessionsDir(), cfg.WorkDir(), cfg.RunsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	m := metrics.New()

	st, err := store.NewRunStore(store.Config{Type: cfg.Store.Type, DSN: cfg.Store.DSN, Path: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}

	relay := logrelay.New(cfg.RunsDir(), logger)

	sup := supervisor.New(supervisor.Config{
		WorkerCommand: cfg.WorkerCommand,
		WorkDir:       cfg.WorkDir(),
		SessionsDir:   cfg.SessionsDir(),
		GracePeriod:   cfg.GracePeriod,
		ReapInterval:  cfg.ReapInterval,
	}, st, relay, m, logger)

	// Runs that were alive when the previous process died are failed
	// before anything else happens
	if err := sup.RecoverInterrupted(); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	var remote syncer.Remote
	if cfg.Backup.Enabled {
		remote, err = syncer.NewWebDAVRemote(cfg.Backup.WebDAVURL, cfg.Backup.Username, cfg.Backup.Password, cfg.Backup.RemotePath)
		if err != nil {
			return fmt.Errorf("failed to configure remote snapshot store: %w", err)
		}
	}
	engine := syncer.New(syncer.Config{
		Enabled:       cfg.Backup.Enabled,
		RemoteURL:     cfg.Backup.WebDAVURL,
		EncryptionKey: cfg.Backup.EncryptionKey,
		Interval:      cfg.Backup.Interval,
		Paths:         cfg.SnapshotPaths(),
		DataDir:       cfg.DataDir,
	}, remote, m, logger)

	// Local state is a cache of the remote snapshot: restore before
	// accepting any traffic. Undecryptable or corrupt snapshots stop
	// the daemon rather than silently diverging.
	if err := engine.PullOnStart(context.Background()); err != nil {
		return fmt.Errorf("snapshot restore failed: %w", err)
	}

	creds, err := sessions.NewStore(cfg.SessionsDir())
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, sup, relay, engine, taskcfg.NewReader(cfg.TasksDir()), creds, logger)

	watcher, err := watch.New(engine, logger, cfg.TasksDir(), cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("failed to start change watcher: %w", err)
	}

	router := mux.NewRouter()
	api.NewHandler(orch, m, logger).RegisterRoutes(router)
	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.New(30 * time.Second)
	sd.Register(shutdown.CloseResource(st, "run ledger"))
	sd.Register(shutdown.CloseResource(watcher, "change watcher"))
	sd.Register(func(c context.Context) error { return sup.StopAll(c) })
	sd.Register(shutdown.StopHTTPServer(server, "api server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return ignoreCancel(sup.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(engine.Run(gctx)) })
	g.Go(func() error {
		// Signal or first component failure ends the group
		select {
		case <-sd.Done():
		case <-gctx.Done():
		}
		cancel()
		sd.Shutdown()
		return nil
	})
	go sd.Wait()

	err = g.Wait()
	logger.Info("daemon stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
