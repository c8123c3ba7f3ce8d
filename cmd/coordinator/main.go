// Package main is the entry point for a coordinating node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obot-platform/rdbcoord/internal/config"
	"github.com/obot-platform/rdbcoord/internal/coordination"
	"github.com/obot-platform/rdbcoord/internal/database"
	"github.com/obot-platform/rdbcoord/internal/dispatcher"
	"github.com/obot-platform/rdbcoord/internal/events"
	"github.com/obot-platform/rdbcoord/internal/handler"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
	"github.com/obot-platform/rdbcoord/internal/model"
	"github.com/obot-platform/rdbcoord/internal/store"
)

const (
	orphanPurgeInterval = time.Minute
	shutdownTimeout     = 30 * time.Second
)

func main() {
	configFile := flag.String("config", "coordinator.yaml", "Path to configuration file (yaml or toml)")
	overrides := properties{}
	flag.Var(overrides, "D", "Override a setting, e.g. -D cluster.group_id=payments (repeatable). Known settings: "+strings.Join(config.Keys(), ", "))
	flag.Parse()

	// Load .env file if present
	_ = godotenv.Load()

	src := config.Sources{Overrides: overrides, FilePath: *configFile}
	cfg, err := config.Load(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Close() }()

	if err := run(cfg, src, log); err != nil {
		log.Error("coordinator exited with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, src config.Sources, log *logger.Logger) error {
	for _, w := range cfg.Warnings {
		log.Warn("configuration fallback", "detail", w)
	}

	// Apply log level changes from the config file without a restart
	watcher := config.NewWatcher(src,
		func(newCfg *config.Config) {
			if newCfg.Logging.Level != log.Level() {
				log.Info("log level changed", "from", log.Level(), "to", newCfg.Logging.Level)
				log.SetLevel(newCfg.Logging.Level)
			}
		},
		func(err error) { log.Warn("config reload failed", "error", err) },
	)
	if cfg.FilePath != "" {
		if err := watcher.Start(); err != nil {
			log.Warn("config watcher failed to start", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Connect to database
	db, err := database.New(cfg, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	log.Info("running database migrations", "driver", db.Driver)
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s := store.New(db.DB, log)
	m := metrics.NewRegistry()

	strategy := coordination.New(s, cfg.Cluster,
		coordination.WithLogger(log),
		coordination.WithMetrics(m),
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.HeartbeatMaxRetryInterval())
	dup, err := strategy.IsDuplicatedNode(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("check for duplicate node: %w", err)
	}
	if dup {
		return fmt.Errorf("node %s is already running in group %s", cfg.Cluster.NodeID, cfg.Cluster.GroupID)
	}

	broker := events.NewBroker(log, 100)
	defer broker.Close()
	strategy.RegisterEventListener(broker)
	strategy.RegisterEventListener(events.ListenerFuncs{
		OnCoordinatorChanged: func(n model.NodeDetail) {
			log.Info("coordinator changed", "coordinator", n.NodeID)
		},
		OnBecameUnresponsive: func(id string) {
			log.Warn("this node is unresponsive, pausing coordinated work", "node", id)
		},
		OnRejoined: func(id string) {
			log.Info("this node rejoined the cluster", "node", id)
		},
	})

	// Blocks until the node has joined; SIGINT aborts the retries.
	joinCtx, stopJoin := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = strategy.JoinGroup(joinCtx)
	stopJoin()
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	log.Info("node joined cluster", "node", strategy.NodeID(), "group", strategy.GroupID())

	disp := dispatcher.NewService(strategy, cfg.Cluster.HeartbeatInterval, log, m)
	tasks := []dispatcher.Task{
		dispatcher.OrphanPurgeTask(s, cfg.Cluster.GroupID, orphanPurgeInterval, log),
		dispatcher.MembershipReportTask(strategy, m, cfg.Cluster.HeartbeatInterval),
	}
	for _, t := range tasks {
		if err := disp.RegisterTask(t); err != nil {
			return err
		}
	}
	disp.Start(context.Background())

	var srv *http.Server
	if cfg.HTTP.Port > 0 {
		h := handler.New(strategy, broker, m, log)
		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      h.Routes(cfg.HTTP.CORSOrigins),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("admin server starting", "port", cfg.HTTP.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", "error", err)
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	disp.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := strategy.LeaveGroup(shutdownCtx); err != nil {
		log.Warn("could not leave group cleanly, rows will expire", "error", err)
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin server forced to shutdown", "error", err)
		}
	}

	log.Info("coordinator stopped")
	return nil
}
