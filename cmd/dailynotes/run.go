package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/dailynotes/desktop/audit"
	"github.com/tomyedwab/dailynotes/desktop/config"
	"github.com/tomyedwab/dailynotes/desktop/control"
	"github.com/tomyedwab/dailynotes/desktop/endpoint"
	"github.com/tomyedwab/dailynotes/desktop/processes"
	"github.com/tomyedwab/dailynotes/desktop/startup"
)

const controlTokenTTL = 30 * 24 * time.Hour

func openHistory(conf *config.Config) (*sqlx.DB, *audit.Logger, error) {
	historyPath := conf.HistoryPath()
	if err := os.MkdirAll(filepath.Dir(historyPath), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", historyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open launch history: %w", err)
	}
	history, err := audit.NewLogger(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize launch history: %w", err)
	}
	return db, history, nil
}

// sidecarConfig carries the settings the sidecar sees. dataDir is the
// resolved directory the shell created, never the raw config value.
func sidecarConfig(conf *config.Config, dataDir string) startup.Config {
	return startup.Config{
		SidecarName:    conf.SidecarName,
		SidecarArgs:    conf.SidecarArgs,
		Host:           conf.Host,
		HealthAttempts: conf.HealthAttempts,
		HealthInterval: conf.HealthInterval,
		DataDir:        dataDir,
		BackendLogFile: conf.BackendLogFile,
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 1. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: conf.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("Starting Daily Notes desktop shell")

	dataDir := conf.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// 2. Launch history
	db, history, err := openHistory(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	// 3. Sidecar machinery
	metrics := processes.NewPrometheusMetricsCollector("dailynotes")
	supervisor, err := processes.NewSupervisor(processes.Config{
		Resolver:               processes.BundleResolver{Dir: conf.SidecarDir, SearchPath: conf.SidecarSearchPath},
		Logger:                 logger,
		Metrics:                metrics,
		GracefulShutdownPeriod: conf.GracefulShutdownPeriod,
	})
	if err != nil {
		return err
	}
	gate := processes.NewHealthGate(processes.HealthGateConfig{
		Prober:  processes.NewHTTPProber(conf.HealthPath, conf.HealthRequestTimeout),
		Logger:  logger,
		Metrics: metrics,
	})
	policy, err := conf.NewPortPolicy()
	if err != nil {
		return err
	}

	registry := endpoint.NewRegistry()
	logs := processes.NewLogBuffer(conf.LogBufferSize)

	orchestratorConfig := sidecarConfig(conf, dataDir)
	orchestratorConfig.PortPolicy = policy
	orchestratorConfig.Registry = registry
	orchestratorConfig.Spawner = supervisor
	orchestratorConfig.Gate = gate
	orchestratorConfig.Recorder = history
	orchestratorConfig.Logger = logger
	orchestratorConfig.LogBuffer = logs
	orchestratorConfig.Metrics = metrics
	orchestrator, err := startup.NewOrchestrator(orchestratorConfig)
	if err != nil {
		return err
	}

	// 4. Signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Start the sidecar; a spawn failure is fatal.
	if err := orchestrator.Start(ctx); err != nil {
		logger.Error("Failed to start backend", "error", err)
		return err
	}

	// 6. Control API
	var controlServer *control.Server
	if conf.ControlAddr != "" {
		var secret []byte
		if conf.ControlAuth {
			secret, err = control.NewSecret()
			if err != nil {
				shutdownOrchestrator(logger, orchestrator, conf.GracefulShutdownPeriod)
				return err
			}
			token, err := control.MintToken(secret, orchestrator.Status().RunID, controlTokenTTL)
			if err != nil {
				shutdownOrchestrator(logger, orchestrator, conf.GracefulShutdownPeriod)
				return fmt.Errorf("failed to mint control token: %w", err)
			}
			tokenPath, err := control.WriteTokenFile(dataDir, token)
			if err != nil {
				shutdownOrchestrator(logger, orchestrator, conf.GracefulShutdownPeriod)
				return err
			}
			logger.Info("Control token written", "path", tokenPath)
		}

		controlServer, err = control.NewServer(control.Config{
			Addr:           conf.ControlAddr,
			Registry:       registry,
			Status:         orchestrator,
			Logs:           logs,
			Metrics:        metrics.Handler(),
			AllowedOrigins: conf.UIOrigins,
			Secret:         secret,
			Logger:         logger,
		})
		if err == nil {
			err = controlServer.Start()
		}
		if err != nil {
			shutdownOrchestrator(logger, orchestrator, conf.GracefulShutdownPeriod)
			return err
		}
	}

	// 7. Run until a signal arrives or the backend goes away.
	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	case <-orchestrator.Done():
		status := orchestrator.Status()
		logger.Warn("Backend exited", "pid", status.PID, "exitCode", status.ExitCode)
	}

	if controlServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := controlServer.Stop(stopCtx); err != nil {
			logger.Error("Error stopping control server", "error", err)
		}
		cancel()
	}
	shutdownOrchestrator(logger, orchestrator, conf.GracefulShutdownPeriod)

	logger.Info("Desktop shell stopped")
	return nil
}

func shutdownOrchestrator(logger *slog.Logger, orchestrator *startup.Orchestrator, graceful time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), graceful+5*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(ctx); err != nil {
		logger.Error("Error stopping backend", "error", err)
	}
}
