package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"suitedeck/internal/api"
	"suitedeck/internal/artifact"
	"suitedeck/internal/config"
	"suitedeck/internal/logging"
	"suitedeck/internal/runner"
	"suitedeck/internal/session"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		port       int
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "server",
		Short:         "Test-suite run orchestrator with a polling dashboard API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg, verbose)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "suitedeck.toml", "path to TOML config file")
	root.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return root
}

func serve(ctx context.Context, cfg *config.Config, verbose bool) error {
	logger := logging.New(os.Stderr, verbose)

	sessions := session.NewRegistry(session.Options{
		MaxSessions:     cfg.MaxSessions,
		RingCapacity:    cfg.RingCapacity,
		GracefulTimeout: cfg.GracefulTimeout,
	}, logger)

	runners := runner.NewRegistry(runner.RegistryOptions{
		Sessions:        sessions,
		Binary:          cfg.RobotBinary,
		BaseOutputDir:   cfg.OutputDir,
		RecoveryDelay:   cfg.RecoveryDelay,
		GracefulTimeout: cfg.GracefulTimeout,
		Logger:          logger,
	})

	// Result persistence is an external collaborator; the default store
	// logs the imported outcome summary.
	importer := artifact.NewImporter(cfg.OutputDir, 0, func(sessionID string, outcomes []artifact.Outcome) {
		passed := 0
		for _, o := range outcomes {
			if o.Passed {
				passed++
			}
		}
		logger.Info("results stored", "session", sessionID, "passed", passed, "total", len(outcomes))
	}, logger)
	sessions.RegisterObserver(importer.Observe)

	srv := api.New(sessions, runners, cfg.StaticDir, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		logger.Info("shutting down")
		runners.StopAll()
		sessions.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
	}()

	logger.Info("server listening", "addr", httpServer.Addr, "binary", cfg.RobotBinary)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
