// Command polystore runs the polyglot persistence platform: it loads a
// declarative configuration, connects every configured storage technology,
// and serves health and metrics endpoints while routing, lifecycle, and
// transaction coordination run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/service"

	// Register provider factories.
	_ "github.com/unhinged-ai/polystore/pkg/provider/badgercache"
	_ "github.com/unhinged-ai/polystore/pkg/provider/mongodb"
	_ "github.com/unhinged-ai/polystore/pkg/provider/postgres"
)

var (
	configPath  string
	environment string
)

func main() {
	// Optional .env file for local development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "polystore",
		Short: "Polyglot persistence routing platform",
		Long: `Polystore routes logical tables across heterogeneous storage
technologies from a single declarative configuration: capability-based
query routing with fallbacks, best-effort cross-technology transactions,
shard placement, and scheduled data lifecycle management.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "polystore.yaml", "configuration file")
	root.PersistentFlags().StringVarP(&environment, "env", "e", "", "environment overrides to apply")

	root.AddCommand(validateCmd(), runCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.PlatformConfig, error) {
	if environment != "" {
		return config.LoadWithEnvironment(configPath, environment)
	}
	return config.Load(configPath)
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("configuration valid: %d technologies, %d tables, %d queries, %d operations\n",
				len(cfg.Technologies), len(cfg.Tables), len(cfg.Queries), len(cfg.Operations))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logger.Init(logger.Config{
				Level:    cfg.Monitoring.LogLevel,
				Encoding: "json",
			}); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.New(ctx, cfg)
			if err != nil {
				return err
			}
			svc.Start(ctx)

			var srv *http.Server
			if cfg.Monitoring.EnableMetrics {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.Handle("/health", svc.Health().Handler())
				srv = &http.Server{Addr: cfg.Monitoring.MetricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				logger.Info("serving metrics and health",
					zap.String("addr", cfg.Monitoring.MetricsAddr))
			}

			// SIGHUP reloads the configuration in place.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for range hup {
					next, err := loadConfig()
					if err != nil {
						logger.Error("reload failed, keeping current configuration", zap.Error(err))
						continue
					}
					if err := svc.Reload(context.Background(), next); err != nil {
						logger.Error("reload failed", zap.Error(err))
					}
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
			return svc.Close(shutdownCtx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to each technology and report health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logger.Init(logger.Config{Level: "warn", Encoding: "console"}); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			svc, err := service.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(context.Background()) }()

			report := svc.Health().Check(ctx)
			fmt.Printf("overall: %s\n", report.Overall)
			for name, status := range report.Providers {
				fmt.Printf("  %-20s %-12s latency=%s", name, status.State, status.Latency.Round(time.Millisecond))
				if status.Error != "" {
					fmt.Printf(" error=%q", status.Error)
				}
				fmt.Println()
			}
			if report.Overall != "healthy" {
				os.Exit(1)
			}
			return nil
		},
	}
}
