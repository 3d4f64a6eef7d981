package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"execution-insight/backend/internal/app"
	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/contextstore"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

type cliState struct {
	configPath string
	cfg        *config.Config
	logger     *logging.Logger
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rt := &cliState{}

	cmd := &cobra.Command{
		Use:           "insight",
		Short:         "Execution insight service",
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(rt.configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return fmt.Errorf("logger initialization failed: %w", err)
			}
			rt.cfg, rt.logger = cfg, logger
			logger.Info("configuration loaded",
				"config_file", cfg.ConfigFile,
				"environment", cfg.Environment,
				"storage", cfg.Storage.Driver,
				"context_store", cfg.ContextStore.Driver,
				"okta_domain", cfg.Auth.OktaDomain,
			)
			if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
				logger.Warn("swagger client ID matches the backend client ID; PKCE login from /docs will fail if the backend app requires a secret")
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if rt.logger != nil {
				return rt.logger.Close()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&rt.configPath, "config", "", "path to config file (default: ./config.yaml or ./config/config.yaml)")

	cmd.AddCommand(newServeCmd(rt), newMigrateCmd(rt), newSweepCmd(rt))
	return cmd
}

func newServeCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt.logger.Info("starting execution insight service", "version", version)
			a, err := app.New(ctx, rt.cfg, rt.logger, version)
			if err != nil {
				rt.logger.Error("service initialization failed", logging.ErrorKey, err)
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					rt.logger.Error("close failed", logging.ErrorKey, err)
				}
			}()
			return a.Run(ctx)
		},
	}
}

func newMigrateCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(*cobra.Command, []string) error {
			if rt.cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate requires storage.driver postgres, got %q", rt.cfg.Storage.Driver)
			}
			if err := repository.Migrate(rt.cfg.DB.DSN()); err != nil {
				return err
			}
			rt.logger.Info("database migrations applied", "host", rt.cfg.DB.Host, "name", rt.cfg.DB.Name)
			return nil
		},
	}
}

func newSweepCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete unreferenced task contexts older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, pool, err := app.OpenStore(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
				if pool != nil {
					pool.Close()
				}
			}()
			blobs, err := app.OpenBlobStore(rt.cfg.ContextStore, pool)
			if err != nil {
				return err
			}
			defer blobs.Close()

			contexts := contextstore.New(blobs, contextstore.Options{
				MaxBytes:   rt.cfg.ContextStore.MaxBlobBytes,
				Retention:  rt.cfg.ContextStore.Retention,
				References: store,
				Logger:     rt.logger,
			})
			res, err := contexts.Sweep(ctx)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
}
