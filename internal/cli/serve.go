package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cabinet-labs/cabinet/internal/daemon"
	"github.com/cabinet-labs/cabinet/internal/store/postgres"
	"github.com/cabinet-labs/cabinet/pkg/recall"
)

func newServeCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cabinet daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			switch strings.ToLower(logLevel) {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
			}()

			slog.Info("cabinet starting", "version", Version, "commit", Commit)

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}

	dbCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.PostgresURL == "" {
				return fmt.Errorf("no store.postgres_url configured")
			}

			ctx := cmd.Context()
			pg, err := postgres.New(ctx, cfg.Store.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pg.Close()
			if err := pg.Init(ctx); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "store schema ready")

			if cfg.Recall.Enabled && cfg.Recall.PostgresURL != "" {
				rs, err := recall.NewStore(ctx, cfg.Recall.PostgresURL)
				if err != nil {
					return fmt.Errorf("connect recall: %w", err)
				}
				defer rs.Close()
				if err := rs.Init(ctx); err != nil {
					return fmt.Errorf("init recall schema: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "recall schema ready")
			}
			return nil
		},
	})

	return dbCmd
}
