package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/store"
	"relay/internal/store/driver"
)

var logger *slog.Logger

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "relayctl",
		Short:        "Operate a relay deployment: migrations, rule sets and queues",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return err
				}
			} else {
				_ = godotenv.Load()
			}
			cfg := config.LoadCtl()
			logger = logging.Init("relayctl", cfg.LogFormat, cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file (default: .env if present)")

	root.AddCommand(migrateCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(queueCmd())
	return root
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadCtl()
			cfg.DBMigrateOnStart = true
			s, err := driver.Open(cmd.Context(), cfg.StoreConfig)
			if err != nil {
				return err
			}
			defer s.Close()
			logger.Info("store schema up to date", "driver", cfg.Driver)
			return nil
		},
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	cfg := config.LoadCtl()
	return driver.Open(ctx, cfg.StoreConfig)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
