package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "hookd",
		Short:        "Auctioned event hooks: stream, match and execute",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(newRunCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newFilterHashCmd())
	root.AddCommand(newValidateTemplateCmd())
	root.AddCommand(newSignWithdrawalCmd())
	root.AddCommand(newJournalStatsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "websocket RPC URL")
	cmd.Flags().String("ledger", "", "auction ledger contract address")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN (in-memory store when empty)")
	cmd.Flags().Uint64("from-block", 0, "first ledger block (inclusive)")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	cmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	cmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 0, "initial retry backoff")
	cmd.Flags().Duration("rpc-timeout", 0, "timeout per RPC call")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}
