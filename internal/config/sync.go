package config

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SyncConfig configures ledger backfill.
type SyncConfig struct {
	RPCURL            string `validate:"required,url"`
	Ledger            string `validate:"required,eth_addr"`
	PGDSN             string
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64 `validate:"min=1"`
	Checkpoint        string
	CheckpointEnabled bool
	MaxRetries        int `validate:"min=0"`
	RetryBackoff      time.Duration
	RPCTimeout        time.Duration
	LogLevel          string `validate:"oneof=debug info warn error"`
}

var syncDefaults = map[string]interface{}{
	"batch-size":         uint64(2000),
	"checkpoint":         "./data/checkpoint.json",
	"checkpoint-enabled": true,
	"max-retries":        5,
	"retry-backoff":      500 * time.Millisecond,
	"rpc-timeout":        10 * time.Second,
	"log-level":          "info",
}

// LoadSync loads and validates the sync command configuration.
func LoadSync(cfgFile string, flags *pflag.FlagSet) (SyncConfig, error) {
	v, err := load(cfgFile, flags, syncDefaults)
	if err != nil {
		return SyncConfig{}, err
	}
	cfg := syncFrom(v)
	if err := check(cfg); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

func syncFrom(v *viper.Viper) SyncConfig {
	return SyncConfig{
		RPCURL:            v.GetString("rpc"),
		Ledger:            v.GetString("ledger"),
		PGDSN:             v.GetString("pg-dsn"),
		FromBlock:         v.GetUint64("from-block"),
		ToBlock:           v.GetUint64("to-block"),
		BatchSize:         v.GetUint64("batch-size"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		RPCTimeout:        v.GetDuration("rpc-timeout"),
		LogLevel:          v.GetString("log-level"),
	}
}

func (c SyncConfig) LedgerAddress() common.Address { return common.HexToAddress(c.Ledger) }
