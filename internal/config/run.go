package config

import (
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"
)

// RunConfig configures the long-running daemon.
type RunConfig struct {
	FeedURL      string   `validate:"required,url"`
	FeedHeaders  []string `validate:"dive,contains=:"`
	RPCURL       string   `validate:"required,url"`
	BroadcastURL string   `validate:"required,url"`
	Multicall    string   `validate:"required,eth_addr"`
	Ledger       string   `validate:"required,eth_addr"`
	ExecutorKey  string   `validate:"required"`
	Vault        string   `validate:"required,eth_addr"`

	PGDSN     string
	HooksFile string
	ChainID   uint64

	QueueSize        int `validate:"min=1"`
	Workers          int `validate:"min=1"`
	RPCTimeout       time.Duration
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	MaxReconnects    int `validate:"min=0"`
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration

	Sync SyncConfig `validate:"-"`

	DedupWindow   int `validate:"min=1"`
	EventsOut     string
	TrackInterval time.Duration
	MetricsAddr   string
	LogLevel      string `validate:"oneof=debug info warn error"`
}

var runDefaults = map[string]interface{}{
	"queue-size":        1024,
	"workers":           8,
	"rpc-timeout":       10 * time.Second,
	"dial-timeout":      10 * time.Second,
	"read-timeout":      30 * time.Second,
	"max-reconnects":    10,
	"reconnect-backoff": 500 * time.Millisecond,
	"max-backoff":       30 * time.Second,
	"dedup-window":      4096,
	"events-out":        "./data/events.jsonl",
	"track-interval":    5 * time.Second,
	"metrics-addr":      ":9102",
	"log-level":         "info",
}

// LoadRun loads and validates the run command configuration.
func LoadRun(cfgFile string, flags *pflag.FlagSet) (RunConfig, error) {
	defaults := make(map[string]interface{}, len(runDefaults)+len(syncDefaults))
	for k, v := range syncDefaults {
		defaults[k] = v
	}
	for k, v := range runDefaults {
		defaults[k] = v
	}
	v, err := load(cfgFile, flags, defaults)
	if err != nil {
		return RunConfig{}, err
	}

	cfg := RunConfig{
		FeedURL:          v.GetString("feed-url"),
		FeedHeaders:      getStringSlice(v, "feed-header"),
		RPCURL:           v.GetString("rpc"),
		BroadcastURL:     v.GetString("broadcast-url"),
		Multicall:        v.GetString("multicall"),
		Ledger:           v.GetString("ledger"),
		ExecutorKey:      v.GetString("executor-key"),
		Vault:            v.GetString("vault"),
		PGDSN:            v.GetString("pg-dsn"),
		HooksFile:        v.GetString("hooks-file"),
		ChainID:          v.GetUint64("chain-id"),
		QueueSize:        v.GetInt("queue-size"),
		Workers:          v.GetInt("workers"),
		RPCTimeout:       v.GetDuration("rpc-timeout"),
		DialTimeout:      v.GetDuration("dial-timeout"),
		ReadTimeout:      v.GetDuration("read-timeout"),
		MaxReconnects:    v.GetInt("max-reconnects"),
		ReconnectBackoff: v.GetDuration("reconnect-backoff"),
		MaxBackoff:       v.GetDuration("max-backoff"),
		Sync:             syncFrom(v),
		DedupWindow:      v.GetInt("dedup-window"),
		EventsOut:        v.GetString("events-out"),
		TrackInterval:    v.GetDuration("track-interval"),
		MetricsAddr:      v.GetString("metrics-addr"),
		LogLevel:         v.GetString("log-level"),
	}
	if err := check(cfg); err != nil {
		return RunConfig{}, err
	}
	if _, err := cfg.Key(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Key parses the executor signing key.
func (c RunConfig) Key() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(c.ExecutorKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid executor-key: %w", err)
	}
	return key, nil
}

func (c RunConfig) MulticallAddress() common.Address { return common.HexToAddress(c.Multicall) }
func (c RunConfig) LedgerAddress() common.Address    { return common.HexToAddress(c.Ledger) }
func (c RunConfig) VaultAddress() common.Address     { return common.HexToAddress(c.Vault) }

// Header builds the feed handshake headers from "Name: value" entries.
func (c RunConfig) Header() http.Header {
	if len(c.FeedHeaders) == 0 {
		return nil
	}
	h := make(http.Header, len(c.FeedHeaders))
	for _, entry := range c.FeedHeaders {
		name, value, _ := strings.Cut(entry, ":")
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
