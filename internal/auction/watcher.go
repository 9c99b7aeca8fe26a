package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"hookAuction/internal/ledger"
)

// Chain is the subset of the RPC client the watcher needs.
type Chain interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// WatchConfig tunes the live subscription.
type WatchConfig struct {
	Ledger       common.Address
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Watcher follows ledger logs live. Each (re)subscription is followed by a
// catch-up pass so logs missed while disconnected reach the read model.
type Watcher struct {
	cfg     WatchConfig
	sync    *Sync
	chain   Chain
	catchUp func(context.Context) error
	times   *lru.Cache
	logger  *zap.Logger
}

func NewWatcher(cfg WatchConfig, s *Sync, chain Chain, catchUp func(context.Context) error, logger *zap.Logger) (*Watcher, error) {
	if s == nil || chain == nil {
		return nil, fmt.Errorf("sync and chain are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 30 * cfg.RetryBackoff
	}
	times, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	return &Watcher{cfg: cfg, sync: s, chain: chain, catchUp: catchUp, times: times, logger: logger}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	delay := w.cfg.RetryBackoff
	for {
		subscribed, err := w.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			delay = w.cfg.RetryBackoff
		}
		w.logger.Warn("ledger subscription ended", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > w.cfg.MaxBackoff {
			delay = w.cfg.MaxBackoff
		}
	}
}

func (w *Watcher) follow(ctx context.Context) (bool, error) {
	topics, err := ledger.EventTopics()
	if err != nil {
		return false, err
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.cfg.Ledger},
		Topics:    [][]common.Hash{topics},
	}
	logs := make(chan types.Log, 256)
	sub, err := w.chain.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return false, fmt.Errorf("subscribe ledger logs: %w", err)
	}
	defer sub.Unsubscribe()

	if w.catchUp != nil {
		if err := w.catchUp(ctx); err != nil {
			return true, fmt.Errorf("catch up: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			return true, err
		case log := <-logs:
			if _, err := w.sync.ApplyLog(ctx, log, w.timestamp(ctx, log.BlockNumber)); err != nil {
				w.logger.Error("apply live ledger log", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) timestamp(ctx context.Context, block uint64) uint64 {
	if v, ok := w.times.Get(block); ok {
		return v.(uint64)
	}
	ts, err := w.chain.BlockTimestamp(ctx, block)
	if err != nil {
		w.logger.Warn("block timestamp lookup failed", zap.Uint64("block", block), zap.Error(err))
		return 0
	}
	w.times.Add(block, ts)
	return ts
}
