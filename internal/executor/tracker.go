package executor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"hookAuction/internal/metrics"
	"hookAuction/internal/model"
	"hookAuction/internal/storage"
)

// ReceiptSource looks up transaction receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type TrackerConfig struct {
	Interval time.Duration
	// MaxAge fails executions still without a receipt after this long.
	MaxAge time.Duration
}

// Tracker settles pending executions from their receipts.
type Tracker struct {
	cfg      TrackerConfig
	store    storage.ExecutionStore
	receipts ReceiptSource
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewTracker(cfg TrackerConfig, store storage.ExecutionStore, receipts ReceiptSource, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cfg: cfg, store: store, receipts: receipts, metrics: m, logger: logger, now: time.Now}
}

// Run reconciles on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := t.Reconcile(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("reconcile executions", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile finalizes every pending execution that has a receipt, or that
// exceeded MaxAge without one. It returns the number finalized.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	pending, err := t.store.ExecutionsByStatus(ctx, model.StatusPending)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, exec := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		status, gasUsed, msg, ok := t.check(ctx, exec)
		if !ok {
			continue
		}
		err := t.store.FinalizeExecution(ctx, exec.ID, status, gasUsed, msg)
		if errors.Is(err, storage.ErrNotPending) {
			continue
		}
		if err != nil {
			return settled, err
		}
		settled++
		t.metrics.Execution(string(status), t.now().Sub(exec.Timestamp))
		t.logger.Info("execution settled",
			zap.String("execution_id", exec.ID),
			zap.String("tx_hash", exec.TxHash.Hex()),
			zap.String("status", string(status)),
		)
	}
	return settled, nil
}

func (t *Tracker) check(ctx context.Context, exec model.HookExecution) (model.ExecutionStatus, uint64, string, bool) {
	receipt, err := t.receipts.TransactionReceipt(ctx, exec.TxHash)
	switch {
	case err == nil && receipt != nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return model.StatusSuccess, receipt.GasUsed, "", true
		}
		return model.StatusFailed, receipt.GasUsed, "transaction reverted", true
	case err == nil || errors.Is(err, ethereum.NotFound):
		if t.now().Sub(exec.Timestamp) > t.cfg.MaxAge {
			return model.StatusFailed, 0, "no receipt after " + t.cfg.MaxAge.String(), true
		}
		return "", 0, "", false
	default:
		t.logger.Debug("receipt lookup", zap.String("tx_hash", exec.TxHash.Hex()), zap.Error(err))
		return "", 0, "", false
	}
}
