package auction

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"hookAuction/internal/ledger"
	"hookAuction/internal/metrics"
	"hookAuction/internal/model"
	"hookAuction/internal/storage"
)

// Sync maintains the auction read model from ledger events. Live and
// backfill deliveries may interleave; rows are serialized per filter hash.
type Sync struct {
	store   storage.AuctionStore
	locks   *keyedMutex
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSync(store storage.AuctionStore, m *metrics.Metrics, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{
		store:   store,
		locks:   newKeyedMutex(),
		metrics: m,
		logger:  logger,
	}
}

// Apply folds one ledger event into the read model. It reports false when
// the event was already applied.
func (s *Sync) Apply(ctx context.Context, ev model.LedgerEvent) (bool, error) {
	unlock := s.locks.Lock(ev.FilterHash.Hex())
	defer unlock()

	row, exists, err := s.store.GetAuction(ctx, ev.FilterHash)
	if err != nil {
		return false, fmt.Errorf("load auction %s: %w", ev.FilterHash.Hex(), err)
	}
	update, err := Reduce(row, exists, ev)
	if err != nil {
		return false, err
	}
	applied, err := s.store.ApplyAuctionUpdate(ctx, update)
	if err != nil {
		return false, fmt.Errorf("apply %s %s: %w", ev.Kind, ev.FilterHash.Hex(), err)
	}
	if !applied {
		s.logger.Debug("ledger event already applied", zap.String("key", ev.Key()))
		return false, nil
	}
	s.metrics.LedgerEventApplied(string(ev.Kind))
	s.logger.Debug("ledger event applied",
		zap.String("kind", string(ev.Kind)),
		zap.String("filter_hash", ev.FilterHash.Hex()),
		zap.Uint64("block", ev.Position.BlockNumber),
	)
	return true, nil
}

// ApplyBatch sorts events by chain position and applies them in order.
func (s *Sync) ApplyBatch(ctx context.Context, events []model.LedgerEvent) (int, error) {
	sorted := SortEvents(events)
	applied := 0
	for _, ev := range sorted {
		ok, err := s.Apply(ctx, ev)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// ApplyLog decodes and applies a ledger contract log. Removed logs are skipped.
func (s *Sync) ApplyLog(ctx context.Context, log types.Log, timestamp uint64) (bool, error) {
	if log.Removed {
		s.logger.Warn("skipping removed ledger log",
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint("log_index", log.Index),
		)
		return false, nil
	}
	ev, err := ledger.DecodeLog(log)
	if err != nil {
		return false, fmt.Errorf("decode ledger log %s:%d: %w", log.TxHash.Hex(), log.Index, err)
	}
	ev.Timestamp = timestamp
	return s.Apply(ctx, ev)
}

// Auction returns the read-model row for a filter hash.
func (s *Sync) Auction(ctx context.Context, filterHash common.Hash) (model.Auction, bool, error) {
	return s.store.GetAuction(ctx, filterHash)
}

// SortEvents returns a copy ordered by (block, txIndex, logIndex).
func SortEvents(events []model.LedgerEvent) []model.LedgerEvent {
	sorted := make([]model.LedgerEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position.Less(sorted[j].Position)
	})
	return sorted
}

// Reduce computes the row transition for ev. Bid overwrites only happen for
// events newer than the row's last applied bid, and a withdrawn row stays
// inactive, so the final row does not depend on delivery order.
func Reduce(row model.Auction, exists bool, ev model.LedgerEvent) (storage.AuctionUpdate, error) {
	if !exists {
		row = model.Auction{FilterHash: ev.FilterHash}
	}
	row.CurrentBid = orZero(row.CurrentBid)
	row.MinimumBid = orZero(row.MinimumBid)
	update := storage.AuctionUpdate{EventKey: ev.Key()}

	switch ev.Kind {
	case model.LedgerAuctionCreated:
		if ev.Filter != nil {
			row.Filter = *ev.Filter
		}
		row.MinimumBid = orZero(ev.Amount)
		adoptBid(&row, ev)
		row.IsActive = !row.IsExecuted
		bid := bidFromEvent(ev)
		update.Bid = &bid
	case model.LedgerBidPlaced:
		adoptBid(&row, ev)
		row.IsActive = !row.IsExecuted
		bid := bidFromEvent(ev)
		update.Bid = &bid
	case model.LedgerWinningsWithdrawn:
		row.IsExecuted = true
		row.IsActive = false
	default:
		return storage.AuctionUpdate{}, fmt.Errorf("unknown ledger event kind %q", ev.Kind)
	}

	update.Auction = row
	return update, nil
}

func adoptBid(row *model.Auction, ev model.LedgerEvent) {
	if !row.LastBid.IsZero() && !row.LastBid.Less(ev.Position) {
		return
	}
	row.CurrentBidder = ev.Bidder
	row.CurrentBid = orZero(ev.Amount)
	row.LastBidTime = ev.Timestamp
	row.LastBid = ev.Position
}

func bidFromEvent(ev model.LedgerEvent) model.Bid {
	return model.Bid{
		FilterHash:  ev.FilterHash,
		Bidder:      ev.Bidder,
		Amount:      orZero(ev.Amount),
		Timestamp:   ev.Timestamp,
		TxHash:      ev.TxHash,
		BlockNumber: ev.Position.BlockNumber,
		TxIndex:     ev.Position.TxIndex,
		LogIndex:    ev.Position.LogIndex,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
