package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hookAuction/internal/model"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("execution is not pending")
	ErrImmutable  = errors.New("template version already exists")
)

// AuctionUpdate is one read-model transition. It is applied atomically:
// the event key is recorded, the bid row is upserted and the auction row is
// written, or nothing happens.
type AuctionUpdate struct {
	// EventKey deduplicates redelivered ledger events. Empty disables dedup.
	EventKey string
	Auction  model.Auction
	// Bid is inserted when non-nil. Rows are keyed by (filterHash, txHash, logIndex).
	Bid *model.Bid
}

// AuctionStore holds the derived auction read model. The bid whose position
// equals Auction.LastBid is the single winning row of a filter.
type AuctionStore interface {
	GetAuction(ctx context.Context, filterHash common.Hash) (model.Auction, bool, error)
	ApplyAuctionUpdate(ctx context.Context, update AuctionUpdate) (bool, error)
	ListBids(ctx context.Context, filterHash common.Hash) ([]model.Bid, error)
	BidsByBidder(ctx context.Context, bidder common.Address) ([]model.Bid, error)
}

// HookStore persists hooks and their versioned templates.
type HookStore interface {
	SaveHook(ctx context.Context, hook model.Hook) error
	GetHook(ctx context.Context, id string) (model.Hook, error)
	ListHooks(ctx context.Context) ([]model.Hook, error)
	SetHookEnabled(ctx context.Context, id string, enabled bool) error
	// SaveTemplate stores a new template version. Existing versions are never rewritten.
	SaveTemplate(ctx context.Context, tpl model.TransactionTemplate) error
	// GetTemplate returns one version of a template; version 0 means the latest.
	GetTemplate(ctx context.Context, id string, version int) (model.TransactionTemplate, error)
}

// EventStore persists detected events keyed by (filterHash, txHash, logIndex).
type EventStore interface {
	SaveDetectedEvent(ctx context.Context, ev model.DetectedEvent) (bool, error)
	EventsBySignature(ctx context.Context, topic0 common.Hash, since time.Time) ([]model.DetectedEvent, error)
}

// ExecutionStore persists hook execution attempts.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec model.HookExecution) error
	// FinalizeExecution moves a pending execution to success or failed.
	FinalizeExecution(ctx context.Context, id string, status model.ExecutionStatus, gasUsed uint64, errMsg string) error
	GetExecution(ctx context.Context, id string) (model.HookExecution, error)
	ExecutionsByStatus(ctx context.Context, status model.ExecutionStatus) ([]model.HookExecution, error)
}

// StateStore keeps named sync cursors.
type StateStore interface {
	LoadState(ctx context.Context, name string) (uint64, bool, error)
	SaveState(ctx context.Context, name string, value uint64) error
}

// Store is everything the daemon persists.
type Store interface {
	AuctionStore
	HookStore
	EventStore
	ExecutionStore
	StateStore
	Close()
}

// CanFinalize reports whether an execution may move from -> to.
func CanFinalize(from, to model.ExecutionStatus) bool {
	return from == model.StatusPending && (to == model.StatusSuccess || to == model.StatusFailed)
}
