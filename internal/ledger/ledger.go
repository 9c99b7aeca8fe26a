package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"hookAuction/internal/filter"
	"hookAuction/internal/model"
)

// Increment rules: a rebid needs at least floor(current * 101 / 100).
const (
	incrementNumerator   = 101
	incrementDenominator = 100
)

// EventSink receives every event the ledger emits, in emission order. It is
// called with the ledger lock held and must not call back into the ledger.
type EventSink func(model.LedgerEvent)

// Config wires a Ledger.
type Config struct {
	Address  common.Address
	Owner    common.Address
	Executor common.Address
	Bank     Bank
	Sink     EventSink
	Now      func() time.Time
}

type auctionState struct {
	filter        model.EventFilter
	currentBidder common.Address
	currentBid    *uint256.Int
	minimumBid    *uint256.Int
	lastBidTime   uint64
	isActive      bool
	isExecuted    bool
}

// Ledger is the authoritative auction state machine. All transitions are
// serialized; fund movements that fail leave state untouched.
type Ledger struct {
	mu       sync.Mutex
	address  common.Address
	owner    common.Address
	executor common.Address
	nonces   map[common.Address]uint64
	auctions map[common.Hash]*auctionState
	bids     map[common.Hash][]model.Bid
	bank     Bank
	sink     EventSink
	now      func() time.Time
	seq      uint64
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Ledger, error) {
	if cfg.Bank == nil {
		return nil, fmt.Errorf("bank is nil")
	}
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("owner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		address:  cfg.Address,
		owner:    cfg.Owner,
		executor: cfg.Executor,
		nonces:   make(map[common.Address]uint64),
		auctions: make(map[common.Hash]*auctionState),
		bids:     make(map[common.Hash][]model.Bid),
		bank:     cfg.Bank,
		sink:     cfg.Sink,
		now:      now,
		logger:   logger,
	}, nil
}

// Address is the ledger identity bound into withdrawal signatures.
func (l *Ledger) Address() common.Address { return l.address }

// RequiredBid returns floor(current * 101 / 100).
func RequiredBid(current *uint256.Int) (*uint256.Int, error) {
	scaled, overflow := new(uint256.Int).MulOverflow(current, uint256.NewInt(incrementNumerator))
	if overflow {
		return nil, ErrAmountOverflow
	}
	return scaled.Div(scaled, uint256.NewInt(incrementDenominator)), nil
}

// PlaceBid bids amount for the filter's auction, creating it on first bid.
// The previous bidder is refunded in the same transition.
func (l *Ledger) PlaceBid(bidder common.Address, f model.EventFilter, amount *uint256.Int) (model.Auction, error) {
	if !f.Biddable() {
		return model.Auction{}, ErrInvalidFilter
	}
	if amount == nil || amount.IsZero() {
		return model.Auction{}, ErrZeroBid
	}
	amount = new(uint256.Int).Set(amount)
	hash := filter.Hash(f)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := uint64(l.now().Unix())
	state, exists := l.auctions[hash]
	if !exists {
		if err := l.bank.Collect(bidder, amount); err != nil {
			return model.Auction{}, &TransferError{To: l.address, Amount: amount, Err: err}
		}
		state = &auctionState{
			filter:        f,
			currentBidder: bidder,
			currentBid:    amount,
			minimumBid:    new(uint256.Int).Set(amount),
			lastBidTime:   ts,
			isActive:      true,
		}
		l.auctions[hash] = state
		fc := f
		ev := l.emit(model.LedgerEvent{
			Kind:       model.LedgerAuctionCreated,
			FilterHash: hash,
			Bidder:     bidder,
			Amount:     amount.ToBig(),
			Filter:     &fc,
			Timestamp:  ts,
		})
		l.appendBid(hash, bidder, amount, ev)
		l.logger.Info("auction created",
			zap.String("filter_hash", hash.Hex()),
			zap.String("bidder", bidder.Hex()),
			zap.String("amount", FormatEther(amount.ToBig())),
		)
		return state.snapshot(hash), nil
	}

	if state.isExecuted {
		return model.Auction{}, ErrAuctionAlreadyExecuted
	}
	if !state.isActive {
		return model.Auction{}, ErrAuctionNotActive
	}
	required, err := RequiredBid(state.currentBid)
	if err != nil {
		return model.Auction{}, err
	}
	if amount.Lt(required) {
		return model.Auction{}, &BidTooLowError{Required: required, Provided: amount}
	}

	if err := l.bank.Collect(bidder, amount); err != nil {
		return model.Auction{}, &TransferError{To: l.address, Amount: amount, Err: err}
	}
	prevBidder, prevBid := state.currentBidder, state.currentBid
	if err := l.bank.Pay(prevBidder, prevBid); err != nil {
		l.bank.Return(bidder, amount)
		l.logger.Warn("refund failed, bid reverted",
			zap.String("filter_hash", hash.Hex()),
			zap.String("previous_bidder", prevBidder.Hex()),
			zap.Error(err),
		)
		return model.Auction{}, &TransferError{To: prevBidder, Amount: prevBid, Err: err}
	}

	state.currentBidder = bidder
	state.currentBid = amount
	state.lastBidTime = ts
	ev := l.emit(model.LedgerEvent{
		Kind:           model.LedgerBidPlaced,
		FilterHash:     hash,
		Bidder:         bidder,
		Amount:         amount.ToBig(),
		PreviousBidder: prevBidder,
		PreviousBid:    prevBid.ToBig(),
		Timestamp:      ts,
	})
	l.appendBid(hash, bidder, amount, ev)
	l.logger.Info("bid placed",
		zap.String("filter_hash", hash.Hex()),
		zap.String("bidder", bidder.Hex()),
		zap.String("amount", FormatEther(amount.ToBig())),
		zap.String("refunded", prevBidder.Hex()),
	)
	return state.snapshot(hash), nil
}

// WithdrawWinnings pays the current winning bid to vault, once, when
// authorized by the executor's signature over the executor's current nonce.
func (l *Ledger) WithdrawWinnings(filterHash common.Hash, vault common.Address, nonce uint64, signature []byte) error {
	if vault == (common.Address{}) {
		return ErrZeroVault
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.auctions[filterHash]
	if !ok {
		return ErrAuctionNotFound
	}
	if state.isExecuted {
		return ErrAuctionAlreadyExecuted
	}
	if !state.isActive {
		return ErrAuctionNotActive
	}

	expected := l.nonces[l.executor]
	if nonce != expected {
		l.logger.Warn("withdrawal nonce rejected",
			zap.Bool("security", true),
			zap.String("filter_hash", filterHash.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Uint64("expected", expected),
		)
		return ErrInvalidSignature
	}
	signer, err := RecoverWithdrawalSigner(filterHash, vault, nonce, l.address, signature)
	if err != nil || signer != l.executor {
		l.logger.Warn("withdrawal signature rejected",
			zap.Bool("security", true),
			zap.String("filter_hash", filterHash.Hex()),
			zap.String("signer", signer.Hex()),
		)
		return ErrInvalidSignature
	}

	if err := l.bank.Pay(vault, state.currentBid); err != nil {
		return &TransferError{To: vault, Amount: state.currentBid, Err: err}
	}
	state.isExecuted = true
	l.nonces[l.executor] = expected + 1

	l.emit(model.LedgerEvent{
		Kind:       model.LedgerWinningsWithdrawn,
		FilterHash: filterHash,
		Bidder:     state.currentBidder,
		Amount:     state.currentBid.ToBig(),
		Vault:      vault,
		Timestamp:  uint64(l.now().Unix()),
	})
	l.logger.Info("winnings withdrawn",
		zap.String("filter_hash", filterHash.Hex()),
		zap.String("vault", vault.Hex()),
		zap.String("amount", FormatEther(state.currentBid.ToBig())),
	)
	return nil
}

// Pause deactivates an auction without discarding its state.
func (l *Ledger) Pause(caller common.Address, filterHash common.Hash) error {
	return l.setActive(caller, filterHash, false)
}

// Unpause reactivates a paused auction.
func (l *Ledger) Unpause(caller common.Address, filterHash common.Hash) error {
	return l.setActive(caller, filterHash, true)
}

func (l *Ledger) setActive(caller common.Address, filterHash common.Hash, active bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.onlyOwner(caller, "set_active"); err != nil {
		return err
	}
	state, ok := l.auctions[filterHash]
	if !ok {
		return ErrAuctionNotFound
	}
	state.isActive = active
	return nil
}

// EmergencyRefund returns the current bid to its bidder and deactivates the auction.
func (l *Ledger) EmergencyRefund(caller common.Address, filterHash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.onlyOwner(caller, "emergency_refund"); err != nil {
		return err
	}
	state, ok := l.auctions[filterHash]
	if !ok {
		return ErrAuctionNotFound
	}
	if state.isExecuted {
		return ErrAuctionAlreadyExecuted
	}
	if !state.currentBid.IsZero() {
		if err := l.bank.Pay(state.currentBidder, state.currentBid); err != nil {
			return &TransferError{To: state.currentBidder, Amount: state.currentBid, Err: err}
		}
	}
	state.currentBidder = common.Address{}
	state.currentBid = new(uint256.Int)
	state.isActive = false
	bids := l.bids[filterHash]
	for i := range bids {
		bids[i].IsWinning = false
	}
	return nil
}

// SetExecutor rotates the identity allowed to authorize withdrawals.
func (l *Ledger) SetExecutor(caller, executor common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.onlyOwner(caller, "set_executor"); err != nil {
		return err
	}
	l.executor = executor
	return nil
}

// TransferOwnership hands the admin role to a new owner.
func (l *Ledger) TransferOwnership(caller, owner common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.onlyOwner(caller, "transfer_ownership"); err != nil {
		return err
	}
	if owner == (common.Address{}) {
		return fmt.Errorf("owner is required")
	}
	l.owner = owner
	return nil
}

func (l *Ledger) onlyOwner(caller common.Address, action string) error {
	if caller != l.owner {
		l.logger.Warn("admin call rejected",
			zap.Bool("security", true),
			zap.String("action", action),
			zap.String("caller", caller.Hex()),
		)
		return ErrOnlyOwner
	}
	return nil
}

// GetAuction returns a snapshot of an auction.
func (l *Ledger) GetAuction(filterHash common.Hash) (model.Auction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.auctions[filterHash]
	if !ok {
		return model.Auction{}, false
	}
	return state.snapshot(filterHash), true
}

// GetWinner returns the current bidder of an auction.
func (l *Ledger) GetWinner(filterHash common.Hash) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.auctions[filterHash]
	if !ok {
		return common.Address{}, ErrAuctionNotFound
	}
	return state.currentBidder, nil
}

// AuctionExists reports whether any bid was ever accepted for the hash.
func (l *Ledger) AuctionExists(filterHash common.Hash) bool {
	l.mu.Lock()
	_, ok := l.auctions[filterHash]
	l.mu.Unlock()
	return ok
}

// ExecutorNonce returns the nonce the next withdrawal must be signed with.
func (l *Ledger) ExecutorNonce() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[l.executor]
}

// Bids returns the bid log of an auction, oldest first.
func (l *Ledger) Bids(filterHash common.Hash) []model.Bid {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Bid, len(l.bids[filterHash]))
	copy(out, l.bids[filterHash])
	return out
}

func (l *Ledger) appendBid(hash common.Hash, bidder common.Address, amount *uint256.Int, ev model.LedgerEvent) {
	bids := l.bids[hash]
	for i := range bids {
		bids[i].IsWinning = false
	}
	l.bids[hash] = append(bids, model.Bid{
		FilterHash:  hash,
		Bidder:      bidder,
		Amount:      amount.ToBig(),
		Timestamp:   ev.Timestamp,
		TxHash:      ev.TxHash,
		BlockNumber: ev.Position.BlockNumber,
		TxIndex:     ev.Position.TxIndex,
		LogIndex:    ev.Position.LogIndex,
		IsWinning:   true,
	})
}

// emit stamps a synthetic position and passes the event to the sink.
func (l *Ledger) emit(ev model.LedgerEvent) model.LedgerEvent {
	l.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.seq)
	ev.TxHash = crypto.Keccak256Hash(l.address.Bytes(), seq[:])
	ev.Position = model.EventPosition{BlockNumber: l.seq}
	if l.sink != nil {
		l.sink(ev)
	}
	return ev
}

func (s *auctionState) snapshot(hash common.Hash) model.Auction {
	return model.Auction{
		FilterHash:    hash,
		CurrentBidder: s.currentBidder,
		CurrentBid:    s.currentBid.ToBig(),
		MinimumBid:    s.minimumBid.ToBig(),
		LastBidTime:   s.lastBidTime,
		IsActive:      s.isActive,
		IsExecuted:    s.isExecuted,
		Filter:        s.filter,
	}
}
