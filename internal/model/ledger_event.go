package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerEventKind names the ledger events the read model consumes.
type LedgerEventKind string

const (
	LedgerAuctionCreated    LedgerEventKind = "AuctionCreated"
	LedgerBidPlaced         LedgerEventKind = "BidPlaced"
	LedgerWinningsWithdrawn LedgerEventKind = "WinningsWithdrawn"
)

// LedgerEvent is a decoded ledger event with its chain position.
type LedgerEvent struct {
	Kind       LedgerEventKind `json:"kind"`
	FilterHash common.Hash     `json:"filter_hash"`
	Bidder     common.Address  `json:"bidder"`
	Amount     *big.Int        `json:"amount"`

	// AuctionCreated only.
	Filter *EventFilter `json:"filter,omitempty"`

	// BidPlaced only.
	PreviousBidder common.Address `json:"previous_bidder"`
	PreviousBid    *big.Int       `json:"previous_bid,omitempty"`

	// WinningsWithdrawn only.
	Vault common.Address `json:"vault"`

	TxHash    common.Hash   `json:"tx_hash"`
	Position  EventPosition `json:"position"`
	Timestamp uint64        `json:"timestamp"`
}

// Key identifies a ledger event across redeliveries.
func (e LedgerEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.FilterHash.Hex(), e.Kind, e.TxHash.Hex(), e.Position.LogIndex)
}
