package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Auction is the per-filter bidding state. The ledger owns the authoritative
// copy; the read model keeps a derived one keyed by the same FilterHash.
type Auction struct {
	FilterHash    common.Hash    `json:"filter_hash"`
	CurrentBidder common.Address `json:"current_bidder"`
	CurrentBid    *big.Int       `json:"current_bid"`
	MinimumBid    *big.Int       `json:"minimum_bid"`
	LastBidTime   uint64         `json:"last_bid_time"`
	IsActive      bool           `json:"is_active"`
	IsExecuted    bool           `json:"is_executed"`
	Filter        EventFilter    `json:"filter"`

	// LastBid is the position of the newest bid applied to a read-model row.
	LastBid EventPosition `json:"last_bid"`
}

// Bid is an append-only bid log entry.
type Bid struct {
	FilterHash  common.Hash    `json:"filter_hash"`
	Bidder      common.Address `json:"bidder"`
	Amount      *big.Int       `json:"amount"`
	Timestamp   uint64         `json:"timestamp"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	TxIndex     uint           `json:"tx_index"`
	LogIndex    uint           `json:"log_index"`
	IsWinning   bool           `json:"is_winning"`
}

// Position returns the chain position the bid was observed at.
func (b Bid) Position() EventPosition {
	return EventPosition{BlockNumber: b.BlockNumber, TxIndex: b.TxIndex, LogIndex: b.LogIndex}
}
