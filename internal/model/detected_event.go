package model

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventSignature identifies the watched event.
type EventSignature struct {
	ContractAddress common.Address `json:"contract_address"`
	Name            string         `json:"name"`
	Topic0          common.Hash    `json:"topic0"`
	ABI             string         `json:"abi"`
}

// DetectedEvent is a log that matched a registered filter.
type DetectedEvent struct {
	ID              string           `json:"id"`
	FilterHash      common.Hash      `json:"filter_hash"`
	Signature       EventSignature   `json:"signature"`
	TransactionHash common.Hash      `json:"transaction_hash"`
	BlockNumber     uint64           `json:"block_number"`
	LogIndex        uint             `json:"log_index"`
	Args            map[string]Value `json:"args"`
	Timestamp       uint64           `json:"timestamp"`
}

// DedupKey is stable across feed redeliveries of the same log.
func (e DetectedEvent) DedupKey() string {
	return DedupKey(e.TransactionHash, e.LogIndex)
}

// DedupKey formats the (transactionHash, logIndex) identity.
func DedupKey(txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%d", txHash.Hex(), logIndex)
}
