package model

import "github.com/ethereum/go-ethereum/common"

// EventFilter selects the logs a hook reacts to.
type EventFilter struct {
	ContractAddress common.Address `json:"contract_address"`
	Topic0          common.Hash    `json:"topic0"`
	Topic1          common.Hash    `json:"topic1"`
	Topic2          common.Hash    `json:"topic2"`
	Topic3          common.Hash    `json:"topic3"`
	UseTopic1       bool           `json:"use_topic1"`
	UseTopic2       bool           `json:"use_topic2"`
	UseTopic3       bool           `json:"use_topic3"`
}

// Biddable reports whether the filter carries the fields an auction requires.
func (f EventFilter) Biddable() bool {
	return f.ContractAddress != (common.Address{}) && f.Topic0 != (common.Hash{})
}
