package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Hook binds a filter to a pinned template version for one automation
// identity.
type Hook struct {
	ID              string         `json:"id"`
	FilterHash      common.Hash    `json:"filter_hash"`
	Filter          EventFilter    `json:"filter"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	Owner           common.Address `json:"owner"`
	Wallet          common.Address `json:"wallet"`
	EventABI        string         `json:"event_abi"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ExecutionStatus is the broadcast outcome of a hook execution.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// HookExecution is one execution attempt. Only pending rows change state.
type HookExecution struct {
	ID             string          `json:"id"`
	HookID         string          `json:"hook_id"`
	TriggerEventID string          `json:"trigger_event_id"`
	TxHash         common.Hash     `json:"tx_hash"`
	Status         ExecutionStatus `json:"status"`
	GasUsed        uint64          `json:"gas_used"`
	FeeCharged     *big.Int        `json:"fee_charged"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}
