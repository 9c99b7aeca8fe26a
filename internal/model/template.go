package model

import (
	"math/big"
	"time"
)

// VariableType selects where a variable reference resolves from.
type VariableType string

const (
	VariableEvent  VariableType = "event"
	VariableSystem VariableType = "system"
	VariableUser   VariableType = "user"
)

// VariableReference names a value pulled into a template.
type VariableReference struct {
	Name string       `json:"name" validate:"required"`
	Path string       `json:"path" validate:"required"`
	Type VariableType `json:"type" validate:"required,oneof=event system user"`
}

// CallRole decides whether a call may fail inside the batch.
type CallRole string

const (
	RoleTrigger CallRole = "trigger"
	RoleFee     CallRole = "fee"
)

// AllowFailure reports the multicall flag for the role. Fee calls must succeed.
func (r CallRole) AllowFailure() bool {
	return r != RoleFee
}

// TransactionCall is one call of a template, fields may hold ${name} placeholders.
// CallData is raw hex; when Function is set the call data is ABI-encoded
// from Function and Args instead.
type TransactionCall struct {
	Target    string   `json:"target" validate:"required"`
	Value     string   `json:"value"`
	CallData  string   `json:"call_data"`
	Function  string   `json:"function,omitempty"`
	Args      []string `json:"args,omitempty"`
	Role      CallRole `json:"role" validate:"omitempty,oneof=trigger fee"`
	Variables []string `json:"variables,omitempty"`
}

// TransactionTemplate is immutable once referenced by a hook. Changes are new
// versions with new IDs.
type TransactionTemplate struct {
	ID                string              `json:"id" validate:"required"`
	Version           int                 `json:"version"`
	Calls             []TransactionCall   `json:"calls" validate:"required,min=1,dive"`
	RequiredVariables []VariableReference `json:"required_variables" validate:"dive"`
	EstimatedGas      uint64              `json:"estimated_gas"`
	CreatedAt         time.Time           `json:"created_at"`
}

// ProcessedCall is a fully substituted call.
type ProcessedCall struct {
	Target       string   `json:"target"`
	Value        string   `json:"value"`
	CallData     string   `json:"call_data"`
	Role         CallRole `json:"role"`
	AllowFailure bool     `json:"allow_failure"`
	// Unresolved lists placeholders that survived substitution.
	Unresolved []string `json:"unresolved,omitempty"`
}

// ProcessedMulticall is the ephemeral output of template processing.
type ProcessedMulticall struct {
	ID                string           `json:"id"`
	TemplateID        string           `json:"template_id"`
	EventID           string           `json:"event_id"`
	Calls             []ProcessedCall  `json:"calls"`
	TotalValue        *big.Int         `json:"total_value"`
	EstimatedGas      uint64           `json:"estimated_gas"`
	ResolvedVariables map[string]Value `json:"resolved_variables"`
}
