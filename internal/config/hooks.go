package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"hookAuction/internal/model"
)

// HookEntry is one hook of a bootstrap file. The template is stored as a new
// version when the hook is added.
type HookEntry struct {
	ID       string                    `json:"id"`
	Filter   model.EventFilter         `json:"filter"`
	Owner    common.Address            `json:"owner"`
	Wallet   common.Address            `json:"wallet"`
	EventABI json.RawMessage           `json:"event_abi"`
	Enabled  *bool                     `json:"enabled"`
	Template model.TransactionTemplate `json:"template"`
}

// Hook converts the entry into a model hook. Hooks are enabled unless the
// file says otherwise.
func (s HookEntry) Hook() model.Hook {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return model.Hook{
		ID:       s.ID,
		Filter:   s.Filter,
		Owner:    s.Owner,
		Wallet:   s.Wallet,
		EventABI: eventABIString(s.EventABI),
		Enabled:  enabled,
	}
}

// eventABIString accepts the fragment either inline as JSON or as a JSON string.
func eventABIString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type hooksFile struct {
	Hooks []HookEntry `json:"hooks"`
}

// LoadHooks reads a JSON bootstrap file of hooks and their templates.
func LoadHooks(path string) ([]HookEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks file: %w", err)
	}
	var file hooksFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse hooks file: %w", err)
	}
	for i, entry := range file.Hooks {
		if entry.Owner == (common.Address{}) {
			return nil, fmt.Errorf("hooks[%d]: owner is required", i)
		}
		if len(entry.EventABI) == 0 {
			return nil, fmt.Errorf("hooks[%d]: event_abi is required", i)
		}
		if !entry.Filter.Biddable() {
			return nil, fmt.Errorf("hooks[%d]: filter needs contract_address and topic0", i)
		}
	}
	return file.Hooks, nil
}
