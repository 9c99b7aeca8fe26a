package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bank moves funds on behalf of the ledger.
type Bank interface {
	// Collect pulls amount from an account into the ledger.
	Collect(from common.Address, amount *uint256.Int) error
	// Pay sends amount held by the ledger to an account.
	Pay(to common.Address, amount *uint256.Int) error
	// Return undoes a Collect that the ledger could not complete. It must not fail.
	Return(to common.Address, amount *uint256.Int)
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPaymentRejected   = errors.New("payment rejected by recipient")
)

// Escrow is an in-memory Bank with per-account balances. Accounts can be set
// to reject payments, which models a recipient contract that reverts.
type Escrow struct {
	mu        sync.Mutex
	balances  map[common.Address]*uint256.Int
	held      *uint256.Int
	rejecting map[common.Address]bool
}

func NewEscrow() *Escrow {
	return &Escrow{
		balances:  make(map[common.Address]*uint256.Int),
		held:      new(uint256.Int),
		rejecting: make(map[common.Address]bool),
	}
}

// Fund credits an account.
func (e *Escrow) Fund(account common.Address, amount *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credit(account, amount)
}

// Reject toggles whether payments to account fail.
func (e *Escrow) Reject(account common.Address, reject bool) {
	e.mu.Lock()
	e.rejecting[account] = reject
	e.mu.Unlock()
}

// Balance returns an account's balance.
func (e *Escrow) Balance(account common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bal, ok := e.balances[account]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// Held returns the funds currently held by the ledger.
func (e *Escrow) Held() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(uint256.Int).Set(e.held)
}

func (e *Escrow) Collect(from common.Address, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	bal, ok := e.balances[from]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("collect from %s: %w", from.Hex(), ErrInsufficientFunds)
	}
	bal.Sub(bal, amount)
	e.held.Add(e.held, amount)
	return nil
}

func (e *Escrow) Pay(to common.Address, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rejecting[to] {
		return ErrPaymentRejected
	}
	if e.held.Lt(amount) {
		return fmt.Errorf("pay %s: %w", to.Hex(), ErrInsufficientFunds)
	}
	e.held.Sub(e.held, amount)
	e.credit(to, amount)
	return nil
}

func (e *Escrow) Return(to common.Address, amount *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held.Lt(amount) {
		return
	}
	e.held.Sub(e.held, amount)
	e.credit(to, amount)
}

func (e *Escrow) credit(account common.Address, amount *uint256.Int) {
	bal, ok := e.balances[account]
	if !ok {
		bal = new(uint256.Int)
		e.balances[account] = bal
	}
	bal.Add(bal, amount)
}
