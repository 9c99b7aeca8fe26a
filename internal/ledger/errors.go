package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Class groups ledger failures by how callers must react to them.
type Class string

const (
	ClassValidation    Class = "validation"
	ClassEconomic      Class = "economic"
	ClassAuthorization Class = "authorization"
	ClassTransfer      Class = "transfer"
)

// Error is a ledger failure with a class and stable name.
type Error struct {
	Name  string
	class Class
}

func (e *Error) Error() string { return e.Name }

// Class returns the failure class.
func (e *Error) Class() Class { return e.class }

var (
	ErrInvalidFilter          = &Error{Name: "InvalidFilter", class: ClassValidation}
	ErrZeroBid                = &Error{Name: "ZeroBid", class: ClassValidation}
	ErrZeroVault              = &Error{Name: "ZeroVault", class: ClassValidation}
	ErrAuctionNotFound        = &Error{Name: "AuctionNotFound", class: ClassEconomic}
	ErrAuctionNotActive       = &Error{Name: "AuctionNotActive", class: ClassEconomic}
	ErrAuctionAlreadyExecuted = &Error{Name: "AuctionAlreadyExecuted", class: ClassEconomic}
	ErrAmountOverflow         = &Error{Name: "AmountOverflow", class: ClassEconomic}
	ErrInvalidSignature       = &Error{Name: "InvalidSignature", class: ClassAuthorization}
	ErrOnlyOwner              = &Error{Name: "OnlyOwner", class: ClassAuthorization}
)

// BidTooLowError reports the minimum acceptable amount for a rebid.
type BidTooLowError struct {
	Required *uint256.Int
	Provided *uint256.Int
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("BidTooLow(required=%s, provided=%s)", e.Required.Dec(), e.Provided.Dec())
}

// Class returns the failure class.
func (e *BidTooLowError) Class() Class { return ClassEconomic }

// TransferError wraps a failed fund movement. The state transition that
// needed it was not applied.
type TransferError struct {
	To     common.Address
	Amount *uint256.Int
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s to %s: %v", e.Amount.Dec(), e.To.Hex(), e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Class returns the failure class.
func (e *TransferError) Class() Class { return ClassTransfer }

// ClassOf extracts the class of a ledger error, or "" for foreign errors.
func ClassOf(err error) Class {
	var classed interface{ Class() Class }
	if errors.As(err, &classed) {
		return classed.Class()
	}
	return ""
}
