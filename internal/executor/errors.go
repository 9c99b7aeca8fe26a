package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"hookAuction/internal/chain"
)

var (
	// ErrInsufficientBalance is final; the execution is not retried.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOutcomeUnknown marks a broadcast that failed without a node verdict.
	ErrOutcomeUnknown = errors.New("broadcast outcome unknown")
	// ErrTimeout is the chain client's timeout so errors.Is works across both.
	ErrTimeout = chain.ErrTimeout
)

// BroadcastError is a structured JSON-RPC error returned by the broadcast endpoint.
type BroadcastError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *BroadcastError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("broadcast rejected (%d): %s: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("broadcast rejected (%d): %s", e.Code, e.Message)
}

// asBroadcastError converts go-ethereum rpc errors. Other errors pass through.
func asBroadcastError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	out := &BroadcastError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
