package executor

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"hookAuction/internal/model"
	"hookAuction/internal/template"
)

const multicallABIJSON = `[
  {"type":"function","name":"aggregate3Value","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"value","type":"uint256"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

var (
	// ErrUnresolvedPlaceholder rejects calls that still carry ${name} tokens.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
	ErrEmptyMulticall        = errors.New("multicall has no calls")

	multicallOnce sync.Once
	multicallABI  abi.ABI
	multicallErr  error
)

// MulticallABI returns the parsed Multicall3 aggregate3Value fragment.
func MulticallABI() (abi.ABI, error) {
	multicallOnce.Do(func() {
		multicallABI, multicallErr = abi.JSON(strings.NewReader(multicallABIJSON))
	})
	return multicallABI, multicallErr
}

// call3Value mirrors Multicall3.Call3Value.
type call3Value struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// EncodeMulticall packs calls into one aggregate3Value call and returns the
// call data with the total value it forwards. Order is preserved.
func EncodeMulticall(calls []model.ProcessedCall) ([]byte, *big.Int, error) {
	if len(calls) == 0 {
		return nil, nil, ErrEmptyMulticall
	}
	parsed, err := MulticallABI()
	if err != nil {
		return nil, nil, fmt.Errorf("load multicall abi: %w", err)
	}

	total := new(big.Int)
	packed := make([]call3Value, 0, len(calls))
	for i, call := range calls {
		c, err := toCall3(call)
		if err != nil {
			return nil, nil, fmt.Errorf("call %d: %w", i, err)
		}
		total.Add(total, c.Value)
		packed = append(packed, c)
	}
	data, err := parsed.Pack("aggregate3Value", packed)
	if err != nil {
		return nil, nil, fmt.Errorf("pack aggregate3Value: %w", err)
	}
	return data, total, nil
}

func toCall3(call model.ProcessedCall) (call3Value, error) {
	if len(call.Unresolved) > 0 {
		return call3Value{}, fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, strings.Join(call.Unresolved, ", "))
	}
	for _, field := range []string{call.Target, call.Value, call.CallData} {
		if strings.Contains(field, "${") {
			return call3Value{}, fmt.Errorf("%w in %q", ErrUnresolvedPlaceholder, field)
		}
	}
	if !common.IsHexAddress(call.Target) {
		return call3Value{}, fmt.Errorf("invalid target %q", call.Target)
	}
	value, ok := template.ParseValue(call.Value)
	if !ok {
		return call3Value{}, fmt.Errorf("invalid value %q", call.Value)
	}
	var data []byte
	if call.CallData != "" && call.CallData != "0x" {
		decoded, err := hexutil.Decode(call.CallData)
		if err != nil {
			return call3Value{}, fmt.Errorf("invalid call data: %w", err)
		}
		data = decoded
	}
	return call3Value{
		Target:       common.HexToAddress(call.Target),
		AllowFailure: call.Role.AllowFailure(),
		Value:        value,
		CallData:     data,
	}, nil
}
