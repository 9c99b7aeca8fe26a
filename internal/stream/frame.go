package stream

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Frame is one pre-confirmation block fragment. Index 0 carries the base
// header; later fragments only carry the diff.
type Frame struct {
	PayloadID string   `json:"payload_id"`
	Index     uint64   `json:"index"`
	Base      *Base    `json:"base,omitempty"`
	Diff      Diff     `json:"diff"`
	Metadata  Metadata `json:"metadata"`
}

type Base struct {
	ParentHash    common.Hash    `json:"parent_hash"`
	FeeRecipient  common.Address `json:"fee_recipient"`
	BlockNumber   hexutil.Uint64 `json:"block_number"`
	GasLimit      hexutil.Uint64 `json:"gas_limit"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"base_fee_per_gas"`
}

type Diff struct {
	StateRoot    common.Hash     `json:"state_root"`
	ReceiptsRoot common.Hash     `json:"receipts_root"`
	GasUsed      hexutil.Uint64  `json:"gas_used"`
	BlockHash    common.Hash     `json:"block_hash"`
	Transactions []hexutil.Bytes `json:"transactions"`
}

type Metadata struct {
	BlockNumber uint64                          `json:"block_number"`
	Receipts    map[common.Hash]ReceiptEnvelope `json:"receipts"`
}

// ReceiptEnvelope wraps a receipt under its transaction type.
type ReceiptEnvelope struct {
	Legacy  *Receipt `json:"Legacy,omitempty"`
	Eip1559 *Receipt `json:"Eip1559,omitempty"`
}

// Receipt is the flavor-independent receipt body.
type Receipt struct {
	Status            hexutil.Uint64 `json:"status"`
	CumulativeGasUsed hexutil.Uint64 `json:"cumulativeGasUsed"`
	Logs              []Log          `json:"logs"`
}

type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Unwrap returns the receipt regardless of which flavor wraps it.
func (e ReceiptEnvelope) Unwrap() (*Receipt, error) {
	switch {
	case e.Legacy != nil && e.Eip1559 != nil:
		return nil, fmt.Errorf("receipt has both Legacy and Eip1559 bodies")
	case e.Legacy != nil:
		return e.Legacy, nil
	case e.Eip1559 != nil:
		return e.Eip1559, nil
	default:
		return nil, fmt.Errorf("receipt has no known flavor")
	}
}

// ParseFrame decodes a plain JSON frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	return &f, nil
}

// BlockNumber prefers the metadata number and falls back to the base header.
func (f *Frame) BlockNumber() uint64 {
	if f.Metadata.BlockNumber != 0 {
		return f.Metadata.BlockNumber
	}
	if f.Base != nil {
		return uint64(f.Base.BlockNumber)
	}
	return 0
}

// Logs flattens every receipt log into go-ethereum logs carrying the
// frame's block metadata. Logs of failed transactions are skipped. Log
// index is the position inside the receipt; tx index comes from the diff's
// transaction list when the transaction is present there.
func (f *Frame) Logs() ([]types.Log, []error) {
	txIndex := make(map[common.Hash]uint, len(f.Diff.Transactions))
	for i, raw := range f.Diff.Transactions {
		txIndex[crypto.Keccak256Hash(raw)] = uint(i)
	}

	hashes := make([]common.Hash, 0, len(f.Metadata.Receipts))
	for h := range f.Metadata.Receipts {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		ii, iok := txIndex[hashes[i]]
		jj, jok := txIndex[hashes[j]]
		if iok != jok {
			return iok
		}
		if iok && ii != jj {
			return ii < jj
		}
		return hashes[i].Cmp(hashes[j]) < 0
	})

	block := f.BlockNumber()
	var (
		out  []types.Log
		errs []error
	)
	for _, txHash := range hashes {
		receipt, err := f.Metadata.Receipts[txHash].Unwrap()
		if err != nil {
			errs = append(errs, fmt.Errorf("tx %s: %w", txHash.Hex(), err))
			continue
		}
		if receipt.Status == 0 {
			continue
		}
		for i, l := range receipt.Logs {
			out = append(out, types.Log{
				Address:     l.Address,
				Topics:      l.Topics,
				Data:        l.Data,
				BlockNumber: block,
				BlockHash:   f.Diff.BlockHash,
				TxHash:      txHash,
				TxIndex:     txIndex[txHash],
				Index:       uint(i),
			})
		}
	}
	return out, errs
}
