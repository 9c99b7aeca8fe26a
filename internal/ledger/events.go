package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"hookAuction/internal/model"
)

// DecodeLog turns a ledger contract log into a LedgerEvent.
func DecodeLog(log types.Log) (model.LedgerEvent, error) {
	parsed, err := ContractABI()
	if err != nil {
		return model.LedgerEvent{}, err
	}
	if len(log.Topics) == 0 {
		return model.LedgerEvent{}, fmt.Errorf("missing topic0")
	}
	event, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("unknown ledger event %s", log.Topics[0].Hex())
	}

	values, err := unpackEvent(*event, log)
	if err != nil {
		return model.LedgerEvent{}, err
	}

	out := model.LedgerEvent{
		Kind:       model.LedgerEventKind(event.Name),
		FilterHash: common.Hash(values.bytes32("filterHash")),
		TxHash:     log.TxHash,
		Position: model.EventPosition{
			BlockNumber: log.BlockNumber,
			TxIndex:     log.TxIndex,
			LogIndex:    log.Index,
		},
	}

	switch out.Kind {
	case model.LedgerAuctionCreated:
		out.Bidder = values.address("bidder")
		out.Amount = values.bigInt("amount")
		out.Filter = &model.EventFilter{
			ContractAddress: values.address("contractAddress"),
			Topic0:          common.Hash(values.bytes32("topic0")),
			Topic1:          common.Hash(values.bytes32("topic1")),
			Topic2:          common.Hash(values.bytes32("topic2")),
			Topic3:          common.Hash(values.bytes32("topic3")),
			UseTopic1:       values.boolean("useTopic1"),
			UseTopic2:       values.boolean("useTopic2"),
			UseTopic3:       values.boolean("useTopic3"),
		}
	case model.LedgerBidPlaced:
		out.Bidder = values.address("bidder")
		out.Amount = values.bigInt("amount")
		out.PreviousBidder = values.address("previousBidder")
		out.PreviousBid = values.bigInt("previousBid")
	case model.LedgerWinningsWithdrawn:
		out.Bidder = values.address("winner")
		out.Vault = values.address("vault")
		out.Amount = values.bigInt("amount")
	default:
		return model.LedgerEvent{}, fmt.Errorf("unsupported ledger event %s", event.Name)
	}
	if values.err != nil {
		return model.LedgerEvent{}, fmt.Errorf("decode %s: %w", event.Name, values.err)
	}
	return out, nil
}

// EncodeLog builds the log the ledger contract would emit for ev. Useful for
// replaying in-process ledger events through the chain decoding path.
func EncodeLog(ledger common.Address, ev model.LedgerEvent) (types.Log, error) {
	parsed, err := ContractABI()
	if err != nil {
		return types.Log{}, err
	}
	event, ok := parsed.Events[string(ev.Kind)]
	if !ok {
		return types.Log{}, fmt.Errorf("unsupported ledger event %s", ev.Kind)
	}

	var data []byte
	switch ev.Kind {
	case model.LedgerAuctionCreated:
		if ev.Filter == nil {
			return types.Log{}, fmt.Errorf("auction created without filter")
		}
		f := ev.Filter
		data, err = event.Inputs.NonIndexed().Pack(ev.Amount, f.ContractAddress,
			[32]byte(f.Topic0), [32]byte(f.Topic1), [32]byte(f.Topic2), [32]byte(f.Topic3),
			f.UseTopic1, f.UseTopic2, f.UseTopic3)
	case model.LedgerBidPlaced:
		prev := ev.PreviousBid
		if prev == nil {
			prev = new(big.Int)
		}
		data, err = event.Inputs.NonIndexed().Pack(ev.Amount, ev.PreviousBidder, prev)
	case model.LedgerWinningsWithdrawn:
		data, err = event.Inputs.NonIndexed().Pack(ev.Vault, ev.Amount)
	}
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", ev.Kind, err)
	}

	return types.Log{
		Address:     ledger,
		Topics:      []common.Hash{event.ID, ev.FilterHash, common.BytesToHash(ev.Bidder.Bytes())},
		Data:        data,
		BlockNumber: ev.Position.BlockNumber,
		TxHash:      ev.TxHash,
		TxIndex:     ev.Position.TxIndex,
		Index:       ev.Position.LogIndex,
	}, nil
}

type eventValues struct {
	fields map[string]interface{}
	err    error
}

func unpackEvent(event abi.Event, log types.Log) (*eventValues, error) {
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))
	}
	fields := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return &eventValues{fields: fields}, nil
}

func (v *eventValues) address(name string) common.Address {
	addr, ok := v.fields[name].(common.Address)
	if !ok && v.err == nil {
		v.err = fmt.Errorf("field %s: unexpected type %T", name, v.fields[name])
	}
	return addr
}

func (v *eventValues) bigInt(name string) *big.Int {
	n, ok := v.fields[name].(*big.Int)
	if !ok && v.err == nil {
		v.err = fmt.Errorf("field %s: unexpected type %T", name, v.fields[name])
	}
	return n
}

func (v *eventValues) bytes32(name string) [32]byte {
	b, ok := v.fields[name].([32]byte)
	if !ok && v.err == nil {
		v.err = fmt.Errorf("field %s: unexpected type %T", name, v.fields[name])
	}
	return b
}

func (v *eventValues) boolean(name string) bool {
	b, ok := v.fields[name].(bool)
	if !ok && v.err == nil {
		v.err = fmt.Errorf("field %s: unexpected type %T", name, v.fields[name])
	}
	return b
}
