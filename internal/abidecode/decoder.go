package abidecode

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"hookAuction/internal/model"
)

// ParseEvent parses an event ABI given either as a single JSON object or as a
// JSON array holding exactly one event.
func ParseEvent(fragment string) (abi.Event, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return abi.Event{}, fmt.Errorf("empty event abi")
	}
	if strings.HasPrefix(fragment, "{") {
		fragment = "[" + fragment + "]"
	}
	parsed, err := abi.JSON(strings.NewReader(fragment))
	if err != nil {
		return abi.Event{}, fmt.Errorf("parse event abi: %w", err)
	}
	if len(parsed.Events) != 1 {
		return abi.Event{}, fmt.Errorf("expected exactly one event in abi, got %d", len(parsed.Events))
	}
	for _, event := range parsed.Events {
		return event, nil
	}
	return abi.Event{}, fmt.Errorf("no event in abi")
}

// Decode decodes a log against its event ABI into named, type-tagged values.
// Indexed dynamic values are only available as their topic hash.
func Decode(event abi.Event, log *types.Log) (map[string]model.Value, error) {
	if log == nil {
		return nil, fmt.Errorf("nil log")
	}

	indexed := indexedArguments(event.Inputs)
	offset := 1
	if event.Anonymous {
		offset = 0
	}
	if len(log.Topics) != len(indexed)+offset {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+offset, len(log.Topics))
	}

	out := make(map[string]model.Value, len(event.Inputs))
	for i, arg := range indexed {
		topic := log.Topics[i+offset]
		if isHashedInTopic(arg.Type) {
			out[arg.Name] = model.Scalar(model.KindBytes32, arg.Type.String(), topic.Hex())
			continue
		}
		parsed := make(map[string]interface{}, 1)
		if err := abi.ParseTopicsIntoMap(parsed, abi.Arguments{arg}, []common.Hash{topic}); err != nil {
			return nil, fmt.Errorf("parse topic %s: %w", arg.Name, err)
		}
		value, err := ToValue(arg.Type, parsed[arg.Name])
		if err != nil {
			return nil, fmt.Errorf("arg %s: %w", arg.Name, err)
		}
		out[arg.Name] = value
	}

	nonIndexed := event.Inputs.NonIndexed()
	if len(nonIndexed) == 0 {
		return out, nil
	}
	unpacked := make(map[string]interface{}, len(nonIndexed))
	if err := nonIndexed.UnpackIntoMap(unpacked, log.Data); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	for _, arg := range nonIndexed {
		value, err := ToValue(arg.Type, unpacked[arg.Name])
		if err != nil {
			return nil, fmt.Errorf("arg %s: %w", arg.Name, err)
		}
		out[arg.Name] = value
	}
	return out, nil
}

// ArgumentNames lists the event's parameter names in declaration order.
func ArgumentNames(event abi.Event) []string {
	names := make([]string, 0, len(event.Inputs))
	for _, arg := range event.Inputs {
		names = append(names, arg.Name)
	}
	return names
}

// ToValue converts a value produced by go-ethereum's unpacker to model.Value.
func ToValue(typ abi.Type, raw interface{}) (model.Value, error) {
	typeName := typ.String()
	switch typ.T {
	case abi.AddressTy:
		addr, err := asAddress(raw)
		if err != nil {
			return model.Value{}, err
		}
		return model.Scalar(model.KindAddress, typeName, addr.Hex()), nil
	case abi.UintTy, abi.IntTy:
		n, err := asBigInt(raw)
		if err != nil {
			return model.Value{}, err
		}
		kind := model.KindUint
		if typ.T == abi.IntTy {
			kind = model.KindInt
		}
		return model.Scalar(kind, typeName, n.String()), nil
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return model.Value{}, fmt.Errorf("unexpected bool type %T", raw)
		}
		return model.Scalar(model.KindBool, typeName, fmt.Sprintf("%t", b)), nil
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return model.Value{}, fmt.Errorf("unexpected string type %T", raw)
		}
		return model.Scalar(model.KindString, typeName, s), nil
	case abi.BytesTy:
		b, ok := raw.([]byte)
		if !ok {
			return model.Value{}, fmt.Errorf("unexpected bytes type %T", raw)
		}
		return model.Scalar(model.KindBytes, typeName, hexutil.Encode(b)), nil
	case abi.FixedBytesTy, abi.HashTy, abi.FunctionTy:
		b, err := arrayBytes(raw)
		if err != nil {
			return model.Value{}, err
		}
		kind := model.KindBytes
		if len(b) == 32 {
			kind = model.KindBytes32
		}
		return model.Scalar(kind, typeName, hexutil.Encode(b)), nil
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(raw)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return model.Value{}, fmt.Errorf("unexpected list type %T", raw)
		}
		items := make([]model.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := ToValue(*typ.Elem, rv.Index(i).Interface())
			if err != nil {
				return model.Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, item)
		}
		return model.Value{Kind: model.KindList, Type: typeName, Items: items}, nil
	case abi.TupleTy:
		rv := reflect.ValueOf(raw)
		if rv.Kind() == reflect.Ptr {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct || rv.NumField() != len(typ.TupleElems) {
			return model.Value{}, fmt.Errorf("unexpected tuple type %T", raw)
		}
		fields := make(map[string]model.Value, len(typ.TupleElems))
		for i, elem := range typ.TupleElems {
			field, err := ToValue(*elem, rv.Field(i).Interface())
			if err != nil {
				return model.Value{}, fmt.Errorf("field %s: %w", typ.TupleRawNames[i], err)
			}
			fields[typ.TupleRawNames[i]] = field
		}
		return model.Value{Kind: model.KindTuple, Type: typeName, Fields: fields}, nil
	default:
		return model.Value{}, fmt.Errorf("unsupported abi type %s", typeName)
	}
}

func isHashedInTopic(typ abi.Type) bool {
	switch typ.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return true
	default:
		return false
	}
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v == nil {
			return common.Address{}, fmt.Errorf("nil address")
		}
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unexpected address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil big.Int")
		}
		return v, nil
	case big.Int:
		return &v, nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unexpected integer type %T", value)
	}
}

func arrayBytes(value interface{}) ([]byte, error) {
	if h, ok := value.(common.Hash); ok {
		return h.Bytes(), nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Array || rv.Type().Elem().Kind() != reflect.Uint8 {
		return nil, fmt.Errorf("unexpected fixed bytes type %T", value)
	}
	out := make([]byte, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = byte(rv.Index(i).Uint())
	}
	return out, nil
}
