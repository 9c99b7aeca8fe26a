package abidecode

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseFunction parses a signature such as "transfer(address,uint256)" into
// a method usable for packing call data. Tuple parameters are not supported.
func ParseFunction(signature string) (abi.Method, error) {
	signature = strings.TrimSpace(signature)
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return abi.Method{}, fmt.Errorf("malformed function signature %q", signature)
	}
	name := signature[:open]
	params := strings.TrimSpace(signature[open+1 : len(signature)-1])

	var inputs abi.Arguments
	if params != "" {
		for i, raw := range strings.Split(params, ",") {
			typeName := strings.TrimSpace(raw)
			if strings.ContainsAny(typeName, "() ") {
				return abi.Method{}, fmt.Errorf("unsupported parameter %q in %q", typeName, signature)
			}
			typ, err := abi.NewType(typeName, "", nil)
			if err != nil {
				return abi.Method{}, fmt.Errorf("parameter %d of %s: %w", i, name, err)
			}
			inputs = append(inputs, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: typ})
		}
	}
	return abi.NewMethod(name, name, abi.Function, "payable", false, true, inputs, nil), nil
}

// Coerce converts substituted text into the Go value the ABI packer expects
// for typ. Integers accept decimal or 0x-hex; bytes accept 0x-hex.
func Coerce(typ abi.Type, text string) (interface{}, error) {
	text = strings.TrimSpace(text)
	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(text) {
			return nil, fmt.Errorf("invalid address %q", text)
		}
		return common.HexToAddress(text), nil
	case abi.BoolTy:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q", text)
		}
		return b, nil
	case abi.StringTy:
		return text, nil
	case abi.UintTy, abi.IntTy:
		n, ok := parseInteger(text)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", text)
		}
		if typ.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %q for %s", text, typ.String())
		}
		limit := typ.Size
		if typ.T == abi.IntTy {
			limit--
		}
		if n.BitLen() > limit {
			return nil, fmt.Errorf("value %q overflows %s", text, typ.String())
		}
		if typ.Size > 64 {
			return n, nil
		}
		out := reflect.New(typ.GetType()).Elem()
		if typ.T == abi.UintTy {
			out.SetUint(n.Uint64())
		} else {
			out.SetInt(n.Int64())
		}
		return out.Interface(), nil
	case abi.BytesTy:
		b, err := hexutil.Decode(text)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes %q: %w", text, err)
		}
		return b, nil
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(text)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", typ.String(), text, err)
		}
		if len(b) > typ.Size {
			return nil, fmt.Errorf("%d bytes overflow %s", len(b), typ.String())
		}
		out := reflect.New(typ.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(common.RightPadBytes(b, typ.Size)))
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %s", typ.String())
	}
}

func parseInteger(text string) (*big.Int, bool) {
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		return new(big.Int).SetString(text[2:], 16)
	}
	return new(big.Int).SetString(text, 10)
}
