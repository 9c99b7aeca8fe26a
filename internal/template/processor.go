package template

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hookAuction/internal/abidecode"
	"hookAuction/internal/model"
	"hookAuction/internal/variables"
)

// MissingVariablesError is returned when required variables do not resolve.
// No multicall is produced in that case.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return "missing required variables: " + strings.Join(e.Names, ", ")
}

// Processor turns templates and detected events into multicalls.
type Processor struct {
	resolver *variables.Resolver
	logger   *zap.Logger
	newID    func() string
}

func NewProcessor(resolver *variables.Resolver, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = variables.NewResolver(logger)
	}
	return &Processor{resolver: resolver, logger: logger, newID: uuid.NewString}
}

// Process resolves the template's variables against ev and substitutes them
// into every call, preserving call order. It returns a nil multicall and a
// *MissingVariablesError when a required variable is missing. Placeholders
// that are not required variables are left in place and reported on the call.
func (p *Processor) Process(tpl model.TransactionTemplate, ev model.DetectedEvent, user common.Address) (*model.ProcessedMulticall, error) {
	res := p.resolver.Resolve(ev, tpl.RequiredVariables, user)
	if !res.Complete() {
		missing := res.MissingNames()
		p.logger.Warn("template skipped, required variables missing",
			zap.String("template_id", tpl.ID),
			zap.String("event_id", ev.ID),
			zap.Strings("missing", missing),
		)
		return nil, &MissingVariablesError{Names: missing}
	}

	out := &model.ProcessedMulticall{
		ID:                p.newID(),
		TemplateID:        tpl.ID,
		EventID:           ev.ID,
		Calls:             make([]model.ProcessedCall, 0, len(tpl.Calls)),
		TotalValue:        new(big.Int),
		EstimatedGas:      tpl.EstimatedGas,
		ResolvedVariables: res.Values,
	}
	for i, call := range tpl.Calls {
		processed, err := p.processCall(call, res.Values)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		if len(processed.Unresolved) > 0 {
			p.logger.Warn("placeholders left unresolved",
				zap.String("template_id", tpl.ID),
				zap.Int("call", i),
				zap.Strings("placeholders", processed.Unresolved),
			)
		}
		if value, ok := ParseValue(processed.Value); ok {
			out.TotalValue.Add(out.TotalValue, value)
		} else {
			p.logger.Warn("call value not numeric, excluded from total",
				zap.String("template_id", tpl.ID),
				zap.Int("call", i),
				zap.String("value", processed.Value),
			)
		}
		out.Calls = append(out.Calls, processed)
	}
	return out, nil
}

func (p *Processor) processCall(call model.TransactionCall, values map[string]model.Value) (model.ProcessedCall, error) {
	role := call.Role
	if role == "" {
		role = model.RoleTrigger
	}
	var unresolved []string
	text := func(v model.Value) (string, error) { return v.Text, nil }

	target, miss, _ := substitute(call.Target, values, text)
	unresolved = append(unresolved, miss...)
	value, miss, _ := substitute(call.Value, values, text)
	unresolved = append(unresolved, miss...)

	var callData string
	if call.Function != "" {
		data, miss, err := encodeFunction(call.Function, call.Args, values)
		if err != nil {
			return model.ProcessedCall{}, err
		}
		unresolved = append(unresolved, miss...)
		callData = data
	} else {
		data, miss, err := substitute(call.CallData, values, Word)
		if err != nil {
			return model.ProcessedCall{}, err
		}
		unresolved = append(unresolved, miss...)
		callData = data
	}

	return model.ProcessedCall{
		Target:       target,
		Value:        value,
		CallData:     callData,
		Role:         role,
		AllowFailure: role.AllowFailure(),
		Unresolved:   unresolved,
	}, nil
}

// substitute replaces ${name} tokens using render. Unknown names stay literal
// and are returned as misses.
func substitute(s string, values map[string]model.Value, render func(model.Value) (string, error)) (string, []string, error) {
	var (
		misses []string
		err    error
	)
	out := variables.PlaceholderPattern().ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		v, ok := values[name]
		if !ok {
			misses = append(misses, name)
			return token
		}
		rendered, rerr := render(v)
		if rerr != nil && err == nil {
			err = fmt.Errorf("render ${%s}: %w", name, rerr)
		}
		return rendered
	})
	return out, misses, err
}

func encodeFunction(signature string, args []string, values map[string]model.Value) (string, []string, error) {
	method, err := abidecode.ParseFunction(signature)
	if err != nil {
		return "", nil, err
	}
	if len(args) != len(method.Inputs) {
		return "", nil, fmt.Errorf("%s takes %d args, got %d", method.Sig, len(method.Inputs), len(args))
	}
	text := func(v model.Value) (string, error) { return v.Text, nil }

	var misses []string
	substituted := make([]string, len(args))
	for i, arg := range args {
		s, miss, _ := substitute(arg, values, text)
		substituted[i] = s
		misses = append(misses, miss...)
	}
	if len(misses) > 0 {
		// Cannot encode around a literal placeholder; leave call data empty.
		return "", misses, nil
	}

	packedArgs := make([]interface{}, len(args))
	for i, s := range substituted {
		v, err := abidecode.Coerce(method.Inputs[i].Type, s)
		if err != nil {
			return "", nil, fmt.Errorf("arg %d of %s: %w", i, method.Sig, err)
		}
		packedArgs[i] = v
	}
	packed, err := method.Inputs.Pack(packedArgs...)
	if err != nil {
		return "", nil, fmt.Errorf("pack %s: %w", method.Sig, err)
	}
	return hexutil.Encode(append(append([]byte{}, method.ID...), packed...)), nil, nil
}

// Word renders v as hex (no 0x) for splicing into raw call data. Scalars
// become one 32-byte ABI word; strings and bytes are right-padded to a
// word boundary.
func Word(v model.Value) (string, error) {
	if !v.IsScalar() {
		return "", fmt.Errorf("cannot splice %s into call data, select one of its elements", v.Kind)
	}
	switch v.Kind {
	case model.KindAddress:
		if !common.IsHexAddress(v.Text) {
			return "", fmt.Errorf("invalid address %q", v.Text)
		}
		return hexWord(common.LeftPadBytes(common.HexToAddress(v.Text).Bytes(), 32)), nil
	case model.KindUint, model.KindInt:
		n, ok := parseInteger(v.Text)
		if !ok {
			return "", fmt.Errorf("invalid integer %q", v.Text)
		}
		if n.BitLen() > 256 {
			return "", fmt.Errorf("integer %q exceeds 256 bits", v.Text)
		}
		return hexWord(math.U256Bytes(new(big.Int).Set(n))), nil
	case model.KindBool:
		if v.Text == "true" {
			return hexWord(common.LeftPadBytes([]byte{1}, 32)), nil
		}
		return hexWord(make([]byte, 32)), nil
	case model.KindBytes32:
		b, err := hexutil.Decode(v.Text)
		if err != nil {
			return "", err
		}
		return hexWord(common.LeftPadBytes(b, 32)), nil
	case model.KindBytes:
		b, err := hexutil.Decode(v.Text)
		if err != nil {
			return "", err
		}
		return hexWord(padRight(b)), nil
	case model.KindString:
		return hexWord(padRight([]byte(v.Text))), nil
	default:
		return "", errors.New("cannot splice " + string(v.Kind) + " into call data")
	}
}

// ParseValue parses a non-negative decimal or 0x-hex amount. Empty means zero.
func ParseValue(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return new(big.Int), true
	}
	n, ok := parseInteger(s)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func parseInteger(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}

func padRight(b []byte) []byte {
	if len(b)%32 == 0 && len(b) > 0 {
		return b
	}
	return common.RightPadBytes(b, (len(b)/32+1)*32)
}

func hexWord(b []byte) string {
	return strings.TrimPrefix(hexutil.Encode(b), "0x")
}
