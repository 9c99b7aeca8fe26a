package variables

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"hookAuction/internal/model"
)

// System paths are a closed set. Anything else is a miss.
const (
	SystemBlockNumber    = "block.number"
	SystemBlockTimestamp = "block.timestamp"
	SystemTxHash         = "tx.hash"
	SystemLogIndex       = "log.index"
	SystemFilterContract = "filter.contract"
	SystemUserWallet     = "user.wallet"
	UserWallet           = "wallet"
	eventArgsPrefix      = "args"
)

var systemPaths = map[string]struct{}{
	SystemBlockNumber:    {},
	SystemBlockTimestamp: {},
	SystemTxHash:         {},
	SystemLogIndex:       {},
	SystemFilterContract: {},
	SystemUserWallet:     {},
}

// eventFields are the DetectedEvent metadata reachable from event paths.
var eventFields = map[string]struct{}{
	"id":              {},
	"transactionHash": {},
	"blockNumber":     {},
	"logIndex":        {},
	"timestamp":       {},
	"filterHash":      {},
	"contractAddress": {},
	"eventName":       {},
	"topic0":          {},
}

// IsSystemPath reports whether path belongs to the enumerated system set.
func IsSystemPath(path string) bool {
	_, ok := systemPaths[strings.TrimSpace(path)]
	return ok
}

// Miss records a reference that did not resolve.
type Miss struct {
	Name   string             `json:"name"`
	Path   string             `json:"path"`
	Type   model.VariableType `json:"type"`
	Reason string             `json:"reason"`
}

// Result holds resolved values by variable name plus explicit misses.
type Result struct {
	Values map[string]model.Value
	Misses []Miss
}

// Complete reports whether every reference resolved.
func (r Result) Complete() bool { return len(r.Misses) == 0 }

// MissingNames lists unresolved variable names in reference order.
func (r Result) MissingNames() []string {
	names := make([]string, 0, len(r.Misses))
	for _, m := range r.Misses {
		names = append(names, m.Name)
	}
	return names
}

// Resolver resolves variable references against detected events.
type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve resolves every reference independently; one miss never prevents
// its siblings from resolving.
func (r *Resolver) Resolve(ev model.DetectedEvent, refs []model.VariableReference, user common.Address) Result {
	res := Result{Values: make(map[string]model.Value, len(refs))}
	for _, ref := range refs {
		value, reason := r.resolveOne(ev, ref, user)
		if reason != "" {
			miss := Miss{Name: ref.Name, Path: ref.Path, Type: ref.Type, Reason: reason}
			res.Misses = append(res.Misses, miss)
			r.logger.Warn("variable unresolved",
				zap.String("event_id", ev.ID),
				zap.String("name", ref.Name),
				zap.String("path", ref.Path),
				zap.String("type", string(ref.Type)),
				zap.String("reason", reason),
			)
			continue
		}
		res.Values[ref.Name] = value
	}
	return res
}

func (r *Resolver) resolveOne(ev model.DetectedEvent, ref model.VariableReference, user common.Address) (model.Value, string) {
	switch ref.Type {
	case model.VariableEvent:
		return resolveEvent(ev, ref.Path)
	case model.VariableSystem:
		return resolveSystem(ev, ref.Path, user)
	case model.VariableUser:
		return resolveUser(ref.Path, user)
	default:
		return model.Value{}, "unknown variable type " + strconv.Quote(string(ref.Type))
	}
}

// resolveEvent walks "args.<name>[.<field>...]", a metadata field name, or a
// bare argument name.
func resolveEvent(ev model.DetectedEvent, path string) (model.Value, string) {
	segments := model.SplitPath(path)
	if len(segments) == 0 {
		return model.Value{}, "empty path"
	}
	if segments[0] == eventArgsPrefix {
		return lookupArg(ev.Args, segments[1:])
	}
	if len(segments) == 1 {
		if v, ok := eventField(ev, segments[0]); ok {
			return v, ""
		}
	}
	return lookupArg(ev.Args, segments)
}

func lookupArg(args map[string]model.Value, segments []string) (model.Value, string) {
	if len(segments) == 0 {
		return model.Value{}, "path names no argument"
	}
	root, ok := args[segments[0]]
	if !ok {
		return model.Value{}, "no argument " + strconv.Quote(segments[0])
	}
	v, ok := root.Lookup(segments[1:])
	if !ok {
		return model.Value{}, "path not found in argument " + strconv.Quote(segments[0])
	}
	return v, ""
}

func eventField(ev model.DetectedEvent, name string) (model.Value, bool) {
	switch name {
	case "id":
		return model.Scalar(model.KindString, "string", ev.ID), true
	case "transactionHash":
		return hashValue(ev.TransactionHash), true
	case "blockNumber":
		return uintValue(ev.BlockNumber), true
	case "logIndex":
		return uintValue(uint64(ev.LogIndex)), true
	case "timestamp":
		return uintValue(ev.Timestamp), true
	case "filterHash":
		return hashValue(ev.FilterHash), true
	case "contractAddress":
		return addressValue(ev.Signature.ContractAddress), true
	case "eventName":
		return model.Scalar(model.KindString, "string", ev.Signature.Name), true
	case "topic0":
		return hashValue(ev.Signature.Topic0), true
	}
	return model.Value{}, false
}

func resolveSystem(ev model.DetectedEvent, path string, user common.Address) (model.Value, string) {
	switch strings.TrimSpace(path) {
	case SystemBlockNumber:
		return uintValue(ev.BlockNumber), ""
	case SystemBlockTimestamp:
		return uintValue(ev.Timestamp), ""
	case SystemTxHash:
		return hashValue(ev.TransactionHash), ""
	case SystemLogIndex:
		return uintValue(uint64(ev.LogIndex)), ""
	case SystemFilterContract:
		return addressValue(ev.Signature.ContractAddress), ""
	case SystemUserWallet:
		return walletValue(user)
	}
	return model.Value{}, "unknown system path " + strconv.Quote(path)
}

func resolveUser(path string, user common.Address) (model.Value, string) {
	switch strings.TrimSpace(path) {
	case UserWallet, "address", SystemUserWallet:
		return walletValue(user)
	}
	return model.Value{}, "unknown user path " + strconv.Quote(path)
}

func walletValue(user common.Address) (model.Value, string) {
	if user == (common.Address{}) {
		return model.Value{}, "no automation wallet"
	}
	return addressValue(user), ""
}

func uintValue(n uint64) model.Value {
	return model.Scalar(model.KindUint, "uint256", strconv.FormatUint(n, 10))
}

func hashValue(h common.Hash) model.Value {
	return model.Scalar(model.KindBytes32, "bytes32", h.Hex())
}

func addressValue(a common.Address) model.Value {
	return model.Scalar(model.KindAddress, "address", a.Hex())
}
