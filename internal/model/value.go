package model

import (
	"strconv"
	"strings"
)

// ValueKind tags the dynamic type of a decoded argument.
type ValueKind string

const (
	KindAddress ValueKind = "address"
	KindUint    ValueKind = "uint"
	KindInt     ValueKind = "int"
	KindBool    ValueKind = "bool"
	KindBytes32 ValueKind = "bytes32"
	KindBytes   ValueKind = "bytes"
	KindString  ValueKind = "string"
	KindTuple   ValueKind = "tuple"
	KindList    ValueKind = "list"
)

// Value is a decoded ABI value. Scalars live in Text (integers as decimal
// strings, addresses checksummed, bytes 0x-hex); tuples and lists nest.
type Value struct {
	Kind   ValueKind        `json:"kind"`
	Type   string           `json:"type,omitempty"`
	Text   string           `json:"text,omitempty"`
	Fields map[string]Value `json:"fields,omitempty"`
	Items  []Value          `json:"items,omitempty"`
}

// Scalar builds a leaf value.
func Scalar(kind ValueKind, typ, text string) Value {
	return Value{Kind: kind, Type: typ, Text: text}
}

// Lookup walks dot-separated segments into tuples and lists.
func (v Value) Lookup(segments []string) (Value, bool) {
	current := v
	for _, segment := range segments {
		switch current.Kind {
		case KindTuple:
			next, ok := current.Fields[segment]
			if !ok {
				return Value{}, false
			}
			current = next
		case KindList:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(current.Items) {
				return Value{}, false
			}
			current = current.Items[idx]
		default:
			return Value{}, false
		}
	}
	return current, true
}

// IsScalar reports whether the value has no nested elements.
func (v Value) IsScalar() bool {
	return v.Kind != KindTuple && v.Kind != KindList
}

// SplitPath splits a dot path, dropping empty segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
