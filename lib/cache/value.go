package cache

import (
	"github.com/tesseradb/tessera/rpc/protocol"
)

// --------------------------------------------------------------------------
// Value Shapes
// --------------------------------------------------------------------------

// Kind identifies the shape of a stored value. A key holds exactly one shape
// at a time; operations expecting a different shape fail without mutating
// state.
type Kind uint8

const (
	KindString Kind = iota
	KindBytes
	KindList
	KindMap
	KindCounter
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindCounter:
		return "counter"
	default:
		return "unknown"
	}
}

// Value is the tagged union stored under a key. Exactly one field (selected
// by Kind) is meaningful. Str and Raw may be nil: a present key can hold a
// null value.
type Value struct {
	Kind    Kind
	Str     *string
	Raw     []byte
	List    []string
	Map     map[string]protocol.TaggedValue
	Counter int64
}

// --------------------------------------------------------------------------
// Factory Functions
// --------------------------------------------------------------------------

// StringValue wraps an optional text value.
func StringValue(s *string) Value { return Value{Kind: KindString, Str: s} }

// BytesValue wraps an optional byte vector.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Raw: b} }

// ListValue wraps a list of text items.
func ListValue(items []string) Value { return Value{Kind: KindList, List: items} }

// MapValue wraps a sub-key mapping.
func MapValue(m map[string]protocol.TaggedValue) Value { return Value{Kind: KindMap, Map: m} }

// CounterValue wraps a signed 64-bit counter.
func CounterValue(n int64) Value { return Value{Kind: KindCounter, Counter: n} }

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// Clone returns a deep copy of the value, safe to hand out or retain while
// the original keeps mutating under its key lock.
func (v Value) Clone() Value {
	out := Value{Kind: v.Kind, Counter: v.Counter}
	if v.Str != nil {
		s := *v.Str
		out.Str = &s
	}
	if v.Raw != nil {
		out.Raw = make([]byte, len(v.Raw))
		copy(out.Raw, v.Raw)
	}
	if v.List != nil {
		out.List = make([]string, len(v.List))
		copy(out.List, v.List)
	}
	if v.Map != nil {
		out.Map = make(map[string]protocol.TaggedValue, len(v.Map))
		for k, tv := range v.Map {
			out.Map[k] = tv
		}
	}
	return out
}
