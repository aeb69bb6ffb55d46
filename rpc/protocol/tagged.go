package protocol

import "fmt"

// --------------------------------------------------------------------------
// Tagged Values
// --------------------------------------------------------------------------

// Tag identifies the variant of a TaggedValue on the wire. The values are
// part of the wire protocol and must never be reordered.
type Tag uint8

const (
	TagNull Tag = iota
	TagInt64
	TagFloat32
	TagFloat64
	TagBool
	TagString
	TagBytes
)

// String returns the string representation of a Tag.
func (t Tag) String() string {
	switch t {
	case TagNull:
		return "null"
	case TagInt64:
		return "int64"
	case TagFloat32:
		return "float32"
	case TagFloat64:
		return "float64"
	case TagBool:
		return "bool"
	case TagString:
		return "string"
	case TagBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// TaggedValue is the sum type used for map sub-values and pub/sub payloads.
// Exactly one field (selected by Tag) is meaningful; the rest hold their
// zero value.
type TaggedValue struct {
	Tag     Tag
	Int64   int64
	Float32 float32
	Float64 float64
	Bool    bool
	Str     string
	Bytes   []byte
}

// --------------------------------------------------------------------------
// Factory Functions
// --------------------------------------------------------------------------

// Null returns the null TaggedValue.
func Null() TaggedValue { return TaggedValue{Tag: TagNull} }

// Int64Value wraps a signed 64-bit integer.
func Int64Value(v int64) TaggedValue { return TaggedValue{Tag: TagInt64, Int64: v} }

// Float32Value wraps a float32.
func Float32Value(v float32) TaggedValue { return TaggedValue{Tag: TagFloat32, Float32: v} }

// Float64Value wraps a float64.
func Float64Value(v float64) TaggedValue { return TaggedValue{Tag: TagFloat64, Float64: v} }

// BoolValue wraps a bool.
func BoolValue(v bool) TaggedValue { return TaggedValue{Tag: TagBool, Bool: v} }

// StringValue wraps a text value.
func StringValue(v string) TaggedValue { return TaggedValue{Tag: TagString, Str: v} }

// BytesValue wraps a raw byte vector.
func BytesValue(v []byte) TaggedValue { return TaggedValue{Tag: TagBytes, Bytes: v} }

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// IsNull reports whether the value holds the null variant.
func (v TaggedValue) IsNull() bool { return v.Tag == TagNull }

// Equal compares two tagged values variant by variant.
func (v TaggedValue) Equal(other TaggedValue) bool {
	if v.Tag != other.Tag {
		return false
	}
	switch v.Tag {
	case TagNull:
		return true
	case TagInt64:
		return v.Int64 == other.Int64
	case TagFloat32:
		return v.Float32 == other.Float32
	case TagFloat64:
		return v.Float64 == other.Float64
	case TagBool:
		return v.Bool == other.Bool
	case TagString:
		return v.Str == other.Str
	case TagBytes:
		if len(v.Bytes) != len(other.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != other.Bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for debugging and log output.
func (v TaggedValue) String() string {
	switch v.Tag {
	case TagNull:
		return "null"
	case TagInt64:
		return fmt.Sprintf("int64(%d)", v.Int64)
	case TagFloat32:
		return fmt.Sprintf("float32(%g)", v.Float32)
	case TagFloat64:
		return fmt.Sprintf("float64(%g)", v.Float64)
	case TagBool:
		return fmt.Sprintf("bool(%t)", v.Bool)
	case TagString:
		return fmt.Sprintf("string(%q)", v.Str)
	case TagBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	default:
		return "unknown"
	}
}
