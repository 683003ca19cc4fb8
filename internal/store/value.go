package store

import "github.com/brain2cache/graphcache/internal/keygen"

// Kind discriminates what is stored at a (EntityKey, FieldKey) slot.
type Kind int

const (
	// KindUndefined means the slot was never written in a given layer -
	// readers must keep searching lower layers.
	KindUndefined Kind = iota
	// KindNull is an explicit null: a record or link that resolved to no
	// value. Unlike KindUndefined this stops the search - the field is
	// known to be null, not merely unwritten.
	KindNull
	// KindRecord holds a scalar or scalar-array leaf value.
	KindRecord
	// KindLink holds a reference to exactly one entity.
	KindLink
	// KindLinkList holds an ordered list of entity references, any of
	// which may individually be null.
	KindLinkList
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindRecord:
		return "record"
	case KindLink:
		return "link"
	case KindLinkList:
		return "link list"
	default:
		return "unknown"
	}
}

// NullableKey is one element of a link list: either a reference to an
// entity, or an explicit null in that position.
type NullableKey struct {
	Key    keygen.EntityKey
	IsNull bool
}

// Value is the tagged union stored at a single (EntityKey, FieldKey) slot
// in one layer. A record and a link never coexist at the same slot - Kind
// enforces that disjointness by construction.
type Value struct {
	Kind   Kind
	Scalar interface{}
	Link   keygen.EntityKey
	List   []NullableKey
}

// Undefined is the zero Value, meaning "absent in this layer".
var Undefined = Value{Kind: KindUndefined}

// Null is the explicit-null Value.
var Null = Value{Kind: KindNull}

// RecordValue wraps a scalar (or scalar array) leaf value.
func RecordValue(v interface{}) Value {
	if v == nil {
		return Null
	}
	return Value{Kind: KindRecord, Scalar: v}
}

// LinkValue wraps a single-entity reference.
func LinkValue(key keygen.EntityKey) Value {
	return Value{Kind: KindLink, Link: key}
}

// LinkListValue wraps an ordered list of entity references.
func LinkListValue(list []NullableKey) Value {
	return Value{Kind: KindLinkList, List: list}
}

// IsUndefined reports whether v is the "absent" sentinel.
func (v Value) IsUndefined() bool { return v.Kind == KindUndefined }

// IsNull reports whether v is an explicit null.
func (v Value) IsNull() bool { return v.Kind == KindNull }
