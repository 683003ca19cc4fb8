package store

import "github.com/brain2cache/graphcache/internal/keygen"

// LayerKind distinguishes how a Layer participates in read ordering and
// commit/discard behavior. LayerBase lives for the Store's lifetime; every
// other kind is squashed downward (committed) or dropped (discarded) when
// its owning operation finishes or, for a commutative layer, when its turn
// in issue order comes.
type LayerKind int

const (
	LayerBase LayerKind = iota
	LayerOptimistic
	LayerCommutative
	LayerSubscription
)

func (k LayerKind) String() string {
	switch k {
	case LayerBase:
		return "base"
	case LayerOptimistic:
		return "optimistic"
	case LayerCommutative:
		return "commutative"
	case LayerSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

type slot struct {
	Entity keygen.EntityKey
	Field  keygen.FieldKey
}

// Layer is a named overlay of record/link values. Reads consult layers
// top-down through the Store's current composition (see Store.readOrderLocked);
// Undefined means "absent here, keep looking".
type Layer struct {
	Kind  LayerKind
	Name  string // mutation key / operation key that owns this layer
	Order int    // commutative ordering position; meaningless for other kinds

	slots map[slot]Value
}

func newLayer(kind LayerKind, name string, order int) *Layer {
	return &Layer{
		Kind:  kind,
		Name:  name,
		Order: order,
		slots: make(map[slot]Value),
	}
}

func (l *Layer) get(entity keygen.EntityKey, field keygen.FieldKey) Value {
	return l.slots[slot{entity, field}]
}

func (l *Layer) set(entity keygen.EntityKey, field keygen.FieldKey, v Value) {
	l.slots[slot{entity, field}] = v
}

// Fields returns every FieldKey this layer has written for entity - used
// by invalidateEntity and cache.inspectFields.
func (l *Layer) Fields(entity keygen.EntityKey) []keygen.FieldKey {
	var fields []keygen.FieldKey
	for s := range l.slots {
		if s.Entity == entity {
			fields = append(fields, s.Field)
		}
	}
	return fields
}

// merge overlays src on top of dst in place: every defined slot in src
// replaces dst's slot for the same key. Used to squash a retiring layer
// into the layer below it.
func (dst *Layer) merge(src *Layer) {
	for s, v := range src.slots {
		dst.slots[s] = v
	}
}
