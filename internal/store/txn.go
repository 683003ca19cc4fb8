package store

import (
	"github.com/brain2cache/graphcache/internal/keygen"
)

// Txn is a single open write transaction against one Layer. The Store is
// single-writer: exactly one Txn may be open at a time, which
// the Operation Controller enforces by never starting a second write
// traversal before the first one's Txn is committed or discarded.
type Txn struct {
	store            *Store
	layer            *Layer
	touched          map[FieldRef]struct{}
	invalidatedTypes map[string]struct{}
}

// Begin opens a write transaction against layer. layer must already be
// attached to the Store (via PushOptimistic/PushSubscription/
// LayerForQueryResult, or be Store.Base()).
func (s *Store) Begin(layer *Layer) *Txn {
	s.mu.Lock()
	return &Txn{
		store:            s,
		layer:            layer,
		touched:          make(map[FieldRef]struct{}),
		invalidatedTypes: make(map[string]struct{}),
	}
}

// Layer returns the layer this transaction writes into.
func (t *Txn) Layer() *Layer { return t.layer }

func (t *Txn) mark(entity keygen.EntityKey, field keygen.FieldKey) {
	t.touched[FieldRef{Entity: entity, Field: field}] = struct{}{}
	if typename, ok := t.store.entityTypes[entity]; ok {
		delete(t.store.staleTypes, typename)
	}
}

// WriteRecord replaces any prior record/link at (entity,field) in this
// transaction's layer.
func (t *Txn) WriteRecord(entity keygen.EntityKey, field keygen.FieldKey, value interface{}) {
	t.layer.set(entity, field, RecordValue(value))
	t.mark(entity, field)
}

// WriteNull writes an explicit null at (entity,field).
func (t *Txn) WriteNull(entity keygen.EntityKey, field keygen.FieldKey) {
	t.layer.set(entity, field, Null)
	t.mark(entity, field)
}

// WriteLink replaces any prior record/link at (entity,field) with a
// reference to target.
func (t *Txn) WriteLink(entity keygen.EntityKey, field keygen.FieldKey, target keygen.EntityKey) {
	t.layer.set(entity, field, LinkValue(target))
	t.mark(entity, field)
}

// WriteLinkList replaces any prior record/link at (entity,field) with an
// ordered list of entity references.
func (t *Txn) WriteLinkList(entity keygen.EntityKey, field keygen.FieldKey, list []NullableKey) {
	t.layer.set(entity, field, LinkListValue(list))
	t.mark(entity, field)
}

// ReadRecord reads (entity,field) through the Store's current layer
// composition, including this transaction's own not-yet-committed writes
// (its layer is already attached to the Store). Used by user
// resolvers/updaters invoked mid-transaction via the mediated cache API.
func (t *Txn) ReadRecord(entity keygen.EntityKey, field keygen.FieldKey) Value {
	return t.store.readLocked(entity, field)
}

// MarkTypeInvalidated adds typename to this transaction's invalidated-type
// set, flagging the whole type as stale instead of invalidating one entity.
// The write traversal calls it when a new instance of an already-known type
// is written.
func (t *Txn) MarkTypeInvalidated(typename string) {
	t.invalidatedTypes[typename] = struct{}{}
}

// RegisterType records entity's typename for later EntitiesOfType/GC
// bookkeeping. Deferred to commit time isn't necessary - the type index is
// independent of layer overlay state.
func (t *Txn) RegisterType(entity keygen.EntityKey, typename string) {
	t.store.entityTypesSetLocked(entity, typename)
}

// Touched returns the (entity,field) dependencies this transaction wrote,
// and the set of typenames it flagged invalidated.
func (t *Txn) Touched() (map[FieldRef]struct{}, map[string]struct{}) {
	return t.touched, t.invalidatedTypes
}

// Commit closes the transaction, releasing the Store's write lock. The
// layer itself stays attached to the Store (reads see it immediately);
// squashing it into base is a separate Store.CommitLayer/CascadeCommutative
// decision made by the layer controller, not by the transaction.
func (t *Txn) Commit() (map[FieldRef]struct{}, map[string]struct{}) {
	defer t.store.mu.Unlock()
	return t.touched, t.invalidatedTypes
}

// Discard closes the transaction without any special handling - writes
// already applied to t.layer stay there (e.g. an optimistic layer's
// synthesized writes are discarded later via Store.DiscardLayer, not by
// rolling back the Txn itself).
func (t *Txn) Discard() {
	t.store.mu.Unlock()
}

// TypeOf returns entity's registered typename, reading through this
// transaction's already-held lock rather than Store.TypeOf's own RLock
// (which would deadlock while a write Txn holds the exclusive lock).
func (t *Txn) TypeOf(entity keygen.EntityKey) (string, bool) {
	typename, ok := t.store.entityTypes[entity]
	return typename, ok
}

// TypeKnown reports whether any entity has ever been registered under
// typename, same locking rationale as TypeOf.
func (t *Txn) TypeKnown(typename string) bool {
	return len(t.store.typeIndex[typename]) > 0
}

// KnownFields mirrors Store.KnownFields through this transaction's
// already-held lock, so the mediated cacheapi.API can serve InspectFields
// to a resolver or updater running mid-transaction.
func (t *Txn) KnownFields(entity keygen.EntityKey) []keygen.FieldKey {
	seen := make(map[keygen.FieldKey]struct{})
	for _, l := range t.store.readOrderLocked() {
		for _, f := range l.Fields(entity) {
			seen[f] = struct{}{}
		}
	}
	fields := make([]keygen.FieldKey, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	return fields
}

// EntitiesOfType mirrors Store.EntitiesOfType through this transaction's
// already-held lock, same rationale as KnownFields.
func (t *Txn) EntitiesOfType(typename string) []keygen.EntityKey {
	set := t.store.typeIndex[typename]
	keys := make([]keygen.EntityKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// IsTypeStale mirrors Store.IsTypeStale through this transaction's
// already-held lock, same rationale as TypeOf.
func (t *Txn) IsTypeStale(typename string) bool {
	_, ok := t.store.staleTypes[typename]
	return ok
}

var _ Reader = (*Txn)(nil)
var _ Reader = (*Store)(nil)

// InvalidateEntity performs Store.InvalidateEntity's work through this
// transaction's already-held lock instead of taking Store.mu again (which
// would deadlock a single-goroutine caller - e.g. an updater invoking the
// mediated cacheapi.API mid-write). The touched set is folded into this
// transaction's own touched set so it reaches the Dependency Index the
// same way a direct write would.
func (t *Txn) InvalidateEntity(entity keygen.EntityKey) map[FieldRef]struct{} {
	touched := make(map[FieldRef]struct{})
	for _, l := range t.store.readOrderLocked() {
		for _, f := range l.Fields(entity) {
			delete(t.store.base.slots, slot{entity, f})
			ref := FieldRef{Entity: entity, Field: f}
			touched[ref] = struct{}{}
			t.touched[ref] = struct{}{}
		}
	}
	return touched
}

func (s *Store) entityTypesSetLocked(entity keygen.EntityKey, typename string) {
	s.entityTypes[entity] = typename
	set, ok := s.typeIndex[typename]
	if !ok {
		set = make(map[keygen.EntityKey]struct{})
		s.typeIndex[typename] = set
	}
	set[entity] = struct{}{}
}
