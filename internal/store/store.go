// Package store implements the normalized, layered entity/field store (C2)
// and the layer controller that maintains its overlay stack (C6).
//
// Grounded on backend's application/loaders.Batcher (mutex-guarded maps,
// constructor-validated options) and internal/infrastructure/cache's
// MemoryCache (mutex-guarded map-backed cache with stats) for the
// concurrency shape, and on domain/core/aggregates/graph_lazy.go for the
// idea of a versioned, lazily-materialized aggregate overlay.
package store

import (
	"sort"
	"sync"

	"github.com/brain2cache/graphcache/internal/keygen"
)

// Store is the in-memory normalized record store: one base layer plus an
// ordered set of optimistic, subscription and commutative overlays. It is
// single-writer: callers serialize write transactions through
// Begin*/Commit/Discard, exactly as the teacher's Mediator serializes
// command dispatch through one pipeline.
type Store struct {
	mu sync.RWMutex

	base          *Layer
	optimistic    []*Layer // most-recently-pushed last
	subscriptions []*Layer // most-recently-pushed last
	commutative   []*Layer // sorted ascending by Order

	// nextIssueOrder is a pure label counter, handed out by NextOrder at
	// operation-issue time. nextBaseOrder is a different counter: the order
	// value of the result currently expected to land on base next. The two
	// only start in step; nextBaseOrder advances solely on actual arrivals
	// (see LayerForQueryResult/CascadeCommutative/commitLayerLocked), never
	// at issue time, since results commonly arrive well after several
	// sibling operations have already been issued.
	nextIssueOrder int
	nextBaseOrder  int

	entityTypes map[keygen.EntityKey]string
	typeIndex   map[string]map[keygen.EntityKey]struct{}
	knownNull   map[slot]bool       // fields reported null via error.path
	staleTypes  map[string]struct{} // typenames flagged invalidated since their last fresh write
}

// Reader is the read-only subset of Store's API, satisfied by both Store
// itself (which takes its own lock per call) and an already-open Txn
// (which reads straight through the lock it already holds). The mediated
// cacheapi.API reads through whichever is live so a resolver or updater
// invoked mid-transaction never tries to RLock a Store whose write lock
// its own goroutine is already holding.
type Reader interface {
	ReadRecord(entity keygen.EntityKey, field keygen.FieldKey) Value
	TypeOf(entity keygen.EntityKey) (string, bool)
	KnownFields(entity keygen.EntityKey) []keygen.FieldKey
	EntitiesOfType(typename string) []keygen.EntityKey
	IsTypeStale(typename string) bool
}

// New creates an empty Store. The base layer exists for the Store's
// lifetime and is never removed.
func New() *Store {
	return &Store{
		base:        newLayer(LayerBase, "base", 0),
		entityTypes: make(map[keygen.EntityKey]string),
		typeIndex:   make(map[string]map[keygen.EntityKey]struct{}),
		knownNull:   make(map[slot]bool),
		staleTypes:  make(map[string]struct{}),
	}
}

// ---- layer controller (C6) ----

// PushOptimistic creates (or returns the existing) optimistic layer for a
// mutation key. Optimistic layers for distinct mutations are mutually
// independent.
func (s *Store) PushOptimistic(mutationKey string) *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := findLayer(s.optimistic, mutationKey); l != nil {
		return l
	}
	l := newLayer(LayerOptimistic, mutationKey, 0)
	s.optimistic = append(s.optimistic, l)
	return l
}

// PushSubscription creates (or returns the existing) layer for a
// subscription operation key. A deferred/streaming subscription reuses the
// same layer across multiple incoming patches.
func (s *Store) PushSubscription(operationKey string) *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := findLayer(s.subscriptions, operationKey); l != nil {
		return l
	}
	l := newLayer(LayerSubscription, operationKey, 0)
	s.subscriptions = append(s.subscriptions, l)
	return l
}

// pushCommutativeLocked creates (or returns the existing) commutative
// layer at the given order, keeping s.commutative sorted ascending.
func (s *Store) pushCommutativeLocked(operationKey string, order int) *Layer {
	if l := findLayer(s.commutative, operationKey); l != nil {
		return l
	}
	l := newLayer(LayerCommutative, operationKey, order)
	s.commutative = append(s.commutative, l)
	sort.Slice(s.commutative, func(i, j int) bool { return s.commutative[i].Order < s.commutative[j].Order })
	return l
}

// NextOrder allocates the next sequential issue-order counter value. The
// Operation Controller calls this once per operation at issue time so
// commutative ordering reflects issue order, not arrival order.
func (s *Store) NextOrder() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.nextIssueOrder
	s.nextIssueOrder++
	return order
}

// peekNextBaseOrderLocked reports the order value that, when it arrives,
// writes straight to base. This is just nextBaseOrder itself; commitLayerLocked
// uses it for its "whose turn is it" check.
func (s *Store) peekNextBaseOrderLocked() int {
	return s.nextBaseOrder
}

// Base returns the always-present base layer.
func (s *Store) Base() *Layer { return s.base }

// GetLayer finds a non-base layer by name across all kinds.
func (s *Store) GetLayer(name string) (*Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := findLayer(s.optimistic, name); l != nil {
		return l, true
	}
	if l := findLayer(s.subscriptions, name); l != nil {
		return l, true
	}
	if l := findLayer(s.commutative, name); l != nil {
		return l, true
	}
	return nil, false
}

func findLayer(layers []*Layer, name string) *Layer {
	for _, l := range layers {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// CommitLayer squashes a non-base layer's writes downward and removes it
// from the stack.
//
//   - optimistic  -> merges straight into base (the real result always
//     lands on base once a mutation resolves).
//   - subscription -> merges straight into base. Subscriptions read as
//     top-of-stack regardless (see readOrderLocked), so squashing directly to
//     base rather than waiting on an in-flight optimistic layer below it
//     never changes what a reader observes, and guarantees a subscription
//     patch is never lost if that mutation later errors and its
//     optimistic layer is discarded.
//   - commutative -> merges into base only when it is the lowest-ordered
//     outstanding commutative layer (its predecessors have all resolved);
//     otherwise CommitLayer is a no-op until that holds, and
//     the caller is expected to retry once the blocking layer commits (in
//     practice the operation controller always commits in issue order, so
//     this path is exercised by cascadeCommutativeLocked below instead).
func (s *Store) CommitLayer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLayerLocked(name)
}

func (s *Store) commitLayerLocked(name string) {
	if l := removeByName(&s.optimistic, name); l != nil {
		s.base.merge(l)
		return
	}
	if l := removeByName(&s.subscriptions, name); l != nil {
		s.base.merge(l)
		return
	}
	if l := findLayer(s.commutative, name); l != nil {
		if l.Order == s.peekNextBaseOrderLocked() {
			s.base.merge(l)
			removeByNameSlice(&s.commutative, name)
			if l.Order >= s.nextBaseOrder {
				s.nextBaseOrder = l.Order + 1
			}
			s.cascadeCommutativeLocked()
		}
		// else: not yet this layer's turn; left in place for a later commit.
	}
}

// DiscardLayer drops a non-base layer without squashing it (the mutation
// error path).
func (s *Store) DiscardLayer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := removeByName(&s.optimistic, name); l != nil {
		return
	}
	if l := removeByName(&s.subscriptions, name); l != nil {
		return
	}
	removeByNameSlice(&s.commutative, name)
}

// LayerForQueryResult records a query result's arrival and decides where
// it should land: directly on base if it is next in issue order, or into a
// fresh commutative layer at its order position otherwise. Returns the
// layer the caller's write traversal should write into. Advances
// nextBaseOrder bookkeeping immediately when this result lands on base,
// but does NOT cascade queued commutative layers yet - the caller's write
// traversal hasn't run yet at this point, and cascading here would squash
// an older commutative layer into base before this result's own (newer)
// data is written, letting the older value win. The caller must call
// CascadeCommutative once the write traversal's result is actually
// committed.
func (s *Store) LayerForQueryResult(operationKey string, issueOrder int) *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if issueOrder <= s.nextBaseOrder {
		if issueOrder == s.nextBaseOrder {
			s.nextBaseOrder++
		}
		return s.base
	}
	return s.pushCommutativeLocked(operationKey, issueOrder)
}

// CascadeCommutative squashes queued commutative layers into base while the
// lowest-ordered outstanding one matches the next expected base order. The
// Operation Controller calls this after committing a query result's write,
// so a layer waiting on this result's arrival lands on top of
// it rather than underneath.
func (s *Store) CascadeCommutative() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascadeCommutativeLocked()
}

// cascadeCommutativeLocked squashes commutative layers into base while the
// lowest-ordered outstanding one matches the next expected base order.
func (s *Store) cascadeCommutativeLocked() {
	for len(s.commutative) > 0 && s.commutative[0].Order == s.nextBaseOrder {
		l := s.commutative[0]
		s.base.merge(l)
		s.commutative = s.commutative[1:]
		s.nextBaseOrder++
	}
}

func removeByName(layers *[]*Layer, name string) *Layer {
	for i, l := range *layers {
		if l.Name == name {
			*layers = append((*layers)[:i:i], (*layers)[i+1:]...)
			return l
		}
	}
	return nil
}

func removeByNameSlice(layers *[]*Layer, name string) {
	for i, l := range *layers {
		if l.Name == name {
			*layers = append((*layers)[:i:i], (*layers)[i+1:]...)
			return
		}
	}
}

// CollapseIntoBase force-merges a layer into base regardless of kind or
// ordering - used by teardown(op) when an operation owning a layer (e.g. a
// torn-down subscription) disappears.
func (s *Store) CollapseIntoBase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := removeByName(&s.optimistic, name); l != nil {
		s.base.merge(l)
		return
	}
	if l := removeByName(&s.subscriptions, name); l != nil {
		s.base.merge(l)
		return
	}
	if l := findLayer(s.commutative, name); l != nil {
		s.base.merge(l)
		removeByNameSlice(&s.commutative, name)
	}
}

// readOrderLocked returns layers top-down: subscriptions (newest first),
// then optimistic (newest first), then commutative (highest order first),
// then base. Assumes s.mu is already held.
func (s *Store) readOrderLocked() []*Layer {
	order := make([]*Layer, 0, len(s.subscriptions)+len(s.optimistic)+len(s.commutative)+1)
	for i := len(s.subscriptions) - 1; i >= 0; i-- {
		order = append(order, s.subscriptions[i])
	}
	for i := len(s.optimistic) - 1; i >= 0; i-- {
		order = append(order, s.optimistic[i])
	}
	for i := len(s.commutative) - 1; i >= 0; i-- {
		order = append(order, s.commutative[i])
	}
	order = append(order, s.base)
	return order
}

// ---- reads (C2) ----

// ReadRecord searches layers top-down for entity/field. Returns
// Undefined if truly absent everywhere.
func (s *Store) ReadRecord(entity keygen.EntityKey, field keygen.FieldKey) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(entity, field)
}

// ReadLink is an alias of ReadRecord - records and links share one slot
// space distinguished only by Value.Kind.
func (s *Store) ReadLink(entity keygen.EntityKey, field keygen.FieldKey) Value {
	return s.ReadRecord(entity, field)
}

func (s *Store) readLocked(entity keygen.EntityKey, field keygen.FieldKey) Value {
	for _, l := range s.readOrderLocked() {
		if v := l.get(entity, field); !v.IsUndefined() {
			return v
		}
	}
	return Undefined
}

// KnownFields returns every FieldKey ever written for entity, across every
// live layer - used by invalidateEntity and Cache.InspectFields.
func (s *Store) KnownFields(entity keygen.EntityKey) []keygen.FieldKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[keygen.FieldKey]struct{})
	for _, l := range s.readOrderLocked() {
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

// ---- typename bookkeeping ----

// RegisterType records that entity is an instance of typename, enabling
// EntitiesOfType (and so InspectFields) to enumerate entities by type.
func (s *Store) RegisterType(entity keygen.EntityKey, typename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityTypesSetLocked(entity, typename)
}

// TypeOf returns the typename registered for entity, if any.
func (s *Store) TypeOf(entity keygen.EntityKey) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.entityTypes[entity]
	return t, ok
}

// EntitiesOfType returns every entity key registered under typename.
func (s *Store) EntitiesOfType(typename string) []keygen.EntityKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.typeIndex[typename]
	keys := make([]keygen.EntityKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// ---- invalidation (C2) ----

// InvalidateEntity marks every known field of entity as absent in the base
// layer, deleting those slots directly under the Store's lock, and returns the set of
// (entity,field) pairs it touched so the caller can feed the dependency
// index.
func (s *Store) InvalidateEntity(entity keygen.EntityKey) map[FieldRef]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[FieldRef]struct{})
	for _, l := range s.readOrderLocked() {
		for _, f := range l.Fields(entity) {
			delete(s.base.slots, slot{entity, f})
			touched[FieldRef{Entity: entity, Field: f}] = struct{}{}
		}
	}
	return touched
}

// MarkKnownNull records that field on entity was reported null via an
// error.path on a network error, so future reads treat it as a
// real null rather than re-flagging a cache miss.
func (s *Store) MarkKnownNull(entity keygen.EntityKey, field keygen.FieldKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownNull[slot{entity, field}] = true
	s.base.set(entity, field, Null)
}

// GC performs a best-effort reclamation pass: any entity not present in
// liveEntities is dropped from the base layer and the typename index. This
// is advisory - an explicit sweep is acceptable but not required - and the
// cache only calls it from the public GC() entrypoint, never from a
// background goroutine of its own.
func (s *Store) GC(liveEntities map[keygen.EntityKey]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := range s.entityTypes {
		if _, live := liveEntities[e]; live {
			continue
		}
		for slotKey := range s.base.slots {
			if slotKey.Entity == e {
				delete(s.base.slots, slotKey)
			}
		}
		typename := s.entityTypes[e]
		delete(s.entityTypes, e)
		if set, ok := s.typeIndex[typename]; ok {
			delete(set, e)
		}
	}
}

// MarkTypesStale flags typenames as stale: read traversals report any
// dependency read under a stale typename via the "stale" signal, until a
// fresh write to one of the type's instances clears it (see Txn.mark).
func (s *Store) MarkTypesStale(types map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range types {
		s.staleTypes[t] = struct{}{}
	}
}

// IsTypeStale reports whether typename is currently flagged stale.
func (s *Store) IsTypeStale(typename string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.staleTypes[typename]
	return ok
}

// FieldRef names one (entity,field) dependency slot - the public shape
// shared with internal/depindex.
type FieldRef struct {
	Entity keygen.EntityKey
	Field  keygen.FieldKey
}
