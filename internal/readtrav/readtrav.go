// Package readtrav implements the Read Traversal (C5): it walks an
// analyzed document's selections against the store, producing a
// denormalized result, a completeness classification (hit/partial/miss),
// the set of (entity,field) dependencies read, and - when a subtree is
// unchanged since the operation's previous read - the previous output
// object by reference.
//
// Grounded on backend's application/loaders.Batcher for the "memoize
// across calls, keyed by an external key" shape (here keyed by operation
// key rather than batch key), and on domain/core/aggregates/graph_lazy.go
// for materializing only the parts of an aggregate a read actually needs.
package readtrav

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/brain2cache/graphcache/internal/cacheapi"
	"github.com/brain2cache/graphcache/internal/document"
	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/brain2cache/graphcache/internal/logging"
	"github.com/brain2cache/graphcache/internal/store"
)

// Info is handed to resolvers alongside the mediated cacheapi.API.
type Info struct {
	ParentTypename string
	FieldName      string
	Variables      map[string]interface{}
}

// ResolverFunc overrides how one field's value is produced, in place of a
// plain store read. parentOrKey is the
// keygen.EntityKey of the object currently being read (Query/Mutation/
// Subscription for root fields). Returning a keygen.EntityKey redirects
// traversal into the store at that key, continuing into the field's own
// selections; any other value is used as-is and traversal does not
// descend further into it, since only a store-backed object has
// selections to walk.
type ResolverFunc func(parentOrKey interface{}, args map[string]interface{}, api cacheapi.API, info Info) interface{}

// SchemaNullability answers whether typename.fieldName is declared
// nullable by the optional introspection schema, letting the traversal
// tolerate that field being absent the same way an explicit @_optional
// would, short of an explicit @_required override.
type SchemaNullability interface {
	IsNullable(typename, fieldName string) bool
}

// Config wires user-supplied resolvers and the optional schema into a
// Traversal.
type Config struct {
	Resolvers map[string]ResolverFunc // keyed "Author.fullName"
	Schema    SchemaNullability       // nil disables schema-based tolerance
}

// Classification is the completeness verdict for one read.
type Classification int

const (
	Hit Classification = iota
	Partial
	Miss
)

func (c Classification) String() string {
	switch c {
	case Hit:
		return "hit"
	case Partial:
		return "partial"
	default:
		return "miss"
	}
}

// Result is one Read call's output.
type Result struct {
	Data           interface{} // map[string]interface{}, or nil on Miss
	Classification Classification
	Stale          bool
	Deps           map[store.FieldRef]struct{}
	Types          map[string]struct{}
}

// nodeCache mirrors one subtree of a previous read, letting Traversal
// decide per-subtree whether to reuse the old output object or produce a
// new one.
type nodeCache struct {
	value    interface{}
	children map[string]*nodeCache
}

// accum collects the cross-cutting signals a single Read pass produces,
// threaded through every recursive call instead of returned piecemeal.
type accum struct {
	deps    map[store.FieldRef]struct{}
	types   map[string]struct{}
	partial bool
	stale   bool
}

// Traversal is a configured Read Traversal.
type Traversal struct {
	cfg    Config
	store  *store.Store
	api    cacheapi.API
	logger logging.Logger

	mu    sync.Mutex
	cache map[string]*nodeCache // operation key -> previous root node
}

// New builds a Traversal bound to st and the mediated api resolvers
// receive.
func New(cfg Config, st *store.Store, api cacheapi.API, logger logging.Logger) *Traversal {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Traversal{cfg: cfg, store: st, api: api, logger: logger, cache: make(map[string]*nodeCache)}
}

// Forget drops operationKey's cached previous output, used by the
// Operation Controller on teardown(op) so a torn-down operation's history
// never leaks memory or leaks stale reuse into a reissued operation reusing
// the same key.
func (t *Traversal) Forget(operationKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, operationKey)
}

// Read walks info's root selections against the Traversal's own Store for
// operationKey, returning the denormalized result plus the signals
// described above.
func (t *Traversal) Read(operationKey string, info *document.DocumentInfo, vars map[string]interface{}) Result {
	return t.ReadWith(t.store, operationKey, info, vars)
}

// ReadWith is Read against an explicit store.Reader rather than the
// Traversal's own Store. The mediated cacheapi.API routes through this with
// the Cache's currently open Txn whenever a resolver or updater is invoked
// mid-transaction, since reading through the Store directly at that point
// would RLock a mutex the same goroutine's write Txn already holds
// exclusively.
func (t *Traversal) ReadWith(reader store.Reader, operationKey string, info *document.DocumentInfo, vars map[string]interface{}) Result {
	t.mu.Lock()
	prev := t.cache[operationKey]
	t.mu.Unlock()

	var prevChildren map[string]*nodeCache
	if prev != nil {
		prevChildren = prev.children
	}

	acc := &accum{deps: make(map[store.FieldRef]struct{}), types: make(map[string]struct{})}
	rootType := keygen.RootTypename(info.OperationType)
	if info.OperationType == "" {
		// A bare fragment read is rooted at an entity rather than a root
		// type, so its type-conditioned selections match that entity's own
		// registered typename.
		if typename, ok := reader.TypeOf(info.RootKey); ok {
			rootType = typename
		}
	}
	out, bubble, children := t.readObjectFields(reader, info.RootKey, rootType, info.RootSelections, vars, prevChildren, acc)

	if bubble {
		t.mu.Lock()
		delete(t.cache, operationKey)
		t.mu.Unlock()
		return Result{Data: nil, Classification: Miss, Stale: acc.stale, Deps: acc.deps, Types: acc.types}
	}

	value, node := reuseNode(prev, out, children)
	t.mu.Lock()
	t.cache[operationKey] = node
	t.mu.Unlock()

	classification := Hit
	if acc.partial {
		classification = Partial
	}
	return Result{Data: value, Classification: classification, Stale: acc.stale, Deps: acc.deps, Types: acc.types}
}

// tolerate decides whether a missing (or bubbled-null) value at f is
// acceptable: an explicit @_required always escalates regardless of any
// ancestor @_optional or schema nullability; short of that, @_optional (own
// or inherited from an enclosing fragment) or schema-declared nullability
// tolerates it.
func (t *Traversal) tolerate(f *document.FieldInfo, parentTypename string) bool {
	if f.Required {
		return false
	}
	if f.Optional || f.AncestorOptional {
		return true
	}
	if t.cfg.Schema != nil && t.cfg.Schema.IsNullable(parentTypename, f.FieldName) {
		return true
	}
	return false
}

// readObjectFields reads every applicable selection of one object
// (entityKey, typename), skipping fields whose fragment type condition
// doesn't match typename. bubble=true means a required-and-missing child
// forced this whole object to null.
func (t *Traversal) readObjectFields(reader store.Reader, entityKey keygen.EntityKey, typename string, selections []*document.FieldInfo, vars map[string]interface{}, prevChildren map[string]*nodeCache, acc *accum) (map[string]interface{}, bool, map[string]*nodeCache) {
	out := make(map[string]interface{}, len(selections))
	children := make(map[string]*nodeCache, len(selections))

	for _, f := range selections {
		if f.TypeCondition != "" && f.TypeCondition != typename {
			continue
		}

		var prevChild *nodeCache
		if prevChildren != nil {
			prevChild = prevChildren[f.ResponseName]
		}

		value, ok, node := t.readSelection(reader, entityKey, typename, f, vars, prevChild, acc)
		if !ok {
			return nil, true, nil
		}
		out[f.ResponseName] = value
		children[f.ResponseName] = node
	}

	return out, false, children
}

// readSelection computes one field's value. ok=false means the field is
// effectively missing (never present, or a required descendant forced it
// null) and was not tolerated - the caller must bubble that up.
func (t *Traversal) readSelection(reader store.Reader, parentKey keygen.EntityKey, parentTypename string, f *document.FieldInfo, vars map[string]interface{}, prevChild *nodeCache, acc *accum) (interface{}, bool, *nodeCache) {
	args := document.BindArgs(f.Args, vars)

	if fn, ok := t.cfg.Resolvers[parentTypename+"."+f.FieldName]; ok {
		raw := fn(parentKey, args, t.api, Info{ParentTypename: parentTypename, FieldName: f.FieldName, Variables: vars})
		if childKey, isKey := raw.(keygen.EntityKey); isKey {
			return t.readLinkField(reader, childKey, f, vars, prevChild, acc)
		}
		return reuseLeaf(prevChild, raw)
	}

	fieldKey := keygen.FieldKeyOf(f.FieldName, args, nil)
	v := reader.ReadRecord(parentKey, fieldKey)
	acc.deps[store.FieldRef{Entity: parentKey, Field: fieldKey}] = struct{}{}

	switch v.Kind {
	case store.KindUndefined:
		t.logMissing(f, args, parentKey)
		if !t.tolerate(f, parentTypename) {
			return nil, false, nil
		}
		acc.partial = true
		return nil, true, &nodeCache{value: nil}

	case store.KindNull:
		return reuseLeaf(prevChild, nil)

	case store.KindRecord:
		return reuseLeaf(prevChild, v.Scalar)

	case store.KindLink:
		return t.readLinkField(reader, v.Link, f, vars, prevChild, acc)

	case store.KindLinkList:
		return t.readLinkListField(reader, v.List, f, vars, prevChild, acc)

	default:
		return reuseLeaf(prevChild, nil)
	}
}

func (t *Traversal) readLinkField(reader store.Reader, childKey keygen.EntityKey, f *document.FieldInfo, vars map[string]interface{}, prevChild *nodeCache, acc *accum) (interface{}, bool, *nodeCache) {
	childTypename, _ := reader.TypeOf(childKey)
	t.noteType(reader, childTypename, acc)

	var prevGrandchildren map[string]*nodeCache
	if prevChild != nil {
		prevGrandchildren = prevChild.children
	}

	childMap, bubble, childChildren := t.readObjectFields(reader, childKey, childTypename, f.Selections, vars, prevGrandchildren, acc)
	if bubble {
		if !t.tolerate(f, childTypename) {
			return nil, false, nil
		}
		acc.partial = true
		return nil, true, &nodeCache{value: nil}
	}

	value, node := reuseNode(prevChild, childMap, childChildren)
	return value, true, node
}

func (t *Traversal) readLinkListField(reader store.Reader, list []store.NullableKey, f *document.FieldInfo, vars map[string]interface{}, prevChild *nodeCache, acc *accum) (interface{}, bool, *nodeCache) {
	var prevChildren map[string]*nodeCache
	if prevChild != nil {
		prevChildren = prevChild.children
	}

	out := make([]interface{}, len(list))
	children := make(map[string]*nodeCache, len(list))

	for i, nk := range list {
		key := fmt.Sprintf("idx:%d", i)
		if nk.IsNull {
			out[i] = nil
			continue
		}

		typename, _ := reader.TypeOf(nk.Key)
		t.noteType(reader, typename, acc)

		var prevElem *nodeCache
		if prevChildren != nil {
			prevElem = prevChildren[key]
		}
		var prevGrandchildren map[string]*nodeCache
		if prevElem != nil {
			prevGrandchildren = prevElem.children
		}

		elemMap, bubble, elemChildren := t.readObjectFields(reader, nk.Key, typename, f.Selections, vars, prevGrandchildren, acc)
		if bubble {
			// A required field missing on one list element nulls that
			// element rather than the whole list - list-level nullability
			// is left to the enclosing field's own optional/required check.
			acc.partial = true
			out[i] = nil
			continue
		}

		value, node := reuseNode(prevElem, elemMap, elemChildren)
		out[i] = value
		children[key] = node
	}

	value, node := reuseNode(prevChild, out, children)
	return value, true, node
}

func (t *Traversal) noteType(reader store.Reader, typename string, acc *accum) {
	if typename == "" {
		return
	}
	acc.types[typename] = struct{}{}
	if reader.IsTypeStale(typename) {
		acc.stale = true
	}
}

// reuseLeaf wraps a scalar/null value in a nodeCache, reusing prevChild's
// cache entry instead of allocating a new one when the value matches -
// scalars have no reference identity of their own, but keeping the same
// nodeCache instance avoids needless churn one level up.
func reuseLeaf(prevChild *nodeCache, value interface{}) (interface{}, bool, *nodeCache) {
	if prevChild != nil && cmp.Equal(prevChild.value, value) {
		return prevChild.value, true, prevChild
	}
	return value, true, &nodeCache{value: value}
}

// reuseNode decides whether prev's value is deeply equal to next, in
// which case the caller keeps prev's value and node (preserving reference
// identity for every unchanged descendant beneath it) instead of the
// freshly-built one.
func reuseNode(prev *nodeCache, next interface{}, children map[string]*nodeCache) (interface{}, *nodeCache) {
	if prev != nil && cmp.Equal(prev.value, next) {
		return prev.value, prev
	}
	return next, &nodeCache{value: next, children: children}
}

// logMissing reports a missing field read at debug severity.
func (t *Traversal) logMissing(f *document.FieldInfo, args map[string]interface{}, entity keygen.EntityKey) {
	msg := fmt.Sprintf(`No value for field "%s"`, f.FieldName)
	if len(args) > 0 {
		if b, err := json.Marshal(args); err == nil {
			msg += fmt.Sprintf(" with args %s", string(b))
		}
	}
	msg += fmt.Sprintf(` on entity "%s"`, entity)
	t.logger.Log(logging.Debug, msg)
}
