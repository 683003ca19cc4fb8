package graphcache

import (
	"github.com/google/uuid"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/brain2cache/graphcache/internal/document"
	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/brain2cache/graphcache/internal/store"
)

// api is the Cache's concrete implementation of cacheapi.API, the mediated
// handle resolvers and updaters use instead of touching the store
// directly. Its writes land in c.currentTxn when a write traversal is in
// progress (the same layer that traversal is writing into), or a
// short-lived transaction of their own when called from a resolver
// mid-read, where no write is in flight. Reads go through c.reader(),
// which is the open Txn itself during a write traversal - a Store read
// would RLock a mutex the same goroutine's Txn already holds exclusively.
type api struct {
	c *Cache
}

func (a *api) withTxn(fn func(txn *store.Txn) (map[store.FieldRef]struct{}, map[string]struct{})) {
	if a.c.currentTxn != nil {
		fn(a.c.currentTxn)
		return
	}
	txn := a.c.store.Begin(a.c.store.Base())
	touched, invalidated := fn(txn)
	txn.Commit()
	a.c.afterWrite(touched, invalidated, "")
}

// WriteFragment writes data into the store as fragment's own selection set
// against the entity data identifies via keying, or vars["__entity"] when
// data is itself embeddable only through a supplied key.
//
// Simplification: fragment spreads nested inside fragment are not
// resolved, since this entrypoint has no enclosing *ast.QueryDocument to
// look them up in - only plain fields and inline fragments are honored.
func (a *api) WriteFragment(fragment *ast.FragmentDefinition, data map[string]interface{}, vars map[string]interface{}) {
	fields := a.c.analyzer.AnalyzeFragment(nil, fragment)

	key, ok := a.c.keyOf(data)
	if !ok {
		if entity, hasEntity := vars["__entity"].(keygen.EntityKey); hasEntity {
			key = entity
		} else {
			key = keygen.EmbeddedKey(keygen.RootQuery, keygen.FieldKey(fragment.Name))
		}
	}

	info := &document.DocumentInfo{RootKey: key, RootSelections: fields}
	a.withTxn(func(txn *store.Txn) (map[store.FieldRef]struct{}, map[string]struct{}) {
		res := a.c.write.Write(txn, info, data, vars, false)
		return res.Touched, res.InvalidatedTypes
	})
}

// UpdateQuery re-reads doc/op/vars, hands the result to updater, and writes
// whatever updater returns back through the write traversal. Safe to call
// from inside another updater mid-write: the read goes through
// c.reader(), not the store directly.
func (a *api) UpdateQuery(doc *ast.QueryDocument, op *ast.OperationDefinition, vars map[string]interface{}, updater func(current interface{}) interface{}) {
	info := a.c.analyzer.Analyze(doc, op)
	key := "updateQuery:" + uuid.NewString()
	current := a.c.read.ReadWith(a.c.reader(), key, info, vars)
	a.c.read.Forget(key)

	next := updater(current.Data)
	data, ok := next.(map[string]interface{})
	if !ok {
		return
	}

	a.withTxn(func(txn *store.Txn) (map[store.FieldRef]struct{}, map[string]struct{}) {
		res := a.c.write.Write(txn, info, data, vars, false)
		return res.Touched, res.InvalidatedTypes
	})
}

// Invalidate invalidates entityOrKey (an object or an EntityKey), or one
// field of it when fieldName is non-empty.
func (a *api) Invalidate(entityOrKey interface{}, fieldName string, args map[string]interface{}) {
	key, ok := a.c.resolveEntity(entityOrKey)
	if !ok {
		return
	}

	a.withTxn(func(txn *store.Txn) (map[store.FieldRef]struct{}, map[string]struct{}) {
		if fieldName == "" {
			touched := txn.InvalidateEntity(key)
			return touched, nil
		}
		fieldKey := keygen.FieldKeyOf(fieldName, args, nil)
		txn.WriteRecord(key, fieldKey, nil)
		touched, invalidated := txn.Touched()
		return touched, invalidated
	})
}

// ReadFragment denormalizes fragment's selection against entityKey. Same
// nested-spread simplification as WriteFragment.
func (a *api) ReadFragment(fragment *ast.FragmentDefinition, entityKey keygen.EntityKey, vars map[string]interface{}) interface{} {
	fields := a.c.analyzer.AnalyzeFragment(nil, fragment)
	info := &document.DocumentInfo{RootKey: entityKey, RootSelections: fields}
	key := "fragment:" + string(entityKey) + ":" + fragment.Name
	return a.c.read.ReadWith(a.c.reader(), key, info, vars).Data
}

// ReadQuery denormalizes doc/op against the store, returning the same
// shape Cache.Dispatch would for a cache-only read. The read is ephemeral
// - keyed by a fresh uuid so it never pollutes the Dependency Index or
// competes with a tracked operation's reference-reuse cache.
func (a *api) ReadQuery(doc *ast.QueryDocument, op *ast.OperationDefinition, vars map[string]interface{}) interface{} {
	info := a.c.analyzer.Analyze(doc, op)
	key := "readQuery:" + uuid.NewString()
	res := a.c.read.ReadWith(a.c.reader(), key, info, vars)
	a.c.read.Forget(key)
	return res.Data
}

// Resolve reads one field off parentOrKey (an object or an EntityKey)
// directly from the store, without applying a resolvers[] override (those
// exist precisely to replace this default path, so resolve would loop on
// itself if it consulted them) - a link or link list resolves to the
// EntityKey(s) it points at rather than a fully denormalized subtree; call
// Resolve again on the result to walk further.
func (a *api) Resolve(parentOrKey interface{}, fieldName string, args map[string]interface{}) interface{} {
	key, ok := a.c.resolveEntity(parentOrKey)
	if !ok {
		return nil
	}
	fieldKey := keygen.FieldKeyOf(fieldName, args, nil)
	v := a.c.reader().ReadRecord(key, fieldKey)
	switch v.Kind {
	case store.KindRecord:
		return v.Scalar
	case store.KindLink:
		return v.Link
	case store.KindLinkList:
		keys := make([]interface{}, len(v.List))
		for i, nk := range v.List {
			if nk.IsNull {
				keys[i] = nil
				continue
			}
			keys[i] = nk.Key
		}
		return keys
	default:
		return nil
	}
}

// InspectFields lists every field known for an entity - by key, or by bare
// typename, in which case every live entity of that type is inspected.
func (a *api) InspectFields(typenameOrKey string) []string {
	reader := a.c.reader()
	if _, ok := reader.TypeOf(keygen.EntityKey(typenameOrKey)); ok {
		return fieldStrings(reader.KnownFields(keygen.EntityKey(typenameOrKey)))
	}

	seen := make(map[string]struct{})
	for _, entity := range reader.EntitiesOfType(typenameOrKey) {
		for _, f := range reader.KnownFields(entity) {
			seen[string(f)] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	return fields
}

func fieldStrings(fields []keygen.FieldKey) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}

// KeyOfEntity runs KeyGen on obj the same way a normal write would.
func (a *api) KeyOfEntity(obj map[string]interface{}) (keygen.EntityKey, bool) {
	return a.c.keyOf(obj)
}
