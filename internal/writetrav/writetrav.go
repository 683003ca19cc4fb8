// Package writetrav implements the Write Traversal (C4): it walks a
// denormalized operation result against an analyzed document's
// selections, writing Records/Links into an open store.Txn and invoking
// user updaters and optimistic functions, without deciding layer
// placement or transaction lifetime itself - that is the Operation
// Controller's job.
//
// Grounded on backend's application/projections.ProjectionRegistry (a
// dispatch table keyed by a two-part name, invoked after the triggering
// state change has already landed) for the updater dispatch shape, and on
// application/sagas for the optimistic-then-real-result flow a mutation
// goes through.
package writetrav

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/brain2cache/graphcache/internal/cacheapi"
	"github.com/brain2cache/graphcache/internal/document"
	cerrors "github.com/brain2cache/graphcache/internal/errors"
	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/brain2cache/graphcache/internal/logging"
	"github.com/brain2cache/graphcache/internal/store"
)

// Info is handed to updaters and optimistic functions alongside the
// mediated cacheapi.API.
type Info struct {
	ParentTypename string // "Query" | "Mutation" | "Subscription"
	FieldName      string
	Variables      map[string]interface{}
}

// UpdaterFunc customizes how one root field's result is written. It runs
// after that field's subtree has already been written into txn's layer;
// its own writes, made through api, land in the same layer.
type UpdaterFunc func(result interface{}, args map[string]interface{}, api cacheapi.API, info Info)

// OptimisticFunc synthesizes a mutation field's return value before the
// real result arrives. Its return value is written exactly like a real
// result, so any object it returns must carry "__typename".
type OptimisticFunc func(args map[string]interface{}, api cacheapi.API, info Info) interface{}

// Config wires the user-supplied keying functions and update/optimistic
// hooks into a Traversal.
type Config struct {
	Keys       map[string]keygen.KeyingFunc
	Updates    map[string]UpdaterFunc   // keyed "Mutation.addTodo", "Query.feed", ...
	Optimistic map[string]OptimisticFunc // keyed "addTodo" - mutation fields only
}

// Result summarizes one Write call's effect: the dependency slots it
// touched, for the Dependency Index (C7), and any typenames it flagged
// invalidated outright.
type Result struct {
	Touched          map[store.FieldRef]struct{}
	InvalidatedTypes map[string]struct{}
}

// Traversal is a configured Write Traversal. It is stateless across
// calls; all mutable state lives in the store.Txn passed to Write.
type Traversal struct {
	cfg    Config
	api    cacheapi.API
	logger logging.Logger
}

// New builds a Traversal. api must be the mediated handle bound to the
// same transaction the caller opens for each Write/WriteOptimistic call -
// the root package is responsible for that binding.
func New(cfg Config, api cacheapi.API, logger logging.Logger) *Traversal {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Traversal{cfg: cfg, api: api, logger: logger}
}

// Write walks data (a denormalized operation result) against info's root
// selections, writing into txn. Fields data doesn't carry are left
// untouched rather than invalidated, so one patch of a streamed/deferred
// result never clears what a later patch may still supply; hasNext does not
// change what is written.
func (t *Traversal) Write(txn *store.Txn, info *document.DocumentInfo, data map[string]interface{}, vars map[string]interface{}, hasNext bool) Result {
	rootType := keygen.RootTypename(info.OperationType)
	for _, f := range info.RootSelections {
		raw, present := data[f.ResponseName]
		if !present {
			continue
		}
		t.writeRootSelection(txn, info.RootKey, rootType, f, raw, vars)
	}
	return result(txn)
}

// WriteOptimistic synthesizes and writes a mutation's optimistic layer
// from the registered OptimisticFuncs. Root fields with no registered
// function are left untouched. User updaters do not run
// during the optimistic phase - only the real result triggers them.
func (t *Traversal) WriteOptimistic(txn *store.Txn, info *document.DocumentInfo, vars map[string]interface{}) Result {
	rootType := keygen.RootTypename(info.OperationType)
	for _, f := range info.RootSelections {
		fn, ok := t.cfg.Optimistic[f.FieldName]
		if !ok {
			continue
		}
		args := document.BindArgs(f.Args, vars)
		raw := fn(args, t.api, Info{ParentTypename: rootType, FieldName: f.FieldName, Variables: vars})
		if raw == nil {
			continue
		}
		fieldKey := keygen.FieldKeyOf(f.FieldName, args, nil)
		t.writeValue(txn, info.RootKey, fieldKey, f, raw, vars)
	}
	return result(txn)
}

func result(txn *store.Txn) Result {
	touched, invalidated := txn.Touched()
	return Result{Touched: touched, InvalidatedTypes: invalidated}
}

// writeRootSelection writes one root-level field's subtree and then, only
// at this depth, invokes its updater if one is registered for
// (rootType, fieldName) - updaters bind to Query/Mutation/Subscription
// root fields, never to nested selections.
func (t *Traversal) writeRootSelection(txn *store.Txn, rootKey keygen.EntityKey, rootType string, f *document.FieldInfo, raw interface{}, vars map[string]interface{}) {
	args := document.BindArgs(f.Args, vars)
	fieldKey := keygen.FieldKeyOf(f.FieldName, args, nil)
	t.writeValue(txn, rootKey, fieldKey, f, raw, vars)

	fieldName := rootType + "." + f.FieldName
	if fn, ok := t.cfg.Updates[fieldName]; ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Log(logging.Error, "updater panicked, its pending writes are kept but the panic is contained",
						zap.String("field", fieldName),
						zap.Error(cerrors.UpdaterException(fieldName, asError(r))))
				}
			}()
			fn(raw, args, t.api, Info{ParentTypename: rootType, FieldName: f.FieldName, Variables: vars})
		}()
	}
}

// asError coerces a recover() value into an error, the shape
// cerrors.UpdaterException expects - panics raised with a plain string or
// other value are just as common as ones raised with an error.
func asError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// writeValue writes raw at (parentKey, fieldKey), recursing into object
// and list children.
func (t *Traversal) writeValue(txn *store.Txn, parentKey keygen.EntityKey, fieldKey keygen.FieldKey, f *document.FieldInfo, raw interface{}, vars map[string]interface{}) {
	switch v := raw.(type) {
	case nil:
		txn.WriteNull(parentKey, fieldKey)

	case map[string]interface{}:
		t.checkShapeConflict(txn, parentKey, fieldKey, store.KindLink)
		key := t.normalizeEntity(txn, parentKey, fieldKey, f, v, vars)
		txn.WriteLink(parentKey, fieldKey, key)

	case []interface{}:
		t.writeList(txn, parentKey, fieldKey, f, v, vars)

	default:
		t.checkShapeConflict(txn, parentKey, fieldKey, store.KindRecord)
		txn.WriteRecord(parentKey, fieldKey, v)
	}
}

// checkShapeConflict logs an InvariantViolation when (parentKey,fieldKey)
// already holds a value of a different non-null kind than the one about
// to be written - a server response shape changing field type underneath
// an already-cached slot, which no result this cache sees would ever
// resolve on its own.
func (t *Traversal) checkShapeConflict(txn *store.Txn, parentKey keygen.EntityKey, fieldKey keygen.FieldKey, incoming store.Kind) {
	existing := txn.ReadRecord(parentKey, fieldKey)
	if existing.IsUndefined() || existing.IsNull() || existing.Kind == incoming {
		return
	}
	t.logger.Log(logging.Warn, "field shape conflict",
		zap.String("field", string(fieldKey)),
		zap.Error(cerrors.InvariantViolation("(%s).%s: existing %s value conflicts with incoming %s write",
			parentKey, fieldKey, existing.Kind, incoming)))
}

func (t *Traversal) writeList(txn *store.Txn, parentKey keygen.EntityKey, fieldKey keygen.FieldKey, f *document.FieldInfo, list []interface{}, vars map[string]interface{}) {
	if !looksLikeEntityList(list) {
		txn.WriteRecord(parentKey, fieldKey, list)
		return
	}

	keys := make([]store.NullableKey, len(list))
	for i, elem := range list {
		if elem == nil {
			keys[i] = store.NullableKey{IsNull: true}
			continue
		}
		obj, ok := elem.(map[string]interface{})
		if !ok {
			// A scalar mixed into what looked like an entity list - write
			// the whole field as a plain record instead of a half-formed
			// link list.
			txn.WriteRecord(parentKey, fieldKey, list)
			return
		}
		keys[i] = store.NullableKey{Key: t.normalizeEntity(txn, parentKey, fieldKey, f, obj, vars)}
	}
	txn.WriteLinkList(parentKey, fieldKey, keys)
}

// looksLikeEntityList reports whether list's first non-nil element is an
// object, the signal that the whole array should normalize as a list of
// links rather than a single scalar-array record.
func looksLikeEntityList(list []interface{}) bool {
	for _, e := range list {
		if e == nil {
			continue
		}
		_, ok := e.(map[string]interface{})
		return ok
	}
	return false
}

// normalizeEntity resolves obj's EntityKey, registers its typename,
// applies the new-instance-of-a-known-type stale rule, and recurses into
// f's selections - everything a single occurrence of an entity needs,
// shared between the single-link and link-list cases.
func (t *Traversal) normalizeEntity(txn *store.Txn, parentKey keygen.EntityKey, fieldKey keygen.FieldKey, f *document.FieldInfo, obj map[string]interface{}, vars map[string]interface{}) keygen.EntityKey {
	typename, _ := obj["__typename"].(string)
	key, embedded := keygen.KeyOf(typename, obj, t.cfg.Keys)
	if embedded {
		key = keygen.EmbeddedKey(parentKey, fieldKey)
	}

	if typename != "" {
		_, existed := txn.TypeOf(key)
		typeSeenBefore := txn.TypeKnown(typename)
		if !existed && typeSeenBefore {
			// A new instance of an already-known type arrived. The store
			// has no way to tell whether list/filter queries over this
			// type need to reexecute to pick it up, so the whole type is
			// flagged stale rather than just this one entity.
			txn.MarkTypeInvalidated(typename)
		}
		txn.RegisterType(key, typename)
	}

	for _, child := range f.Selections {
		if child.TypeCondition != "" && child.TypeCondition != typename {
			continue
		}
		raw, present := obj[child.ResponseName]
		if !present {
			continue
		}
		childArgs := document.BindArgs(child.Args, vars)
		childFieldKey := keygen.FieldKeyOf(child.FieldName, childArgs, nil)
		t.writeValue(txn, key, childFieldKey, child, raw, vars)
	}

	return key
}
