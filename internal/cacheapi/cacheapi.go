// Package cacheapi defines the mediated handle that resolvers, updaters
// and optimistic functions use to touch the store. It is an
// interface, not a concrete type, so internal/writetrav and
// internal/readtrav can accept it without importing the root package that
// implements it (which in turn imports writetrav/readtrav) - the same
// "depend on the port, not the adapter" shape as backend's
// application/ports package.
package cacheapi

import (
	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/vektah/gqlparser/v2/ast"
)

// API is the mediated handle passed to resolvers, updaters and optimistic
// functions. Its writes go into the transaction currently open on the
// Cache, or into a short-lived transaction of their own when none is open.
type API interface {
	// WriteFragment writes data into the store as if it were read back
	// for fragment against the entity data identifies (via its own
	// key fields, or vars["__entity"] when data is embeddable only via a
	// supplied key).
	WriteFragment(fragment *ast.FragmentDefinition, data map[string]interface{}, vars map[string]interface{})

	// UpdateQuery re-reads query/vars, calls updater with the resulting
	// denormalized data, and writes whatever updater returns back through
	// the write traversal for the same selection set.
	UpdateQuery(doc *ast.QueryDocument, op *ast.OperationDefinition, vars map[string]interface{}, updater func(current interface{}) interface{})

	// Invalidate invalidates an entity (by object or key string), or one
	// field of it when fieldName is non-empty.
	Invalidate(entityOrKey interface{}, fieldName string, args map[string]interface{})

	// ReadFragment denormalizes fragment's selection against entityKey.
	ReadFragment(fragment *ast.FragmentDefinition, entityKey keygen.EntityKey, vars map[string]interface{}) interface{}

	// ReadQuery denormalizes doc/op against the store, returning the same
	// shape Cache.Dispatch would for a cache-only read.
	ReadQuery(doc *ast.QueryDocument, op *ast.OperationDefinition, vars map[string]interface{}) interface{}

	// Resolve reads one field off parentOrKey (an object, or an
	// EntityKey) directly from the store. Configured resolvers are not
	// applied; a link or link list resolves to the EntityKey(s) it points
	// at rather than a denormalized subtree.
	Resolve(parentOrKey interface{}, fieldName string, args map[string]interface{}) interface{}

	// InspectFields lists every field known for an entity (by key, or by
	// bare typename, in which case every live entity of that type is
	// inspected).
	InspectFields(typenameOrKey string) []string

	// KeyOfEntity runs KeyGen on obj the same way a normal write would.
	KeyOfEntity(obj map[string]interface{}) (keygen.EntityKey, bool)
}
