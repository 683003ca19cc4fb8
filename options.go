package graphcache

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	cerrors "github.com/brain2cache/graphcache/internal/errors"
	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/brain2cache/graphcache/internal/logging"
	"github.com/brain2cache/graphcache/internal/readtrav"
	"github.com/brain2cache/graphcache/internal/writetrav"
)

// KeyingFunc, ResolverFunc, UpdaterFunc and OptimisticFunc are aliases of
// their internal/keygen, internal/readtrav and internal/writetrav
// counterparts rather than new types: the Operation Controller hands these
// values straight through to the traversal engines that actually call
// them, so there is nothing for a wrapper type at this layer to add.
type (
	KeyingFunc      = keygen.KeyingFunc
	ResolverFunc    = readtrav.ResolverFunc
	UpdaterFunc     = writetrav.UpdaterFunc
	OptimisticFunc  = writetrav.OptimisticFunc
)

// Logger, Severity, Field and ZapLogger are re-exported from
// internal/logging so a caller configuring Options never has to import an
// internal package - see that package's doc comment for the zap-adapter
// rationale.
type (
	Logger    = logging.Logger
	Severity  = logging.Severity
	Field     = logging.Field
	ZapLogger = logging.ZapLogger
)

const (
	Debug = logging.Debug
	Info  = logging.Info
	Warn  = logging.Warn
	Error = logging.Error
)

// Options configures a Cache.
type Options struct {
	// Keys maps a typename to the keying function that derives its
	// instances' stable id.
	Keys map[string]KeyingFunc

	// Resolvers maps "Typename.fieldName" to a function overriding how
	// that field is read.
	Resolvers map[string]ResolverFunc

	// Updates maps "Query|Mutation|Subscription.fieldName" to a function
	// invoked after that root field's result has been written.
	Updates map[string]UpdaterFunc

	// Optimistic maps a mutation field name (no type prefix - mutation
	// fields only) to a function synthesizing its optimistic result.
	Optimistic map[string]OptimisticFunc

	// Schema, if supplied, enables schema-aware nullability.
	Schema *IntrospectionSchema

	// Logger receives the cache's internal log lines. Defaults to a
	// no-op logger when nil.
	Logger Logger
}

var validate = validator.New()

// validate checks Options the way backend2's HTTP layer validates request
// DTOs: reject malformed map keys and nil function values before they can
// panic deep inside a traversal.
func (o Options) validate() error {
	for typename, fn := range o.Keys {
		if err := validateKey(typename); err != nil {
			return cerrors.Wrap(cerrors.KindValidation, err, fmt.Sprintf("keys[%q]", typename))
		}
		if fn == nil {
			return cerrors.Newf(cerrors.KindValidation, "keys[%q] is nil", typename)
		}
	}
	for name, fn := range o.Resolvers {
		if err := validateDotted(name); err != nil {
			return cerrors.Wrap(cerrors.KindValidation, err, fmt.Sprintf(`resolvers key %q must be "Typename.field"`, name))
		}
		if fn == nil {
			return cerrors.Newf(cerrors.KindValidation, "resolvers[%q] is nil", name)
		}
	}
	for name, fn := range o.Updates {
		if err := validateDotted(name); err != nil {
			return cerrors.Wrap(cerrors.KindValidation, err, fmt.Sprintf(`updates key %q must be "Query|Mutation|Subscription.field"`, name))
		}
		if fn == nil {
			return cerrors.Newf(cerrors.KindValidation, "updates[%q] is nil", name)
		}
	}
	for name, fn := range o.Optimistic {
		if err := validateKey(name); err != nil {
			return cerrors.Wrap(cerrors.KindValidation, err, fmt.Sprintf("optimistic[%q] must be a bare mutation field name", name))
		}
		if fn == nil {
			return cerrors.Newf(cerrors.KindValidation, "optimistic[%q] is nil", name)
		}
	}
	return nil
}

func validateKey(s string) error {
	return validate.Var(s, "required,excludes=.")
}

func validateDotted(s string) error {
	return validate.Var(s, "required,contains=.")
}
