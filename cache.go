// Package graphcache implements a normalized, layered, document-aware
// client cache for GraphQL operations. Cache.Dispatch is the single entry
// point (mirroring the teacher's Mediator.Send/Query): it consumes a
// stream of operation/result/teardown events and returns zero or more
// downstream emissions and upstream forward/reexecute requests.
//
// Grounded on application/mediator.Mediator (one dispatch entrypoint
// fanning out to a pipeline of behaviors) for the controller shape.
package graphcache

import (
	"reflect"

	"go.uber.org/zap"

	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/brain2cache/graphcache/internal/logging"
	"github.com/brain2cache/graphcache/internal/readtrav"
	"github.com/brain2cache/graphcache/internal/store"
	"github.com/brain2cache/graphcache/internal/writetrav"

	"github.com/brain2cache/graphcache/internal/cacheapi"
	"github.com/brain2cache/graphcache/internal/depindex"
	"github.com/brain2cache/graphcache/internal/document"
	cerrors "github.com/brain2cache/graphcache/internal/errors"
)

// pendingOp is the Operation Controller's bookkeeping row for one live
// operation.
type pendingOp struct {
	key           string
	kind          string // "query" | "mutation" | "subscription"
	info          *document.DocumentInfo
	variables     map[string]interface{}
	requestPolicy RequestPolicy

	issueOrder int // queries/subscriptions only, commutative ordering
	layerName  string

	lastData           interface{}
	lastClassification readtrav.Classification
	lastDeps           map[store.FieldRef]struct{}
	reexecutionsBlocked bool
}

// Cache is the Operation Controller (C8): the externally visible state
// machine coordinating the Store, Document Analyzer, the two traversal
// engines and the Dependency Index.
type Cache struct {
	opts Options

	store    *store.Store
	analyzer *document.Analyzer
	write    *writetrav.Traversal
	read     *readtrav.Traversal
	deps     *depindex.Index
	api      cacheapi.API
	logger   Logger

	pending map[string]*pendingOp

	// optimisticTouched records, per mutation key, the (entity,field) set
	// its optimistic layer last wrote - used to detect when an in-flight
	// optimistic mutation covers a query's dependencies.
	optimisticTouched map[string]map[store.FieldRef]struct{}

	// currentTxn is the write transaction presently open, if any - read by
	// the mediated cacheapi.API implementation so resolvers/updaters
	// invoked mid-write land their own writes in the same layer, and read
	// through instead of the Store directly. Dispatch is documented
	// non-reentrant, so a single field is sufficient; there is never more
	// than one write in flight.
	currentTxn *store.Txn
}

// reader returns the store.Reader the mediated cacheapi.API should read
// through: the open Txn while a write traversal is in flight, since a
// Store read at that point would RLock a mutex the same goroutine's Txn
// already holds exclusively, or the Store itself otherwise.
func (c *Cache) reader() store.Reader {
	if c.currentTxn != nil {
		return c.currentTxn
	}
	return c.store
}

// New validates opts and builds a Cache.
func New(opts Options) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Cache{
		opts:               opts,
		store:              store.New(),
		analyzer:           document.New(),
		deps:               depindex.New(),
		logger:             logger,
		pending:            make(map[string]*pendingOp),
		optimisticTouched:  make(map[string]map[store.FieldRef]struct{}),
	}
	c.api = &api{c: c}
	c.write = writetrav.New(writetrav.Config{
		Keys:       opts.Keys,
		Updates:    opts.Updates,
		Optimistic: opts.Optimistic,
	}, c.api, logger)
	c.read = readtrav.New(readtrav.Config{
		Resolvers: opts.Resolvers,
		Schema:    schemaOrNil(opts.Schema),
	}, c.store, c.api, logger)

	return c, nil
}

func schemaOrNil(s *IntrospectionSchema) readtrav.SchemaNullability {
	if s == nil {
		return nil
	}
	return s
}

// GC runs a best-effort reclamation pass over entities no live operation
// depends on any more. The host pipeline decides when to call this; the
// cache starts no background goroutine of its own.
func (c *Cache) GC() {
	live := make(map[keygen.EntityKey]struct{})
	for _, op := range c.pending {
		for ref := range op.lastDeps {
			live[ref.Entity] = struct{}{}
		}
		// root selections also link directly into the root entity itself
		live[op.info.RootKey] = struct{}{}
	}
	c.store.GC(live)
}

// Dispatch is the cache's single entry point. It is NOT safe for
// concurrent calls - callers needing concurrency serialize through their
// own queue.
func (c *Cache) Dispatch(ev Event) []Result {
	switch e := ev.(type) {
	case OperationEvent:
		return c.onOperation(e)
	case ResultEvent:
		return c.onResult(e)
	case TeardownEvent:
		return c.onTeardown(e)
	default:
		return nil
	}
}

func (c *Cache) onOperation(e OperationEvent) []Result {
	info := c.analyzer.Analyze(e.Document, e.Operation)

	op := &pendingOp{
		key:           e.Key,
		kind:          info.OperationType,
		info:          info,
		variables:     e.Variables,
		requestPolicy: e.RequestPolicy,
	}
	c.pending[e.Key] = op

	switch info.OperationType {
	case "mutation":
		return c.onMutationOperation(op)
	case "subscription":
		op.issueOrder = c.store.NextOrder()
		op.layerName = e.Key
		c.store.PushSubscription(e.Key)
		return []Result{{Kind: Forward, OperationKey: e.Key, RequestPolicy: NetworkOnly}}
	default:
		return c.onQueryOperation(op)
	}
}

func (c *Cache) onQueryOperation(op *pendingOp) []Result {
	op.issueOrder = c.store.NextOrder()

	read := c.read.Read(op.key, op.info, op.variables)
	c.deps.Register(depindex.OperationKey(op.key), depindex.Registration{Deps: read.Deps, Types: read.Types})
	op.lastData = read.Data
	op.lastClassification = read.Classification
	op.lastDeps = read.Deps
	c.logClassification(op.key, read.Classification)

	var out []Result
	outcome := outcomeFor(read.Classification)
	stale := read.Stale || read.Classification != readtrav.Hit

	emitCached := func() {
		out = append(out, Result{
			Kind: Emission, OperationKey: op.key, Data: read.Data,
			Stale: stale, CacheOutcome: outcome,
		})
	}

	covered := c.coveredByOptimisticLayer(read.Deps)

	switch op.requestPolicy {
	case CacheOnly:
		emitCached()
	case CacheAndNetwork:
		emitCached()
		out = append(out, Result{Kind: Forward, OperationKey: op.key, RequestPolicy: NetworkOnly})
	case NetworkOnly:
		out = append(out, Result{Kind: Forward, OperationKey: op.key, RequestPolicy: NetworkOnly})
	default: // CacheFirst
		if read.Classification == readtrav.Hit {
			emitCached()
			break
		}
		emitCached()
		if covered {
			// An in-flight optimistic mutation already covers these
			// dependencies, so the operation is not forwarded. No Forward is
			// issued for it later either: once that mutation's layer is
			// committed or discarded, the operation is only re-read from the
			// cache through reexecuteAffected.
			break
		}
		out = append(out, Result{Kind: Forward, OperationKey: op.key, RequestPolicy: CacheFirst})
	}

	return out
}

func (c *Cache) coveredByOptimisticLayer(deps map[store.FieldRef]struct{}) bool {
	for _, touched := range c.optimisticTouched {
		for ref := range deps {
			if _, ok := touched[ref]; ok {
				return true
			}
		}
	}
	return false
}

func (c *Cache) onMutationOperation(op *pendingOp) []Result {
	op.layerName = op.key

	hasOptimistic := false
	for _, f := range op.info.RootSelections {
		if _, ok := c.opts.Optimistic[f.FieldName]; ok {
			hasOptimistic = true
			break
		}
	}

	var out []Result
	if hasOptimistic {
		layer := c.store.PushOptimistic(op.key)
		txn := c.store.Begin(layer)
		c.currentTxn = txn
		res := c.write.WriteOptimistic(txn, op.info, op.variables)
		c.currentTxn = nil
		txn.Commit()

		c.optimisticTouched[op.key] = res.Touched
		out = append(out, c.reexecuteAffected(res.Touched, res.InvalidatedTypes, op.key)...)
	}

	out = append(out, Result{Kind: Forward, OperationKey: op.key, RequestPolicy: NetworkOnly})
	return out
}

func (c *Cache) onResult(e ResultEvent) []Result {
	op, ok := c.pending[e.Key]
	if !ok {
		return nil
	}

	for _, ep := range e.ErrorPaths {
		c.store.MarkKnownNull(keygen.EntityKey(ep.Entity), keygen.FieldKey(ep.Field))
	}

	if e.Err != nil {
		c.logger.Log(logging.Debug, "operation result carried a network error",
			zap.String("operation", e.Key),
			zap.Error(cerrors.Wrap(cerrors.KindNetworkError, e.Err, e.Key)))
	}

	if e.Err != nil && op.kind == "mutation" {
		// Mutation error: drop the optimistic layer without applying the
		// real result. The set of dependent operations to reexecute is
		// exactly what the now-discarded layer had touched - re-deriving it
		// from op.info itself would walk the mutation's own (uninteresting)
		// root shape instead of the entities the optimistic write actually
		// affected.
		touched := c.optimisticTouched[op.layerName]
		c.store.DiscardLayer(op.layerName)
		delete(c.optimisticTouched, op.layerName)
		out := c.reexecuteAffected(touched, nil, op.key)
		return append(out, Result{Kind: Emission, OperationKey: op.key, Err: e.Err, CacheOutcome: OutcomeUnset})
	}

	layer := c.layerFor(op, e.HasNext)
	txn := c.store.Begin(layer)
	c.currentTxn = txn
	res := c.write.Write(txn, op.info, e.Data, op.variables, e.HasNext)
	c.currentTxn = nil
	txn.Commit()

	switch op.kind {
	case "mutation":
		c.store.CommitLayer(op.layerName)
		delete(c.optimisticTouched, op.layerName)
	case "query":
		// layerFor already decided base-vs-commutative landing; cascade any
		// commutative layer that was waiting on this result only now that
		// this result's own write has landed, so a stale queued layer never
		// wins over fresher data.
		if layer.Kind == store.LayerBase {
			c.store.CascadeCommutative()
		}
	case "subscription":
		// A subscription's layer stays alive across patches; it is only
		// retired on teardown.
	}

	out := c.reexecuteAffected(res.Touched, res.InvalidatedTypes, op.key)

	// Re-read the originating operation's own data from the cache so
	// resolvers/normalization apply consistently.
	fresh := c.read.Read(op.key, op.info, op.variables)
	c.deps.Register(depindex.OperationKey(op.key), depindex.Registration{Deps: fresh.Deps, Types: fresh.Types})
	op.lastData = fresh.Data
	op.lastClassification = fresh.Classification
	op.lastDeps = fresh.Deps
	c.logClassification(op.key, fresh.Classification)

	return append(out, Result{
		Kind: Emission, OperationKey: op.key, Data: fresh.Data, Err: e.Err,
		HasNext: e.HasNext, Stale: fresh.Stale, CacheOutcome: OutcomeUnset,
	})
}

// layerFor decides which layer a result's write traversal should target:
// a mutation's real result always targets its own optimistic (or a
// synthesized) layer so CommitLayer can squash it
// afterward; a subscription keeps its own top-of-stack layer; a query
// lands through the commutative-ordering decision in
// Store.LayerForQueryResult.
func (c *Cache) layerFor(op *pendingOp, hasNext bool) *store.Layer {
	switch op.kind {
	case "mutation":
		if op.layerName == "" {
			op.layerName = op.key
		}
		if l, ok := c.store.GetLayer(op.layerName); ok {
			return l
		}
		return c.store.PushOptimistic(op.layerName)
	case "subscription":
		return c.store.PushSubscription(op.layerName)
	default:
		return c.store.LayerForQueryResult(op.key, op.issueOrder)
	}
}

func (c *Cache) onTeardown(e TeardownEvent) []Result {
	op, ok := c.pending[e.Key]
	if !ok {
		return nil
	}
	c.deps.Forget(depindex.OperationKey(e.Key))
	c.read.Forget(e.Key)
	if op.kind == "mutation" {
		if _, live := c.store.GetLayer(op.layerName); live {
			// A pending optimistic mutation is not cancellable mid-flight -
			// its pending row and optimisticTouched entry stay so that its
			// own result(res)/error event still commits/discards the layer.
			return nil
		}
	}
	delete(c.optimisticTouched, e.Key)
	if op.layerName != "" {
		// Only a subscription's owned layer is collapsed on teardown.
		if op.kind == "subscription" {
			c.store.CollapseIntoBase(op.layerName)
		}
	}
	delete(c.pending, e.Key)
	return nil
}

// reexecuteAffected re-reads every operation the Dependency Index reports
// as affected by touched/invalidatedTypes (excluding exceptKey, the
// operation that caused the write) and emits a Result for each whose
// output actually changed.
func (c *Cache) reexecuteAffected(touched map[store.FieldRef]struct{}, invalidatedTypes map[string]struct{}, exceptKey string) []Result {
	if len(invalidatedTypes) > 0 {
		c.store.MarkTypesStale(invalidatedTypes)
	}
	if len(touched) == 0 && len(invalidatedTypes) == 0 {
		return nil
	}

	affected := c.deps.AffectedBy(touched, invalidatedTypes)
	var out []Result
	for _, opKey := range affected {
		if string(opKey) == exceptKey {
			continue
		}
		op, ok := c.pending[string(opKey)]
		if !ok {
			continue
		}
		if r, ok := c.reexecute(op); ok {
			out = append(out, r)
		}
	}
	return out
}

// reexecute re-runs op's read traversal and reports a Result only if the
// output actually changed from what was last emitted for it - comparing
// by reference rather than by value, since internal/readtrav already
// performed the real (go-cmp-based) equality check and returns the same
// object back when nothing changed.
func (c *Cache) reexecute(op *pendingOp) (Result, bool) {
	read := c.read.Read(op.key, op.info, op.variables)
	c.deps.Register(depindex.OperationKey(op.key), depindex.Registration{Deps: read.Deps, Types: read.Types})
	c.logClassification(op.key, read.Classification)

	unchanged := sameReference(read.Data, op.lastData) && read.Classification == op.lastClassification
	stillStuck := op.reexecutionsBlocked && (read.Classification == readtrav.Partial || read.Classification == readtrav.Miss)

	op.lastData = read.Data
	op.lastClassification = read.Classification
	op.lastDeps = read.Deps

	if unchanged || stillStuck {
		// Loop protection: a dependent read that keeps coming back
		// partial/miss with nothing new to show is not re-emitted past the
		// first time, until a write actually changes one of its
		// dependencies (reexecuteAffected only calls here when one did).
		if read.Classification == readtrav.Partial || read.Classification == readtrav.Miss {
			op.reexecutionsBlocked = true
		}
		return Result{}, false
	}

	op.reexecutionsBlocked = read.Classification == readtrav.Partial || read.Classification == readtrav.Miss

	return Result{
		Kind: Emission, OperationKey: op.key, Data: read.Data,
		Stale: read.Stale || read.Classification != readtrav.Hit,
		CacheOutcome: outcomeFor(read.Classification),
	}, true
}

// logClassification emits a debug-level structured log line tagged with
// the error-taxonomy Kind matching a non-Hit read, so a host wiring this
// cache's Logger into its own observability stack can alert on cache
// misses/partials the same way it would any other tagged error.
func (c *Cache) logClassification(opKey string, classification readtrav.Classification) {
	switch classification {
	case readtrav.Miss:
		c.logger.Log(logging.Debug, "operation read missed the cache",
			zap.String("operation", opKey), zap.String("kind", string(cerrors.KindCacheMiss)))
	case readtrav.Partial:
		c.logger.Log(logging.Debug, "operation read only partially hit the cache",
			zap.String("operation", opKey), zap.String("kind", string(cerrors.KindPartialResult)))
	}
}

func outcomeFor(c readtrav.Classification) CacheOutcome {
	switch c {
	case readtrav.Hit:
		return OutcomeHit
	case readtrav.Partial:
		return OutcomePartial
	default:
		return OutcomeMiss
	}
}

// sameReference reports whether a and b are the identical map/slice
// instance - Go maps and slices are not comparable with ==, so identity is
// read off the reflect.Value's data pointer instead, the idiomatic way to
// ask "same instance" rather than "equal value" (equal-value comparison is
// already internal/readtrav's job, via go-cmp, before a result ever
// reaches here).
func sameReference(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		return va.Pointer() == vb.Pointer()
	default:
		return a == b
	}
}

func (c *Cache) keyOf(obj map[string]interface{}) (keygen.EntityKey, bool) {
	typename, _ := obj["__typename"].(string)
	key, embedded := keygen.KeyOf(typename, obj, c.opts.Keys)
	return key, !embedded
}

// resolveEntity normalizes the many shapes the mediated API accepts in
// place of a bare EntityKey.
func (c *Cache) resolveEntity(v interface{}) (keygen.EntityKey, bool) {
	switch t := v.(type) {
	case keygen.EntityKey:
		return t, true
	case string:
		return keygen.EntityKey(t), true
	case map[string]interface{}:
		return c.keyOf(t)
	default:
		return "", false
	}
}

func (c *Cache) afterWrite(touched map[store.FieldRef]struct{}, invalidatedTypes map[string]struct{}, exceptKey string) {
	c.reexecuteAffected(touched, invalidatedTypes, exceptKey)
}
