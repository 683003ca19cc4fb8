package graphcache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/brain2cache/graphcache/internal/cacheapi"
	"github.com/brain2cache/graphcache/internal/writetrav"
)

func mustParse(src string) (*ast.QueryDocument, *ast.OperationDefinition) {
	doc, err := parser.ParseQuery(&ast.Source{Input: src})
	if err != nil {
		panic(err)
	}
	return doc, doc.Operations[0]
}

func issue(c *Cache, key, src string, policy RequestPolicy) []Result {
	doc, op := mustParse(src)
	return c.Dispatch(OperationEvent{Key: key, Document: doc, Operation: op, RequestPolicy: policy})
}

func deliver(c *Cache, key string, data map[string]interface{}) []Result {
	return c.Dispatch(ResultEvent{Key: key, Data: data})
}

func deliverErr(c *Cache, key string, err error) []Result {
	return c.Dispatch(ResultEvent{Key: key, Err: err})
}

func findEmission(results []Result, key string) (Result, bool) {
	for _, r := range results {
		if r.Kind == Emission && r.OperationKey == key {
			return r, true
		}
	}
	return Result{}, false
}

func countEmissions(results []Result, key string) int {
	n := 0
	for _, r := range results {
		if r.Kind == Emission && r.OperationKey == key {
			n++
		}
	}
	return n
}

func countForwards(results []Result, key string) int {
	n := 0
	for _, r := range results {
		if r.Kind == Forward && r.OperationKey == key {
			n++
		}
	}
	return n
}

// S1 Basic hit.
func TestDispatch_S1_BasicHit(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	const src = `query { author { id name } }`
	issue(c, "op1", src, CacheFirst)
	out := deliver(c, "op1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "123", "name": "A"},
	})
	first, ok := findEmission(out, "op1")
	require.True(t, ok)

	out2 := issue(c, "op1", src, CacheOnly)
	second, ok := findEmission(out2, "op1")
	require.True(t, ok)
	assert.Equal(t, OutcomeHit, second.CacheOutcome)
	assert.True(t, sameReference(first.Data, second.Data), "second emission reuses the first emission's data by reference")
}

// S2 Cache-only miss.
func TestDispatch_S2_CacheOnlyMiss(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	out := issue(c, "op1", `query { author { id name } }`, CacheOnly)
	res, ok := findEmission(out, "op1")
	require.True(t, ok)
	assert.Nil(t, res.Data)
	assert.Equal(t, OutcomeMiss, res.CacheOutcome)
	assert.Equal(t, 0, countForwards(out, "op1"))
}

// S3 Related update: a write through a second operation's shape
// reexecutes the first exactly once, with the updated value visible.
func TestDispatch_S3_RelatedUpdateReexecutesExactlyOnce(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	issue(c, "op1", `query { author { id name } }`, CacheFirst)
	deliver(c, "op1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "123", "name": "X"},
	})

	issue(c, "op2", `query { authors { id name } }`, CacheFirst)
	out := deliver(c, "op2", map[string]interface{}{
		"authors": []interface{}{
			map[string]interface{}{"__typename": "Author", "id": "123", "name": "Y"},
		},
	})

	assert.Equal(t, 1, countEmissions(out, "op1"), "op1 must be reexecuted exactly once")
	reexec, ok := findEmission(out, "op1")
	require.True(t, ok)
	data := reexec.Data.(map[string]interface{})
	author := data["author"].(map[string]interface{})
	assert.Equal(t, "Y", author["name"])
}

func renamedAuthor(name string) OptimisticFunc {
	return func(args map[string]interface{}, api cacheapi.API, info writetrav.Info) interface{} {
		return map[string]interface{}{"__typename": "Author", "id": "123", "name": name}
	}
}

// S4 Optimistic replace.
func TestDispatch_S4_OptimisticReplace(t *testing.T) {
	c, err := New(Options{
		Optimistic: map[string]OptimisticFunc{
			"renameAuthor": renamedAuthor("OFFLINE"),
		},
	})
	require.NoError(t, err)

	queryOut := issue(c, "q1", `query { author { id name } }`, CacheFirst)
	deliver(c, "q1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "123", "name": "A"},
	})

	mutOut := issue(c, "m1", `mutation { renameAuthor(id: "123") { id name } }`, CacheFirst)
	reexec, ok := findEmission(mutOut, "q1")
	require.True(t, ok, "optimistic write must reexecute the dependent query")
	data := reexec.Data.(map[string]interface{})
	assert.Equal(t, "OFFLINE", data["author"].(map[string]interface{})["name"])

	resultOut := deliver(c, "m1", map[string]interface{}{
		"renameAuthor": map[string]interface{}{"__typename": "Author", "id": "123", "name": "ONLINE"},
	})
	reexec2, ok := findEmission(resultOut, "q1")
	require.True(t, ok, "real mutation result must reexecute the dependent query again")
	data2 := reexec2.Data.(map[string]interface{})
	assert.Equal(t, "ONLINE", data2["author"].(map[string]interface{})["name"])

	totalForwards := countForwards(queryOut, "q1")
	assert.Equal(t, 1, totalForwards, "the query forwards to the network exactly once")
}

// S5 Optimistic error rollback.
func TestDispatch_S5_OptimisticErrorRollback(t *testing.T) {
	c, err := New(Options{
		Optimistic: map[string]OptimisticFunc{
			"renameAuthor": renamedAuthor("OFFLINE"),
		},
	})
	require.NoError(t, err)

	issue(c, "q1", `query { author { id name } }`, CacheFirst)
	deliver(c, "q1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "123", "name": "A"},
	})

	issue(c, "m1", `mutation { renameAuthor(id: "123") { id name } }`, CacheFirst)

	out := deliverErr(c, "m1", errors.New("network down"))
	reexec, ok := findEmission(out, "q1")
	require.True(t, ok, "discarding the optimistic layer must reexecute the dependent query")
	data := reexec.Data.(map[string]interface{})
	assert.Equal(t, "A", data["author"].(map[string]interface{})["name"], "rolled back to the pre-mutation value")
}

// S6 Commutative out-of-order arrival.
func TestDispatch_S6_CommutativeOutOfOrder(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	const src = `query { thing { id index } }`
	issue(c, "op1", src, NetworkOnly)
	issue(c, "op2", src, NetworkOnly)
	issue(c, "op3", src, NetworkOnly)

	out2 := deliver(c, "op2", map[string]interface{}{
		"thing": map[string]interface{}{"__typename": "Thing", "id": "1", "index": float64(2)},
	})
	own2, ok := findEmission(out2, "op2")
	require.True(t, ok)
	assert.Equal(t, float64(2), own2.Data.(map[string]interface{})["thing"].(map[string]interface{})["index"],
		"the earliest-arriving result is still visible on its own emission before its predecessors land")

	deliver(c, "op1", map[string]interface{}{
		"thing": map[string]interface{}{"__typename": "Thing", "id": "1", "index": float64(1)},
	})

	out3 := deliver(c, "op3", map[string]interface{}{
		"thing": map[string]interface{}{"__typename": "Thing", "id": "1", "index": float64(3)},
	})
	own3, ok := findEmission(out3, "op3")
	require.True(t, ok)
	assert.Equal(t, float64(3), own3.Data.(map[string]interface{})["thing"].(map[string]interface{})["index"],
		"the final observed value matches the last-issued operation's result")
}

// S7 Partial with schema.
func TestDispatch_S7_PartialWithSchema(t *testing.T) {
	schema := NewIntrospectionSchema(map[string]map[string]bool{
		"Todo": {"completed": true, "author": true},
	})
	c, err := New(Options{Schema: schema})
	require.NoError(t, err)

	issue(c, "op1", `query { todos { id text } }`, CacheFirst)
	deliver(c, "op1", map[string]interface{}{
		"todos": []interface{}{
			map[string]interface{}{"__typename": "Todo", "id": "1", "text": "buy milk"},
		},
	})

	out := issue(c, "op2", `query { todos { id text completed author } }`, CacheFirst)
	res, ok := findEmission(out, "op2")
	require.True(t, ok)
	assert.Equal(t, OutcomePartial, res.CacheOutcome)
	assert.True(t, res.Stale)
	todos := res.Data.(map[string]interface{})["todos"].([]interface{})
	todo := todos[0].(map[string]interface{})
	assert.Nil(t, todo["completed"])
	assert.Nil(t, todo["author"])
	assert.Equal(t, 1, countForwards(out, "op2"))

	// A write that doesn't touch any of op2's dependencies must not
	// reexecute it - reexecution is capped at the one emission above.
	issue(c, "op3", `query { author { id name } }`, CacheFirst)
	outUnrelated := deliver(c, "op3", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "999", "name": "Z"},
	})
	assert.Equal(t, 0, countEmissions(outUnrelated, "op2"))
}

// S8 Loop blocked.
func TestDispatch_S8_LoopBlocked(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	issue(c, "op1", `query { author { id } }`, CacheFirst)
	deliver(c, "op1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1"},
	})

	out := issue(c, "op2", `query { author { id ssn @_required } }`, CacheFirst)
	res, ok := findEmission(out, "op2")
	require.True(t, ok)
	assert.Equal(t, OutcomeMiss, res.CacheOutcome)

	// A new Author instance flags the whole type stale, so op2 IS picked up
	// by AffectedBy and its read traversal does run again - but ssn is still
	// never written, so the reread comes back the same nil/Miss it was
	// before, and reexecute's unchanged-output check suppresses the
	// emission (loop protection).
	issue(c, "op3", `query { author { id } }`, CacheFirst)
	outUnrelated := deliver(c, "op3", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "2"},
	})
	assert.Equal(t, 0, countEmissions(outUnrelated, "op2"))
}

// Testable property 4: mutation neutrality - an updater that rewrites the
// same values must not cause any reexecution.
func TestDispatch_MutationNeutrality_NoChangeNoReexecution(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	issue(c, "q1", `query { author { id name } }`, CacheFirst)
	deliver(c, "q1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "123", "name": "A"},
	})

	issue(c, "m1", `mutation { renameAuthor(id: "123") { id name } }`, CacheFirst)
	out := deliver(c, "m1", map[string]interface{}{
		"renameAuthor": map[string]interface{}{"__typename": "Author", "id": "123", "name": "A"},
	})
	assert.Equal(t, 0, countEmissions(out, "q1"), "rewriting identical values must not reexecute a dependent query")
}

// Testable property: idempotence - writing the same result twice emits the
// second read as a reference-identical hit.
func TestDispatch_Idempotence(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	issue(c, "op1", `query { author { id name } }`, NetworkOnly)
	out1 := deliver(c, "op1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1", "name": "Ada"},
	})
	res1, ok := findEmission(out1, "op1")
	require.True(t, ok)

	issue(c, "op1", `query { author { id name } }`, NetworkOnly)
	out2 := deliver(c, "op1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1", "name": "Ada"},
	})
	res2, ok := findEmission(out2, "op1")
	require.True(t, ok)

	assert.True(t, sameReference(res1.Data, res2.Data), "second write's emission reuses the first emission's data by reference")
}

// TeardownEvent retires an operation's tracking so later unrelated writes
// never attempt to reexecute it.
func TestDispatch_Teardown_StopsReexecution(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	issue(c, "op1", `query { author { id name } }`, CacheFirst)
	deliver(c, "op1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1", "name": "A"},
	})

	c.Dispatch(TeardownEvent{Key: "op1"})

	issue(c, "op2", `query { authors { id name } }`, CacheFirst)
	out := deliver(c, "op2", map[string]interface{}{
		"authors": []interface{}{
			map[string]interface{}{"__typename": "Author", "id": "1", "name": "B"},
		},
	})
	assert.Equal(t, 0, countEmissions(out, "op1"), "a torn-down operation is never reexecuted")
}

// An updater invoked mid-write is the one place the mediated cacheapi.API
// is called while the Cache's own write Txn is still open. Every read
// method on that API must route through the open transaction instead of
// the Store directly, or the call would self-deadlock the goroutine on a
// non-reentrant RWMutex. This test would hang forever if that routing
// ever regressed.
func TestDispatch_UpdaterReadsMidWrite(t *testing.T) {
	var resolved interface{}
	var inspected []string
	var queried interface{}

	c, err := New(Options{
		Updates: map[string]UpdaterFunc{
			"Mutation.renameAuthor": func(result interface{}, args map[string]interface{}, api cacheapi.API, info writetrav.Info) {
				resolved = api.Resolve("Author:123", "name", nil)
				inspected = api.InspectFields("Author:123")

				doc, op := mustParse(`query { author { id name } }`)
				queried = api.ReadQuery(doc, op, nil)

				api.Invalidate("Author:123", "name", nil)
			},
		},
	})
	require.NoError(t, err)

	issue(c, "q1", `query { author { id name } }`, CacheFirst)
	deliver(c, "q1", map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "123", "name": "A"},
	})

	issue(c, "m1", `mutation { renameAuthor(id: "123") { id name } }`, CacheFirst)
	out := deliver(c, "m1", map[string]interface{}{
		"renameAuthor": map[string]interface{}{"__typename": "Author", "id": "123", "name": "B"},
	})

	assert.Equal(t, "B", resolved, "Resolve mid-write must see this same write's own not-yet-committed value")
	assert.Contains(t, inspected, "name")
	require.NotNil(t, queried)
	data := queried.(map[string]interface{})
	assert.Equal(t, "B", data["author"].(map[string]interface{})["name"])

	reexec, ok := findEmission(out, "q1")
	require.True(t, ok, "the Invalidate issued from inside the updater must still reexecute q1")
	assert.Nil(t, reexec.Data.(map[string]interface{})["author"].(map[string]interface{})["name"])
}
