package readtrav

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/brain2cache/graphcache/internal/cacheapi"
	"github.com/brain2cache/graphcache/internal/document"
	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/brain2cache/graphcache/internal/store"
	"github.com/brain2cache/graphcache/internal/writetrav"
)

type stubAPI struct{}

func (stubAPI) WriteFragment(*ast.FragmentDefinition, map[string]interface{}, map[string]interface{}) {
}
func (stubAPI) UpdateQuery(*ast.QueryDocument, *ast.OperationDefinition, map[string]interface{}, func(interface{}) interface{}) {
}
func (stubAPI) Invalidate(interface{}, string, map[string]interface{}) {}
func (stubAPI) ReadFragment(*ast.FragmentDefinition, keygen.EntityKey, map[string]interface{}) interface{} {
	return nil
}
func (stubAPI) ReadQuery(*ast.QueryDocument, *ast.OperationDefinition, map[string]interface{}) interface{} {
	return nil
}
func (stubAPI) Resolve(interface{}, string, map[string]interface{}) interface{} { return nil }
func (stubAPI) InspectFields(string) []string                                  { return nil }
func (stubAPI) KeyOfEntity(map[string]interface{}) (keygen.EntityKey, bool)     { return "", false }

var _ cacheapi.API = stubAPI{}

func analyze(t *testing.T, src string) *document.DocumentInfo {
	t.Helper()
	doc, err := parser.ParseQuery(&ast.Source{Input: src})
	require.Nil(t, err)
	a := document.New()
	return a.Analyze(doc, doc.Operations[0])
}

func seed(t *testing.T, src string, data map[string]interface{}) *store.Store {
	t.Helper()
	info := analyze(t, src)
	st := store.New()
	wt := writetrav.New(writetrav.Config{}, stubAPI{}, nil)
	txn := st.Begin(st.Base())
	wt.Write(txn, info, data, nil, false)
	txn.Commit()
	return st
}

func TestRead_HitOnFullySatisfiedQuery(t *testing.T) {
	src := `query { author { id name } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1", "name": "Ada"},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	require.Equal(t, Hit, res.Classification)
	data := res.Data.(map[string]interface{})
	author := data["author"].(map[string]interface{})
	assert.Equal(t, "Ada", author["name"])
	assert.NotEmpty(t, res.Deps)
}

func TestRead_MissOnEmptyStore(t *testing.T) {
	info := analyze(t, `query { author { id } }`)
	st := store.New()
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	assert.Equal(t, Miss, res.Classification)
	assert.Nil(t, res.Data)
}

func TestRead_OptionalFieldMissingIsPartialNotMiss(t *testing.T) {
	src := `query { author { id nickname @_optional } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1"},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	require.Equal(t, Partial, res.Classification)
	data := res.Data.(map[string]interface{})
	author := data["author"].(map[string]interface{})
	assert.Nil(t, author["nickname"])
}

func TestRead_RequiredFieldMissingForcesEnclosingSelectionNull(t *testing.T) {
	src := `query { author { id ssn @_required } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1"},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	require.Equal(t, Miss, res.Classification)
}

func TestRead_ReferenceReuseAcrossCalls(t *testing.T) {
	src := `query { author { id name } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1", "name": "Ada"},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	first := tr.Read("op1", info, nil)
	second := tr.Read("op1", info, nil)

	firstData := first.Data.(map[string]interface{})
	secondData := second.Data.(map[string]interface{})
	assert.Equal(t, reflect.ValueOf(firstData["author"]).Pointer(), reflect.ValueOf(secondData["author"]).Pointer())
}

func TestRead_ChangedSubtreeGetsNewIdentityUnchangedSiblingKeepsOld(t *testing.T) {
	src := `query { author { id } post { id title } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1"},
		"post":   map[string]interface{}{"__typename": "Post", "id": "p1", "title": "v1"},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	first := tr.Read("op1", info, nil)

	wt := writetrav.New(writetrav.Config{}, stubAPI{}, nil)
	txn := st.Begin(st.Base())
	wt.Write(txn, info, map[string]interface{}{
		"post": map[string]interface{}{"__typename": "Post", "id": "p1", "title": "v2"},
	}, nil, false)
	txn.Commit()

	second := tr.Read("op1", info, nil)

	firstData := first.Data.(map[string]interface{})
	secondData := second.Data.(map[string]interface{})
	assert.Equal(t, reflect.ValueOf(firstData["author"]).Pointer(), reflect.ValueOf(secondData["author"]).Pointer(), "unchanged sibling keeps its prior identity")
	assert.NotEqual(t, reflect.ValueOf(firstData["post"]).Pointer(), reflect.ValueOf(secondData["post"]).Pointer(), "changed subtree produces a new object")
}

func TestRead_EntityList(t *testing.T) {
	src := `query { posts { id title } }`
	st := seed(t, src, map[string]interface{}{
		"posts": []interface{}{
			map[string]interface{}{"__typename": "Post", "id": "1", "title": "a"},
			map[string]interface{}{"__typename": "Post", "id": "2", "title": "b"},
		},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	require.Equal(t, Hit, res.Classification)
	data := res.Data.(map[string]interface{})
	posts := data["posts"].([]interface{})
	require.Len(t, posts, 2)
	assert.Equal(t, "a", posts[0].(map[string]interface{})["title"])
}

func TestRead_ResolverOverridesStoreValue(t *testing.T) {
	src := `query { author { id name } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1", "name": "Ada"},
	})
	info := analyze(t, src)
	cfg := Config{
		Resolvers: map[string]ResolverFunc{
			"Author.name": func(parentOrKey interface{}, args map[string]interface{}, api cacheapi.API, info Info) interface{} {
				return "Resolved"
			},
		},
	}
	tr := New(cfg, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	data := res.Data.(map[string]interface{})
	author := data["author"].(map[string]interface{})
	assert.Equal(t, "Resolved", author["name"])
}

func TestRead_StaleSignalFromInvalidatedType(t *testing.T) {
	src := `query { author { id } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1"},
	})
	st.MarkTypesStale(map[string]struct{}{"Author": {}})

	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	assert.True(t, res.Stale)
}

func TestRead_UntoleratedMissingFieldBubblesToMiss(t *testing.T) {
	src := `query { author { id missing } }`
	st := seed(t, src, map[string]interface{}{
		"author": map[string]interface{}{"__typename": "Author", "id": "1"},
	})
	info := analyze(t, src)
	tr := New(Config{}, st, stubAPI{}, nil)

	res := tr.Read("op1", info, nil)
	assert.Equal(t, Miss, res.Classification, "an un-tolerated missing field with no optional/required annotation still bubbles to miss")
}

// ReadWith must see writes still pending in an open, uncommitted Txn -
// the mediated cacheapi.API relies on this to answer a resolver or
// updater reading mid-transaction without ever touching the Store's own
// RLock.
func TestReadWith_SeesUncommittedTxnWrites(t *testing.T) {
	src := `query { author { id name } }`
	info := analyze(t, src)
	st := store.New()
	tr := New(Config{}, st, stubAPI{}, nil)

	txn := st.Begin(st.Base())
	defer txn.Discard()
	txn.WriteLink(info.RootKey, keygen.FieldKeyOf("author", nil, nil), "Author:1")
	txn.WriteRecord("Author:1", keygen.FieldKeyOf("id", nil, nil), "1")
	txn.WriteRecord("Author:1", keygen.FieldKeyOf("name", nil, nil), "Ada")
	txn.RegisterType("Author:1", "Author")

	res := tr.ReadWith(txn, "op1", info, nil)
	require.Equal(t, Hit, res.Classification)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, "Ada", data["author"].(map[string]interface{})["name"])
}
