// Package document implements the Document Analyzer (C3): it inlines
// fragments, dedupes repeated field selections, and annotates each
// selection with its type condition and @_optional/@_required/@defer
// directive flags, caching the result by the parsed operation's identity
// so a document analyzed once is never re-walked.
//
// Grounded on backend's application/loaders.Batcher for the
// "memoize-by-identity behind a mutex" shape, generalized here from a
// batched key->value loader to a plain identity cache since the analyzer
// has no I/O to batch.
package document

import (
	"sync"

	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/vektah/gqlparser/v2/ast"
)

// FieldInfo is one (possibly merged) selection in an analyzed document.
type FieldInfo struct {
	ResponseName string // alias, or Name if unaliased
	FieldName    string // the schema field name actually being selected
	Args         ast.ArgumentList

	TypeCondition string // runtime __typename this selection requires, "" if none
	Optional      bool   // this field's own @_optional
	Required      bool   // this field's own @_required
	AncestorOptional bool // an enclosing fragment/field was @_optional
	Defer         bool   // this selection (fragment spread/inline fragment) carries @defer

	Selections []*FieldInfo // nil for leaf (scalar) fields
}

// IsLeaf reports whether this field has no sub-selections.
func (f *FieldInfo) IsLeaf() bool { return len(f.Selections) == 0 }

// DocumentInfo is the Analyzer's cached output for one operation.
type DocumentInfo struct {
	OperationType string // "query" | "mutation" | "subscription"
	OperationName string
	RootKey       keygen.EntityKey
	RootSelections []*FieldInfo
	HasDefer      bool
	HasOptional   bool
	VariableDefaults map[string]interface{}
}

// Analyzer caches DocumentInfo by the identity of the parsed operation
// definition - analyzing the same parsed operation object twice (by
// pointer identity, not textual equality) always returns the same
// *DocumentInfo.
type Analyzer struct {
	mu    sync.RWMutex
	cache map[*ast.OperationDefinition]*DocumentInfo
}

// New creates an empty Analyzer.
func New() *Analyzer {
	return &Analyzer{cache: make(map[*ast.OperationDefinition]*DocumentInfo)}
}

// Analyze returns the cached DocumentInfo for op, computing and caching it
// on first use. doc supplies the fragment definitions op's spreads refer
// to.
func (a *Analyzer) Analyze(doc *ast.QueryDocument, op *ast.OperationDefinition) *DocumentInfo {
	a.mu.RLock()
	if info, ok := a.cache[op]; ok {
		a.mu.RUnlock()
		return info
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if info, ok := a.cache[op]; ok {
		return info
	}

	info := a.analyze(doc, op)
	a.cache[op] = info
	return info
}

func (a *Analyzer) analyze(doc *ast.QueryDocument, op *ast.OperationDefinition) *DocumentInfo {
	opType := string(op.Operation)
	if opType == "" {
		opType = "query"
	}

	info := &DocumentInfo{
		OperationType:    opType,
		OperationName:    op.Name,
		RootKey:          keygen.RootEntityKey(opType),
		VariableDefaults: variableDefaults(op.VariableDefinitions),
	}

	fields := a.walkSelectionSet(doc, op.SelectionSet, "", false)
	info.RootSelections = dedupe(fields)

	for _, f := range info.RootSelections {
		annotateDocFlags(f, info)
	}

	return info
}

// AnalyzeFragment flattens a bare fragment definition's own selection set
// the same way Analyze flattens an operation's - used by the mediated
// cache API's writeFragment/readFragment, which address a fragment
// directly rather than a whole operation.
func (a *Analyzer) AnalyzeFragment(doc *ast.QueryDocument, frag *ast.FragmentDefinition) []*FieldInfo {
	return dedupe(a.walkSelectionSet(doc, frag.SelectionSet, frag.TypeCondition, false))
}

func annotateDocFlags(f *FieldInfo, info *DocumentInfo) {
	if f.Defer {
		info.HasDefer = true
	}
	if f.Optional {
		info.HasOptional = true
	}
	for _, child := range f.Selections {
		annotateDocFlags(child, info)
	}
}

// walkSelectionSet flattens fields, inlines fragment spreads and inline
// fragments, and threads ancestorOptional down through them.
func (a *Analyzer) walkSelectionSet(doc *ast.QueryDocument, set ast.SelectionSet, typeCondition string, ancestorOptional bool) []*FieldInfo {
	var out []*FieldInfo

	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			fi := &FieldInfo{
				ResponseName:     responseName(s),
				FieldName:        s.Name,
				Args:             s.Arguments,
				TypeCondition:    typeCondition,
				Optional:         hasDirective(s.Directives, "_optional"),
				Required:         hasDirective(s.Directives, "_required"),
				AncestorOptional: ancestorOptional,
			}
			if s.SelectionSet != nil {
				childOptional := ancestorOptional || fi.Optional
				fi.Selections = dedupe(a.walkSelectionSet(doc, s.SelectionSet, "", childOptional))
			}
			out = append(out, fi)

		case *ast.FragmentSpread:
			if doc == nil {
				// No enclosing document to resolve the spread against -
				// happens when walking a bare fragment handed directly to
				// the mediated cache API's writeFragment/readFragment,
				// which carries no document of its own.
				continue
			}
			frag := doc.Fragments.ForName(s.Name)
			if frag == nil {
				continue
			}
			isDefer := hasDirective(s.Directives, "defer")
			isOptional := ancestorOptional || hasDirective(s.Directives, "_optional") || hasDirective(frag.Directives, "_optional")
			children := a.walkSelectionSet(doc, frag.SelectionSet, frag.TypeCondition, isOptional)
			if isDefer {
				markDefer(children)
			}
			out = append(out, children...)

		case *ast.InlineFragment:
			cond := typeCondition
			if s.TypeCondition != "" {
				cond = s.TypeCondition
			}
			isDefer := hasDirective(s.Directives, "defer")
			isOptional := ancestorOptional || hasDirective(s.Directives, "_optional")
			children := a.walkSelectionSet(doc, s.SelectionSet, cond, isOptional)
			if isDefer {
				markDefer(children)
			}
			out = append(out, children...)
		}
	}

	return out
}

func markDefer(fields []*FieldInfo) {
	for _, f := range fields {
		f.Defer = true
	}
}

func responseName(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

func hasDirective(directives ast.DirectiveList, name string) bool {
	return directives.ForName(name) != nil
}

// dedupe merges selections that share a ResponseName (the same field
// selected through more than one fragment), recursively merging their
// sub-selections.
func dedupe(fields []*FieldInfo) []*FieldInfo {
	if len(fields) == 0 {
		return nil
	}

	order := make([]string, 0, len(fields))
	byName := make(map[string]*FieldInfo, len(fields))
	childrenByName := make(map[string][]*FieldInfo)

	for _, f := range fields {
		existing, ok := byName[f.ResponseName]
		if !ok {
			order = append(order, f.ResponseName)
			byName[f.ResponseName] = f
			childrenByName[f.ResponseName] = append(childrenByName[f.ResponseName], f.Selections...)
			continue
		}
		// Required wins over optional when the same field is reached two ways.
		existing.Required = existing.Required || f.Required
		existing.Optional = (existing.Optional || f.Optional) && !existing.Required
		existing.Defer = existing.Defer && f.Defer
		childrenByName[f.ResponseName] = append(childrenByName[f.ResponseName], f.Selections...)
	}

	out := make([]*FieldInfo, 0, len(order))
	for _, name := range order {
		f := byName[name]
		if merged := childrenByName[name]; len(merged) > 0 {
			f.Selections = dedupe(merged)
		}
		out = append(out, f)
	}
	return out
}

func variableDefaults(defs ast.VariableDefinitionList) map[string]interface{} {
	result := make(map[string]interface{})
	for _, d := range defs {
		if d.DefaultValue == nil {
			continue
		}
		v, err := d.DefaultValue.Value(nil)
		if err != nil {
			continue
		}
		result[d.Variable] = v
	}
	return result
}
