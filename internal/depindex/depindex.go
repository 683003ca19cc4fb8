// Package depindex implements the Dependency Index & Reexecution
// bookkeeping: which operations last read which (entity,field) slots or
// entity types, and per-operation generation counters (Bump/Stale). The
// root package's Operation Controller does not call Bump or Stale; its
// loop protection compares each reexecuted read with the previous one.
//
// Grounded on backend's application/projections.ProjectionRegistry - a
// registry mapping "what changed" to "who cares", rebuilt each time its
// subject's state moves - generalized here from event-type keys to the
// cache's (entity,field)/typename keys.
package depindex

import (
	"sync"

	"github.com/brain2cache/graphcache/internal/store"
)

// OperationKey identifies one in-flight operation, as assigned by the
// Operation Controller.
type OperationKey string

// Registration is what a read traversal produced for one operation: the
// dependency slots and entity types its output was built from.
type Registration struct {
	Deps  map[store.FieldRef]struct{}
	Types map[string]struct{}
}

// Index tracks, for every currently-registered operation, the
// dependency/type set its most recent read touched, plus a generation
// counter per operation for reexecution loop protection.
type Index struct {
	mu          sync.Mutex
	regs        map[OperationKey]Registration
	generations map[OperationKey]int
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		regs:        make(map[OperationKey]Registration),
		generations: make(map[OperationKey]int),
	}
}

// Register records op's dependency/type set, replacing whatever was
// recorded for it before - an operation depends only on what its most
// recent read actually touched, not a union across every read it has
// ever had (a field dropped from a resolved selection should stop
// triggering reexecution for it).
func (i *Index) Register(op OperationKey, reg Registration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.regs[op] = reg
}

// Forget drops op's registration and generation counter entirely.
func (i *Index) Forget(op OperationKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.regs, op)
	delete(i.generations, op)
}

// AffectedBy returns every registered operation whose last-read deps
// intersect touchedFields or whose types intersect touchedTypes, in
// unspecified order.
func (i *Index) AffectedBy(touchedFields map[store.FieldRef]struct{}, touchedTypes map[string]struct{}) []OperationKey {
	i.mu.Lock()
	defer i.mu.Unlock()

	var affected []OperationKey
	for op, reg := range i.regs {
		if intersectsFields(reg.Deps, touchedFields) || intersectsTypes(reg.Types, touchedTypes) {
			affected = append(affected, op)
		}
	}
	return affected
}

func intersectsFields(a, b map[store.FieldRef]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func intersectsTypes(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// Bump increments op's generation counter and returns the new value, for
// tagging a reexecute request so Stale can later tell whether it has been
// superseded.
func (i *Index) Bump(op OperationKey) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.generations[op]++
	return i.generations[op]
}

// Stale reports whether generation g has since been superseded by a
// later Bump for op - a request tagged g should be dropped rather than
// processed ("a reexecute for generation g is ignored if op has already
// observed a later generation").
func (i *Index) Stale(op OperationKey, g int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.generations[op] > g
}
