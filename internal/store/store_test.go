package store

import (
	"testing"

	"github.com/brain2cache/graphcache/internal/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseWriteAndRead(t *testing.T) {
	s := New()
	txn := s.Begin(s.Base())
	txn.WriteRecord("Author:1", "name", "Ada")
	touched, types := txn.Commit()
	require.Len(t, touched, 1)
	require.Empty(t, types)

	v := s.ReadRecord("Author:1", "name")
	require.Equal(t, KindRecord, v.Kind)
	assert.Equal(t, "Ada", v.Scalar)
}

func TestReadUndefinedWhenNeverWritten(t *testing.T) {
	s := New()
	v := s.ReadRecord("Author:1", "name")
	assert.True(t, v.IsUndefined())
}

func TestOptimisticLayerShadowsBase(t *testing.T) {
	s := New()
	base := s.Begin(s.Base())
	base.WriteRecord("Author:1", "name", "A")
	base.Commit()

	opt := s.PushOptimistic("mut-1")
	txn := s.Begin(opt)
	txn.WriteRecord("Author:1", "name", "OFFLINE")
	txn.Commit()

	assert.Equal(t, "OFFLINE", s.ReadRecord("Author:1", "name").Scalar)

	s.CommitLayer("mut-1")
	assert.Equal(t, "OFFLINE", s.ReadRecord("Author:1", "name").Scalar, "commit squashes into base")
}

func TestOptimisticLayerDiscardRestoresBase(t *testing.T) {
	s := New()
	base := s.Begin(s.Base())
	base.WriteRecord("Author:1", "name", "A")
	base.Commit()

	opt := s.PushOptimistic("mut-1")
	txn := s.Begin(opt)
	txn.WriteRecord("Author:1", "name", "OFFLINE")
	txn.Commit()

	s.DiscardLayer("mut-1")
	assert.Equal(t, "A", s.ReadRecord("Author:1", "name").Scalar)
}

func TestCommutativeOutOfOrderArrival(t *testing.T) {
	// S6: queries issued 1,2,3; results arrive 2,1,3.
	s := New()
	o1 := s.NextOrder()
	o2 := s.NextOrder()
	o3 := s.NextOrder()
	require.Equal(t, []int{0, 1, 2}, []int{o1, o2, o3})

	// result for op2 arrives first - not next in line, gets its own
	// commutative layer rather than landing on base.
	l2 := s.LayerForQueryResult("op2", o2)
	require.NotSame(t, s.Base(), l2, "op2 is not next in line, gets its own layer")
	txn2 := s.Begin(l2)
	txn2.WriteRecord("Query", "index", 2.0)
	txn2.Commit()
	assert.Equal(t, 2.0, s.ReadRecord("Query", "index").Scalar, "op2's value visible immediately even though out of turn")

	// result for op1 arrives: it is next in line, writes straight to base.
	// Cascading op2 in is a separate step the caller performs once its own
	// write has landed - mirrors Cache.onResult's ordering.
	l1 := s.LayerForQueryResult("op1", o1)
	require.Same(t, s.Base(), l1)
	txn1 := s.Begin(l1)
	txn1.WriteRecord("Query", "index", 1.0)
	txn1.Commit()
	s.CascadeCommutative()

	assert.Equal(t, 2.0, s.ReadRecord("Query", "index").Scalar, "never regresses to op1's value")

	// result for op3 arrives in order.
	l3 := s.LayerForQueryResult("op3", o3)
	require.Same(t, s.Base(), l3)
	txn3 := s.Begin(l3)
	txn3.WriteRecord("Query", "index", 3.0)
	txn3.Commit()

	assert.Equal(t, 3.0, s.ReadRecord("Query", "index").Scalar)
}

func TestSubscriptionReadsAboveOptimistic(t *testing.T) {
	s := New()
	opt := s.PushOptimistic("mut-1")
	ot := s.Begin(opt)
	ot.WriteRecord("Author:1", "name", "OFFLINE")
	ot.Commit()

	sub := s.PushSubscription("sub-1")
	st := s.Begin(sub)
	st.WriteRecord("Author:1", "name", "LIVE")
	st.Commit()

	assert.Equal(t, "LIVE", s.ReadRecord("Author:1", "name").Scalar)

	s.DiscardLayer("mut-1")
	assert.Equal(t, "LIVE", s.ReadRecord("Author:1", "name").Scalar, "subscription write survives mutation rollback")
}

func TestInvalidateEntityClearsBaseFields(t *testing.T) {
	s := New()
	txn := s.Begin(s.Base())
	txn.WriteRecord("Author:1", "name", "Ada")
	txn.WriteRecord("Author:1", "email", "ada@example.com")
	txn.Commit()

	touched := s.InvalidateEntity("Author:1")
	assert.Len(t, touched, 2)
	assert.True(t, s.ReadRecord("Author:1", "name").IsUndefined())
	assert.True(t, s.ReadRecord("Author:1", "email").IsUndefined())
}

func TestGCDropsDeadEntities(t *testing.T) {
	s := New()
	txn := s.Begin(s.Base())
	txn.WriteRecord("Author:1", "name", "Ada")
	txn.Commit()
	s.RegisterType("Author:1", "Author")

	s.GC(map[keygen.EntityKey]struct{}{})
	assert.True(t, s.ReadRecord("Author:1", "name").IsUndefined())
	assert.Empty(t, s.EntitiesOfType("Author"))
}

func TestGCKeepsLiveEntities(t *testing.T) {
	s := New()
	txn := s.Begin(s.Base())
	txn.WriteRecord("Author:1", "name", "Ada")
	txn.Commit()
	s.RegisterType("Author:1", "Author")

	s.GC(map[keygen.EntityKey]struct{}{"Author:1": {}})
	assert.Equal(t, "Ada", s.ReadRecord("Author:1", "name").Scalar)
}
