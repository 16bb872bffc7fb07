package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
)

func newTestStore(t *testing.T) *MemStore {
	t.Helper()
	s, err := NewMemStore()
	require.NoError(t, err)
	return s
}

func TestAllocateInternalKeyIsSequentialPerEntity(t *testing.T) {
	s := newTestStore(t)
	a, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	b, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	c, err := s.AllocateInternalKey("order")
	require.NoError(t, err)

	assert.Equal(t, int64(0), a.Value)
	assert.Equal(t, int64(1), b.Value)
	assert.Equal(t, int64(0), c.Value)
}

func TestKeyUniquenessInvariant(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(ik, "acct", "A1"))

	found, ok, err := s.LookupInternalKey("customer", "acct", "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ik, found)

	fk, ok, err := s.LookupForeignKey(ik, "acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A1", fk)
}

func TestRecordForeignKeyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(ik, "acct", "A1"))
	require.NoError(t, s.RecordForeignKey(ik, "acct", "A1"))
}

func TestRecordForeignKeyConflict(t *testing.T) {
	s := newTestStore(t)
	ik1, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	ik2, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)

	require.NoError(t, s.RecordForeignKey(ik1, "acct", "A1"))
	err = s.RecordForeignKey(ik2, "acct", "A1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestBaselineLifecycle(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)

	_, ok, err := s.GetBaseline(ik)
	require.NoError(t, err)
	assert.False(t, ok)

	doc := document.New(map[string]string{"name": "Alice"})
	require.NoError(t, s.PutBaseline(ik, doc))

	got, ok, err := s.GetBaseline(ik)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, doc.Equal(got))

	require.NoError(t, s.DeleteBaseline(ik))
	_, ok, err = s.GetBaseline(ik)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiffRecordAndNotificationConservation(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)

	applied := diffop.Diff{Label: diffop.Label{Source: "merged"}}
	rejected := []diffop.Diff{{Label: diffop.Label{Source: "acct"}, Operations: []diffop.Operation{
		{Kind: diffop.Insert, Path: document.Path{"tier"}, NewValue: "gold"},
	}}}

	id, err := s.RecordDiffs(ik, applied, rejected)
	require.NoError(t, err)
	require.NoError(t, s.RecordNotification(ik, id))

	ids, err := s.ListDiffIDs(ik)
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	rec, ok, err := s.GetDiff(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ik, rec.Key)
	assert.Len(t, rec.Rejected, 1)

	remaining, notifications, err := s.FetchNotifications(10)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	require.Len(t, notifications, 1)
	assert.Equal(t, id, notifications[0].DiffID)

	// Never returns the same notification twice.
	remaining, notifications, err = s.FetchNotifications(10)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Empty(t, notifications)
}

func TestFetchNotificationsOrderAndRemaining(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)

	var ids []DiffID
	for i := 0; i < 5; i++ {
		id, err := s.RecordDiffs(ik, diffop.Diff{}, nil)
		require.NoError(t, err)
		require.NoError(t, s.RecordNotification(ik, id))
		ids = append(ids, id)
	}

	remaining, notifications, err := s.FetchNotifications(2)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
	require.Len(t, notifications, 2)
	assert.Equal(t, ids[0], notifications[0].DiffID)
	assert.Equal(t, ids[1], notifications[1].DiffID)
}

func TestListAllDiffsSpansAllKeys(t *testing.T) {
	s := newTestStore(t)
	ik1, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	ik2, err := s.AllocateInternalKey("order")
	require.NoError(t, err)

	id1, err := s.RecordDiffs(ik1, diffop.Diff{}, nil)
	require.NoError(t, err)
	id2, err := s.RecordDiffs(ik2, diffop.Diff{}, nil)
	require.NoError(t, err)

	all, err := s.ListAllDiffs()
	require.NoError(t, err)
	ids := make([]DiffID, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.ID)
	}
	assert.ElementsMatch(t, []DiffID{id1, id2}, ids)
}

func TestDeleteInternalKeyCascades(t *testing.T) {
	s := newTestStore(t)
	ik, err := s.AllocateInternalKey("customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(ik, "acct", "A1"))
	require.NoError(t, s.PutBaseline(ik, document.New(map[string]string{"name": "Alice"})))
	id, err := s.RecordDiffs(ik, diffop.Diff{}, []diffop.Diff{{Operations: []diffop.Operation{
		{Kind: diffop.Insert, Path: document.Path{"x"}, NewValue: "y"},
	}}})
	require.NoError(t, err)
	require.NoError(t, s.RecordNotification(ik, id))

	require.NoError(t, s.DeleteInternalKey(ik))

	_, ok, err := s.LookupInternalKey("customer", "acct", "A1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetBaseline(ik)
	require.NoError(t, err)
	assert.False(t, ok)

	diffIDs, err := s.ListDiffIDs(ik)
	require.NoError(t, err)
	assert.Empty(t, diffIDs)

	remaining, notifications, err := s.FetchNotifications(10)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Empty(t, notifications)
}
