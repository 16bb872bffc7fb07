// Package store defines the persistence contract the Reconciler and
// Dispatcher depend on (spec.md §4.5) and a reference in-memory
// implementation built on an embedded transactional database, following
// the same collection-over-one-shared-database shape the teacher lineage's
// in-memory state representation uses (see pkg/state/state.go in the
// teacher repo: one *memdb.MemDB shared by every collection type). A
// relational backend can satisfy ReadOnlyStore/ReadWriteStore without the
// Reconciler changing.
package store

import (
	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/keys"
)

// DiffID is a stable identifier for a persisted DiffRecord.
type DiffID string

// NotificationID is a stable identifier for a persisted Notification.
type NotificationID string

// DiffRecord is the persisted tuple (DiffID, InternalKey, applied, rejected)
// of spec.md §3.
type DiffRecord struct {
	ID       DiffID
	Key      keys.InternalKey
	Applied  diffop.Diff
	Rejected []diffop.Diff
}

// Notification is the persisted record (InternalKey, DiffID, created_at) of
// spec.md §3, enqueued whenever a DiffRecord with non-empty Rejected is
// persisted.
type Notification struct {
	ID        NotificationID
	Key       keys.InternalKey
	DiffID    DiffID
	CreatedAt int64 // unix nanoseconds; RecordNotification takes no timestamp and MemStore leaves this zero
}

// ReadOnlyStore restricts the full contract to the lookup operations used
// by Reconciler cycle steps 3 and 4 (baseline load, per-source diff),
// per spec.md §4.5's capability-view split.
type ReadOnlyStore interface {
	LookupInternalKey(entity keys.Entity, source keys.Source, fk string) (keys.InternalKey, bool, error)
	LookupForeignKey(ik keys.InternalKey, source keys.Source) (string, bool, error)
	GetBaseline(ik keys.InternalKey) (document.Document, bool, error)
	ListDiffIDs(ik keys.InternalKey) ([]DiffID, error)
	GetDiff(id DiffID) (*DiffRecord, bool, error)
	// ListAllDiffs returns every persisted DiffRecord across every internal
	// key. It is a supplemental addition to spec.md §4.5 needed to serve
	// the wire protocol's system-wide ListConflicts request (§4.7), which
	// is not scoped to one InternalKey the way the other read operations
	// are.
	ListAllDiffs() ([]DiffRecord, error)
}

// ReadWriteStore is the full contract, used by Reconciler cycle steps 1
// and 7 (identity allocation/recording, baseline/diff/notification
// commit).
type ReadWriteStore interface {
	ReadOnlyStore

	AllocateInternalKey(entity keys.Entity) (keys.InternalKey, error)
	RecordForeignKey(ik keys.InternalKey, source keys.Source, fk string) error
	DeleteInternalKey(ik keys.InternalKey) error

	PutBaseline(ik keys.InternalKey, doc document.Document) error
	DeleteBaseline(ik keys.InternalKey) error

	RecordDiffs(ik keys.InternalKey, applied diffop.Diff, rejected []diffop.Diff) (DiffID, error)
	DeleteDiff(id DiffID) error
	DeleteDiffs(ik keys.InternalKey) (int, error)

	RecordNotification(ik keys.InternalKey, id DiffID) error
	// FetchNotifications atomically removes up to max notifications and
	// returns the count still pending plus the notifications removed, in
	// the order they were recorded.
	FetchNotifications(maxCount int) (remaining int, notifications []Notification, err error)
}
