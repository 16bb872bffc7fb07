package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/google/uuid"

	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
)

const (
	tableInternalKeys   = "internal_keys"
	tableForeignKeys    = "foreign_keys"
	tableBaselines      = "baselines"
	tableDiffs          = "diffs"
	tableNotifications  = "notifications"
	indexID             = "id"
	indexEntityValueSrc = "entity_value_source"
	indexEntityIK       = "entity_ik"
	indexSeq            = "seq"
)

type internalKeyRecord struct {
	Entity string
	Value  int64
}

type foreignKeyRecord struct {
	Entity string
	Source string
	FK     string
	Value  int64 // owning InternalKey's numeric value
}

type baselineRecord struct {
	Entity  string
	Value   int64
	Doc     document.Document
}

type diffRecord struct {
	ID       string
	Entity   string
	Value    int64
	Applied  diffop.Diff
	Rejected []diffop.Diff
}

type notificationRecord struct {
	ID        string
	Entity    string
	Value     int64
	DiffID    string
	CreatedAt int64
	Seq       int64
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInternalKeys: {
				Name: tableInternalKeys,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Entity"},
								&memdb.IntFieldIndex{Field: "Value"},
							},
						},
					},
				},
			},
			tableForeignKeys: {
				Name: tableForeignKeys,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Entity"},
								&memdb.StringFieldIndex{Field: "Source"},
								&memdb.StringFieldIndex{Field: "FK"},
							},
						},
					},
					indexEntityValueSrc: {
						Name: indexEntityValueSrc,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Entity"},
								&memdb.IntFieldIndex{Field: "Value"},
								&memdb.StringFieldIndex{Field: "Source"},
							},
						},
					},
					indexEntityIK: {
						Name: indexEntityIK,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Entity"},
								&memdb.IntFieldIndex{Field: "Value"},
							},
						},
					},
				},
			},
			tableBaselines: {
				Name: tableBaselines,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Entity"},
								&memdb.IntFieldIndex{Field: "Value"},
							},
						},
					},
				},
			},
			tableDiffs: {
				Name: tableDiffs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexEntityIK: {
						Name: indexEntityIK,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Entity"},
								&memdb.IntFieldIndex{Field: "Value"},
							},
						},
					},
				},
			},
			tableNotifications: {
				Name: tableNotifications,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexSeq: {
						Name:    indexSeq,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Seq"},
					},
				},
			},
		},
	}
}

// MemStore is the reference, in-process implementation of ReadWriteStore,
// backed by a single embedded transactional database shared across all
// tables, mirroring the teacher lineage's one-MemDB-per-state shape.
type MemStore struct {
	db *memdb.MemDB

	allocMu    sync.Mutex
	nextByType map[keys.Entity]int64

	seq atomic.Int64
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("creating store database: %w", err)
	}
	return &MemStore{
		db:         db,
		nextByType: map[keys.Entity]int64{},
	}, nil
}

// AllocateInternalKey implements ReadWriteStore.
func (m *MemStore) AllocateInternalKey(entity keys.Entity) (keys.InternalKey, error) {
	m.allocMu.Lock()
	value := m.nextByType[entity]
	m.nextByType[entity] = value + 1
	m.allocMu.Unlock()

	ik := keys.InternalKey{Entity: entity, Value: value}

	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableInternalKeys, internalKeyRecord{Entity: string(entity), Value: value}); err != nil {
		return keys.InternalKey{}, errs.New(errs.Internal, fmt.Errorf("allocating internal key: %w", err))
	}
	txn.Commit()
	return ik, nil
}

// LookupInternalKey implements ReadOnlyStore.
func (m *MemStore) LookupInternalKey(entity keys.Entity, source keys.Source, fk string) (keys.InternalKey, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableForeignKeys, indexID, string(entity), string(source), fk)
	if err != nil {
		return keys.InternalKey{}, false, errs.New(errs.Internal, err)
	}
	if raw == nil {
		return keys.InternalKey{}, false, nil
	}
	rec := raw.(foreignKeyRecord)
	return keys.InternalKey{Entity: entity, Value: rec.Value}, true, nil
}

// LookupForeignKey implements ReadOnlyStore.
func (m *MemStore) LookupForeignKey(ik keys.InternalKey, source keys.Source) (string, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableForeignKeys, indexEntityValueSrc, string(ik.Entity), ik.Value, string(source))
	if err != nil {
		return "", false, errs.New(errs.Internal, err)
	}
	if raw == nil {
		return "", false, nil
	}
	return raw.(foreignKeyRecord).FK, true, nil
}

// RecordForeignKey implements ReadWriteStore. It is idempotent on exact
// (ik, source, fk) triples and fails with errs.Conflict if fk already
// maps to a different internal key.
func (m *MemStore) RecordForeignKey(ik keys.InternalKey, source keys.Source, fk string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableForeignKeys, indexID, string(ik.Entity), string(source), fk)
	if err != nil {
		return errs.New(errs.Internal, err)
	}
	if raw != nil {
		existing := raw.(foreignKeyRecord)
		if existing.Value == ik.Value {
			return nil // idempotent on exact pair
		}
		return errs.New(errs.Conflict, fmt.Errorf("foreign key %s/%s:%s already bound to a different internal key", ik.Entity, source, fk))
	}

	if err := txn.Insert(tableForeignKeys, foreignKeyRecord{
		Entity: string(ik.Entity), Source: string(source), FK: fk, Value: ik.Value,
	}); err != nil {
		return errs.New(errs.Internal, err)
	}
	txn.Commit()
	return nil
}

// DeleteInternalKey implements ReadWriteStore, cascading to all foreign
// keys, the baseline, diffs, and notifications for ik.
func (m *MemStore) DeleteInternalKey(ik keys.InternalKey) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := deleteAllFrom(txn, tableForeignKeys, indexEntityIK, string(ik.Entity), ik.Value); err != nil {
		return err
	}
	if err := deleteAllFrom(txn, tableBaselines, indexID, string(ik.Entity), ik.Value); err != nil {
		return err
	}
	if err := deleteAllFrom(txn, tableDiffs, indexEntityIK, string(ik.Entity), ik.Value); err != nil {
		return err
	}
	if err := deleteNotificationsByKey(txn, ik); err != nil {
		return err
	}
	if err := deleteAllFrom(txn, tableInternalKeys, indexID, string(ik.Entity), ik.Value); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func deleteNotificationsByKey(txn *memdb.Txn, ik keys.InternalKey) error {
	it, err := txn.Get(tableNotifications, indexID)
	if err != nil {
		return errs.New(errs.Internal, err)
	}
	var toDelete []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(notificationRecord)
		if rec.Entity == string(ik.Entity) && rec.Value == ik.Value {
			toDelete = append(toDelete, raw)
		}
	}
	for _, raw := range toDelete {
		if err := txn.Delete(tableNotifications, raw); err != nil {
			return errs.New(errs.Internal, err)
		}
	}
	return nil
}

func deleteAllFrom(txn *memdb.Txn, table, index string, args ...interface{}) error {
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return errs.New(errs.Internal, err)
	}
	var toDelete []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		toDelete = append(toDelete, raw)
	}
	for _, raw := range toDelete {
		if err := txn.Delete(table, raw); err != nil {
			return errs.New(errs.Internal, err)
		}
	}
	return nil
}

func collectDiffIDsTxn(txn *memdb.Txn, ik keys.InternalKey) ([]DiffID, error) {
	it, err := txn.Get(tableDiffs, indexEntityIK, string(ik.Entity), ik.Value)
	if err != nil {
		return nil, errs.New(errs.Internal, err)
	}
	var ids []DiffID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		ids = append(ids, DiffID(raw.(diffRecord).ID))
	}
	return ids, nil
}

// GetBaseline implements ReadOnlyStore.
func (m *MemStore) GetBaseline(ik keys.InternalKey) (document.Document, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableBaselines, indexID, string(ik.Entity), ik.Value)
	if err != nil {
		return document.Document{}, false, errs.New(errs.Internal, err)
	}
	if raw == nil {
		return document.Document{}, false, nil
	}
	return raw.(baselineRecord).Doc, true, nil
}

// PutBaseline implements ReadWriteStore.
func (m *MemStore) PutBaseline(ik keys.InternalKey, doc document.Document) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableBaselines, baselineRecord{Entity: string(ik.Entity), Value: ik.Value, Doc: doc}); err != nil {
		return errs.New(errs.Internal, err)
	}
	txn.Commit()
	return nil
}

// DeleteBaseline implements ReadWriteStore.
func (m *MemStore) DeleteBaseline(ik keys.InternalKey) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := deleteAllFrom(txn, tableBaselines, indexID, string(ik.Entity), ik.Value); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RecordDiffs implements ReadWriteStore. It persists (applied, rejected)
// atomically as a new DiffRecord and returns its DiffID.
func (m *MemStore) RecordDiffs(ik keys.InternalKey, applied diffop.Diff, rejected []diffop.Diff) (DiffID, error) {
	id := DiffID(uuid.NewString())

	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableDiffs, diffRecord{
		ID: string(id), Entity: string(ik.Entity), Value: ik.Value,
		Applied: applied, Rejected: rejected,
	}); err != nil {
		return "", errs.New(errs.Internal, err)
	}
	txn.Commit()
	return id, nil
}

// ListDiffIDs implements ReadOnlyStore.
func (m *MemStore) ListDiffIDs(ik keys.InternalKey) ([]DiffID, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	return collectDiffIDsTxn(txn, ik)
}

// GetDiff implements ReadOnlyStore.
func (m *MemStore) GetDiff(id DiffID) (*DiffRecord, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableDiffs, indexID, string(id))
	if err != nil {
		return nil, false, errs.New(errs.Internal, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	rec := raw.(diffRecord)
	return &DiffRecord{
		ID:       DiffID(rec.ID),
		Key:      keys.InternalKey{Entity: keys.Entity(rec.Entity), Value: rec.Value},
		Applied:  rec.Applied,
		Rejected: rec.Rejected,
	}, true, nil
}

// ListAllDiffs implements ReadOnlyStore.
func (m *MemStore) ListAllDiffs() ([]DiffRecord, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableDiffs, indexID)
	if err != nil {
		return nil, errs.New(errs.Internal, err)
	}
	var out []DiffRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(diffRecord)
		out = append(out, DiffRecord{
			ID:       DiffID(rec.ID),
			Key:      keys.InternalKey{Entity: keys.Entity(rec.Entity), Value: rec.Value},
			Applied:  rec.Applied,
			Rejected: rec.Rejected,
		})
	}
	return out, nil
}

// DeleteDiff implements ReadWriteStore.
func (m *MemStore) DeleteDiff(id DiffID) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableDiffs, indexID, string(id))
	if err != nil {
		return errs.New(errs.Internal, err)
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(tableDiffs, raw); err != nil {
		return errs.New(errs.Internal, err)
	}
	txn.Commit()
	return nil
}

// DeleteDiffs implements ReadWriteStore, returning the number of
// DiffRecords removed for ik.
func (m *MemStore) DeleteDiffs(ik keys.InternalKey) (int, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(tableDiffs, indexEntityIK, string(ik.Entity), ik.Value)
	if err != nil {
		return 0, errs.New(errs.Internal, err)
	}
	var toDelete []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		toDelete = append(toDelete, raw)
	}
	for _, raw := range toDelete {
		if err := txn.Delete(tableDiffs, raw); err != nil {
			return 0, errs.New(errs.Internal, err)
		}
	}
	txn.Commit()
	return len(toDelete), nil
}

// RecordNotification implements ReadWriteStore. Notifications become
// visible to FetchNotifications in the order they were recorded, tracked
// by a monotonically increasing sequence number.
func (m *MemStore) RecordNotification(ik keys.InternalKey, diffID DiffID) error {
	seq := m.seq.Add(1)
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableNotifications, notificationRecord{
		ID: uuid.NewString(), Entity: string(ik.Entity), Value: ik.Value,
		DiffID: string(diffID), Seq: seq,
	}); err != nil {
		return errs.New(errs.Internal, err)
	}
	txn.Commit()
	return nil
}

// FetchNotifications implements ReadWriteStore: it atomically removes up
// to maxCount notifications (oldest first) and returns the number still
// pending afterward.
func (m *MemStore) FetchNotifications(maxCount int) (int, []Notification, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableNotifications, indexSeq)
	if err != nil {
		return 0, nil, errs.New(errs.Internal, err)
	}

	var all []notificationRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		all = append(all, raw.(notificationRecord))
	}

	if maxCount < 0 {
		maxCount = 0
	}
	take := maxCount
	if take > len(all) {
		take = len(all)
	}

	out := make([]Notification, 0, take)
	for i := 0; i < take; i++ {
		rec := all[i]
		if err := txn.Delete(tableNotifications, rec); err != nil {
			return 0, nil, errs.New(errs.Internal, err)
		}
		out = append(out, Notification{
			ID:     NotificationID(rec.ID),
			Key:    keys.InternalKey{Entity: keys.Entity(rec.Entity), Value: rec.Value},
			DiffID: DiffID(rec.DiffID),
		})
	}
	txn.Commit()
	return len(all) - take, out, nil
}

var (
	_ ReadOnlyStore  = (*MemStore)(nil)
	_ ReadWriteStore = (*MemStore)(nil)
)
