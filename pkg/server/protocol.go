package server

import (
	"fmt"
	"strings"

	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
	"github.com/quorumsync/reconciler/pkg/store"
)

func decodePath(s string) document.Path {
	if s == "" {
		return document.Path{}
	}
	return document.Path(strings.Split(s, document.PathSeparator))
}

// ChangeNotification is the Notify request's payload: (entity, source,
// foreign_id), all required and non-empty, per spec.md §6.
type ChangeNotification struct {
	Entity     string
	Source     string
	ForeignKey string
}

func encodeNotify(n ChangeNotification) []byte {
	e := &bodyEncoder{}
	e.putString(n.Entity)
	e.putString(n.Source)
	e.putString(n.ForeignKey)
	return e.bytes()
}

func decodeNotify(body []byte) (ChangeNotification, error) {
	d := newBodyDecoder(body)
	entity, err := d.getString("entity")
	if err != nil {
		return ChangeNotification{}, err
	}
	source, err := d.getString("source")
	if err != nil {
		return ChangeNotification{}, err
	}
	fk, err := d.getString("foreign_key")
	if err != nil {
		return ChangeNotification{}, err
	}
	if entity == "" || source == "" || fk == "" {
		return ChangeNotification{}, errs.New(errs.InvalidMessage, fmt.Errorf("change notification fields must be non-empty"))
	}
	return ChangeNotification{Entity: entity, Source: source, ForeignKey: fk}, nil
}

// ResolveRequest is the Resolve request's payload: the DiffID being acted
// on and the OpIDs to accept as applied.
type ResolveRequest struct {
	DiffID store.DiffID
	OpIDs  []string
}

func encodeResolveRequest(req ResolveRequest) []byte {
	e := &bodyEncoder{}
	e.putString(string(req.DiffID))
	e.putUint32(uint32(len(req.OpIDs)))
	for _, id := range req.OpIDs {
		e.putString(id)
	}
	return e.bytes()
}

func decodeResolveRequest(body []byte) (ResolveRequest, error) {
	d := newBodyDecoder(body)
	diffID, err := d.getString("diff_id")
	if err != nil {
		return ResolveRequest{}, err
	}
	count, err := d.getUint32("op_id_count")
	if err != nil {
		return ResolveRequest{}, err
	}
	ids := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := d.getString("op_id")
		if err != nil {
			return ResolveRequest{}, err
		}
		ids = append(ids, id)
	}
	return ResolveRequest{DiffID: store.DiffID(diffID), OpIDs: ids}, nil
}

func encodeOperation(e *bodyEncoder, op diffop.Operation) {
	e.putString(string(op.Kind))
	e.putString(op.Path.String())
	e.putString(op.OldValue)
	e.putString(op.NewValue)
}

func decodeOperation(d *bodyDecoder) (diffop.Operation, error) {
	kind, err := d.getString("op_kind")
	if err != nil {
		return diffop.Operation{}, err
	}
	path, err := d.getString("op_path")
	if err != nil {
		return diffop.Operation{}, err
	}
	oldV, err := d.getString("op_old_value")
	if err != nil {
		return diffop.Operation{}, err
	}
	newV, err := d.getString("op_new_value")
	if err != nil {
		return diffop.Operation{}, err
	}
	return diffop.Operation{Kind: diffop.Kind(kind), Path: decodePath(path), OldValue: oldV, NewValue: newV}, nil
}

func encodeDiff(e *bodyEncoder, d diffop.Diff) {
	e.putString(d.Label.Source)
	e.putBool(d.Label.Deleted)
	e.putUint32(uint32(len(d.Operations)))
	for _, op := range d.Operations {
		encodeOperation(e, op)
	}
}

// ConflictEntry is one ListConflicts response element: the internal key's
// current baseline, the applied patch, its DiffID, and every rejected
// operation tagged with its OpID, per spec.md §4.7.
type ConflictEntry struct {
	Baseline document.Document
	Applied  diffop.Diff
	DiffID   store.DiffID
	Rejected []RejectedOp
}

// RejectedOp names one operation a ListConflicts caller can later pass to
// Resolve.
type RejectedOp struct {
	OpID string
	Op   diffop.Operation
}

func conflictEntryFromRecord(ik keys.InternalKey, baseline document.Document, rec store.DiffRecord) ConflictEntry {
	var rejected []RejectedOp
	for _, patch := range rec.Rejected {
		for _, op := range patch.Operations {
			rejected = append(rejected, RejectedOp{OpID: diffop.OpID(op), Op: op})
		}
	}
	return ConflictEntry{Baseline: baseline, Applied: rec.Applied, DiffID: rec.ID, Rejected: rejected}
}

func encodeListConflictsResponse(entries []ConflictEntry) ([]byte, error) {
	e := &bodyEncoder{}
	e.putUint32(uint32(len(entries)))
	for _, entry := range entries {
		docBytes, err := entry.Baseline.Encode()
		if err != nil {
			return nil, fmt.Errorf("encoding baseline document: %w", err)
		}
		e.putBytes(docBytes)
		encodeDiff(e, entry.Applied)
		e.putString(string(entry.DiffID))
		e.putUint32(uint32(len(entry.Rejected)))
		for _, r := range entry.Rejected {
			e.putString(r.OpID)
			encodeOperation(e, r.Op)
		}
	}
	return e.bytes(), nil
}

func encodeFlushResponse(processed int) []byte {
	e := &bodyEncoder{}
	e.putUint32(uint32(processed))
	return e.bytes()
}

// encodeErrorBody encodes the error kind carried by a failure response.
func encodeErrorBody(kind errs.Kind) []byte {
	e := &bodyEncoder{}
	e.putString(string(kind))
	return e.bytes()
}
