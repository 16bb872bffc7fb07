// Package reconciler implements the core fetch/diff/merge/write-back cycle
// that reconciles one logical record across its declared sources.
//
// It generalises the teacher's pkg/diff.Syncer — which fans a single Kong
// declarative-config diff out over go-kong CRUD calls under an
// errgroup.Group — to an arbitrary per-entity source set, replacing the
// Kong-specific diff engine with pkg/diffop and the Kong Admin API client
// with pkg/driver's registry.
package reconciler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/quorumsync/reconciler/pkg/console"
	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/driver"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
	"github.com/quorumsync/reconciler/pkg/store"
)

// WorkItem names one logical record to reconcile: the entity it belongs
// to, and a hint identifying it under one source (the source that raised
// the change).
type WorkItem struct {
	Entity     keys.Entity
	Source     keys.Source
	ForeignKey string
}

// Resolution carries the outcome of Resolve: the operations a caller has
// chosen to accept on top of the current baseline, keyed by the path they
// touch.
type Resolution struct {
	DiffID store.DiffID
	Accept []diffop.Operation
}

// Reconciler runs one cycle at a time for a given internal key; the
// Dispatcher is responsible for serialising cycles per key and fanning
// them out across keys.
type Reconciler struct {
	Drivers *driver.Registry
	Store   store.ReadWriteStore
	Merge   diffop.Strategy
}

// New builds a Reconciler with the default reject-on-disagreement merge
// strategy.
func New(drivers *driver.Registry, st store.ReadWriteStore) *Reconciler {
	return &Reconciler{Drivers: drivers, Store: st, Merge: diffop.DefaultStrategy}
}

func (r *Reconciler) mergeStrategy() diffop.Strategy {
	if r.Merge != nil {
		return r.Merge
	}
	return diffop.DefaultStrategy
}

// sourceFetch is the per-source outcome of step 2.
type sourceFetch struct {
	source  keys.Source
	fk      string
	present bool // false if no fk is recorded for this source under ik
	deleted bool // true if the source reported NotFound
	doc     document.Document
}

// Run executes one full cycle for item, per SPEC_FULL.md §4.4. It returns
// the resulting DiffID if a DiffRecord was persisted (applied or rejected
// non-empty), and an *errs.Error classifying any failure. An Unavailable
// result means the caller (the Dispatcher) should retry the cycle.
func (r *Reconciler) Run(ctx context.Context, item WorkItem) (store.DiffID, error) {
	ik, err := r.resolveIdentity(item)
	if err != nil {
		return "", err
	}
	return r.runCycle(ctx, ik)
}

// resolveIdentity implements step 1: look up or allocate the internal key
// for item's (entity, source, fk), recording the (ik, source, fk) mapping
// the first time it is seen.
func (r *Reconciler) resolveIdentity(item WorkItem) (keys.InternalKey, error) {
	if item.Entity == "" || item.Source == "" || item.ForeignKey == "" {
		return keys.InternalKey{}, errs.New(errs.InvalidMessage, fmt.Errorf("work item missing entity/source/foreign key"))
	}

	ik, ok, err := r.Store.LookupInternalKey(item.Entity, item.Source, item.ForeignKey)
	if err != nil {
		return keys.InternalKey{}, errs.New(errs.Internal, fmt.Errorf("looking up internal key: %w", err))
	}
	if ok {
		return ik, nil
	}

	ik, err = r.Store.AllocateInternalKey(item.Entity)
	if err != nil {
		return keys.InternalKey{}, errs.New(errs.Internal, fmt.Errorf("allocating internal key: %w", err))
	}
	if err := r.Store.RecordForeignKey(ik, item.Source, item.ForeignKey); err != nil {
		return keys.InternalKey{}, err
	}
	return ik, nil
}

// ResolveIdentity runs step 1 in isolation, so a caller (the Dispatcher)
// can determine a WorkItem's internal key before deciding whether to
// coalesce it with an in-flight cycle for the same key.
func (r *Reconciler) ResolveIdentity(item WorkItem) (keys.InternalKey, error) {
	return r.resolveIdentity(item)
}

// RunCycle runs steps 2-8 for an already-resolved internal key.
func (r *Reconciler) RunCycle(ctx context.Context, ik keys.InternalKey) (store.DiffID, error) {
	return r.runCycle(ctx, ik)
}

// runCycle implements steps 2-8 for an already-resolved internal key. It
// is also the entry point for the Resolve follow-up cycle (see Resolve),
// whose step 5 is replaced by treating accepted rejected operations as
// applied.
func (r *Reconciler) runCycle(ctx context.Context, ik keys.InternalKey) (store.DiffID, error) {
	sources := r.Drivers.Sources(ik.Entity)

	fetches, err := r.fetch(ctx, ik, sources)
	if err != nil {
		return "", err
	}

	baseline, _, err := r.Store.GetBaseline(ik)
	if err != nil {
		return "", errs.New(errs.Internal, fmt.Errorf("loading baseline: %w", err))
	}

	patches := r.diffFetches(baseline, fetches)
	applied, rejected := diffop.MergeWith(r.mergeStrategy(), patches)
	newBaseline, err := diffop.Apply(applied, baseline)
	if err != nil {
		return "", errs.New(errs.DiffMismatch, fmt.Errorf("applying merged diff to baseline: %w", err))
	}

	return r.writeBackAndRecord(ctx, ik, fetches, applied, rejected, newBaseline)
}

// fetch implements step 2: for each declared source, look up its fk under
// ik and call its driver's Get, classifying NotFound as a deletion and
// aborting the whole cycle on the first Unavailable.
func (r *Reconciler) fetch(ctx context.Context, ik keys.InternalKey, sources []keys.Source) ([]sourceFetch, error) {
	fetches := make([]sourceFetch, len(sources))
	g, gctx := errgroup.WithContext(ctx)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			fk, ok, err := r.Store.LookupForeignKey(ik, src)
			if err != nil {
				return errs.New(errs.Internal, fmt.Errorf("looking up foreign key for %s: %w", src, err))
			}
			if !ok {
				fetches[i] = sourceFetch{source: src, present: false}
				return nil
			}

			drv, err := r.Drivers.Lookup(ik.Entity, src)
			if err != nil {
				return err
			}
			doc, err := drv.Get(gctx, fk)
			switch {
			case err == nil:
				fetches[i] = sourceFetch{source: src, fk: fk, present: true, doc: doc}
				return nil
			case errs.Is(err, errs.NotFound):
				fetches[i] = sourceFetch{source: src, fk: fk, present: true, deleted: true}
				return nil
			default:
				return errs.New(errs.Unavailable, fmt.Errorf("fetching %s/%s: %w", src, fk, err))
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetches, nil
}

// diffFetches implements step 4: one patch per fetched source, using the
// "deleted" label for sources that reported NotFound.
func (r *Reconciler) diffFetches(baseline document.Document, fetches []sourceFetch) []diffop.Diff {
	var patches []diffop.Diff
	for _, f := range fetches {
		if !f.present {
			continue
		}
		label := diffop.Label{Source: string(f.source)}
		if f.deleted {
			label.Deleted = true
			d, err := diffop.Compute(baseline, document.Empty(), label)
			if err == nil {
				patches = append(patches, d)
			}
			continue
		}
		d, err := diffop.Compute(baseline, f.doc, label)
		if err == nil {
			patches = append(patches, d)
		}
	}
	return patches
}

// writeBackAndRecord implements steps 7-8: write the new baseline to
// every present source, persist the DiffRecord regardless of write-back
// outcome, advance the baseline only on full success, and notify on
// non-empty rejected operations.
func (r *Reconciler) writeBackAndRecord(ctx context.Context, ik keys.InternalKey, fetches []sourceFetch, applied diffop.Diff, rejected []diffop.Diff, newBaseline document.Document) (store.DiffID, error) {
	hasWork := !applied.IsEmpty() || len(diffop.NonEmptyRejected(rejected)) > 0

	var diffID store.DiffID
	if hasWork {
		id, err := r.Store.RecordDiffs(ik, applied, rejected)
		if err != nil {
			return "", errs.New(errs.Internal, fmt.Errorf("recording diff: %w", err))
		}
		diffID = id

		for _, op := range applied.Operations {
			console.ApplyPrintln(ik.String(), diffop.OpID(op))
		}
		for _, patch := range diffop.NonEmptyRejected(rejected) {
			for _, op := range patch.Operations {
				console.ConflictPrintln(ik.String(), patch.Label.Source, diffop.OpID(op))
			}
		}
	}

	writeErr := r.writeBack(ctx, ik, fetches, newBaseline)
	if writeErr != nil {
		return diffID, writeErr
	}

	if err := r.Store.PutBaseline(ik, newBaseline); err != nil {
		return diffID, errs.New(errs.Internal, fmt.Errorf("advancing baseline: %w", err))
	}

	if len(diffop.NonEmptyRejected(rejected)) > 0 && diffID != "" {
		if err := r.Store.RecordNotification(ik, diffID); err != nil {
			return diffID, errs.New(errs.Internal, fmt.Errorf("recording notification: %w", err))
		}
	}

	return diffID, nil
}

func (r *Reconciler) writeBack(ctx context.Context, ik keys.InternalKey, fetches []sourceFetch, newBaseline document.Document) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fetches {
		if !f.present || f.deleted {
			continue
		}
		f := f
		g.Go(func() error {
			drv, err := r.Drivers.Lookup(ik.Entity, f.source)
			if err != nil {
				return err
			}
			if _, err := drv.Set(gctx, newBaseline, f.fk); err != nil {
				if errs.Is(err, errs.Unavailable) {
					return err
				}
				return errs.New(errs.Unavailable, fmt.Errorf("writing back to %s/%s: %w", f.source, f.fk, err))
			}
			return nil
		})
	}
	return g.Wait()
}

// ResolveByOpID is the wire-protocol entry point for Resolve (§4.7): given
// only the OpIDs named in a Resolve request, it looks up the matching
// operations among the DiffRecord's rejected patches and delegates to
// Resolve.
func (r *Reconciler) ResolveByOpID(ctx context.Context, ik keys.InternalKey, id store.DiffID, opIDs []string) (store.DiffID, error) {
	rec, ok, err := r.Store.GetDiff(id)
	if err != nil {
		return "", errs.New(errs.Internal, fmt.Errorf("loading diff record: %w", err))
	}
	if !ok {
		return "", errs.New(errs.NotFound, fmt.Errorf("no diff record %s", id))
	}

	wanted := make(map[string]bool, len(opIDs))
	for _, id := range opIDs {
		wanted[id] = true
	}

	var accept []diffop.Operation
	for _, rej := range rec.Rejected {
		for _, op := range rej.Operations {
			if wanted[diffop.OpID(op)] {
				accept = append(accept, op)
			}
		}
	}

	return r.Resolve(ctx, ik, Resolution{DiffID: id, Accept: accept})
}

// Resolve implements §4.4's Resolve follow-up cycle: it loads the
// DiffRecord, moves the named operations from rejected to a synthetic
// applied patch, applies that patch to the current baseline, and runs
// steps 6-8 again without re-running step 5's merge.
func (r *Reconciler) Resolve(ctx context.Context, ik keys.InternalKey, res Resolution) (store.DiffID, error) {
	rec, ok, err := r.Store.GetDiff(res.DiffID)
	if err != nil {
		return "", errs.New(errs.Internal, fmt.Errorf("loading diff record: %w", err))
	}
	if !ok {
		return "", errs.New(errs.NotFound, fmt.Errorf("no diff record %s", res.DiffID))
	}

	acceptedSet := make(map[string]diffop.Operation, len(res.Accept))
	for _, op := range res.Accept {
		acceptedSet[diffop.OpID(op)] = op
	}

	resolvedApplied := diffop.Diff{Label: diffop.Label{Source: "resolved"}, Operations: append([]diffop.Operation{}, rec.Applied.Operations...)}
	var stillRejected []diffop.Diff
	for _, rej := range rec.Rejected {
		var remaining []diffop.Operation
		for _, op := range rej.Operations {
			key := diffop.OpID(op)
			if _, accepted := acceptedSet[key]; accepted {
				resolvedApplied.Operations = append(resolvedApplied.Operations, op)
				continue
			}
			remaining = append(remaining, op)
		}
		if len(remaining) > 0 {
			stillRejected = append(stillRejected, diffop.Diff{Label: rej.Label, Operations: remaining})
		}
	}

	baseline, _, err := r.Store.GetBaseline(ik)
	if err != nil {
		return "", errs.New(errs.Internal, fmt.Errorf("loading baseline: %w", err))
	}
	newBaseline, err := diffop.Apply(resolvedApplied, baseline)
	if err != nil {
		return "", errs.New(errs.DiffMismatch, fmt.Errorf("applying resolved diff: %w", err))
	}

	sources := r.Drivers.Sources(ik.Entity)
	fetches := make([]sourceFetch, 0, len(sources))
	for _, src := range sources {
		fk, ok, err := r.Store.LookupForeignKey(ik, src)
		if err != nil {
			return "", errs.New(errs.Internal, fmt.Errorf("looking up foreign key for %s: %w", src, err))
		}
		if !ok {
			continue
		}
		fetches = append(fetches, sourceFetch{source: src, fk: fk, present: true})
	}

	newID, err := r.writeBackAndRecord(ctx, ik, fetches, resolvedApplied, stillRejected, newBaseline)
	if err != nil {
		return newID, err
	}
	return newID, nil
}
