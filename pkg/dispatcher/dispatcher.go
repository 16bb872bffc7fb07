// Package dispatcher consumes notifications of change and runs Reconciler
// cycles for them under the concurrency discipline of spec.md §4.6: at
// most one in-flight cycle per internal key, a bounded pool of concurrent
// cycles across distinct keys, and exponential-backoff retry of cycles
// that fail with Unavailable.
//
// It generalises the teacher's pkg/diff.Syncer event loop — a channel-fed
// worker pool running backoff.Retry per event — from a flat queue of Kong
// entity events to a queue of WorkItems coalesced per internal key.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/quorumsync/reconciler/pkg/console"
	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
	"github.com/quorumsync/reconciler/pkg/reconciler"
	"github.com/quorumsync/reconciler/pkg/store"
)

const maxAttempts = 8 // R, per spec.md §4.6

// cycleState tracks coalescing for one internal key's in-flight cycle.
type cycleState struct {
	dirty bool
}

// Dispatcher owns the WorkItem queue and its concurrency/retry discipline.
// The zero value is not usable; build one with New.
type Dispatcher struct {
	rec *reconciler.Reconciler
	st  store.ReadWriteStore

	sem   *semaphore.Weighted
	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]*cycleState
	// locks serializes all Reconciler activity for one internal key:
	// dispatch's cycle loop and ScheduleResolve's follow-up cycle both
	// hold this mutex while touching the key, so a Resolve can never run
	// concurrently with a Notify-driven cycle for the same key (spec.md
	// §5's "concurrent cycles for the same ik are serialised").
	locks map[string]*sync.Mutex

	wg sync.WaitGroup

	processed atomic.Int64

	// testBackoffOverride, if set, replaces the initial retry interval;
	// used only by tests to avoid waiting out production backoff timing.
	testBackoffOverride func() time.Duration
}

// New builds a Dispatcher bounded to workers concurrent cycles.
func New(rec *reconciler.Reconciler, st store.ReadWriteStore, workers int64) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		rec:      rec,
		st:       st,
		sem:      semaphore.NewWeighted(workers),
		inFlight: make(map[string]*cycleState),
		locks:    make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex guarding key, creating one on first use.
func (d *Dispatcher) keyLock(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[key]
	if !ok {
		m = &sync.Mutex{}
		d.locks[key] = m
	}
	return m
}

// Enqueue schedules item for processing. It resolves item's internal key
// synchronously (a cheap store lookup) so coalescing can key on it, then
// returns immediately; the cycle itself runs on a background goroutine.
// Enqueue implements at-least-once processing: the WorkItem is only
// considered settled once FlushWorkQueue's wait group accounting clears.
func (d *Dispatcher) Enqueue(ctx context.Context, item reconciler.WorkItem) error {
	ik, err := d.rec.ResolveIdentity(item)
	if err != nil {
		return err
	}

	console.NotifyPrintln(ik.String(), string(item.Source), item.ForeignKey)

	d.wg.Add(1)
	go d.dispatch(ctx, ik, item)
	return nil
}

// dispatch implements the coalescing and retry loop for one internal key.
// If a cycle for ik is already in flight, dispatch marks it dirty and
// returns without starting a second cycle — per spec.md §4.6, "concurrent
// notifications for the same ik coalesce"; the in-flight cycle's next
// pass (triggered by the dirty flag below) re-reads foreign-key hints
// that changed after it started, per SPEC_FULL.md §4.6's coalescing note.
func (d *Dispatcher) dispatch(ctx context.Context, ik keys.InternalKey, item reconciler.WorkItem) {
	defer d.wg.Done()

	key := ik.String()
	d.mu.Lock()
	if st, ok := d.inFlight[key]; ok {
		st.dirty = true
		d.mu.Unlock()
		return
	}
	st := &cycleState{}
	d.inFlight[key] = st
	d.mu.Unlock()

	keyMu := d.keyLock(key)
	for {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		keyMu.Lock()
		_, _, _ = d.group.Do(key, func() (interface{}, error) {
			return nil, d.runWithRetry(ctx, ik, item)
		})
		d.group.Forget(key)
		keyMu.Unlock()
		d.sem.Release(1)
		d.processed.Add(1)

		d.mu.Lock()
		again := st.dirty
		st.dirty = false
		if !again {
			delete(d.inFlight, key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	delete(d.inFlight, key)
	d.mu.Unlock()
}

// ScheduleResolve runs SPEC_FULL.md §4.4 step 9's Resolve follow-up cycle
// for ik, holding the same per-key mutex dispatch uses so it cannot
// interleave with a Notify-driven cycle for ik that is already running or
// starts concurrently. It blocks until that exclusion is acquired and the
// cycle completes, since the wire protocol's Resolve response needs the
// result synchronously.
func (d *Dispatcher) ScheduleResolve(ctx context.Context, ik keys.InternalKey, diffID store.DiffID, opIDs []string) (store.DiffID, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.sem.Release(1)

	keyMu := d.keyLock(ik.String())
	keyMu.Lock()
	defer keyMu.Unlock()

	id, err := d.rec.ResolveByOpID(ctx, ik, diffID, opIDs)
	d.processed.Add(1)
	return id, err
}

// runWithRetry runs one Reconciler cycle, retrying cycles that fail with
// Unavailable under exponential backoff (base 1s, cap 5m, jitter ±25%)
// for up to maxAttempts total attempts. Any other failure ends the cycle
// without a retry and is returned, not recorded; exhausting the retries
// of an Unavailable cycle is recorded through recordExhausted.
func (d *Dispatcher) runWithRetry(ctx context.Context, ik keys.InternalKey, item reconciler.WorkItem) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(d.newRetryPolicy(), uint64(maxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		_, cycleErr := d.rec.RunCycle(ctx, ik)
		if cycleErr == nil {
			return nil
		}
		if errs.Is(cycleErr, errs.Unavailable) {
			return cycleErr
		}
		return backoff.Permanent(cycleErr)
	}, policy)

	if err != nil && errs.Is(err, errs.Unavailable) {
		d.recordExhausted(ik, item)
	}
	return err
}

func (d *Dispatcher) newRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if d.testBackoffOverride != nil {
		b.InitialInterval = d.testBackoffOverride()
	}
	b.MaxInterval = 5 * time.Minute
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall-clock elapsed time
	return b
}

// recordExhausted implements SPEC_FULL.md §4.6's supplemental
// failed-WorkItem notification: a DiffRecord with an empty applied Diff
// and a single synthetic rejected operation describing the exhausted
// WorkItem, surfaced through the same ListConflicts channel operators
// already use for merge conflicts.
func (d *Dispatcher) recordExhausted(ik keys.InternalKey, item reconciler.WorkItem) {
	rejected := []diffop.Diff{{
		Label: diffop.Label{Source: string(item.Source)},
		Operations: []diffop.Operation{{
			Kind:     diffop.Replace,
			Path:     document.Path{"__dispatcher_exhausted_retries"},
			NewValue: fmt.Sprintf("%s/%s:%s", item.Entity, item.Source, item.ForeignKey),
		}},
	}}
	id, err := d.st.RecordDiffs(ik, diffop.Empty(diffop.Label{Source: "dispatcher"}), rejected)
	if err != nil {
		return
	}
	_ = d.st.RecordNotification(ik, id)
	console.RejectPrintlnStdErr(ik.String(), string(item.Source), "retries exhausted")
}

// FlushWorkQueue blocks until every currently enqueued (and any
// dirty-triggered follow-up) cycle has settled, then returns the number
// of cycles processed since the previous FlushWorkQueue call, including
// cycles that settled before this call began waiting.
func (d *Dispatcher) FlushWorkQueue(_ context.Context) (int, error) {
	d.wg.Wait()
	return int(d.processed.Swap(0)), nil
}
