package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/driver"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/reconciler"
	"github.com/quorumsync/reconciler/pkg/store"
)

type flakyDriver struct {
	mu       sync.Mutex
	records  map[string]document.Document
	failures int32 // number of remaining Get failures before success
	sets     int32
}

func (d *flakyDriver) Get(_ context.Context, fk string) (document.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return document.Empty(), errs.New(errs.Unavailable, assert.AnError)
	}
	doc, ok := d.records[fk]
	if !ok {
		return document.Empty(), errs.New(errs.NotFound, assert.AnError)
	}
	return doc, nil
}

func (d *flakyDriver) Set(_ context.Context, doc document.Document, fk string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	atomic.AddInt32(&d.sets, 1)
	if fk == "" {
		fk = "generated"
	}
	d.records[fk] = doc
	return fk, nil
}

func (d *flakyDriver) Delete(_ context.Context, fk string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, fk)
	return nil
}

// blockingDriver's Get signals entered once it is first called, then
// blocks until release is closed, so a test can pause a cycle mid-fetch
// and observe what else can (or cannot) run while it is paused.
type blockingDriver struct {
	mu          sync.Mutex
	doc         document.Document
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

func (d *blockingDriver) Get(_ context.Context, _ string) (document.Document, error) {
	d.enteredOnce.Do(func() { close(d.entered) })
	<-d.release
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc, nil
}

func (d *blockingDriver) Set(_ context.Context, doc document.Document, fk string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doc = doc
	return fk, nil
}

func (d *blockingDriver) Delete(_ context.Context, _ string) error { return nil }

func TestDispatcherEnqueueSettlesCycle(t *testing.T) {
	st, err := store.NewMemStore()
	require.NoError(t, err)
	acct := &flakyDriver{records: map[string]document.Document{"A1": document.New(map[string]string{"name": "Alice"})}}
	reg := driver.NewRegistry(driver.Registration{Entity: "customer", Source: "acct", Driver: acct})
	r := reconciler.New(reg, st)
	d := New(r, st, 4)

	require.NoError(t, d.Enqueue(context.Background(), reconciler.WorkItem{Entity: "customer", Source: "acct", ForeignKey: "A1"}))

	n, err := d.FlushWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, atomic.LoadInt32(&acct.sets))
}

func TestDispatcherRetriesTransientFailureThenSucceeds(t *testing.T) {
	st, err := store.NewMemStore()
	require.NoError(t, err)
	acct := &flakyDriver{
		records:  map[string]document.Document{"A1": document.New(map[string]string{"name": "Alice"})},
		failures: 2,
	}
	reg := driver.NewRegistry(driver.Registration{Entity: "customer", Source: "acct", Driver: acct})
	r := reconciler.New(reg, st)
	d := New(r, st, 4)
	// Shrink the backoff window for the test so retries happen quickly;
	// production defaults (1s base) would make this test slow.
	d.testBackoffOverride = func() time.Duration { return time.Millisecond }

	require.NoError(t, d.Enqueue(context.Background(), reconciler.WorkItem{Entity: "customer", Source: "acct", ForeignKey: "A1"}))

	n, err := d.FlushWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ik, ok, err := st.LookupInternalKey("customer", "acct", "A1")
	require.NoError(t, err)
	require.True(t, ok)
	baseline, ok, err := st.GetBaseline(ik)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, document.New(map[string]string{"name": "Alice"}).Equal(baseline))

	_, notifications, err := st.FetchNotifications(10)
	require.NoError(t, err)
	assert.Empty(t, notifications)
}

func TestDispatcherFlushCountsManyItems(t *testing.T) {
	st, err := store.NewMemStore()
	require.NoError(t, err)
	acct := &flakyDriver{records: map[string]document.Document{}}
	for i := 0; i < 25; i++ {
		acct.records[fkFor(i)] = document.New(map[string]string{"n": fkFor(i)})
	}
	reg := driver.NewRegistry(driver.Registration{Entity: "customer", Source: "acct", Driver: acct})
	r := reconciler.New(reg, st)
	d := New(r, st, 8)

	for i := 0; i < 25; i++ {
		require.NoError(t, d.Enqueue(context.Background(), reconciler.WorkItem{Entity: "customer", Source: "acct", ForeignKey: fkFor(i)}))
	}

	n, err := d.FlushWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

// TestDispatcherSerializesResolveAgainstConcurrentCycle guards the
// exclusion a Resolve request must get: it cannot run its follow-up
// cycle while a Notify-driven cycle for the same internal key is still
// in flight, since both read and write the same baseline/diff state.
func TestDispatcherSerializesResolveAgainstConcurrentCycle(t *testing.T) {
	st, err := store.NewMemStore()
	require.NoError(t, err)
	ik, err := st.AllocateInternalKey("customer")
	require.NoError(t, err)
	require.NoError(t, st.RecordForeignKey(ik, "acct", "A1"))
	require.NoError(t, st.PutBaseline(ik, document.New(map[string]string{"name": "Alice"})))

	acct := &blockingDriver{
		doc:     document.New(map[string]string{"name": "Alice"}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := driver.NewRegistry(driver.Registration{Entity: "customer", Source: "acct", Driver: acct})
	r := reconciler.New(reg, st)
	d := New(r, st, 4)

	rejectedOp := diffop.Operation{Kind: diffop.Insert, Path: document.Path{"tier"}, NewValue: "silver"}
	diffID, err := st.RecordDiffs(ik, diffop.Diff{}, []diffop.Diff{
		{Label: diffop.Label{Source: "other"}, Operations: []diffop.Operation{rejectedOp}},
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(context.Background(), reconciler.WorkItem{Entity: "customer", Source: "acct", ForeignKey: "A1"}))
	<-acct.entered // the Notify-driven cycle is now parked inside its fetch

	var resolveDone atomic.Bool
	resolveErrCh := make(chan error, 1)
	go func() {
		_, err := d.ScheduleResolve(context.Background(), ik, diffID, []string{diffop.OpID(rejectedOp)})
		resolveDone.Store(true)
		resolveErrCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, resolveDone.Load(), "ScheduleResolve must wait for the in-flight cycle to release its key")

	close(acct.release)

	n, err := d.FlushWorkQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, <-resolveErrCh)
	assert.True(t, resolveDone.Load())

	baseline, _, err := st.GetBaseline(ik)
	require.NoError(t, err)
	assert.True(t, document.New(map[string]string{"name": "Alice", "tier": "silver"}).Equal(baseline))
}

func fkFor(i int) string {
	return "K" + string(rune('A'+i))
}
