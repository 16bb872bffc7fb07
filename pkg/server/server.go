package server

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/semaphore"

	"github.com/quorumsync/reconciler/pkg/diffop"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
	"github.com/quorumsync/reconciler/pkg/reconciler"
	"github.com/quorumsync/reconciler/pkg/store"
)

func keyEntity(s string) keys.Entity { return keys.Entity(s) }
func keySource(s string) keys.Source { return keys.Source(s) }

// Dispatcher is the subset of pkg/dispatcher.Dispatcher the Server needs:
// enqueuing WorkItems, running a Resolve follow-up cycle under the same
// per-key serialization, and draining the queue synchronously. Every
// request that touches the Reconciler routes through this interface so
// the Dispatcher's per-internal-key exclusion is never bypassed.
type Dispatcher interface {
	Enqueue(ctx context.Context, item reconciler.WorkItem) error
	ScheduleResolve(ctx context.Context, ik keys.InternalKey, diffID store.DiffID, opIDs []string) (store.DiffID, error)
	FlushWorkQueue(ctx context.Context) (int, error)
}

// Server accepts framed requests on multiple concurrent client sockets
// and dispatches them to the Dispatcher/Store, per spec.md §4.7. Each
// accepted socket is served by one goroutine, strictly request/response
// within that socket; distinct sockets run concurrently under a shared
// worker bound.
type Server struct {
	Dispatcher Dispatcher
	Store      store.ReadOnlyStore

	// sem bounds the number of requests handled concurrently across all
	// connections. It is the same kind of bound the Dispatcher uses
	// (golang.org/x/sync/semaphore) but a separate instance, sized by New's
	// workers argument.
	sem *semaphore.Weighted
}

// New builds a Server bounded to workers concurrent in-flight requests.
func New(disp Dispatcher, st store.ReadOnlyStore, workers int64) *Server {
	if workers < 1 {
		workers = 1
	}
	return &Server{Dispatcher: disp, Store: st, sem: semaphore.NewWeighted(workers)}
}

// Serve accepts connections on ln until ctx is cancelled or ln.Accept
// fails, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn implements SPEC_FULL.md §4.7's connection lifecycle: one
// goroutine looping frame-read -> dispatch -> frame-write until the
// client closes the connection or a frame fails to decode, in which case
// a single InvalidMessage response is sent and the connection is closed.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		kind, err := readHeader(r)
		if err != nil {
			return // client closed the connection (or EOF mid-header); nothing to reply to
		}

		body, err := readFrame(r)
		if err != nil {
			writeResponse(conn, false, encodeErrorBody(errs.InvalidMessage))
			return
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			writeResponse(conn, false, encodeErrorBody(errs.Cancelled))
			return
		}
		respBody, respErr := s.dispatch(ctx, kind, body)
		s.sem.Release(1)

		if respErr != nil {
			writeResponse(conn, false, encodeErrorBody(errs.KindOf(respErr)))
			continue
		}
		writeResponse(conn, true, respBody)
	}
}

func writeResponse(conn net.Conn, ok bool, body []byte) {
	flag := byte(0x00)
	if ok {
		flag = 0x01
	}
	if _, err := conn.Write([]byte{flag}); err != nil {
		return
	}
	_ = writeFrame(conn, body)
}

// dispatch routes one decoded request to the Dispatcher/Store
// and returns its encoded success body, or an error classified per
// spec.md §7 for the caller to map onto the failure response.
func (s *Server) dispatch(ctx context.Context, kind RequestKind, body []byte) ([]byte, error) {
	switch kind {
	case KindNotify:
		return s.handleNotify(ctx, body)
	case KindListConflicts:
		return s.handleListConflicts(body)
	case KindResolve:
		return s.handleResolve(ctx, body)
	case KindFlushWorkQueue:
		return s.handleFlush(ctx)
	default:
		return nil, errs.New(errs.InvalidMessage, fmt.Errorf("unknown request kind %d", uint64(kind)))
	}
}

func (s *Server) handleNotify(ctx context.Context, body []byte) ([]byte, error) {
	n, err := decodeNotify(body)
	if err != nil {
		return nil, err
	}
	item := reconciler.WorkItem{Entity: keyEntity(n.Entity), Source: keySource(n.Source), ForeignKey: n.ForeignKey}
	if err := s.Dispatcher.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleListConflicts(_ []byte) ([]byte, error) {
	records, err := s.Store.ListAllDiffs()
	if err != nil {
		return nil, errs.New(errs.Internal, err)
	}

	var entries []ConflictEntry
	for _, rec := range records {
		if len(diffop.NonEmptyRejected(rec.Rejected)) == 0 {
			continue
		}
		baseline, _, err := s.Store.GetBaseline(rec.Key)
		if err != nil {
			return nil, errs.New(errs.Internal, err)
		}
		entries = append(entries, conflictEntryFromRecord(rec.Key, baseline, rec))
	}

	return encodeListConflictsResponse(entries)
}

func (s *Server) handleResolve(ctx context.Context, body []byte) ([]byte, error) {
	req, err := decodeResolveRequest(body)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.Store.GetDiff(req.DiffID)
	if err != nil {
		return nil, errs.New(errs.Internal, err)
	}
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Errorf("no diff record %s", req.DiffID))
	}
	if _, err := s.Dispatcher.ScheduleResolve(ctx, rec.Key, req.DiffID, req.OpIDs); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleFlush(ctx context.Context) ([]byte, error) {
	n, err := s.Dispatcher.FlushWorkQueue(ctx)
	if err != nil {
		return nil, err
	}
	return encodeFlushResponse(n), nil
}
