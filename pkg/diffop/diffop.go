// Package diffop implements the patch algebra over documents: computing a
// minimal Diff between two Documents, applying a Diff to a Document, and
// merging several per-source Diffs against a shared baseline into an
// applied/rejected split.
package diffop

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/samber/lo"

	"github.com/quorumsync/reconciler/pkg/document"
)

// Kind discriminates the three operation shapes a Diff can carry.
type Kind string

const (
	// Insert introduces a path that did not previously have a value.
	Insert Kind = "insert"
	// Delete removes a path that previously had a value.
	Delete Kind = "delete"
	// Replace changes the value already present at a path.
	Replace Kind = "replace"
)

// Operation is a single per-path change. OldValue is set only for Delete
// and Replace; NewValue is set only for Insert and Replace.
type Operation struct {
	Kind     Kind
	Path     document.Path
	OldValue string
	NewValue string
}

// Label is the provenance tag carried by a Diff: which source produced it,
// or "merged" for the applied result of a merge. Deleted is set when the
// Diff was synthesized from a source no longer holding the record (§4.4
// step 4: "for deleted sources emit p_j = diff(b, empty_document) labelled
// deleted").
type Label struct {
	Source  string
	Deleted bool
}

// Diff is a labelled, ordered sequence of Operations.
type Diff struct {
	Label      Label
	Operations []Operation
}

// Empty is the zero-length Diff (empty_diff in spec terms).
func Empty(label Label) Diff {
	return Diff{Label: label}
}

// IsEmpty reports whether d carries no operations.
func (d Diff) IsEmpty() bool {
	return len(d.Operations) == 0
}

// WithLabel returns a copy of d carrying a different Label; operations are
// unchanged.
func (d Diff) WithLabel(label Label) Diff {
	return Diff{Label: label, Operations: d.Operations}
}

// Compute returns the Diff p such that Apply(p, a) == b, with exactly one
// operation emitted per path in paths(a) ∪ paths(b) whose value differs.
// Operations are ordered lexicographically over paths for stable equality
// and storage. The comparison walks the flattened path sets directly
// rather than going through a structural JSON-diff library: paths(a) and
// paths(b) are already flat (document.Document has no nested arrays/maps
// to recurse into), so there is no tree to diff, only a set of keys to
// union and compare value by value.
func Compute(a, b document.Document, label Label) (Diff, error) {
	allPaths := unionPaths(a, b)
	ops := make([]Operation, 0, len(allPaths))
	for _, p := range allPaths {
		oldV, oldOK := a.Get(p)
		newV, newOK := b.Get(p)
		switch {
		case !oldOK && newOK:
			ops = append(ops, Operation{Kind: Insert, Path: p, NewValue: newV})
		case oldOK && !newOK:
			ops = append(ops, Operation{Kind: Delete, Path: p, OldValue: oldV})
		case oldOK && newOK && oldV != newV:
			ops = append(ops, Operation{Kind: Replace, Path: p, OldValue: oldV, NewValue: newV})
		}
	}
	sortOperations(ops)
	return Diff{Label: label, Operations: ops}, nil
}

func unionPaths(a, b document.Document) []document.Path {
	seen := map[string]document.Path{}
	for _, p := range a.Paths() {
		seen[p.String()] = p
	}
	for _, p := range b.Paths() {
		seen[p.String()] = p
	}
	keys := lo.Keys(seen)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) document.Path { return seen[k] })
}

func sortOperations(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Path.String() < ops[j].Path.String()
	})
}

// OpID is a stable identifier for an operation, derived from the path and
// kind it touches plus a short hash of its old and new values, so two
// sources' conflicting operations on the same path get different OpIDs.
// It is what Resolve (spec.md §4.4's follow-up cycle) and the wire
// protocol's Resolve request (§4.7) use to name one rejected operation
// without transmitting its full value.
func OpID(op Operation) string {
	h := fnv.New32a()
	h.Write([]byte(op.OldValue))
	h.Write([]byte{0})
	h.Write([]byte(op.NewValue))
	return fmt.Sprintf("%s|%s|%08x", op.Path.String(), op.Kind, h.Sum32())
}

// MismatchError identifies the first operation that failed to apply.
type MismatchError struct {
	Operation Operation
	Reason    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("diff mismatch at path %q: %s", e.Operation.Path.String(), e.Reason)
}

// ErrMismatch is the sentinel matched by errors.Is against a MismatchError.
var ErrMismatch = errors.New("diff mismatch")

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Apply applies d to doc in order. It is total when every Delete and
// Replace op matches doc's current value at its path; otherwise it fails
// with a *MismatchError identifying the first failing operation.
func Apply(d Diff, doc document.Document) (document.Document, error) {
	cur := doc
	for _, op := range d.Operations {
		existing, ok := cur.Get(op.Path)
		switch op.Kind {
		case Insert:
			cur = cur.WithValue(op.Path, op.NewValue)
		case Delete:
			if !ok || existing != op.OldValue {
				return document.Empty(), &MismatchError{Operation: op, Reason: "path absent or value differs"}
			}
			cur = cur.WithoutPath(op.Path)
		case Replace:
			if !ok || existing != op.OldValue {
				return document.Empty(), &MismatchError{Operation: op, Reason: "path absent or value differs"}
			}
			cur = cur.WithValue(op.Path, op.NewValue)
		default:
			return document.Empty(), &MismatchError{Operation: op, Reason: "unknown operation kind"}
		}
	}
	return cur, nil
}
