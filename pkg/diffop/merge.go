package diffop

import (
	"sort"

	"github.com/samber/lo"
)

// Strategy classifies the operations of several per-source patches (each
// describing source_i - baseline) into a single applied Diff and a
// per-source list of rejected Diffs. The merge strategy is pluggable; see
// RejectOnDisagreement for the default.
type Strategy interface {
	Merge(patches []Diff) (applied Diff, rejected []Diff)
}

// RejectOnDisagreementStrategy is the default, most conservative merge
// strategy: two operations on the same path conflict iff they disagree on
// the final value. If any two patches touch the same path with differing
// final values, every operation touching that path in every patch is
// rejected — never partially applied.
type RejectOnDisagreementStrategy struct{}

// finalValue returns the value an operation leaves at its path, or ("",
// false) for a Delete.
func finalValue(op Operation) (string, bool) {
	switch op.Kind {
	case Insert, Replace:
		return op.NewValue, true
	case Delete:
		return "", false
	default:
		return "", false
	}
}

// opsAgree reports whether two operations touching the same path are
// non-conflicting per spec: they agree iff they leave the same final
// value, with one explicit exception — a Delete (whose OldValue is, by
// construction, the baseline value) and an Insert that reintroduces that
// same baseline value are not a conflict, even though one leaves the path
// absent and the other present, because neither introduces information
// that disagrees with the other about what the record should contain.
func opsAgree(a, b Operation) bool {
	av, aHas := finalValue(a)
	bv, bHas := finalValue(b)
	if aHas == bHas {
		if !aHas {
			return true
		}
		return av == bv
	}
	del, other := a, b
	if aHas {
		del, other = b, a
	}
	if del.Kind != Delete {
		return false
	}
	otherVal, _ := finalValue(other)
	return otherVal == del.OldValue
}

// Merge implements Strategy.
func (RejectOnDisagreementStrategy) Merge(patches []Diff) (Diff, []Diff) {
	type seenOp struct {
		patchIdx int
		op       Operation
	}
	byPath := map[string][]seenOp{}
	pathOrder := []string{}

	for pi, patch := range patches {
		for _, op := range patch.Operations {
			key := op.Path.String()
			if _, ok := byPath[key]; !ok {
				pathOrder = append(pathOrder, key)
			}
			byPath[key] = append(byPath[key], seenOp{patchIdx: pi, op: op})
		}
	}
	sort.Strings(pathOrder)

	conflicted := map[string]bool{}
	for _, key := range pathOrder {
		ops := byPath[key]
		if len(ops) < 2 {
			continue
		}
		for _, other := range ops[1:] {
			if !opsAgree(ops[0].op, other.op) {
				conflicted[key] = true
				break
			}
		}
	}

	rejectedByPatch := make([][]Operation, len(patches))
	appliedOps := []Operation{}
	appliedSeen := map[string]bool{}

	for _, key := range pathOrder {
		ops := byPath[key]
		if conflicted[key] {
			for _, so := range ops {
				rejectedByPatch[so.patchIdx] = append(rejectedByPatch[so.patchIdx], so.op)
			}
			continue
		}
		// Uncontested: every op at this path agrees on the final value, so
		// taking the first is sufficient and the result preserves the
		// source label only on this uncontested operation's provenance.
		if !appliedSeen[key] {
			appliedOps = append(appliedOps, ops[0].op)
			appliedSeen[key] = true
		}
	}
	sortOperations(appliedOps)

	applied := Diff{Label: Label{Source: "merged"}, Operations: appliedOps}

	rejected := make([]Diff, 0, len(patches))
	for i, patch := range patches {
		ops := rejectedByPatch[i]
		sortOperations(ops)
		rejected = append(rejected, Diff{Label: patch.Label, Operations: ops})
	}
	return applied, rejected
}

// DefaultStrategy is the strategy used when none is specified.
var DefaultStrategy Strategy = RejectOnDisagreementStrategy{}

// Merge runs DefaultStrategy over patches. Given N per-source patches each
// describing source_i - baseline, it produces a single applied patch (the
// union of non-conflicting operations) and a per-source list of rejected
// operations, in patches' order.
func Merge(patches []Diff) (applied Diff, rejected []Diff) {
	return MergeWith(DefaultStrategy, patches)
}

// MergeWith runs an explicit Strategy over patches.
func MergeWith(strategy Strategy, patches []Diff) (Diff, []Diff) {
	if strategy == nil {
		strategy = DefaultStrategy
	}
	return strategy.Merge(patches)
}

// NonEmptyRejected filters out rejected Diffs with no operations, which
// RejectOnDisagreementStrategy may still produce for sources untouched by
// any conflict.
func NonEmptyRejected(rejected []Diff) []Diff {
	return lo.Filter(rejected, func(d Diff, _ int) bool { return !d.IsEmpty() })
}
