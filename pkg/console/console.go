// Package console provides colorized progress output for the reconciler
// CLI: one color per outcome a cycle can produce (applied, rejected,
// deleted, a new conflict, a change notification received), gated by a
// single DisableOutput switch for JSON/quiet modes.
package console

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

var (
	mu sync.Mutex
	// DisableOutput silences every function in this package when true.
	DisableOutput bool
)

func conditionalPrintf(fn func(string, ...interface{}), format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(format, a...)
}

func conditionalPrintln(fn func(...interface{}), a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(a...)
}

func conditionalFprintln(fn func(io.Writer, ...interface{}), w io.Writer, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(w, a...)
}

var (
	applyPrintln    = color.New(color.FgGreen).PrintlnFunc()
	rejectPrintln   = color.New(color.FgRed).PrintlnFunc()
	deletePrintln   = color.New(color.FgRed).PrintlnFunc()
	conflictPrintln = color.New(color.FgMagenta).PrintlnFunc()
	notifyPrintln   = color.New(color.FgCyan).PrintlnFunc()

	rejectFprintln = color.New(color.FgRed).FprintlnFunc()

	applyPrintf  = color.New(color.FgGreen).PrintfFunc()
	notifyPrintf = color.New(color.FgCyan).PrintfFunc()

	// ApplyPrintln reports an operation a cycle applied to the baseline.
	ApplyPrintln = func(a ...interface{}) { conditionalPrintln(applyPrintln, a...) }
	// DeletePrintln reports a source whose record was absent and so
	// dropped out of the baseline.
	DeletePrintln = func(a ...interface{}) { conditionalPrintln(deletePrintln, a...) }
	// ConflictPrintln reports a newly-persisted conflict: operations the
	// merge strategy rejected.
	ConflictPrintln = func(a ...interface{}) { conditionalPrintln(conflictPrintln, a...) }
	// NotifyPrintln reports a change notification accepted onto the work queue.
	NotifyPrintln = func(a ...interface{}) { conditionalPrintln(notifyPrintln, a...) }

	// ApplyPrintf is ApplyPrintln's Printf counterpart.
	ApplyPrintf = func(format string, a ...interface{}) { conditionalPrintf(applyPrintf, format, a...) }
	// NotifyPrintf is NotifyPrintln's Printf counterpart.
	NotifyPrintf = func(format string, a ...interface{}) { conditionalPrintf(notifyPrintf, format, a...) }

	// RejectPrintlnStdErr reports a rejected operation to stderr, keeping
	// stdout clean for JSON/machine-readable output modes.
	RejectPrintlnStdErr = func(a ...interface{}) {
		conditionalFprintln(rejectFprintln, os.Stderr, a...)
	}
)
