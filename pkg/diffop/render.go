package diffop

import (
	"fmt"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/quorumsync/reconciler/pkg/document"
)

// Render produces a human-readable unified-diff-style text block for d,
// applied against before. It is a presentation derivative only: never
// consulted by apply/merge, and safe to discard.
func Render(d Diff, before document.Document) (string, error) {
	after, err := Apply(d, before)
	if err != nil {
		return "", fmt.Errorf("rendering diff: %w", err)
	}
	beforeText := renderLines(before)
	afterText := renderLines(after)

	edits := myers.ComputeEdits(span.URIFromPath("baseline"), beforeText, afterText)
	unified := gotextdiff.ToUnified("baseline", "merged", beforeText, edits)
	return fmt.Sprint(unified), nil
}

func renderLines(d document.Document) string {
	var b strings.Builder
	for _, p := range d.Paths() {
		v, _ := d.Get(p)
		fmt.Fprintf(&b, "%s = %s\n", p.String(), v)
	}
	return b.String()
}

// Sanitize strips ANSI escape sequences from a rendered diff, so the
// returned text carries no terminal color codes.
func Sanitize(rendered string) string {
	return stripansi.Strip(rendered)
}
