// Package report renders run results: per-snapshot terminal lines with
// outcome symbols, the timing table, and the static HTML review page.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/snapvrt/snapvrt/internal/capture"
	"github.com/snapvrt/snapvrt/internal/compare"
)

var (
	passMark  = color.New(color.FgGreen).Sprint("✓")
	failMark  = color.New(color.FgRed).Sprint("✗")
	newMark   = color.New(color.FgYellow).Sprint("⊕")
	errMark   = color.New(color.FgRed).Sprint("!")
	goneStyle = color.New(color.Faint)
	dim       = color.New(color.Faint)
)

// Terminal writes the run report. Out defaults to stdout; logs go to
// stderr so the report owns the stream.
type Terminal struct {
	Out io.Writer
}

// NewTerminal builds a reporter on stdout.
func NewTerminal() *Terminal {
	return &Terminal{Out: os.Stdout}
}

// ClearLine wipes the progress indicator.
func (t *Terminal) ClearLine() {
	fmt.Fprint(t.Out, "\r\x1b[2K")
}

// FormatDuration renders ms below a second, otherwise one decimal of
// seconds.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// PrintLine writes one snapshot's outcome.
func (t *Terminal) PrintLine(name string, status compare.Status, elapsed time.Duration) {
	t.ClearLine()
	suffix := "  " + dim.Sprint(FormatDuration(elapsed))
	switch status.Kind {
	case compare.Pass:
		fmt.Fprintf(t.Out, "  %s  %s%s\n", passMark, name, suffix)
	case compare.Fail:
		if m := status.DimensionMismatch; m != nil {
			fmt.Fprintf(t.Out, "  %s  %s  (dimensions changed: %dx%d -> %dx%d)%s\n",
				failMark, name, m.RefW, m.RefH, m.CurW, m.CurH, suffix)
		} else {
			fmt.Fprintf(t.Out, "  %s  %s  (%d pixels, %.4f)%s\n",
				failMark, name, status.DiffPixels, status.Score, suffix)
		}
	case compare.New:
		fmt.Fprintf(t.Out, "  %s  %s  (no reference)%s\n", newMark, name, suffix)
	case compare.Error:
		fmt.Fprintf(t.Out, "  %s  %s  (%s)%s\n", errMark, name, status.Message, suffix)
	}
}

// PrintErrorLine writes an error outcome with no timing attached.
func (t *Terminal) PrintErrorLine(name, msg string) {
	t.ClearLine()
	fmt.Fprintf(t.Out, "  %s  %s  (%s)\n", errMark, name, msg)
}

// PrintRemovedLine marks an orphaned reference.
func (t *Terminal) PrintRemovedLine(name string) {
	t.ClearLine()
	fmt.Fprintln(t.Out, goneStyle.Sprintf("  gone  %s  (no matching story)", name))
}

// ShowProgress writes the in-place capture counter.
func (t *Terminal) ShowProgress(done, total int) {
	if done < total {
		fmt.Fprintf(t.Out, "  Capturing  [%d/%d]", done, total)
	}
}

// NamedTimings pairs a snapshot id with its stage breakdown.
type NamedTimings struct {
	Name    string
	Timings capture.Timings
}

// PrintTimingTable writes the per-snapshot stage breakdown.
func (t *Terminal) PrintTimingTable(rows []NamedTimings) {
	if len(rows) == 0 {
		return
	}
	t.ClearLine()
	fmt.Fprintln(t.Out)
	fmt.Fprintf(t.Out, "%-52s", "snapshot")
	for _, stage := range capture.StageNames {
		fmt.Fprintf(t.Out, "%12s", stage)
	}
	fmt.Fprintln(t.Out)
	for _, row := range rows {
		name := row.Name
		if len(name) > 50 {
			name = "…" + name[len(name)-49:]
		}
		fmt.Fprintf(t.Out, "%-52s", name)
		for _, d := range row.Timings.Stages() {
			fmt.Fprintf(t.Out, "%12s", FormatDuration(d))
		}
		fmt.Fprintln(t.Out)
	}
}

// PrintTimingSummary writes totals across all snapshots.
func (t *Terminal) PrintTimingSummary(rows []NamedTimings) {
	if len(rows) == 0 {
		return
	}
	var total time.Duration
	var notReached int
	for _, row := range rows {
		total += row.Timings.Total + row.Timings.Compare
		if row.Timings.StabilityNotReached {
			notReached++
		}
	}
	fmt.Fprintln(t.Out)
	fmt.Fprintf(t.Out, "Aggregate capture time: %s across %d snapshot(s)\n", FormatDuration(total), len(rows))
	if notReached > 0 {
		fmt.Fprintf(t.Out, "%d snapshot(s) did not reach screenshot stability\n", notReached)
	}
}

// PrintActionableSummary lists snapshot names grouped by what the user
// should do about them. Empty groups are skipped.
func (t *Terminal) PrintActionableSummary(failed, newOnes, errored, removed []string) {
	if len(failed)+len(newOnes)+len(errored)+len(removed) == 0 {
		return
	}
	t.ClearLine()
	fmt.Fprintln(t.Out)
	fmt.Fprintln(t.Out, "Actionable snapshots:")
	groups := []struct {
		label string
		names []string
	}{
		{"Failed", failed},
		{"New", newOnes},
		{"Errored", errored},
		{"Removed", removed},
	}
	for _, g := range groups {
		if len(g.names) == 0 {
			continue
		}
		fmt.Fprintf(t.Out, "  %s:\n", g.label)
		for _, n := range g.names {
			fmt.Fprintf(t.Out, "    %s\n", n)
		}
	}
}

// PrintSummary writes the final counts line.
func (t *Terminal) PrintSummary(total, passed, failed, newOnes, errored, removed int, elapsed time.Duration) {
	fmt.Fprintln(t.Out)
	fmt.Fprintf(t.Out, "%d snapshot(s): %d passed, %d failed, %d new, %d errored", total, passed, failed, newOnes, errored)
	if removed > 0 {
		fmt.Fprintf(t.Out, ", %d removed", removed)
	}
	fmt.Fprintln(t.Out)
	fmt.Fprintf(t.Out, "Time: %s\n", FormatDuration(elapsed))
}
