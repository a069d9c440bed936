package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/store"
	"github.com/snapvrt/snapvrt/internal/storybook"
)

// ApproveOptions select which pending snapshots to promote.
type ApproveOptions struct {
	Filter string
	// NewOnly approves snapshots with no prior reference.
	NewOnly bool
	// FailedOnly approves snapshots that have a diff image.
	FailedOnly bool
	// All overrides the kind filters.
	All bool
}

// Approve promotes current/ snapshots to reference/ without
// re-capturing.
func Approve(st *store.Store, term *report.Terminal, opts ApproveOptions) error {
	newOnly, failedOnly := opts.NewOnly, opts.FailedOnly
	if opts.All {
		newOnly, failedOnly = false, false
	}

	ids := st.ListCurrentIDs()
	if len(ids) == 0 {
		fmt.Fprintln(term.Out, "Nothing to approve — current/ is empty.")
		return nil
	}

	var countNew, countFailed int
	var matched bool
	for _, id := range ids {
		isFailed := st.HasDifference(id)
		if newOnly && isFailed {
			continue
		}
		if failedOnly && !isFailed {
			continue
		}
		if opts.Filter != "" {
			pat := strings.TrimSuffix(opts.Filter, ".png")
			if !strings.Contains(storybook.NormalizeForFilter(id), storybook.NormalizeForFilter(pat)) {
				continue
			}
		}
		matched = true

		png := st.ReadCurrent(id)
		if png == nil {
			return errext.New(errext.Io, "could not read current/%s.png", id)
		}
		if err := st.WriteReference(id, png); err != nil {
			return err
		}
		var label string
		if isFailed {
			countFailed++
			label = color.New(color.FgRed).Sprint("FAIL")
		} else {
			countNew++
			label = color.New(color.FgYellow).Sprint(" NEW")
		}
		fmt.Fprintf(term.Out, "  Approved  %s  %s\n", label, id)
	}

	if !matched {
		fmt.Fprintln(term.Out, "No snapshots matched the given filters.")
		return nil
	}

	fmt.Fprintln(term.Out)
	fmt.Fprintf(term.Out, "%d snapshot(s) approved (%d new, %d failed).\n", countNew+countFailed, countNew, countFailed)
	return nil
}
