package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/snapvrt/snapvrt/internal/capture"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/store"
)

// Prune finds reference snapshots whose stories no longer exist and
// deletes them (after confirmation, unless yes is set).
func Prune(resolved *config.Resolved, st *store.Store, term *report.Terminal, dryRun, yes bool) error {
	plan, err := capture.BuildPlan(resolved, "")
	if err != nil {
		return err
	}

	orphans := st.Orphans(plan.SnapshotIDs())
	if len(orphans) == 0 {
		fmt.Fprintln(term.Out, "No orphaned references found.")
		return nil
	}

	fmt.Fprintf(term.Out, "Orphaned references (%d):\n", len(orphans))
	for _, id := range orphans {
		fmt.Fprintf(term.Out, "  %s\n", id)
	}
	fmt.Fprintln(term.Out)

	if dryRun {
		fmt.Fprintln(term.Out, "Dry run — no files deleted.")
		return nil
	}

	if !yes {
		fmt.Fprintf(term.Out, "Delete %d reference(s)? [y/N] ", len(orphans))
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(line), "y") {
			fmt.Fprintln(term.Out, "Aborted.")
			return nil
		}
	}

	for _, id := range orphans {
		st.RemoveReference(id)
	}
	fmt.Fprintf(term.Out, "Deleted %d orphaned reference(s).\n", len(orphans))
	return nil
}
