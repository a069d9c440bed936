package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/snapvrt/snapvrt/internal/capture"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/store"
)

// Update captures every planned snapshot and saves the PNGs directly
// as references, bypassing the diff engine.
func Update(ctx context.Context, resolved *config.Resolved, st *store.Store, term *report.Terminal, filter string, showTimings bool) error {
	plan, err := capture.BuildPlan(resolved, filter)
	if err != nil {
		return err
	}

	renderer, err := capture.LaunchRenderer(ctx, resolved.Capture)
	if err != nil {
		return err
	}
	defer renderer.Shutdown()

	runStart := time.Now()
	total := len(plan.Jobs)
	results := capture.Run(ctx, renderer, plan.Jobs, resolved.Capture.ParallelOrDefault())

	var done, saved, errored int
	var allTimings []report.NamedTimings

	for outcome := range results {
		done++
		name := outcome.Job.SnapshotID()
		if outcome.Err != nil {
			errored++
			term.PrintErrorLine(name, outcome.Err.Error())
			term.ShowProgress(done, total)
			continue
		}
		if err := st.WriteReference(name, outcome.Artifact.PNG); err != nil {
			errored++
			term.PrintErrorLine(name, err.Error())
			term.ShowProgress(done, total)
			continue
		}
		saved++
		term.ClearLine()
		fmt.Fprintf(term.Out, "  Updated  %s  %s\n", name, report.FormatDuration(outcome.Artifact.Timings.Total))
		allTimings = append(allTimings, report.NamedTimings{Name: name, Timings: outcome.Artifact.Timings})
		term.ShowProgress(done, total)
	}

	if showTimings {
		term.PrintTimingTable(allTimings)
		term.PrintTimingSummary(allTimings)
	}

	fmt.Fprintln(term.Out)
	fmt.Fprintf(term.Out, "%d reference snapshot(s) saved.\n", saved)
	if errored > 0 {
		fmt.Fprintf(term.Out, "%d snapshot(s) failed to capture.\n", errored)
	}
	fmt.Fprintf(term.Out, "Time: %s\n", report.FormatDuration(time.Since(runStart)))
	return nil
}
