// Package commands implements the snapvrt subcommands on top of the
// capture, compare, store, and report layers.
package commands

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapvrt/snapvrt/internal/capture"
	"github.com/snapvrt/snapvrt/internal/compare"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/store"
)

// Test runs discover → capture → compare → report and returns the
// process exit code (0 all pass, 1 any fail/new/error).
func Test(ctx context.Context, resolved *config.Resolved, st *store.Store, term *report.Terminal, filter string, showTimings, pruneOrphans bool) (int, error) {
	plan, err := capture.BuildPlan(resolved, filter)
	if err != nil {
		return errext.ExitDiffs, err
	}
	plannedIDs := plan.SnapshotIDs()

	// Clear stale output before capturing. Full runs wipe both areas
	// (catches removed and renamed stories); filtered runs only touch
	// the snapshots being tested.
	if filter != "" {
		st.CleanOutputFiles(plannedIDs)
	} else {
		st.ClearOutputDirs()
	}

	renderer, err := capture.LaunchRenderer(ctx, resolved.Capture)
	if err != nil {
		return errext.ExitDiffs, err
	}
	defer renderer.Shutdown()

	runStart := time.Now()
	total := len(plan.Jobs)
	results := capture.Run(ctx, renderer, plan.Jobs, resolved.Capture.ParallelOrDefault())

	var done, passed, failed, newOnes, errored int
	var failedNames, newNames, erroredNames []string
	var allTimings []report.NamedTimings

	for outcome := range results {
		done++
		name := outcome.Job.SnapshotID()

		if outcome.Err != nil {
			errored++
			erroredNames = append(erroredNames, name)
			term.PrintErrorLine(name, outcome.Err.Error())
			term.ShowProgress(done, total)
			continue
		}

		artifact := outcome.Artifact
		status := settle(st, name, artifact, resolved.Threshold)

		switch status.Kind {
		case compare.Pass:
			passed++
		case compare.Fail:
			failed++
			failedNames = append(failedNames, name)
		case compare.New:
			newOnes++
			newNames = append(newNames, name)
		case compare.Error:
			errored++
			erroredNames = append(erroredNames, name)
		}

		term.PrintLine(name, status, artifact.Timings.Total+artifact.Timings.Compare)
		allTimings = append(allTimings, report.NamedTimings{Name: name, Timings: artifact.Timings})
		term.ShowProgress(done, total)
	}

	// Orphan detection only makes sense against the full matrix.
	var removedNames []string
	if filter == "" {
		for _, id := range st.Orphans(plannedIDs) {
			term.PrintRemovedLine(id)
			removedNames = append(removedNames, id)
			if pruneOrphans {
				st.RemoveReference(id)
			}
		}
	}

	if showTimings {
		term.PrintTimingTable(allTimings)
		term.PrintTimingSummary(allTimings)
	}
	term.PrintActionableSummary(failedNames, newNames, erroredNames, removedNames)
	term.PrintSummary(total, passed, failed, newOnes, errored, len(removedNames), time.Since(runStart))

	// Removed snapshots do not affect the exit code.
	if failed > 0 || newOnes > 0 || errored > 0 {
		return errext.ExitDiffs, nil
	}
	return errext.ExitOK, nil
}

// settle writes the artifact to the store, diffs it against the
// reference if one exists, and returns the snapshot's outcome. The
// diff runs here — on the result-consumer goroutine — never on the
// capture workers.
func settle(st *store.Store, name string, artifact *capture.Artifact, threshold float64) compare.Status {
	if err := st.WriteCurrent(name, artifact.PNG); err != nil {
		return errStatus(err)
	}

	reference := st.ReadReference(name)
	if reference == nil {
		return compare.Status{Kind: compare.New}
	}

	compareStart := time.Now()
	result, err := compare.Compare(reference, artifact.PNG)
	artifact.Timings.Compare = time.Since(compareStart)
	if err != nil {
		return errStatus(err)
	}

	if result.IsMatch || result.Score <= threshold {
		// Passing snapshots leave no transient files behind.
		st.CleanOutput(name)
		return compare.Status{Kind: compare.Pass}
	}

	if result.DiffImage != nil {
		diffPNG, err := compare.EncodePNG(result.DiffImage)
		if err != nil {
			return errStatus(err)
		}
		if err := st.WriteDifference(name, diffPNG); err != nil {
			return errStatus(err)
		}
	}
	return compare.Status{
		Kind:              compare.Fail,
		DiffPixels:        result.DiffPixels,
		Score:             result.Score,
		DimensionMismatch: result.DimensionMismatch,
	}
}

func errStatus(err error) compare.Status {
	kind, ok := errext.KindOf(err)
	if !ok {
		kind = errext.Io
		logrus.WithError(err).Debug("unclassified snapshot error")
	}
	return compare.Status{Kind: compare.Error, ErrKind: kind, Message: err.Error()}
}
