package capture

import (
	"github.com/sirupsen/logrus"

	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/storybook"
)

// Plan is the capture matrix for a run: every (story x viewport) pair,
// filtered, in dispatch order.
type Plan struct {
	Jobs []Job
}

// BuildPlan discovers stories and crosses them with the selected
// viewports. An empty matrix after filtering is a discovery error —
// a run with nothing to do is almost always a misconfiguration.
func BuildPlan(resolved *config.Resolved, filter string) (*Plan, error) {
	local := resolved.Capture.ChromeURL == ""
	sb, err := storybook.New(resolved.StorybookURL, local)
	if err != nil {
		return nil, err
	}

	stories, err := sb.Discover()
	if err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return nil, errext.New(errext.Discovery, "no stories found at %s", sb.URL())
	}

	jobs := make([]Job, 0, len(stories)*len(resolved.Viewports))
	for _, story := range stories {
		for _, vp := range resolved.Viewports {
			jobs = append(jobs, Job{
				Source:   resolved.SourceName,
				Story:    story,
				Viewport: vp.Name,
				URL:      sb.StoryURL(story),
				Width:    vp.Width,
				Height:   vp.Height,
				Scale:    vp.Scale,
			})
		}
	}

	if filter != "" {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.MatchesFilter(filter) {
				kept = append(kept, j)
			}
		}
		jobs = kept
		if len(jobs) == 0 {
			return nil, errext.New(errext.Discovery, "no snapshots match filter %q", filter)
		}
	}

	logrus.WithFields(logrus.Fields{
		"stories":   len(stories),
		"viewports": len(resolved.Viewports),
		"snapshots": len(jobs),
	}).Debug("capture plan built")

	return &Plan{Jobs: jobs}, nil
}

// SnapshotIDs returns the IDs of all planned jobs in dispatch order.
func (p *Plan) SnapshotIDs() []string {
	ids := make([]string, len(p.Jobs))
	for i, j := range p.Jobs {
		ids[i] = j.SnapshotID()
	}
	return ids
}
