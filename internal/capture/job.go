package capture

import (
	"strings"

	"github.com/snapvrt/snapvrt/internal/storybook"
)

// Job is one (story x viewport) capture unit. Claimed by exactly one
// worker; its SnapshotID partitions every store path it touches.
type Job struct {
	// Source name from config ([source.<name>]); top level of the
	// snapshot hierarchy.
	Source string
	Story  storybook.Story
	// Viewport name (e.g. "laptop").
	Viewport string
	// Full iframe URL to navigate to.
	URL string
	// Requested viewport in CSS pixels.
	Width  uint32
	Height uint32
	// Device scale factor; zero means 1.0.
	Scale float64
}

// SnapshotID is the hierarchical snapshot identifier, used as a
// relative store path: {source}/{viewport}/{title_path}/{name}.
// Title slashes become directories, spaces become underscores.
func (j Job) SnapshotID() string {
	title := strings.ReplaceAll(j.Story.Title, " ", "_")
	name := strings.ReplaceAll(j.Story.Name, " ", "_")
	return j.Source + "/" + j.Viewport + "/" + title + "/" + name
}

// MatchesFilter reports whether the job matches a case-insensitive
// pattern. A trailing .png is stripped so names copied from the review
// page work as filters.
func (j Job) MatchesFilter(pattern string) bool {
	pattern = strings.TrimSuffix(pattern, ".png")
	p := storybook.NormalizeForFilter(pattern)
	return j.Story.MatchesFilter(pattern) ||
		strings.Contains(storybook.NormalizeForFilter(j.Viewport), p) ||
		strings.Contains(storybook.NormalizeForFilter(j.SnapshotID()), p)
}
