package capture

import "time"

// StageNames lists the timed pipeline stages in execution order, plus
// the post-capture compare slot filled in by the orchestrator.
var StageNames = []string{
	"viewport",
	"navigate",
	"page_load",
	"network",
	"animation",
	"ready",
	"selector",
	"clip",
	"screenshot",
	"compare",
}

// Timings is the per-stage duration breakdown for one snapshot.
type Timings struct {
	Viewport   time.Duration
	Navigate   time.Duration
	PageLoad   time.Duration
	Network    time.Duration
	Animation  time.Duration
	Ready      time.Duration
	Selector   time.Duration
	Clip       time.Duration
	Screenshot time.Duration
	Total      time.Duration
	// Compare is filled by the orchestrator; zero when no reference exists.
	Compare time.Duration
	// StabilityNotReached is set when the stability loop exhausted its
	// attempts without two consecutive byte-identical screenshots.
	StabilityNotReached bool
}

// Stages returns the durations in StageNames order.
func (t Timings) Stages() []time.Duration {
	return []time.Duration{
		t.Viewport, t.Navigate, t.PageLoad, t.Network, t.Animation,
		t.Ready, t.Selector, t.Clip, t.Screenshot, t.Compare,
	}
}
