package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/snapvrt/snapvrt/internal/cdp"
	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/storybook"
)

// fakeRenderer hands out sessions backed by fake tabs and tracks how
// many are open at once.
type fakeRenderer struct {
	mu      sync.Mutex
	open    int
	maxOpen int
	created int
	closed  int
	failNew bool
	makeTab func() tab
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{makeTab: func() tab { return newFakeTab() }}
}

func (f *fakeRenderer) NewSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return nil, errors.New("connection refused")
	}
	f.created++
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &Session{tab: f.makeTab(), targetID: "T", strategy: singleShot}, nil
}

func (f *fakeRenderer) CloseSession(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open--
	f.closed++
	return nil
}

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{
			Source:   "storybook",
			Story:    storybook.Story{ID: "s", Title: "T", Name: string(rune('a' + i))},
			Viewport: "laptop",
			URL:      "http://localhost:6006/iframe.html?id=s",
			Width:    100, Height: 100,
		}
	}
	return jobs
}

// slowTab stretches the screenshot so captures overlap across workers.
type slowTab struct {
	*fakeTab
	delay time.Duration
}

func (s *slowTab) CaptureScreenshot(ctx context.Context, clip *cdp.ClipRect, beyond bool) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.fakeTab.CaptureScreenshot(ctx, clip, beyond)
}

func collect(t *testing.T, results <-chan Outcome) []Outcome {
	t.Helper()
	var out []Outcome
	for o := range results {
		out = append(out, o)
	}
	return out
}

func TestRun_OneOutcomePerJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newFakeRenderer()
	jobs := makeJobs(20)

	outcomes := collect(t, Run(context.Background(), r, jobs, 4))

	require.Len(t, outcomes, 20)
	seen := map[string]int{}
	for _, o := range outcomes {
		require.Nil(t, o.Err)
		require.NotNil(t, o.Artifact)
		assert.NotEmpty(t, o.Artifact.PNG)
		seen[o.Job.SnapshotID()]++
	}
	assert.Len(t, seen, 20, "every job claimed exactly once")
	assert.Equal(t, r.created, r.closed, "every tab closed")
}

func TestRun_PoolSizeBoundsOpenTabs(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newFakeRenderer()
	r.makeTab = func() tab { return &slowTab{fakeTab: newFakeTab(), delay: 20 * time.Millisecond} }
	jobs := makeJobs(20)

	outcomes := collect(t, Run(context.Background(), r, jobs, 4))

	require.Len(t, outcomes, 20)
	assert.LessOrEqual(t, r.maxOpen, 4, "never more than `parallel` tabs open")
	assert.Greater(t, r.maxOpen, 1, "captures actually overlapped")
}

func TestRun_BrowserCrashDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newFakeRenderer()
	r.failNew = true
	jobs := makeJobs(5)

	outcomes := collect(t, Run(context.Background(), r, jobs, 1))

	require.Len(t, outcomes, 5)
	var createFailed, crashed int
	for _, o := range outcomes {
		require.NotNil(t, o.Err)
		switch o.Err.Kind {
		case errext.CdpProtocol:
			createFailed++
		case errext.BrowserCrashed:
			crashed++
		default:
			t.Fatalf("unexpected kind %s", o.Err.Kind)
		}
	}
	assert.Equal(t, maxSessionFailures, createFailed, "three consecutive failures trip the breaker")
	assert.Equal(t, 2, crashed, "the rest drain as BrowserCrashed")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newFakeRenderer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := collect(t, Run(ctx, r, makeJobs(4), 2))

	require.Len(t, outcomes, 4)
	for _, o := range outcomes {
		require.NotNil(t, o.Err)
		assert.Equal(t, errext.Cancelled, o.Err.Kind)
	}
}

func TestRun_CancelMidRunClosesTabsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newFakeRenderer()
	r.makeTab = func() tab { return &slowTab{fakeTab: newFakeTab(), delay: 5 * time.Second} }
	jobs := makeJobs(6)

	ctx, cancel := context.WithCancel(context.Background())
	results := Run(ctx, r, jobs, 2)

	time.Sleep(50 * time.Millisecond) // let both workers pick up a job
	cancel()

	outcomes := collect(t, results)
	require.Len(t, outcomes, 6)
	for _, o := range outcomes {
		require.NotNil(t, o.Err)
		assert.Equal(t, errext.Cancelled, o.Err.Kind)
	}
	assert.Equal(t, r.created, r.closed, "in-flight tabs closed on cancel")
}

func TestRun_PerJobErrorDoesNotStopRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newFakeRenderer()
	var n int32
	r.makeTab = func() tab {
		ft := newFakeTab()
		// Every third story never renders its root.
		if atomic.AddInt32(&n, 1)%3 == 0 {
			ft.failAt = "selector"
		}
		return ft
	}
	jobs := makeJobs(9)

	outcomes := collect(t, Run(context.Background(), r, jobs, 3))

	require.Len(t, outcomes, 9)
	var ok, failed int
	for _, o := range outcomes {
		if o.Err != nil {
			assert.Equal(t, errext.StoryRootTimeout, o.Err.Kind)
			failed++
		} else {
			ok++
		}
	}
	assert.Equal(t, 3, failed)
	assert.Equal(t, 6, ok)
}

func TestJob_SnapshotID(t *testing.T) {
	j := Job{
		Source:   "storybook",
		Story:    storybook.Story{Title: "Button", Name: "Primary"},
		Viewport: "laptop",
	}
	assert.Equal(t, "storybook/laptop/Button/Primary", j.SnapshotID())

	j.Story = storybook.Story{Title: "Forms/Text Input", Name: "With Error"}
	assert.Equal(t, "storybook/laptop/Forms/Text_Input/With_Error", j.SnapshotID())
}

func TestJob_MatchesFilter(t *testing.T) {
	j := Job{
		Source:   "storybook",
		Story:    storybook.Story{ID: "button--primary", Title: "Button", Name: "Primary"},
		Viewport: "laptop",
	}
	assert.True(t, j.MatchesFilter("button"))
	assert.True(t, j.MatchesFilter("laptop"))
	assert.True(t, j.MatchesFilter("storybook/laptop/Button/Primary.png"))
	assert.False(t, j.MatchesFilter("mobile"))
}
