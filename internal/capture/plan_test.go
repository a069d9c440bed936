package capture

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/errext"
)

const planIndex = `{
	"v": 5,
	"entries": {
		"button--primary": {"id": "button--primary", "type": "story", "name": "Primary", "title": "Button", "tags": []},
		"button--secondary": {"id": "button--secondary", "type": "story", "name": "Secondary", "title": "Button", "tags": []},
		"card--hidden": {"id": "card--hidden", "type": "story", "name": "Hidden", "title": "Card", "tags": ["snapvrt-skip"]}
	}
}`

func planConfig(t *testing.T, index string) *config.Resolved {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, index)
	}))
	t.Cleanup(srv.Close)
	return &config.Resolved{
		SourceName:   "storybook",
		StorybookURL: srv.URL,
		Viewports: []config.NamedViewport{
			{Name: "laptop", Viewport: config.Viewport{Width: 1366, Height: 768}},
			{Name: "phone", Viewport: config.Viewport{Width: 375, Height: 667}},
		},
	}
}

func TestBuildPlan_MatrixExcludesSkipped(t *testing.T) {
	resolved := planConfig(t, planIndex)

	plan, err := BuildPlan(resolved, "")
	require.NoError(t, err)

	// Three stories, one skip-tagged: 2 stories x 2 viewports.
	require.Len(t, plan.Jobs, 4)
	for _, j := range plan.Jobs {
		assert.NotEqual(t, "card--hidden", j.Story.ID)
		assert.Contains(t, j.URL, "/iframe.html?id=")
	}
	assert.Equal(t, []string{
		"storybook/laptop/Button/Primary",
		"storybook/phone/Button/Primary",
		"storybook/laptop/Button/Secondary",
		"storybook/phone/Button/Secondary",
	}, plan.SnapshotIDs())
}

func TestBuildPlan_Filter(t *testing.T) {
	resolved := planConfig(t, planIndex)

	plan, err := BuildPlan(resolved, "secondary")
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 2)
	for _, j := range plan.Jobs {
		assert.Equal(t, "button--secondary", j.Story.ID)
	}
}

func TestBuildPlan_EmptyAfterFilter(t *testing.T) {
	resolved := planConfig(t, planIndex)

	_, err := BuildPlan(resolved, "does-not-exist")
	require.Error(t, err)
	kind, ok := errext.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errext.Discovery, kind)
}

func TestBuildPlan_NoStories(t *testing.T) {
	resolved := planConfig(t, `{"v": 5, "entries": {}}`)

	_, err := BuildPlan(resolved, "")
	require.Error(t, err)
	kind, _ := errext.KindOf(err)
	assert.Equal(t, errext.Discovery, kind)
}

func TestBuildPlan_ViewportDimensionsFlowIntoJobs(t *testing.T) {
	resolved := planConfig(t, planIndex)

	plan, err := BuildPlan(resolved, "primary")
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 2)
	assert.Equal(t, uint32(1366), plan.Jobs[0].Width)
	assert.Equal(t, uint32(768), plan.Jobs[0].Height)
	assert.Equal(t, uint32(375), plan.Jobs[1].Width)
}
