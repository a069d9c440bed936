package storybook

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapvrt/snapvrt/internal/errext"
)

const sampleIndex = `{
	"v": 5,
	"entries": {
		"button--primary": {
			"id": "button--primary", "type": "story",
			"name": "Primary", "title": "Button",
			"tags": ["dev", "test"], "importPath": "./src/Button.stories.tsx"
		},
		"button--secondary": {
			"id": "button--secondary", "type": "story",
			"name": "Secondary", "title": "Button",
			"tags": ["dev", "snapvrt-skip"], "importPath": "./src/Button.stories.tsx"
		},
		"button--docs": {
			"id": "button--docs", "type": "docs",
			"name": "Docs", "title": "Button",
			"tags": ["docs"], "importPath": "./src/Button.stories.tsx"
		},
		"forms-input--empty": {
			"id": "forms-input--empty", "type": "story",
			"name": "Empty", "title": "Forms/Input",
			"tags": [], "importPath": "./src/Input.stories.tsx"
		}
	}
}`

func serveIndex(t *testing.T, body string, status int) *Storybook {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.json" {
			w.WriteHeader(404)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	sb, err := New(srv.URL, true)
	require.NoError(t, err)
	return sb
}

func TestDiscover_FiltersDocsAndSkipTag(t *testing.T) {
	sb := serveIndex(t, sampleIndex, 200)

	stories, err := sb.Discover()
	require.NoError(t, err)

	// docs entry and snapvrt-skip story are gone, order is by id
	require.Len(t, stories, 2)
	assert.Equal(t, "button--primary", stories[0].ID)
	assert.Equal(t, "forms-input--empty", stories[1].ID)
}

func TestDiscover_Any2xxAccepted(t *testing.T) {
	sb := serveIndex(t, sampleIndex, 203)
	stories, err := sb.Discover()
	require.NoError(t, err)
	assert.Len(t, stories, 2)
}

func TestDiscover_Unreachable(t *testing.T) {
	sb, err := New("http://127.0.0.1:1", true)
	require.NoError(t, err)
	_, err = sb.Discover()
	require.Error(t, err)
	kind, ok := errext.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errext.Discovery, kind)
}

func TestDiscover_InvalidSchema(t *testing.T) {
	sb := serveIndex(t, `{"not": "storybook"}`, 200)
	_, err := sb.Discover()
	require.Error(t, err)
	kind, _ := errext.KindOf(err)
	assert.Equal(t, errext.Discovery, kind)
}

func TestDiscover_ErrorStatus(t *testing.T) {
	sb := serveIndex(t, "nope", 500)
	_, err := sb.Discover()
	require.Error(t, err)
	kind, _ := errext.KindOf(err)
	assert.Equal(t, errext.Discovery, kind)
}

func TestStoryURL(t *testing.T) {
	sb, err := New("http://localhost:6006/", true)
	require.NoError(t, err)
	url := sb.StoryURL(Story{ID: "button--primary"})
	assert.Equal(t, "http://localhost:6006/iframe.html?id=button--primary", url)
}

func TestMatchesFilter(t *testing.T) {
	s := Story{ID: "forms-input--empty", Name: "Empty", Title: "Forms/Input"}
	assert.True(t, s.MatchesFilter("input"))
	assert.True(t, s.MatchesFilter("INPUT"))
	assert.True(t, s.MatchesFilter("forms/input"))
	assert.False(t, s.MatchesFilter("button"))

	// underscores and spaces are interchangeable
	s2 := Story{ID: "x", Name: "Dark Mode", Title: "Card"}
	assert.True(t, s2.MatchesFilter("dark_mode"))
	assert.True(t, s2.MatchesFilter("dark mode"))
}

func TestIsLocalhostURL(t *testing.T) {
	assert.True(t, isLocalhostURL("http://localhost:6006"))
	assert.True(t, isLocalhostURL("http://127.0.0.1:6006/path"))
	assert.False(t, isLocalhostURL("http://storybook.internal:6006"))
	assert.False(t, isLocalhostURL("http://localhost.example.com"))
}

func TestRewriteForRemote_NonLocalUntouched(t *testing.T) {
	url, err := RewriteForRemote("http://storybook.internal:6006")
	require.NoError(t, err)
	assert.Equal(t, "http://storybook.internal:6006", url)
}

func TestRewriteForRemote_RewritesLocalhost(t *testing.T) {
	url, err := RewriteForRemote("http://localhost:6006")
	require.NoError(t, err)
	assert.NotContains(t, url, "localhost")
	assert.Contains(t, url, ":6006")
}
