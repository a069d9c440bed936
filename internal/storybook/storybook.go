// Package storybook discovers stories from a Storybook server's
// index.json and builds the iframe URLs the capture pipeline navigates to.
package storybook

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapvrt/snapvrt/internal/errext"
)

// skipTag marks stories excluded from visual regression runs.
const skipTag = "snapvrt-skip"

// Story is a discovered story ready for capture.
type Story struct {
	ID    string
	Name  string
	Title string
	Tags  []string
}

// Skipped reports whether the story carries the skip tag.
func (s Story) Skipped() bool {
	for _, t := range s.Tags {
		if t == skipTag {
			return true
		}
	}
	return false
}

// MatchesFilter reports whether any story field contains the pattern,
// case-insensitive, with spaces and underscores treated as equivalent.
func (s Story) MatchesFilter(pattern string) bool {
	p := NormalizeForFilter(pattern)
	return strings.Contains(NormalizeForFilter(s.ID), p) ||
		strings.Contains(NormalizeForFilter(s.Title), p) ||
		strings.Contains(NormalizeForFilter(s.Name), p)
}

// NormalizeForFilter lowercases and folds underscores into spaces so
// users can paste either raw story fields or snapshot IDs as filters.
func NormalizeForFilter(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", " ")
}

// Storybook is one Storybook instance at a known URL.
type Storybook struct {
	baseURL string
	client  *http.Client
}

// New prepares a Storybook source. When local is false (the browser is
// remote or containerized), localhost addresses are rewritten so that
// Chrome can reach the developer's Storybook.
func New(baseURL string, local bool) (*Storybook, error) {
	url := strings.TrimSuffix(baseURL, "/")
	if !local {
		rewritten, err := RewriteForRemote(url)
		if err != nil {
			return nil, err
		}
		url = rewritten
	}
	return &Storybook{
		baseURL: url,
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// URL returns the (possibly rewritten) base URL.
func (sb *Storybook) URL() string { return sb.baseURL }

// StoryURL builds the iframe URL for a story.
func (sb *Storybook) StoryURL(s Story) string {
	return fmt.Sprintf("%s/iframe.html?id=%s", sb.baseURL, s.ID)
}

type indexResponse struct {
	V       int                   `json:"v"`
	Entries map[string]indexEntry `json:"entries"`
}

type indexEntry struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Name  string   `json:"name"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

// Discover fetches index.json and returns the capturable stories,
// sorted by id for stable output. Docs entries and skip-tagged stories
// are filtered out.
func (sb *Storybook) Discover() ([]Story, error) {
	indexURL := sb.baseURL + "/index.json"

	resp, err := sb.client.Get(indexURL)
	if err != nil {
		return nil, errext.Wrap(errext.Discovery, err, "fetch "+indexURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errext.New(errext.Discovery, "%s returned %s", indexURL, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errext.Wrap(errext.Discovery, err, "read "+indexURL)
	}

	var index indexResponse
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, errext.Wrap(errext.Discovery, err, "parse "+indexURL)
	}
	if index.Entries == nil {
		return nil, errext.New(errext.Discovery, "%s: no entries map (unsupported index schema)", indexURL)
	}

	stories := make([]Story, 0, len(index.Entries))
	for _, e := range index.Entries {
		if e.Type != "story" {
			continue
		}
		s := Story{ID: e.ID, Name: e.Name, Title: e.Title, Tags: e.Tags}
		if s.Skipped() {
			logrus.WithField("story", s.ID).Debug("skipping tagged story")
			continue
		}
		stories = append(stories, s)
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].ID < stories[j].ID })

	return stories, nil
}

// RewriteForRemote replaces localhost/127.0.0.1 in a URL with the
// host's LAN IP so a remote Chrome (e.g. in Docker) can reach services
// on this machine. Falls back to host.docker.internal when no LAN
// address can be detected.
func RewriteForRemote(url string) (string, error) {
	if !isLocalhostURL(url) {
		return url, nil
	}
	host := "host.docker.internal"
	if ip := localIP(); ip != nil {
		host = ip.String()
	} else {
		logrus.Warn("cannot detect host LAN IP, falling back to host.docker.internal")
	}
	rewritten := strings.ReplaceAll(url, "://localhost", "://"+host)
	rewritten = strings.ReplaceAll(rewritten, "://127.0.0.1", "://"+host)
	logrus.WithFields(logrus.Fields{"from": url, "to": rewritten}).Debug("rewrote URL for remote browser")
	return rewritten, nil
}

func isLocalhostURL(url string) bool {
	rest := url
	if _, after, ok := strings.Cut(url, "://"); ok {
		rest = after
	}
	authority, _, _ := strings.Cut(rest, "/")
	hostname, _, _ := strings.Cut(authority, ":")
	return hostname == "localhost" || hostname == "127.0.0.1"
}

// localIP detects the host's LAN address with the UDP-connect trick:
// no packet is sent, the OS just resolves which source address it
// would route from.
func localIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsLoopback() {
		return nil
	}
	return addr.IP
}
