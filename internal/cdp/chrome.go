package cdp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// launchFlags are not tuning. Without the anti-throttling group, Chrome
// pauses timers in background tabs and the 100ms DOM-settle window used
// by ready detection never elapses — parallel capture silently stalls.
var launchFlags = []string{
	"--headless=new",
	"--disable-gpu",
	"--no-sandbox",
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-extensions",
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-ipc-flooding-protection",
	"--disable-sync",
	"--disable-translate",
	"--mute-audio",
	"--hide-scrollbars",
	"--remote-debugging-port=0",
}

// Chrome is a browser session: a local process we own, or a remote
// endpoint we attached to. Tabs are created and closed through the HTTP
// JSON API so no browser-level WebSocket is ever needed.
type Chrome struct {
	cmd      *exec.Cmd // nil when remote
	hostPort string
	dataDir  string // temp profile, removed on Kill (local only)
	local    bool
	client   *http.Client
}

// Launch starts a local headless Chrome with an auto-assigned debugging
// port and parses the DevTools URL from its stderr.
func Launch(ctx context.Context) (*Chrome, error) {
	path, err := findChrome()
	if err != nil {
		return nil, err
	}
	dataDir := filepath.Join(os.TempDir(), fmt.Sprintf("snapvrt-%d-%d", os.Getpid(), time.Now().UnixNano()))

	args := append([]string{}, launchFlags...)
	args = append(args, "--user-data-dir="+dataDir)

	cmd := exec.Command(path, args...)
	cmd.Stdout = nil
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("chrome stderr pipe: %w", err)
	}
	logrus.WithField("path", path).Info("launching local Chrome")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn chrome: %w", err)
	}

	urlCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if i := strings.Index(line, "DevTools listening on "); i >= 0 {
				urlCh <- strings.TrimSpace(line[i+len("DevTools listening on "):])
				// Keep draining so Chrome never blocks on a full pipe.
				for scanner.Scan() {
				}
				return
			}
		}
		errCh <- fmt.Errorf("chrome exited before printing DevTools URL")
	}()

	var debugURL string
	select {
	case debugURL = <-urlCh:
	case err := <-errCh:
		_ = cmd.Process.Kill()
		return nil, err
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("timed out waiting for Chrome DevTools URL")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	hostPort, err := parseHostPort(debugURL)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	logrus.WithField("endpoint", hostPort).Debug("Chrome DevTools up")

	return &Chrome{
		cmd:      cmd,
		hostPort: hostPort,
		dataDir:  dataDir,
		local:    true,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Connect attaches to a remote Chrome (e.g. in Docker) at
// http://host:port, polling /json/version until it answers.
func Connect(ctx context.Context, baseURL string) (*Chrome, error) {
	base := strings.TrimSuffix(baseURL, "/")
	hostPort, ok := strings.CutPrefix(base, "http://")
	if !ok {
		if hp, ok2 := strings.CutPrefix(base, "https://"); ok2 {
			hostPort = hp
		} else {
			return nil, fmt.Errorf("invalid chrome_url %q: expected http://host:port", baseURL)
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	versionURL := base + "/json/version"
	logrus.WithField("url", versionURL).Info("connecting to remote Chrome")

	var lastErr error
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return &Chrome{hostPort: hostPort, local: false, client: client}, nil
			}
			lastErr = fmt.Errorf("%s returned %s", versionURL, resp.Status)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("cannot reach Chrome at %s: %w", versionURL, lastErr)
}

// Local reports whether this session launched its own Chrome. Sessions
// attached with Connect report false whatever host they point at,
// including a loopback address. Remote sessions need job URLs
// rewritten (see storybook.RewriteForRemote).
func (c *Chrome) Local() bool { return c.local }

// CreateTab opens a fresh tab via PUT /json/new and returns its target
// id and per-target WebSocket URL.
func (c *Chrome) CreateTab(ctx context.Context) (string, string, error) {
	url := fmt.Sprintf("http://%s/json/new?about:blank", c.hostPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("PUT /json/new: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read /json/new response: %w", err)
	}
	body := string(raw)

	targetID := gjson.Get(body, "id").String()
	if targetID == "" {
		return "", "", fmt.Errorf("no id in /json/new response: %s", body)
	}

	// Build the ws URL from the caller-side host:port, not whatever
	// webSocketDebuggerUrl claims — a containerized Chrome reports its
	// internal address there.
	wsURL := fmt.Sprintf("ws://%s/devtools/page/%s", c.hostPort, targetID)
	logrus.WithField("target", targetID).Debug("tab created")
	return targetID, wsURL, nil
}

// CloseTab closes a tab via GET /json/close/<id>.
func (c *Chrome) CloseTab(ctx context.Context, targetID string) error {
	url := fmt.Sprintf("http://%s/json/close/%s", c.hostPort, targetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET /json/close/%s: %w", targetID, err)
	}
	resp.Body.Close()
	logrus.WithField("target", targetID).Debug("tab closed")
	return nil
}

// Kill terminates a local Chrome and removes its temp profile. No-op
// for remote sessions.
func (c *Chrome) Kill() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_, _ = c.cmd.Process.Wait()
	}
	if c.dataDir != "" {
		_ = os.RemoveAll(c.dataDir)
	}
}

// parseHostPort extracts host:port from ws://host:port/devtools/browser/...
func parseHostPort(wsURL string) (string, error) {
	rest, ok := strings.CutPrefix(wsURL, "ws://")
	if !ok {
		return "", fmt.Errorf("invalid DevTools URL %q", wsURL)
	}
	hostPort, _, _ := strings.Cut(rest, "/")
	if hostPort == "" {
		return "", fmt.Errorf("no host:port in DevTools URL %q", wsURL)
	}
	return hostPort, nil
}

// findChrome locates the browser binary. CHROME_PATH wins; otherwise
// the usual install locations and PATH names are tried.
func findChrome() (string, error) {
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p, nil
	}

	var candidates []string
	if runtime.GOOS == "darwin" {
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	} else {
		candidates = []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
		}
		for _, name := range candidates {
			if p, err := exec.LookPath(name); err == nil {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("chrome not found (set CHROME_PATH); tried: %s", strings.Join(candidates, ", "))
}
