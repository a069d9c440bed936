// Package cdp is a minimal Chrome DevTools Protocol client: a process
// handle for launching or attaching to Chrome, and one WebSocket
// connection per target. There is deliberately no multiplexed
// browser-level socket — sharing one socket serializes every command
// behind a single reader and stalls parallel tabs.
package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultCallTimeout bounds a single CDP command round-trip.
const DefaultCallTimeout = 10 * time.Second

const (
	networkSettle      = 100 * time.Millisecond
	networkIdleTimeout = 10 * time.Second
)

// ErrTimeout is returned when a call or event wait exceeds its deadline.
var ErrTimeout = errors.New("cdp: timed out")

// ErrClosed is returned once the underlying WebSocket is gone.
var ErrClosed = errors.New("cdp: transport closed")

// ProtocolError is a CDP-level error response to a command.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: protocol error %d: %s", e.Code, e.Message)
}

// message is the JSON-RPC frame CDP speaks in both directions.
type message struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// EventMatcher selects an event by method name and, optionally, by the
// value of one payload field (a gjson path into params).
type EventMatcher struct {
	Method string
	Field  string
	Value  string
}

func (m EventMatcher) matches(ev *message) bool {
	if ev.Method != m.Method {
		return false
	}
	if m.Field == "" {
		return true
	}
	return gjson.GetBytes(ev.Params, m.Field).String() == m.Value
}

// Conn is a per-target CDP connection with a single consumer. A read
// pump feeds frames into recv; Call and WaitEvent drain it in receive
// order, buffering events that arrive before anyone waits for them
// (Page.loadEventFired routinely beats the caller to the socket).
type Conn struct {
	ws     *websocket.Conn
	url    string
	nextID uint64

	recv    chan *message
	done    chan struct{}
	readErr error

	// events observed but not yet consumed, in receive order
	events []*message
}

// Dial connects to a per-target WebSocket URL.
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		WriteBufferSize:  1 << 20,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Conn{
		ws:     ws,
		url:    wsURL,
		nextID: 1,
		recv:   make(chan *message, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	logrus.WithField("url", wsURL).Debug("cdp connected")
	return c, nil
}

// Close tears down the WebSocket. Safe to call more than once.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			close(c.done)
			return
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			logrus.WithError(err).Debug("cdp: dropping unparseable frame")
			continue
		}
		select {
		case c.recv <- &m:
		case <-time.After(30 * time.Second):
			// Consumer gone without closing the socket. Bail rather
			// than block the pump forever.
			c.readErr = ErrClosed
			close(c.done)
			return
		}
	}
}

// next returns the next frame off the socket, respecting ctx and deadline.
func (c *Conn) next(ctx context.Context, deadline time.Time) (*message, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil, ErrTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case m := <-c.recv:
		return m, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Drain anything the pump delivered before dying.
		select {
		case m := <-c.recv:
			return m, nil
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
}

// Call sends a CDP command and waits for the response correlated by id.
// Events received while waiting are buffered for later WaitEvent calls.
// A timeout of zero means DefaultCallTimeout.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (gjson.Result, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	id := c.nextID
	c.nextID++

	frame := map[string]any{"id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		return gjson.Result{}, fmt.Errorf("%w: send %s: %v", ErrClosed, method, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		m, err := c.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return gjson.Result{}, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
			}
			return gjson.Result{}, err
		}
		if m.ID == id {
			if m.Error != nil {
				return gjson.Result{}, m.Error
			}
			return gjson.ParseBytes(m.Result), nil
		}
		if m.Method != "" {
			c.events = append(c.events, m)
		}
		// Responses to other ids are stale; drop them.
	}
}

// WaitEvent blocks until an event matching the matcher is observed.
// The event buffer is drained head-first so events that arrived before
// the wait began are seen in order.
func (c *Conn) WaitEvent(ctx context.Context, m EventMatcher, timeout time.Duration) (gjson.Result, error) {
	for i, ev := range c.events {
		if m.matches(ev) {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return gjson.ParseBytes(ev.Params), nil
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return gjson.Result{}, fmt.Errorf("%w: event %s after %s", ErrTimeout, m.Method, timeout)
			}
			return gjson.Result{}, err
		}
		if msg.Method == "" {
			continue // stale response
		}
		if m.matches(msg) {
			return gjson.ParseBytes(msg.Params), nil
		}
		c.events = append(c.events, msg)
	}
}

// longLived reports whether a request should be excluded from in-flight
// tracking: WebSockets, EventSource streams, and Storybook's HMR
// long-polling never finish and would hold network-idle open forever.
func longLived(resourceType, url string) bool {
	switch resourceType {
	case "WebSocket", "EventSource", "Ping":
		return true
	}
	for _, marker := range []string{"__webpack_hmr", "/sockjs-node/", "hot-update"} {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}

func trackNetwork(method string, params gjson.Result, pending map[string]struct{}) {
	id := params.Get("requestId").String()
	if id == "" {
		return
	}
	switch method {
	case "Network.requestWillBeSent":
		if longLived(params.Get("type").String(), params.Get("request.url").String()) {
			return
		}
		pending[id] = struct{}{}
	case "Network.loadingFinished", "Network.loadingFailed":
		delete(pending, id)
	}
}

// WaitNetworkIdle waits until no tracked request has been in flight for
// 100ms, giving up after 10s and proceeding — a late screenshot beats a
// hung run. Requires Network.enable.
func (c *Conn) WaitNetworkIdle(ctx context.Context) error {
	pending := make(map[string]struct{})

	// Account for network events that arrived before this wait, then
	// drop them from the buffer — nothing downstream wants them.
	kept := c.events[:0]
	for _, ev := range c.events {
		if strings.HasPrefix(ev.Method, "Network.") {
			trackNetwork(ev.Method, gjson.ParseBytes(ev.Params), pending)
			continue
		}
		kept = append(kept, ev)
	}
	c.events = kept

	deadline := time.Now().Add(networkIdleTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logrus.WithField("pending", len(pending)).Debug("network idle: deadline hit")
			return nil
		}

		// With nothing pending, a quiet settle window means idle.
		window := remaining
		if len(pending) == 0 && networkSettle < window {
			window = networkSettle
		}

		m, err := c.next(ctx, time.Now().Add(window))
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				if len(pending) == 0 {
					return nil // settled
				}
				continue // window was the deadline remainder; loop exits above
			}
			return err
		}
		if m.Method == "" {
			continue
		}
		if strings.HasPrefix(m.Method, "Network.") {
			trackNetwork(m.Method, gjson.ParseBytes(m.Params), pending)
			continue
		}
		c.events = append(c.events, m)
	}
}

// Eval evaluates a synchronous JS expression and returns the result.
func (c *Conn) Eval(ctx context.Context, expression string) (gjson.Result, error) {
	res, err := c.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}, 0)
	if err != nil {
		return gjson.Result{}, err
	}
	return res, checkJSException(res)
}

// EvalAsync evaluates a JS expression that returns a promise and awaits
// it. The call timeout must cover the script's own internal timeout.
func (c *Conn) EvalAsync(ctx context.Context, expression string, timeout time.Duration) (gjson.Result, error) {
	res, err := c.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":   expression,
		"awaitPromise": true,
	}, timeout)
	if err != nil {
		return gjson.Result{}, err
	}
	return res, checkJSException(res)
}

func checkJSException(res gjson.Result) error {
	if desc := res.Get("exceptionDetails.exception.description"); desc.Exists() {
		return fmt.Errorf("js error: %s", desc.String())
	}
	return nil
}

// ClipRect is a capture region in CSS pixels.
type ClipRect struct {
	X, Y, W, H float64
}

// CaptureScreenshot takes a PNG of the clip region and returns decoded
// bytes. beyondViewport captures content past the viewport bottom
// without resizing.
func (c *Conn) CaptureScreenshot(ctx context.Context, clip *ClipRect, beyondViewport bool) ([]byte, error) {
	params := map[string]any{
		"format":                "png",
		"captureBeyondViewport": beyondViewport,
	}
	if clip != nil {
		params["clip"] = map[string]any{
			"x": clip.X, "y": clip.Y,
			"width": clip.W, "height": clip.H,
			"scale": 1,
		}
	}
	res, err := c.Call(ctx, "Page.captureScreenshot", params, 20*time.Second)
	if err != nil {
		return nil, err
	}
	data := res.Get("data").String()
	if data == "" {
		return nil, fmt.Errorf("no screenshot data in response")
	}
	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot base64: %w", err)
	}
	return png, nil
}

// Navigate starts navigation to a URL. The event buffer is cleared
// first — load and network events from a prior navigation on this tab
// are stale and would satisfy waits they shouldn't.
func (c *Conn) Navigate(ctx context.Context, url string) error {
	stale := len(c.events)
	c.events = nil
	logrus.WithFields(logrus.Fields{"url": url, "stale": stale}).Debug("navigating")
	if _, err := c.Call(ctx, "Page.navigate", map[string]any{"url": url}, 0); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitPageLoad waits for Page.loadEventFired. A timeout is tolerated —
// some pages never fire load but render fine; later stages still gate
// on readiness.
func (c *Conn) WaitPageLoad(ctx context.Context) error {
	_, err := c.WaitEvent(ctx, EventMatcher{Method: "Page.loadEventFired"}, 10*time.Second)
	if errors.Is(err, ErrTimeout) {
		logrus.Warn("page load timed out after 10s, proceeding")
		return nil
	}
	return err
}

// SetViewport applies Emulation.setDeviceMetricsOverride.
func (c *Conn) SetViewport(ctx context.Context, width, height uint32, scale float64) error {
	if scale <= 0 {
		scale = 1
	}
	_, err := c.Call(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": scale,
		"mobile":            false,
	}, 0)
	if err != nil {
		return fmt.Errorf("set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// EnableDomains turns on the Page and Network domains for this target.
func (c *Conn) EnableDomains(ctx context.Context) error {
	if _, err := c.Call(ctx, "Page.enable", nil, 0); err != nil {
		return fmt.Errorf("enable Page domain: %w", err)
	}
	if _, err := c.Call(ctx, "Network.enable", nil, 0); err != nil {
		return fmt.Errorf("enable Network domain: %w", err)
	}
	return nil
}
