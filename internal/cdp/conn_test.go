package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeTarget is an in-process CDP endpoint. handle is invoked per
// command; it can reply and push events through the send func.
type fakeTarget struct {
	srv    *httptest.Server
	handle func(id uint64, method string, params gjson.Result, send func(v any))
}

func newFakeTarget(t *testing.T, handle func(id uint64, method string, params gjson.Result, send func(v any))) *fakeTarget {
	t.Helper()
	ft := &fakeTarget{handle: handle}
	upgrader := websocket.Upgrader{}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var mu sync.Mutex
		send := func(v any) {
			mu.Lock()
			defer mu.Unlock()
			_ = ws.WriteJSON(v)
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			ft.handle(frame.ID, frame.Method, gjson.ParseBytes(frame.Params), send)
		}
	}))
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTarget) wsURL() string {
	return "ws" + strings.TrimPrefix(ft.srv.URL, "http")
}

func dialFake(t *testing.T, ft *fakeTarget) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), ft.wsURL())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func event(method string, params map[string]any) map[string]any {
	return map[string]any{"method": method, "params": params}
}

func TestCall_CorrelatesByID(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		// Reply to an unrelated stale id first, then the real one.
		send(map[string]any{"id": id + 100, "result": map[string]any{"stale": true}})
		send(map[string]any{"id": id, "result": map[string]any{"echo": method}})
	})
	conn := dialFake(t, ft)

	res, err := conn.Call(context.Background(), "Page.enable", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Page.enable", res.Get("echo").String())
}

func TestCall_ProtocolError(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		send(map[string]any{"id": id, "error": map[string]any{"code": -32601, "message": "method not found"}})
	})
	conn := dialFake(t, ft)

	_, err := conn.Call(context.Background(), "Bogus.method", nil, 0)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32601), perr.Code)
	assert.Contains(t, perr.Message, "method not found")
}

func TestCall_Timeout(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		// Never reply.
	})
	conn := dialFake(t, ft)

	_, err := conn.Call(context.Background(), "Page.navigate", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitEvent_BufferedBeforeWait(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		// Fire the event before replying, so it lands in the buffer
		// while the Call is still draining frames.
		send(event("Page.loadEventFired", map[string]any{"timestamp": 1.0}))
		send(map[string]any{"id": id, "result": map[string]any{}})
	})
	conn := dialFake(t, ft)

	_, err := conn.Call(context.Background(), "Page.navigate", map[string]any{"url": "about:blank"}, 0)
	require.NoError(t, err)

	// The event arrived before this wait began; it must come from the buffer.
	params, err := conn.WaitEvent(context.Background(), EventMatcher{Method: "Page.loadEventFired"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1.0, params.Get("timestamp").Float())
}

func TestWaitEvent_FieldMatcher(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		send(event("Target.targetDestroyed", map[string]any{"targetId": "other"}))
		send(event("Target.targetDestroyed", map[string]any{"targetId": "mine"}))
		send(map[string]any{"id": id, "result": map[string]any{}})
	})
	conn := dialFake(t, ft)
	_, err := conn.Call(context.Background(), "Page.enable", nil, 0)
	require.NoError(t, err)

	params, err := conn.WaitEvent(context.Background(), EventMatcher{
		Method: "Target.targetDestroyed", Field: "targetId", Value: "mine",
	}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "mine", params.Get("targetId").String())

	// The non-matching event stays buffered.
	require.Len(t, conn.events, 1)
	assert.Equal(t, "other", gjson.GetBytes(conn.events[0].Params, "targetId").String())
}

func TestWaitEvent_Timeout(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {})
	conn := dialFake(t, ft)

	_, err := conn.WaitEvent(context.Background(), EventMatcher{Method: "Page.loadEventFired"}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitEvent_TransportClosed(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {})
	conn := dialFake(t, ft)
	// httptest stops tracking a connection once it is upgraded, so
	// CloseClientConnections would leave the WebSocket open; drop it
	// from the client side instead.
	conn.Close()

	_, err := conn.WaitEvent(context.Background(), EventMatcher{Method: "Page.loadEventFired"}, time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNavigate_ClearsStaleEvents(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		send(map[string]any{"id": id, "result": map[string]any{}})
	})
	conn := dialFake(t, ft)
	conn.events = append(conn.events, &message{Method: "Page.loadEventFired"})

	require.NoError(t, conn.Navigate(context.Background(), "http://localhost:6006/iframe.html?id=x"))
	assert.Empty(t, conn.events, "stale events must not satisfy the next load wait")
}

func TestWaitNetworkIdle_SettlesWhenQuiet(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		send(map[string]any{"id": id, "result": map[string]any{}})
	})
	conn := dialFake(t, ft)
	_, err := conn.Call(context.Background(), "Network.enable", nil, 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, conn.WaitNetworkIdle(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second, "quiet network should settle fast")
}

func TestWaitNetworkIdle_WaitsForInflight(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		send(event("Network.requestWillBeSent", map[string]any{
			"requestId": "r1", "type": "Fetch",
			"request": map[string]any{"url": "http://localhost:6006/main.js"},
		}))
		send(map[string]any{"id": id, "result": map[string]any{}})
		go func() {
			time.Sleep(150 * time.Millisecond)
			send(event("Network.loadingFinished", map[string]any{"requestId": "r1"}))
		}()
	})
	conn := dialFake(t, ft)
	_, err := conn.Call(context.Background(), "Network.enable", nil, 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, conn.WaitNetworkIdle(context.Background()))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "must wait out the in-flight request")
	assert.Less(t, elapsed, 5*time.Second)
}

func TestWaitNetworkIdle_IgnoresLongLived(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		// An HMR websocket that never finishes must not hold idle open.
		send(event("Network.requestWillBeSent", map[string]any{
			"requestId": "ws1", "type": "WebSocket",
			"request": map[string]any{"url": "ws://localhost:6006/storybook-server-channel"},
		}))
		send(map[string]any{"id": id, "result": map[string]any{}})
	})
	conn := dialFake(t, ft)
	_, err := conn.Call(context.Background(), "Network.enable", nil, 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, conn.WaitNetworkIdle(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLongLived(t *testing.T) {
	assert.True(t, longLived("WebSocket", "ws://x"))
	assert.True(t, longLived("EventSource", "http://x/events"))
	assert.True(t, longLived("Fetch", "http://localhost:6006/__webpack_hmr"))
	assert.True(t, longLived("XHR", "http://localhost:6006/sockjs-node/info"))
	assert.False(t, longLived("Document", "http://localhost:6006/iframe.html"))
	assert.False(t, longLived("Image", "http://localhost:6006/logo.png"))
}

func TestEval_JSException(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		send(map[string]any{"id": id, "result": map[string]any{
			"exceptionDetails": map[string]any{
				"exception": map[string]any{"description": "ReferenceError: nope is not defined"},
			},
		}})
	})
	conn := dialFake(t, ft)

	_, err := conn.Eval(context.Background(), "nope()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestCaptureScreenshot_DecodesBase64(t *testing.T) {
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		assert.Equal(t, "Page.captureScreenshot", method)
		assert.True(t, params.Get("captureBeyondViewport").Bool())
		assert.Equal(t, float64(3), params.Get("clip.width").Float())
		send(map[string]any{"id": id, "result": map[string]any{"data": "cG5nLWJ5dGVz"}})
	})
	conn := dialFake(t, ft)

	png, err := conn.CaptureScreenshot(context.Background(), &ClipRect{X: 0, Y: 0, W: 3, H: 4}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), png)
}

func TestSetViewport_Params(t *testing.T) {
	var got gjson.Result
	ft := newFakeTarget(t, func(id uint64, method string, params gjson.Result, send func(v any)) {
		got = params
		send(map[string]any{"id": id, "result": map[string]any{}})
	})
	conn := dialFake(t, ft)

	require.NoError(t, conn.SetViewport(context.Background(), 1366, 768, 0))
	assert.Equal(t, int64(1366), got.Get("width").Int())
	assert.Equal(t, int64(768), got.Get("height").Int())
	assert.Equal(t, float64(1), got.Get("deviceScaleFactor").Float(), "zero scale defaults to 1")
	assert.False(t, got.Get("mobile").Bool())
}

func TestParseHostPort(t *testing.T) {
	hp, err := parseHostPort("ws://127.0.0.1:39451/devtools/browser/abc-def")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:39451", hp)

	_, err = parseHostPort("http://127.0.0.1:9222/")
	assert.Error(t, err)
}
