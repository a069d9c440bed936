package capture

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapvrt/snapvrt/internal/cdp"
	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/errext"
)

// PipelineTimeout caps a whole capture, independently of the stage
// deadlines. It is shorter than their sum (10s page load, 10s network
// idle, 12s ready, 12s story root), so a capture whose stages each run
// close to their own limit is cut off by this cap.
const PipelineTimeout = 30 * time.Second

// viewportResizeSettle lets the page reflow after a loki-preset resize.
const viewportResizeSettle = 500 * time.Millisecond

// readyStageTimeout bounds the ready/story-root evals on the CDP side.
// The injected scripts reject themselves after 10s; the extra margin
// keeps the transport timeout from racing the in-page one.
const readyStageTimeout = 12 * time.Second

// Request is one capture operation.
type Request struct {
	URL    string
	Width  uint32
	Height uint32
	Scale  float64
}

// Artifact is a successful capture: a decodable, non-empty PNG plus
// its timing record and the viewport that was actually in effect (the
// loki preset may grow it for tall content; it never shrinks).
type Artifact struct {
	PNG             []byte
	Timings         Timings
	EffectiveWidth  uint32
	EffectiveHeight uint32
}

// Renderer owns the browser session and produces per-tab Sessions.
type Renderer struct {
	chrome   *cdp.Chrome
	strategy Strategy
	preset   string
}

// LaunchRenderer launches a local Chrome or connects to a remote one.
func LaunchRenderer(ctx context.Context, cfg config.CaptureConfig) (*Renderer, error) {
	var chrome *cdp.Chrome
	var err error
	if cfg.ChromeURL != "" {
		chrome, err = cdp.Connect(ctx, cfg.ChromeURL)
	} else {
		chrome, err = cdp.Launch(ctx)
	}
	if err != nil {
		return nil, errext.Wrap(errext.BrowserLaunch, err, "")
	}
	return &Renderer{
		chrome:   chrome,
		strategy: StrategyFromConfig(cfg),
		preset:   cfg.Preset,
	}, nil
}

// Local reports whether the browser runs on this machine.
func (r *Renderer) Local() bool { return r.chrome.Local() }

// Shutdown kills the browser (no-op for remote sessions).
func (r *Renderer) Shutdown() { r.chrome.Kill() }

// Session is one tab with its dedicated CDP connection. Sessions are
// single-use: one job, then closed. Reuse would leak service workers,
// storage, timers, and the injected stylesheet into the next story.
type Session struct {
	conn     *cdp.Conn
	tab      tab
	targetID string
	strategy Strategy
	preset   string
}

// TargetID identifies the underlying browser target.
func (s *Session) TargetID() string { return s.targetID }

// NewSession opens a fresh tab, dials its WebSocket, and enables the
// Page and Network domains.
func (r *Renderer) NewSession(ctx context.Context) (*Session, error) {
	targetID, wsURL, err := r.chrome.CreateTab(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := cdp.Dial(ctx, wsURL)
	if err != nil {
		// The tab exists but we can't talk to it; don't leak it.
		_ = r.chrome.CloseTab(context.WithoutCancel(ctx), targetID)
		return nil, err
	}
	if err := conn.EnableDomains(ctx); err != nil {
		conn.Close()
		_ = r.chrome.CloseTab(context.WithoutCancel(ctx), targetID)
		return nil, err
	}
	return &Session{
		conn:     conn,
		tab:      conn,
		targetID: targetID,
		strategy: r.strategy,
		preset:   r.preset,
	}, nil
}

// CloseSession drops the WebSocket, then closes the tab. Close runs
// detached from the caller's context so cancellation still cleans up.
func (r *Renderer) CloseSession(ctx context.Context, s *Session) error {
	s.conn.Close()
	return r.chrome.CloseTab(context.WithoutCancel(ctx), s.targetID)
}

// stageErr classifies a stage failure, folding in cancellation.
func stageErr(stage string, kind errext.Kind, err error) *errext.Error {
	if errors.Is(err, context.Canceled) {
		kind = errext.Cancelled
	}
	return errext.Wrap(kind, err, "").WithStage(stage)
}

// Capture runs the nine-stage pipeline for one request.
//
//  1. set viewport     4. network idle       7. story root wait
//  2. navigate         5. disable animations 8. clip compute
//  3. page load        6. ready wait         9. screenshot (+stability)
//
// Stages run strictly in order; the first failure aborts with a
// classified error. The caller closes the session either way.
func (s *Session) Capture(ctx context.Context, req Request) (*Artifact, error) {
	t := s.tab
	log := logrus.WithField("target", s.targetID)
	var tm Timings
	start := time.Now()
	mark := start
	lap := func(d *time.Duration) {
		now := time.Now()
		*d = now.Sub(mark)
		mark = now
	}

	log.WithFields(logrus.Fields{"w": req.Width, "h": req.Height}).Debug("1/9 set viewport")
	if err := t.SetViewport(ctx, req.Width, req.Height, req.Scale); err != nil {
		return nil, stageErr("viewport", errext.CdpProtocol, err)
	}
	lap(&tm.Viewport)

	log.WithField("url", req.URL).Debug("2/9 navigate")
	if err := t.Navigate(ctx, req.URL); err != nil {
		kind := errext.CdpProtocol
		if errors.Is(err, cdp.ErrTimeout) {
			kind = errext.NavigationTimeout
		}
		return nil, stageErr("navigate", kind, err)
	}
	lap(&tm.Navigate)

	log.Debug("3/9 wait page load")
	if err := t.WaitPageLoad(ctx); err != nil {
		return nil, stageErr("page_load", errext.NavigationTimeout, err)
	}
	lap(&tm.PageLoad)

	log.Debug("4/9 wait network idle")
	if err := t.WaitNetworkIdle(ctx); err != nil {
		return nil, stageErr("network", errext.CdpProtocol, err)
	}
	lap(&tm.Network)

	log.Debug("5/9 disable animations")
	if err := disableAnimations(ctx, t); err != nil {
		return nil, stageErr("animation", errext.CdpProtocol, err)
	}
	lap(&tm.Animation)

	log.Debug("6/9 wait ready")
	if _, err := t.EvalAsync(ctx, waitForReadyJS, readyStageTimeout); err != nil {
		return nil, stageErr("ready", errext.ReadyTimeout, err)
	}
	lap(&tm.Ready)

	log.Debug("7/9 wait story root")
	if _, err := t.EvalAsync(ctx, waitForStoryRootJS, readyStageTimeout); err != nil {
		return nil, stageErr("selector", errext.StoryRootTimeout, err)
	}
	lap(&tm.Selector)

	log.Debug("8/9 compute clip")
	clip, err := storyClip(ctx, t)
	if err != nil {
		return nil, stageErr("clip", errext.CdpProtocol, err)
	}

	// Clamp to viewport width; enforce a minimum box.
	if vw := float64(req.Width); clip.W > vw {
		clip.W = vw
	}
	clip.W = math.Max(clip.W, 1)
	clip.H = math.Max(clip.H, 1)

	effectiveW, effectiveH := req.Width, req.Height

	// Default capture reaches past the viewport without resizing. The
	// loki preset instead grows the viewport to the content height,
	// matching that tool's output byte for byte.
	beyondViewport := s.preset != config.PresetLoki
	resized := false
	if !beyondViewport && clip.H > float64(req.Height) {
		effectiveH = uint32(math.Ceil(clip.H))
		log.WithFields(logrus.Fields{"from": req.Height, "to": effectiveH}).Debug("growing viewport for tall content")
		if err := t.SetViewport(ctx, req.Width, effectiveH, req.Scale); err != nil {
			return nil, stageErr("clip", errext.CdpProtocol, err)
		}
		resized = true
		select {
		case <-ctx.Done():
			return nil, stageErr("clip", errext.Cancelled, ctx.Err())
		case <-time.After(viewportResizeSettle):
		}
	}
	lap(&tm.Clip)

	log.Debug("9/9 screenshot")
	png, notReached, err := s.strategy.take(ctx, t, &clip, beyondViewport)
	if err != nil {
		return nil, stageErr("screenshot", errext.CdpProtocol, err)
	}
	if len(png) == 0 {
		return nil, stageErr("screenshot", errext.CdpProtocol, errors.New("empty screenshot"))
	}
	lap(&tm.Screenshot)
	tm.StabilityNotReached = notReached
	if notReached {
		log.Warn("stability not reached, returning last screenshot")
	}

	if resized {
		// Restore for symmetry; the tab is closed right after, but a
		// failing restore still signals a sick target.
		if err := t.SetViewport(ctx, req.Width, req.Height, req.Scale); err != nil {
			log.WithError(err).Debug("viewport restore failed")
		}
	}

	tm.Total = time.Since(start)
	return &Artifact{
		PNG:             png,
		Timings:         tm,
		EffectiveWidth:  effectiveW,
		EffectiveHeight: effectiveH,
	}, nil
}
