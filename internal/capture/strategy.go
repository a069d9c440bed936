package capture

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/snapvrt/snapvrt/internal/cdp"
	"github.com/snapvrt/snapvrt/internal/config"
)

// tab is the slice of cdp.Conn the pipeline drives. Narrowed to an
// interface so pipeline tests can run against a scripted fake.
type tab interface {
	SetViewport(ctx context.Context, width, height uint32, scale float64) error
	Navigate(ctx context.Context, url string) error
	WaitPageLoad(ctx context.Context) error
	WaitNetworkIdle(ctx context.Context) error
	Eval(ctx context.Context, expression string) (gjson.Result, error)
	EvalAsync(ctx context.Context, expression string, timeout time.Duration) (gjson.Result, error)
	CaptureScreenshot(ctx context.Context, clip *cdp.ClipRect, beyondViewport bool) ([]byte, error)
}

// Strategy is how the final screenshot is taken.
type Strategy struct {
	// Stable repeats the screenshot until two consecutive captures are
	// byte-identical. It is the main anti-flake net: it catches late
	// font swaps, lazy images, and transition residue that readiness
	// heuristics miss.
	Stable   bool
	Attempts int
	Delay    time.Duration
}

// StrategyFromConfig builds the screenshot strategy from capture config.
func StrategyFromConfig(cfg config.CaptureConfig) Strategy {
	return Strategy{
		Stable:   cfg.ScreenshotOrDefault() == config.ScreenshotStable,
		Attempts: cfg.AttemptsOrDefault(),
		Delay:    time.Duration(cfg.DelayOrDefault()) * time.Millisecond,
	}
}

// take captures the clip, looping for stability when enabled. The
// second return is true when the loop exhausted its attempts without a
// byte-identical pair.
func (s Strategy) take(ctx context.Context, t tab, clip *cdp.ClipRect, beyondViewport bool) ([]byte, bool, error) {
	prev, err := t.CaptureScreenshot(ctx, clip, beyondViewport)
	if err != nil {
		return nil, false, err
	}
	if !s.Stable || s.Attempts <= 1 {
		return prev, false, nil
	}

	for i := 1; i < s.Attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(s.Delay):
		}
		curr, err := t.CaptureScreenshot(ctx, clip, beyondViewport)
		if err != nil {
			return nil, false, err
		}
		if bytes.Equal(curr, prev) {
			return curr, false, nil
		}
		prev = curr
	}
	return prev, true, nil
}

// disableAnimations injects the freezing stylesheet and settles any
// already-running Web Animations API animations.
func disableAnimations(ctx context.Context, t tab) error {
	if _, err := t.Eval(ctx, injectCSSJS(disableAnimationsCSS)); err != nil {
		return fmt.Errorf("inject animation-disable css: %w", err)
	}
	if _, err := t.Eval(ctx, finishAnimationsJS); err != nil {
		return fmt.Errorf("finish animations: %w", err)
	}
	return nil
}

// storyClip computes the capture region from the story root's visible
// children.
func storyClip(ctx context.Context, t tab) (cdp.ClipRect, error) {
	res, err := t.Eval(ctx, storyRootBoundsJS)
	if err != nil {
		return cdp.ClipRect{}, err
	}
	raw := res.Get("result.value").String()
	if raw == "" {
		return cdp.ClipRect{}, fmt.Errorf("clip bounds: no value returned")
	}
	bounds := gjson.Parse(raw)
	return cdp.ClipRect{
		X: bounds.Get("x").Float(),
		Y: bounds.Get("y").Float(),
		W: bounds.Get("width").Float(),
		H: bounds.Get("height").Float(),
	}, nil
}
