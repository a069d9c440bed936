package capture

import "strings"

// disableAnimationsCSS freezes every animation-capable property.
// pointer-events and caret-color are included so hover artifacts and
// blinking carets can't leak into screenshots.
const disableAnimationsCSS = `
*,
*::before,
*::after {
  transition: none !important;
  animation: none !important;
}
* {
  pointer-events: none !important;
}
* {
  caret-color: transparent !important;
}
`

// injectCSSTemplate appends a <style> element with the given CSS.
const injectCSSTemplate = `
(function() {
    const style = document.createElement('style');
    style.textContent = ` + "`CSS_PLACEHOLDER`" + `;
    document.head.appendChild(style);
})()
`

// finishAnimationsJS settles in-progress animations through the Web
// Animations API. The CSS injection only prevents new CSS animations;
// JS-driven ones (framer-motion, GSAP) are already running and must be
// jumped to their end state — or cancelled when they never end.
const finishAnimationsJS = `
(function() {
    document.getAnimations().forEach(function(a) {
        try {
            var timing = a.effect && a.effect.getComputedTiming && a.effect.getComputedTiming();
            if (timing && Number.isFinite(timing.endTime)) {
                a.finish();
            } else {
                a.cancel();
            }
        } catch(e) {}
    });
})()
`

// waitForReadyJS resolves once fonts are loaded and the DOM has gone
// 100ms without a mutation; rejects after 10s.
const waitForReadyJS = `
(function waitForReady() {
    return new Promise((resolve, reject) => {
        const TIMEOUT = 10000;
        const DOM_SETTLE_MS = 100;

        const timer = setTimeout(() => {
            reject(new Error('Ready detection timed out after 10s'));
        }, TIMEOUT);

        const fontsReady = document.fonts.ready;

        const domStable = new Promise((res) => {
            let settleTimer = null;
            const observer = new MutationObserver(() => {
                if (settleTimer) clearTimeout(settleTimer);
                settleTimer = setTimeout(() => {
                    observer.disconnect();
                    res();
                }, DOM_SETTLE_MS);
            });
            observer.observe(document.documentElement, {
                childList: true,
                subtree: true,
                attributes: true,
                characterData: true,
            });
            settleTimer = setTimeout(() => {
                observer.disconnect();
                res();
            }, DOM_SETTLE_MS);
        });

        Promise.all([fontsReady, domStable]).then(() => {
            clearTimeout(timer);
            resolve('ready');
        }).catch((err) => {
            clearTimeout(timer);
            reject(err);
        });
    });
})()
`

// waitForStoryRootJS polls for the story root to exist with a non-zero
// bounding box (50ms interval, 10s timeout).
const waitForStoryRootJS = `
(function waitForStoryRoot() {
    return new Promise(function(resolve, reject) {
        var TIMEOUT = 10000;
        var INTERVAL = 50;
        var selector = '#storybook-root > *, #root > *';
        var timer = setTimeout(function() {
            reject(new Error('Story root selector "' + selector + '" not found or has zero dimensions after 10s'));
        }, TIMEOUT);
        function check() {
            var el = document.querySelector(selector);
            if (el) {
                var rect = el.getBoundingClientRect();
                if (rect.width > 0 && rect.height > 0) {
                    clearTimeout(timer);
                    resolve('found');
                    return;
                }
            }
            setTimeout(check, INTERVAL);
        }
        check();
    });
})()
`

// storyRootBoundsJS unions the rects of the story root's visible
// descendants. Walking children (instead of taking the root's own rect)
// catches absolutely-positioned content that overflows the body. Falls
// back to the body rect when no root container is found.
const storyRootBoundsJS = `
(function() {
    var selector = '#storybook-root > *, #root > *';

    function hasOverflow(el) {
        var s = window.getComputedStyle(el);
        var vals = ['auto', 'hidden', 'scroll'];
        return vals.indexOf(s.overflowY) !== -1 ||
               vals.indexOf(s.overflowX) !== -1 ||
               vals.indexOf(s.overflow) !== -1;
    }

    function hasFixedPosition(el) {
        return window.getComputedStyle(el).position === 'fixed';
    }

    function isElementHiddenByOverflow(el, ctx) {
        function isOutOfBounds() {
            try {
                var er = el.getBoundingClientRect();
                var cr = ctx.hasParentOverflowHidden.getBoundingClientRect();
                return er.top < cr.top || er.bottom > cr.bottom ||
                       er.left < cr.left || er.right > cr.right;
            } catch(e) { return false; }
        }
        if (hasFixedPosition(el)) return false;
        if (ctx.parentNotVisible) return true;
        if (ctx.hasParentFixedPosition && ctx.hasParentOverflowHidden &&
            ctx.hasParentFixedPosition === ctx.hasParentOverflowHidden)
            return isOutOfBounds();
        if (ctx.hasParentFixedPosition && ctx.hasParentOverflowHidden &&
            ctx.hasParentOverflowHidden !== ctx.hasParentFixedPosition &&
            ctx.hasParentOverflowHidden.contains(ctx.hasParentFixedPosition))
            return false;
        if (ctx.hasParentOverflowHidden) return isOutOfBounds();
        return false;
    }

    function isVisible(el) {
        var s = window.getComputedStyle(el);
        return !(s.visibility === 'hidden' || s.display === 'none' ||
                 s.opacity === '0' ||
                 ((s.width === '0px' || s.height === '0px') && s.padding === '0px'));
    }

    var elements = [];

    function walk(el, ctx) {
        if (!el) return;
        var ignoreOverflow = el.parentElement === ctx.root && hasOverflow(ctx.root);
        var hidden = ignoreOverflow ? false :
            isElementHiddenByOverflow(el, ctx);
        if (isVisible(el) && !ctx.isRoot && !hidden) {
            elements.push(el);
        }
        for (var node = el.firstChild; node; node = node.nextSibling) {
            if (node.nodeType === 1) {
                walk(node, {
                    root: ctx.root,
                    isRoot: false,
                    parentNotVisible: hidden,
                    hasParentFixedPosition: hasFixedPosition(el) ? el : ctx.hasParentFixedPosition,
                    hasParentOverflowHidden: hasOverflow(el) ? el : ctx.hasParentOverflowHidden,
                });
            }
        }
    }

    var roots = Array.from(document.querySelectorAll(selector))
        .map(function(e) { return e.parentElement; });
    var root = null;
    if (roots.length === 1) {
        root = roots[0];
    } else {
        root = roots.reduce(function(r, n) {
            if (!r) return n;
            return (r.contains(n) && r !== n) ? n : r;
        }, null);
    }

    if (!root || !root.children.length) {
        var br = document.body.getBoundingClientRect();
        return JSON.stringify({ x: br.x, y: br.y, width: br.width, height: br.height });
    }

    walk(root, {
        isRoot: true,
        root: root,
        hasParentOverflowHidden: null,
        hasParentFixedPosition: null,
        parentNotVisible: false,
    });

    if (elements.length === 0) {
        var br = document.body.getBoundingClientRect();
        return JSON.stringify({ x: br.x, y: br.y, width: br.width, height: br.height });
    }

    var union = null;
    for (var i = 0; i < elements.length; i++) {
        var r = elements[i].getBoundingClientRect();
        if (!union) {
            union = { x: r.x, y: r.y, width: r.width, height: r.height };
        } else {
            var xMin = Math.min(union.x, r.x);
            var yMin = Math.min(union.y, r.y);
            var xMax = Math.max(union.x + union.width, r.x + r.width);
            var yMax = Math.max(union.y + union.height, r.y + r.height);
            union = { x: xMin, y: yMin, width: xMax - xMin, height: yMax - yMin };
        }
    }

    return JSON.stringify({
        x: Math.floor(union.x),
        y: Math.floor(union.y),
        width: Math.ceil(union.width),
        height: Math.ceil(union.height)
    });
})()
`

// injectCSSJS builds the style-injection snippet with the CSS escaped
// for embedding in a JS template literal.
func injectCSSJS(css string) string {
	escaped := strings.NewReplacer(
		`\`, `\\`,
		"`", "\\`",
		"${", "\\${",
	).Replace(css)
	return strings.Replace(injectCSSTemplate, "CSS_PLACEHOLDER", escaped, 1)
}
