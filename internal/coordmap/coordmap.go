// Package coordmap converts between the model's relative coordinate space
// (0-1000 on each axis) and a device's absolute pixel space, and computes
// swipe geometry for both mark-anchored and full-screen gestures.
package coordmap

import "math"

// relativeSpan is the width of the model's relative coordinate axis.
const relativeSpan = 1000

// ToAbsolute converts a relative [x, y] coordinate (0-1000) to absolute
// pixels for a screen of the given size.
//
// Expectations:
//   - (0, 0) maps to (0, 0) regardless of screen size
//   - (1000, 1000) maps to (screenWidth, screenHeight)
//   - Truncates toward zero, matching the original's int() cast
func ToAbsolute(x, y, screenWidth, screenHeight int) (int, int) {
	ax := x * screenWidth / relativeSpan
	ay := y * screenHeight / relativeSpan
	return ax, ay
}

// ToRelative converts an absolute pixel [x, y] coordinate to the relative
// 0-1000 space for a screen of the given size. ToRelative(ToAbsolute(x, y,
// w, h), w, h) need not reproduce (x, y) exactly — the conversion is lossy
// by truncation in both directions, matching spec §8's round-trip property
// (idempotent up to this truncation, not exact).
func ToRelative(x, y, screenWidth, screenHeight int) (int, int) {
	if screenWidth == 0 || screenHeight == 0 {
		return x, y
	}
	rx := x * relativeSpan / screenWidth
	ry := y * relativeSpan / screenHeight
	return rx, ry
}

// Point is an absolute pixel coordinate.
type Point struct{ X, Y int }

// Bounds is an absolute-pixel axis-aligned bounding box, top-left and
// bottom-right inclusive.
type Bounds struct{ Left, Top, Right, Bottom int }

const (
	markSwipeMarginFrac = 0.1
	markSwipeMinPx      = 50
	screenSwipeMinPx    = 200
	distanceMin         = 0.1
	distanceMax         = 0.9
)

// ClampDistance clamps a requested swipe distance fraction into [0.1, 0.9],
// the same bounds the original action service enforces. A non-finite or
// unparsable distance should be normalized to 0.6 by the caller before
// calling this function — ClampDistance itself only clamps range.
//
// Expectations:
//   - Values below 0.1 are raised to 0.1
//   - Values above 0.9 are lowered to 0.9
//   - Values inside [0.1, 0.9] pass through unchanged
func ClampDistance(d float64) float64 {
	return math.Max(distanceMin, math.Min(distanceMax, d))
}

// MarkAnchoredSwipe computes swipe start/end points inside a marked
// element's bounds, inset by a 10% margin on each side, for a requested
// direction and distance fraction. It returns false when the bounds are
// degenerate (zero or negative width/height).
//
// Expectations:
//   - "up"/"down" swipes move vertically, staying horizontally centered
//   - "left"/"right" swipes move horizontally, staying vertically centered
//   - the requested swipe length is at least markSwipeMinPx even for tiny
//     distance fractions; the end point is then clamped to the inset bounds,
//     so a small element yields a shorter swipe
//   - an unrecognized direction returns ok=false
func MarkAnchoredSwipe(b Bounds, direction string, distance float64) (start, end Point, ok bool) {
	w := b.Right - b.Left
	h := b.Bottom - b.Top
	if w <= 0 || h <= 0 {
		return Point{}, Point{}, false
	}
	marginX := maxInt(10, int(float64(w)*markSwipeMarginFrac))
	marginY := maxInt(10, int(float64(h)*markSwipeMarginFrac))
	usableW := maxInt(1, w-2*marginX)
	usableH := maxInt(1, h-2*marginY)
	dist := ClampDistance(distance)

	switch direction {
	case "up", "down":
		x := b.Left + w/2
		swipeLen := maxInt(markSwipeMinPx, int(dist*float64(usableH)))
		if direction == "up" {
			startY := b.Top + marginY + int(0.8*float64(usableH))
			endY := maxInt(b.Top+marginY, startY-swipeLen)
			return Point{x, startY}, Point{x, endY}, true
		}
		startY := b.Top + marginY + int(0.2*float64(usableH))
		endY := minInt(b.Bottom-marginY, startY+swipeLen)
		return Point{x, startY}, Point{x, endY}, true
	case "left", "right":
		y := b.Top + h/2
		swipeLen := maxInt(markSwipeMinPx, int(dist*float64(usableW)))
		if direction == "left" {
			startX := b.Left + marginX + int(0.8*float64(usableW))
			endX := maxInt(b.Left+marginX, startX-swipeLen)
			return Point{startX, y}, Point{endX, y}, true
		}
		startX := b.Left + marginX + int(0.2*float64(usableW))
		endX := minInt(b.Right-marginX, startX+swipeLen)
		return Point{startX, y}, Point{endX, y}, true
	default:
		return Point{}, Point{}, false
	}
}

// FullScreenSwipe computes swipe start/end points relative to the whole
// screen when no mark bounds are available, the fallback path spec §8
// names as a boundary behavior for "missing-bounds swipe".
//
// Expectations:
//   - direction "up"/"down" swipes vertically about the screen's horizontal center
//   - direction "left"/"right" swipes horizontally about the screen's vertical center
//   - the swipe length is at least screenSwipeMinPx
//   - the end point never leaves [0, screenWidth) x [0, screenHeight)
//   - an unrecognized direction returns ok=false
func FullScreenSwipe(screenWidth, screenHeight int, direction string, distance float64) (start, end Point, ok bool) {
	if screenWidth <= 0 || screenHeight <= 0 {
		return Point{}, Point{}, false
	}
	dist := ClampDistance(distance)
	switch direction {
	case "up":
		s := Point{screenWidth / 2, int(float64(screenHeight) * 0.75)}
		e := Point{s.X, maxInt(0, s.Y-maxInt(screenSwipeMinPx, int(dist*float64(screenHeight)*0.5)))}
		return s, e, true
	case "down":
		s := Point{screenWidth / 2, int(float64(screenHeight) * 0.25)}
		e := Point{s.X, minInt(screenHeight-1, s.Y+maxInt(screenSwipeMinPx, int(dist*float64(screenHeight)*0.5)))}
		return s, e, true
	case "left":
		s := Point{int(float64(screenWidth) * 0.8), screenHeight / 2}
		e := Point{maxInt(0, s.X-maxInt(screenSwipeMinPx, int(dist*float64(screenWidth)*0.5))), s.Y}
		return s, e, true
	case "right":
		s := Point{int(float64(screenWidth) * 0.2), screenHeight / 2}
		e := Point{minInt(screenWidth-1, s.X+maxInt(screenSwipeMinPx, int(dist*float64(screenWidth)*0.5))), s.Y}
		return s, e, true
	default:
		return Point{}, Point{}, false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
