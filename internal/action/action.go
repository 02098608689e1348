// Package action parses an agent's action JSON, resolves its coordinates
// (either a direct pixel/relative pair or a Set-of-Mark mark), and
// dispatches the resulting gesture to a device.Driver. This is the
// spec §4.5 Action Service.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/coordmap"
	"github.com/scenagent/mobiletaskctl/internal/device"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

// CoordKind selects how Coordinate/Coordinate2 values on a parsed Action
// are interpreted before device dispatch.
type CoordKind string

const (
	CoordAbsolute CoordKind = "abs"      // already device pixels
	CoordRelative CoordKind = "relative" // 0-1000 model space, needs coordmap.ToAbsolute
)

// Service executes actions against one device, resolving SoM marks against
// whatever mapping was set for the current screenshot.
type Service struct {
	Driver         device.Driver
	PerceptionMode string // "vllm" | "som" — only "som" consults SoM
	som            types.SoMMap
	lastUsedMark   string
}

// NewService constructs an action Service bound to a driver.
func NewService(drv device.Driver, perceptionMode string) *Service {
	return &Service{Driver: drv, PerceptionMode: perceptionMode}
}

// SetSoM installs the mark mapping for the screenshot the next action will
// be evaluated against, resetting the last-used-mark tracker.
func (s *Service) SetSoM(m types.SoMMap) {
	s.som = m
	s.lastUsedMark = ""
}

// LastUsedMark returns the mark consumed by the most recent action, or ""
// if the action did not reference a mark (used by the recorder agent to
// annotate script.json entries).
func (s *Service) LastUsedMark() string { return s.lastUsedMark }

// ParseAction parses an LLM's action JSON (after fence/think stripping by
// the caller) into a types.Action.
func ParseAction(raw string) (types.Action, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var a types.Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return types.Action{}, fmt.Errorf("action: parse: %w", err)
	}
	if err := validate(a); err != nil {
		return types.Action{}, err
	}
	return a, nil
}

// validate rejects action shapes the grammar does not allow — in
// particular a system_button value other than Back/Home (DESIGN.md Open
// Question (a): there is no Enter button).
func validate(a types.Action) error {
	if a.Type == types.ActionSystemButton && a.Button != types.ButtonBack && a.Button != types.ButtonHome {
		return fmt.Errorf("action: unknown system_button %q (only Back and Home are valid)", a.Button)
	}
	return nil
}

// resolveCoordinate resolves a Coordinate into absolute device pixels,
// either by looking it up in the current SoM mapping (mark form) or by
// converting a direct pair according to kind.
//
// Expectations:
//   - A mark not present in the current SoM mapping returns an error
//   - CoordRelative pairs are converted via coordmap.ToAbsolute
//   - CoordAbsolute pairs pass through unchanged
func (s *Service) resolveCoordinate(c *types.Coordinate, kind CoordKind, screenW, screenH int) (coordmap.Point, error) {
	if c == nil {
		return coordmap.Point{}, fmt.Errorf("action: missing coordinate")
	}
	if c.IsMark {
		if s.PerceptionMode != "som" {
			return coordmap.Point{}, fmt.Errorf("action: mark %q given but perception mode is not som", c.Mark)
		}
		el, ok := s.som[c.Mark]
		if !ok {
			return coordmap.Point{}, fmt.Errorf("action: mark %q not found in current SoM mapping", c.Mark)
		}
		s.lastUsedMark = c.Mark
		return coordmap.Point{X: el.Center[0], Y: el.Center[1]}, nil
	}
	if kind == CoordRelative {
		x, y := coordmap.ToAbsolute(c.X, c.Y, screenW, screenH)
		return coordmap.Point{X: x, Y: y}, nil
	}
	return coordmap.Point{X: c.X, Y: c.Y}, nil
}

// swipeDurationThresholdMS is the boundary at or above which a swipe
// dispatches as a drag rather than a slide (spec §8: threshold is ≥).
const swipeDurationThresholdMS = 1000

// Execute dispatches a parsed action to the device, returning the exact
// command string the driver ran (empty for "answer", which performs no
// device I/O). screenW/screenH are required whenever a relative coordinate
// or a full-screen-fallback swipe needs them; pass zero when unknown.
func (s *Service) Execute(ctx context.Context, a types.Action, kind CoordKind, screenW, screenH int) (string, error) {
	s.lastUsedMark = ""

	switch a.Type {
	case types.ActionAnswer:
		return "", nil

	case types.ActionClick:
		p, err := s.resolveCoordinate(a.Coordinate, kind, screenW, screenH)
		if err != nil {
			return "", err
		}
		return s.Driver.Tap(ctx, p.X, p.Y)

	case types.ActionTypeText:
		return s.Driver.Type(ctx, a.Text)

	case types.ActionDelete:
		count := a.Count
		if count <= 0 {
			count = 1
		}
		return s.Driver.Delete(ctx, count)

	case types.ActionSystemButton:
		switch a.Button {
		case types.ButtonBack:
			return s.Driver.Back(ctx)
		case types.ButtonHome:
			return s.Driver.Home(ctx)
		}
		return "", fmt.Errorf("action: unsupported system_button %q", a.Button)

	case types.ActionWait:
		return "wait", nil

	case types.ActionSwipe:
		return s.executeSwipe(ctx, a, kind, screenW, screenH)

	default:
		return "", fmt.Errorf("action: unknown action type %q", a.Type)
	}
}

func (s *Service) executeSwipe(ctx context.Context, a types.Action, kind CoordKind, screenW, screenH int) (string, error) {
	durationMS := int(a.Duration * 1000)
	if durationMS <= 0 {
		durationMS = 500
	}

	start, end, ok := s.resolveSwipePoints(a, kind, screenW, screenH)
	if !ok {
		return "", fmt.Errorf("action: could not resolve swipe geometry")
	}

	if durationMS >= swipeDurationThresholdMS {
		return s.Driver.Drag(ctx, start.X, start.Y, end.X, end.Y, durationMS)
	}
	return s.Driver.Slide(ctx, start.X, start.Y, end.X, end.Y, durationMS)
}

// resolveSwipePoints prefers the mark-anchored shape (Target+Direction)
// when both a target mark and a direction are present, falls back to the
// explicit two-coordinate shape, and finally to a full-screen swipe when
// the target mark has no bounds on record — the missing-bounds fallback
// named in spec §8.
func (s *Service) resolveSwipePoints(a types.Action, kind CoordKind, screenW, screenH int) (start, end coordmap.Point, ok bool) {
	if a.Target != "" && a.Direction != "" {
		dist := a.Distance
		if dist == 0 {
			dist = 0.6
		}
		if s.PerceptionMode == "som" {
			if el, found := s.som[a.Target]; found {
				s.lastUsedMark = a.Target
				b := coordmap.Bounds{Left: el.Bounds[0][0], Top: el.Bounds[0][1], Right: el.Bounds[1][0], Bottom: el.Bounds[1][1]}
				if start, end, ok = coordmap.MarkAnchoredSwipe(b, a.Direction, dist); ok {
					return start, end, true
				}
			}
		}
		return coordmap.FullScreenSwipe(screenW, screenH, a.Direction, dist)
	}

	if a.Coordinate != nil && a.Coordinate2 != nil {
		p1, err1 := s.resolveCoordinate(a.Coordinate, kind, screenW, screenH)
		p2, err2 := s.resolveCoordinate(a.Coordinate2, kind, screenW, screenH)
		if err1 == nil && err2 == nil {
			return p1, p2, true
		}
	}
	return coordmap.Point{}, coordmap.Point{}, false
}
