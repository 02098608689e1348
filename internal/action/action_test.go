package action

import (
	"context"
	"fmt"
	"testing"

	"github.com/scenagent/mobiletaskctl/internal/types"
)

// fakeDriver records every call it receives and returns a deterministic
// command string, so tests can assert on dispatch without a real device.
type fakeDriver struct {
	calls []string
}

func (f *fakeDriver) record(s string) (string, error) {
	f.calls = append(f.calls, s)
	return s, nil
}

func (f *fakeDriver) Screenshot(ctx context.Context, pngPath, xmlPath string) (bool, error) {
	return true, nil
}
func (f *fakeDriver) Tap(ctx context.Context, x, y int) (string, error) {
	return f.record(fmt.Sprintf("tap %d %d", x, y))
}
func (f *fakeDriver) Type(ctx context.Context, text string) (string, error) {
	return f.record("type " + text)
}
func (f *fakeDriver) Delete(ctx context.Context, count int) (string, error) {
	return f.record(fmt.Sprintf("delete %d", count))
}
func (f *fakeDriver) Slide(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error) {
	return f.record(fmt.Sprintf("slide %d %d %d %d %d", x1, y1, x2, y2, durationMS))
}
func (f *fakeDriver) Drag(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error) {
	return f.record(fmt.Sprintf("drag %d %d %d %d %d", x1, y1, x2, y2, durationMS))
}
func (f *fakeDriver) Back(ctx context.Context) (string, error) { return f.record("back") }
func (f *fakeDriver) Home(ctx context.Context) (string, error) { return f.record("home") }

func TestParseAction_StripsFencesAndParsesClick(t *testing.T) {
	raw := "```json\n{\"action\":\"click\",\"coordinate\":[500,500]}\n```"
	a, err := ParseAction(raw)
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if a.Type != types.ActionClick || a.Coordinate == nil || a.Coordinate.X != 500 {
		t.Errorf("unexpected action: %+v", a)
	}
}

func TestParseAction_MarkCoordinate(t *testing.T) {
	a, err := ParseAction(`{"action":"click","coordinate":"3"}`)
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if !a.Coordinate.IsMark || a.Coordinate.Mark != "3" {
		t.Errorf("expected mark coordinate \"3\", got %+v", a.Coordinate)
	}
}

func TestParseAction_RejectsEnterSystemButton(t *testing.T) {
	_, err := ParseAction(`{"action":"system_button","button":"Enter"}`)
	if err == nil {
		t.Fatal("expected error for unsupported system_button Enter")
	}
}

func TestExecute_ClickRelativeCoordinate(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "vllm")
	a := types.Action{Type: types.ActionClick, Coordinate: &types.Coordinate{X: 500, Y: 500}}
	cmd, err := svc.Execute(context.Background(), a, CoordRelative, 1080, 2400)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd != "tap 540 1200" {
		t.Errorf("got %q", cmd)
	}
}

func TestExecute_ClickMarkCoordinateResolvesThroughSoM(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "som")
	svc.SetSoM(types.SoMMap{"0": {Center: [2]int{111, 222}, Bounds: [2][2]int{{100, 200}, {122, 244}}, NodeType: "clickable"}})
	a := types.Action{Type: types.ActionClick, Coordinate: &types.Coordinate{Mark: "0", IsMark: true}}
	cmd, err := svc.Execute(context.Background(), a, CoordAbsolute, 0, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd != "tap 111 222" {
		t.Errorf("got %q", cmd)
	}
	if svc.LastUsedMark() != "0" {
		t.Errorf("expected LastUsedMark 0, got %q", svc.LastUsedMark())
	}
}

func TestExecute_UnknownMarkIsError(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "som")
	svc.SetSoM(types.SoMMap{})
	a := types.Action{Type: types.ActionClick, Coordinate: &types.Coordinate{Mark: "9", IsMark: true}}
	if _, err := svc.Execute(context.Background(), a, CoordAbsolute, 0, 0); err == nil {
		t.Fatal("expected error for unresolved mark")
	}
}

func TestExecute_SwipeBelowThresholdIsSlide(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "vllm")
	a := types.Action{
		Type:       types.ActionSwipe,
		Coordinate: &types.Coordinate{X: 100, Y: 100},
		Coordinate2: &types.Coordinate{X: 100, Y: 400},
		Duration:   0.5,
	}
	cmd, err := svc.Execute(context.Background(), a, CoordAbsolute, 1080, 2400)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd[:5] != "slide" {
		t.Errorf("expected slide dispatch, got %q", cmd)
	}
}

func TestExecute_SwipeAtThresholdIsDrag(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "vllm")
	a := types.Action{
		Type:       types.ActionSwipe,
		Coordinate: &types.Coordinate{X: 100, Y: 100},
		Coordinate2: &types.Coordinate{X: 100, Y: 400},
		Duration:   1.0,
	}
	cmd, err := svc.Execute(context.Background(), a, CoordAbsolute, 1080, 2400)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd[:4] != "drag" {
		t.Errorf("expected drag dispatch, got %q", cmd)
	}
}

func TestExecute_SwipeMarkAnchoredFallsBackToFullScreen(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "som")
	svc.SetSoM(types.SoMMap{})
	a := types.Action{Type: types.ActionSwipe, Target: "0", Direction: "up", Distance: 0.5, Duration: 0.3}
	cmd, err := svc.Execute(context.Background(), a, CoordAbsolute, 1080, 2400)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd[:5] != "slide" {
		t.Errorf("expected slide dispatch for full-screen fallback, got %q", cmd)
	}
}

func TestExecute_AnswerPerformsNoDeviceIO(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "vllm")
	cmd, err := svc.Execute(context.Background(), types.Action{Type: types.ActionAnswer, Text: "done"}, CoordAbsolute, 0, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd != "" || len(drv.calls) != 0 {
		t.Errorf("expected no driver calls for answer, got cmd=%q calls=%v", cmd, drv.calls)
	}
}

func TestExecute_DeleteDefaultsCountToOne(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "vllm")
	cmd, err := svc.Execute(context.Background(), types.Action{Type: types.ActionDelete}, CoordAbsolute, 0, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cmd != "delete 1" {
		t.Errorf("got %q", cmd)
	}
}

func TestExecute_SystemButtonBackAndHome(t *testing.T) {
	drv := &fakeDriver{}
	svc := NewService(drv, "vllm")
	cmd, err := svc.Execute(context.Background(), types.Action{Type: types.ActionSystemButton, Button: types.ButtonBack}, CoordAbsolute, 0, 0)
	if err != nil || cmd != "back" {
		t.Errorf("back: cmd=%q err=%v", cmd, err)
	}
	cmd, err = svc.Execute(context.Background(), types.Action{Type: types.ActionSystemButton, Button: types.ButtonHome}, CoordAbsolute, 0, 0)
	if err != nil || cmd != "home" {
		t.Errorf("home: cmd=%q err=%v", cmd, err)
	}
}
