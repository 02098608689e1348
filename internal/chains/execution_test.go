package chains

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scenagent/mobiletaskctl/internal/action"
	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
)

type fakeExecutor struct {
	result agents.ExecutorResult
}

func (f *fakeExecutor) Run(ctx context.Context, s *state.State, screenshot llm.Image) (agents.ExecutorResult, llm.Usage, error) {
	return f.result, llm.Usage{}, nil
}

type fakeDriver struct {
	taps []struct{ x, y int }
}

func (d *fakeDriver) Screenshot(ctx context.Context, pngPath, xmlPath string) (bool, error) {
	return true, nil
}
func (d *fakeDriver) Tap(ctx context.Context, x, y int) (string, error) {
	d.taps = append(d.taps, struct{ x, y int }{x, y})
	return "tap", nil
}
func (d *fakeDriver) Type(ctx context.Context, text string) (string, error)     { return "type", nil }
func (d *fakeDriver) Delete(ctx context.Context, count int) (string, error)     { return "delete", nil }
func (d *fakeDriver) Slide(ctx context.Context, x1, y1, x2, y2, dur int) (string, error) {
	return "slide", nil
}
func (d *fakeDriver) Drag(ctx context.Context, x1, y1, x2, y2, dur int) (string, error) {
	return "drag", nil
}
func (d *fakeDriver) Back(ctx context.Context) (string, error) { return "back", nil }
func (d *fakeDriver) Home(ctx context.Context) (string, error) { return "home", nil }

func TestExecutionChain_AnswerSkipsDeviceDispatch(t *testing.T) {
	drv := &fakeDriver{}
	svc := action.NewService(drv, "vllm")
	c := NewExecutionChain(nil, svc)
	c.executor = &fakeExecutor{result: agents.ExecutorResult{
		Thought: "I have the answer", ActionJSON: `{"action":"answer","text":"42"}`, Description: "answer",
	}}

	s := state.New("t1", "what is the answer", "Calculator", "vllm")
	res, err := c.Run(context.Background(), s, 0, "", llm.Image{}, 1080, 1920)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer != "42" {
		t.Errorf("expected answer text, got %q", res.Answer)
	}
	if len(drv.taps) != 0 {
		t.Errorf("expected no device dispatch for answer action, got %d taps", len(drv.taps))
	}
}

func TestExecutionChain_EmptyThoughtRecordsInvalid(t *testing.T) {
	svc := action.NewService(&fakeDriver{}, "vllm")
	c := NewExecutionChain(nil, svc)
	c.executor = &fakeExecutor{result: agents.ExecutorResult{}}

	s := state.New("t1", "do something", "Settings", "vllm")
	res, err := c.Run(context.Background(), s, 0, "", llm.Image{}, 1080, 1920)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Invalid {
		t.Error("expected Invalid=true for empty thought/action")
	}
	last, ok := s.LastExecution()
	if !ok || last.Summary != "invalid action format, do nothing." {
		t.Errorf("got %+v ok=%v", last, ok)
	}
}

func TestExecutionChain_ClickDispatchesToDriver(t *testing.T) {
	drv := &fakeDriver{}
	svc := action.NewService(drv, "vllm")
	c := NewExecutionChain(nil, svc)
	c.executor = &fakeExecutor{result: agents.ExecutorResult{
		Thought: "tap the button", ActionJSON: `{"action":"click","coordinate":[500,500]}`, Description: "tap button",
	}}

	s := state.New("t1", "tap the button", "Settings", "vllm")
	res, err := c.Run(context.Background(), s, 1, "", llm.Image{}, 1080, 1920)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Invalid {
		t.Fatalf("expected valid execution, got invalid: %q", res.Description)
	}
	if len(drv.taps) != 1 {
		t.Fatalf("expected exactly one tap dispatched, got %d", len(drv.taps))
	}
}

func TestLoadSoMMapping_EmptyPathReturnsEmptyMap(t *testing.T) {
	som, err := loadSoMMapping("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(som) != 0 {
		t.Errorf("expected empty map, got %+v", som)
	}
}

func TestLoadSoMMapping_ReadsMappingSiblingToMarkedPNG(t *testing.T) {
	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "step_0_mapping.json")
	if err := os.WriteFile(mappingPath, []byte(`{"0":{"center":[10,20],"bounds":[[0,0],[20,40]],"node_type":"clickable"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	markedPath := filepath.Join(dir, "step_0_marked.png")
	som, err := loadSoMMapping(markedPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	el, ok := som["0"]
	if !ok || el.NodeType != "clickable" {
		t.Errorf("got %+v ok=%v", el, ok)
	}
}
