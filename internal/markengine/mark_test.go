package markengine

import (
	"testing"
)

const sampleHierarchy = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <node index="0" class="android.widget.FrameLayout" bounds="[0,0][1080,2400]">
    <node index="0" class="android.widget.Button" text="Big" clickable="true" enabled="true" bounds="[0,0][1080,400]" />
    <node index="1" class="android.widget.Button" text="Small" clickable="true" enabled="true" bounds="[100,500][300,600]" />
    <node index="2" class="android.widget.ScrollView" scrollable="true" enabled="true" bounds="[0,700][1080,2400]" />
    <node index="3" class="android.widget.TextView" text="not clickable" enabled="true" bounds="[0,650][200,690]" />
  </node>
</hierarchy>`

func TestParseHierarchy_FlattensAndParsesBounds(t *testing.T) {
	nodes, err := ParseHierarchy([]byte(sampleHierarchy))
	if err != nil {
		t.Fatalf("ParseHierarchy: %v", err)
	}
	if len(nodes) != 5 { // root + 4 children
		t.Fatalf("expected 5 flattened nodes, got %d", len(nodes))
	}
}

func TestParseBounds_ValidAndInvalid(t *testing.T) {
	r, ok := parseBounds("[0,0][1080,200]")
	if !ok {
		t.Fatal("expected ok for valid bounds")
	}
	if r != (Rect{0, 0, 1080, 200}) {
		t.Errorf("got %+v", r)
	}
	if _, ok := parseBounds("garbage"); ok {
		t.Error("expected ok=false for malformed bounds")
	}
}

func TestAssignMarks_SmallestAreaGetsMarkZero(t *testing.T) {
	nodes, err := ParseHierarchy([]byte(sampleHierarchy))
	if err != nil {
		t.Fatalf("ParseHierarchy: %v", err)
	}
	marks := AssignMarks(nodes)

	// Only the 2 clickable buttons and 1 scrollable view qualify; the
	// plain TextView is not clickable/scrollable.
	if len(marks) != 3 {
		t.Fatalf("expected 3 marks, got %d: %+v", len(marks), marks)
	}
	zero, ok := marks["0"]
	if !ok {
		t.Fatal("expected mark \"0\" to exist")
	}
	// "Small" button (200x100=20000px) is smaller than "Big" (1080x400)
	// and the scrollable view — it must be mark 0.
	if zero.NodeType != "clickable" || zero.Center != [2]int{200, 550} {
		t.Errorf("unexpected mark 0: %+v", zero)
	}
}

func TestAssignMarks_EmptyHierarchyYieldsEmptyMap(t *testing.T) {
	marks := AssignMarks(nil)
	if len(marks) != 0 {
		t.Errorf("expected empty map, got %+v", marks)
	}
}

func TestRect_AreaZeroForDegenerate(t *testing.T) {
	if (Rect{0, 0, 0, 100}).Area() != 0 {
		t.Error("expected zero area for zero-width rect")
	}
}

const fullscreenOverlayHierarchy = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <node index="0" class="android.widget.FrameLayout" bounds="[0,0][1080,2400]">
    <node index="0" class="android.view.View" clickable="true" enabled="true" bounds="[0,0][1080,2400]" />
    <node index="1" class="android.widget.Button" text="OK" clickable="true" enabled="true" bounds="[0,0][1080,2400]" resource-id="com.app:id/ok" />
  </node>
</hierarchy>`

func TestAssignMarks_DropsFullscreenOverlayWithoutSemanticInfo(t *testing.T) {
	nodes, err := ParseHierarchy([]byte(fullscreenOverlayHierarchy))
	if err != nil {
		t.Fatalf("ParseHierarchy: %v", err)
	}
	marks := AssignMarks(nodes)

	// The bare fullscreen View carries no text/resource-id/content-desc and
	// must be dropped; the fullscreen Button survives because it has both
	// text and a resource-id.
	if len(marks) != 1 {
		t.Fatalf("expected 1 mark, got %d: %+v", len(marks), marks)
	}
	zero := marks["0"]
	if zero.NodeType != "clickable" {
		t.Errorf("expected the surviving mark to be clickable, got %+v", zero)
	}
}

const duplicateBoundsHierarchy = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <node index="0" class="android.widget.FrameLayout" bounds="[0,0][1080,2400]">
    <node index="0" class="android.widget.Button" text="Go" clickable="true" enabled="true" bounds="[100,200][300,400]" />
    <node index="1" class="android.widget.TextView" text="Go" clickable="true" enabled="true" bounds="[100,200][300,400]" />
  </node>
</hierarchy>`

func TestAssignMarks_DedupsIdenticalBoundsWithinCategory(t *testing.T) {
	nodes, err := ParseHierarchy([]byte(duplicateBoundsHierarchy))
	if err != nil {
		t.Fatalf("ParseHierarchy: %v", err)
	}
	marks := AssignMarks(nodes)

	if len(marks) != 1 {
		t.Fatalf("expected duplicate-bounds nodes to collapse to 1 mark, got %d: %+v", len(marks), marks)
	}
}
