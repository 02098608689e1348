// Package markengine turns a UI hierarchy dump into a Set-of-Mark (SoM)
// overlay: it selects the clickable/scrollable candidates, assigns each a
// stable mark index, draws the boxes and labels onto the screenshot, and
// emits the mark -> element JSON mapping the Action Service resolves
// marks against.
package markengine

import (
	"sort"
	"strconv"

	"github.com/scenagent/mobiletaskctl/internal/types"
)

// candidate is a selected node paired with its node type classification.
type candidate struct {
	node     Node
	nodeType string // "clickable" | "scrollable"
}

// fullscreenAreaRatio is the bounding-box-to-screen-area threshold above
// which a clickable node is considered a fullscreen-like overlay (spec
// §4.4 step 2) and is only kept when it also carries text, a resource-id,
// or a content-desc — otherwise it's almost always a background container
// riding along with real, more specific clickable targets underneath it.
const fullscreenAreaRatio = 0.85

// screenArea derives the screen's pixel area from the widest bounding box
// among the parsed nodes, the same heuristic the original perception step
// uses (the root hierarchy node's bounds cover the whole screen).
func screenArea(nodes []Node) int {
	right, bottom := 0, 0
	for _, n := range nodes {
		if n.Bounds.Right > right {
			right = n.Bounds.Right
		}
		if n.Bounds.Bottom > bottom {
			bottom = n.Bounds.Bottom
		}
	}
	area := right * bottom
	if area <= 0 {
		return 1
	}
	return area
}

// isFullscreenLike reports whether n's bounds cover at least
// fullscreenAreaRatio of the screen.
func isFullscreenLike(n Node, screenArea int) bool {
	return float64(n.Bounds.Area())/float64(screenArea) >= fullscreenAreaRatio
}

// isSemanticEnough reports whether n carries enough identifying
// information (visible text, a resource-id, or a content description) to
// be worth marking even when it's fullscreen-like.
func isSemanticEnough(n Node) bool {
	return n.Text != "" || n.ResourceID != "" || n.Desc != ""
}

// selectCandidates filters the parsed hierarchy down to enabled clickable
// and scrollable nodes with a non-degenerate bounding box, then applies
// spec §4.4 step 2's three extra rules: a node that is both clickable and
// scrollable is classified as "clickable" (clickable takes priority,
// matching the original SoM service's iteration order); a clickable node
// that covers most of the screen is dropped unless it carries text, a
// resource-id, or a content-desc; and within each category, nodes sharing
// an already-seen bounding box or center are deduplicated, keeping only
// the first occurrence (matching get_nodes_need_marked's seen_bounds/
// seen_center sets).
func selectCandidates(nodes []Node) []candidate {
	area := screenArea(nodes)

	var out []candidate
	seenBounds := map[string]map[Rect]bool{"clickable": {}, "scrollable": {}}
	seenCenter := map[string]map[[2]int]bool{"clickable": {}, "scrollable": {}}

	for _, n := range nodes {
		if !n.Enabled || n.Bounds.Area() <= 0 {
			continue
		}

		var nodeType string
		switch {
		case n.Clickable:
			nodeType = "clickable"
			if isFullscreenLike(n, area) && !isSemanticEnough(n) {
				continue
			}
		case n.Scrollable:
			nodeType = "scrollable"
		default:
			continue
		}

		b := n.Bounds
		center := [2]int{(b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2}
		if seenBounds[nodeType][b] || seenCenter[nodeType][center] {
			continue
		}
		seenBounds[nodeType][b] = true
		seenCenter[nodeType][center] = true

		out = append(out, candidate{node: n, nodeType: nodeType})
	}
	return out
}

// AssignMarks selects candidates from the parsed hierarchy and assigns
// each a stable mark index in area-ascending order (spec §4.4 invariant:
// mark indices are deterministic for a given hierarchy, smallest element
// first). Mark indices are emitted as decimal strings starting at "0".
//
// Expectations:
//   - Returns an empty map for a hierarchy with no clickable/scrollable nodes
//   - Mark "0" is always the candidate with the smallest bounding-box area
//   - Every returned SoMElement's Bounds/Center are in absolute pixels, unchanged from the input Node
func AssignMarks(nodes []Node) types.SoMMap {
	candidates := selectCandidates(nodes)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].node.Bounds.Area() < candidates[j].node.Bounds.Area()
	})

	out := make(types.SoMMap, len(candidates))
	for i, c := range candidates {
		b := c.node.Bounds
		cx := (b.Left + b.Right) / 2
		cy := (b.Top + b.Bottom) / 2
		mark := strconv.Itoa(i)
		out[mark] = types.SoMElement{
			Center:   [2]int{cx, cy},
			Bounds:   [2][2]int{{b.Left, b.Top}, {b.Right, b.Bottom}},
			NodeType: c.nodeType,
		}
	}
	return out
}
