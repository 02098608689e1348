// Package stagnation implements the UI-tree stagnation check: when the
// Reflector judges a step made no progress ("C"), this package compares
// the before/after hierarchy dumps directly rather than trusting the
// model's screenshot comparison, since a vision model can mistake a
// subtly-scrolled list or a blinking cursor for "no change". A confirmed
// stagnant pair escalates the outcome to give-up ("N"); an unconfirmed one
// means the screens genuinely differ and the "C" verdict was wrong, so the
// outcome is promoted back to advance ("A").
package stagnation

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipperhouse/uax29/v2/words"
)

// DefaultThreshold is the similarity at or above which two UI trees are
// considered the same screen.
const DefaultThreshold = 0.9

// rawNode mirrors one <node> element, carrying every attribute the token
// signature reads. Unlike markengine.Node (selection-focused: bounds,
// clickable, scrollable) this keeps the full identity surface needed to
// tell two screens apart.
type rawNode struct {
	XMLName    xml.Name  `xml:"node"`
	Package    string    `xml:"package,attr"`
	Class      string    `xml:"class,attr"`
	ResourceID string    `xml:"resource-id,attr"`
	Text       string    `xml:"text,attr"`
	Desc       string    `xml:"content-desc,attr"`
	Hint       string    `xml:"hint,attr"`
	Bounds     string    `xml:"bounds,attr"`
	Clickable  string    `xml:"clickable,attr"`
	Scrollable string    `xml:"scrollable,attr"`
	Editable   string    `xml:"editable,attr"`
	Checkable  string    `xml:"checkable,attr"`
	Checked    string    `xml:"checked,attr"`
	Enabled    string    `xml:"enabled,attr"`
	Selected   string    `xml:"selected,attr"`
	Focused    string    `xml:"focused,attr"`
	Children   []rawNode `xml:"node"`
}

type rawRoot struct {
	XMLName xml.Name  `xml:"hierarchy"`
	Nodes   []rawNode `xml:"node"`
}

func flatten(content []byte) ([]rawNode, error) {
	var root rawRoot
	if err := xml.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("stagnation: parse hierarchy: %w", err)
	}
	var out []rawNode
	var walk func(n rawNode)
	walk = func(n rawNode) {
		out = append(out, n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, n := range root.Nodes {
		walk(n)
	}
	return out, nil
}

// primaryPackage returns the package attribute value appearing on the
// largest number of nodes — the app under test, as opposed to system UI
// chrome (status bar, nav bar, IME) that shows up in small, roughly
// constant numbers on every screen regardless of which app is foreground.
// Filtering to it keeps the comparison focused on content that actually
// changes between steps.
func primaryPackage(nodes []rawNode) string {
	counts := make(map[string]int, 4)
	for _, n := range nodes {
		if n.Package == "" {
			continue
		}
		counts[n.Package]++
	}
	best, bestCount := "", 0
	for pkg, c := range counts {
		if c > bestCount {
			best, bestCount = pkg, c
		}
	}
	return best
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// normalizeText collapses a text/content-desc/hint attribute into a
// lowercased, whitespace-canonical token sequence. Word segmentation
// (rather than a plain whitespace split) keeps the signature stable across
// CJK UI text, where uiautomator attributes rarely contain ASCII spaces
// between logical words.
func normalizeText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	var toks []string
	seg := words.NewSegmenter([]byte(s))
	for seg.Next() {
		tok := strings.ToLower(strings.TrimSpace(string(seg.Value())))
		if tok == "" {
			continue
		}
		isWord := false
		for _, r := range tok {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 0x2000 {
				isWord = true
				break
			}
		}
		if !isWord {
			continue
		}
		toks = append(toks, tok)
	}
	return strings.Join(toks, " ")
}

func isTrue(s string) bool { return s == "true" }

// nodeToken renders one node's identity into a single comparable string:
// class, resource id, truncated text/desc/hint, bounds, and the
// comma-joined set of attributes that are "true" (only the true ones are
// listed — most UI elements are not checkable/selected/focused, so
// omitting the false ones keeps the token short).
func nodeToken(n rawNode) string {
	var flags []string
	for _, f := range []struct {
		name string
		val  bool
	}{
		{"clickable", isTrue(n.Clickable)},
		{"scrollable", isTrue(n.Scrollable)},
		{"editable", isTrue(n.Editable)},
		{"checkable", isTrue(n.Checkable)},
		{"checked", isTrue(n.Checked)},
		{"enabled", isTrue(n.Enabled)},
		{"selected", isTrue(n.Selected)},
		{"focused", isTrue(n.Focused)},
	} {
		if f.val {
			flags = append(flags, f.name)
		}
	}
	return strings.Join([]string{
		n.Class,
		n.ResourceID,
		truncate(normalizeText(n.Text), 80),
		truncate(normalizeText(n.Desc), 80),
		truncate(normalizeText(n.Hint), 80),
		n.Bounds,
		strings.Join(flags, ","),
	}, "|")
}

// ExtractTokens parses a hierarchy dump and returns one token per node
// belonging to the primary (most frequent) package. A dump with no
// package attributes at all (some drivers omit it) falls back to every
// node.
func ExtractTokens(xmlContent []byte) ([]string, error) {
	nodes, err := flatten(xmlContent)
	if err != nil {
		return nil, err
	}
	pkg := primaryPackage(nodes)
	tokens := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if pkg != "" && n.Package != "" && n.Package != pkg {
			continue
		}
		tokens = append(tokens, nodeToken(n))
	}
	return tokens, nil
}

// Jaccard returns |a ∩ b| / |a ∪ b| over the two token sets, treating each
// slice as a set (duplicates collapse). Two empty sets are defined as
// fully similar (1.0) — two dumps with nothing to compare should not be
// treated as maximally different.
func Jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// Checker confirms or rejects a reflector's "no progress" verdict by
// comparing the raw hierarchy dumps from before and after the action.
type Checker struct {
	Threshold float64
}

// NewChecker returns a Checker using threshold, or DefaultThreshold when
// threshold <= 0.
func NewChecker(threshold float64) *Checker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Checker{Threshold: threshold}
}

// Confirm reads the before/after hierarchy dumps at the given paths and
// reports their similarity and whether it meets the confirm-stagnant
// threshold.
//
// Expectations:
//   - Similarity 1.0 for byte-identical dumps
//   - Confirmed is similarity >= Threshold
func (c *Checker) Confirm(beforeXMLPath, afterXMLPath string) (similarity float64, confirmed bool, err error) {
	before, err := os.ReadFile(beforeXMLPath)
	if err != nil {
		return 0, false, fmt.Errorf("stagnation: read before dump: %w", err)
	}
	after, err := os.ReadFile(afterXMLPath)
	if err != nil {
		return 0, false, fmt.Errorf("stagnation: read after dump: %w", err)
	}
	beforeTokens, err := ExtractTokens(before)
	if err != nil {
		return 0, false, err
	}
	afterTokens, err := ExtractTokens(after)
	if err != nil {
		return 0, false, err
	}
	sim := Jaccard(beforeTokens, afterTokens)
	return sim, sim >= c.Threshold, nil
}

// ResolveXMLPath maps a captured screenshot path to its sibling hierarchy
// dump. A plain screenshot's dump is the same path with its extension
// replaced by ".xml". A SoM overlay ("..._marked.png") lives one directory
// down, in a "marked/" subdirectory next to the plain screenshots — the
// dump belongs to the original capture, one directory up.
func ResolveXMLPath(screenshotPath string) string {
	dir := filepath.Dir(screenshotPath)
	base := filepath.Base(screenshotPath)
	if strings.HasSuffix(base, "_marked.png") {
		orig := strings.TrimSuffix(base, "_marked.png") + ".xml"
		return filepath.Join(filepath.Dir(dir), orig)
	}
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+".xml")
}
