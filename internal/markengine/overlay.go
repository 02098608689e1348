package markengine

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"sort"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/scenagent/mobiletaskctl/internal/types"
)

var (
	clickableColor  = color.RGBA{255, 0, 0, 180}
	scrollableColor = color.RGBA{0, 255, 0, 180}
	boxLineWidth    = 3
)

// DrawOverlay draws a box and a mark-index label for every entry in marks
// onto a copy of src, coloring clickable boxes red and scrollable boxes
// green, matching the original SoM service's two-pass coloring. The label
// is drawn at the box's top-left corner.
func DrawOverlay(src image.Image, marks types.SoMMap) image.Image {
	bounds := src.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, src, bounds.Min, draw.Src)

	// Deterministic draw order: sort marks numerically so the overlay is
	// reproducible across runs with identical input.
	keys := make([]string, 0, len(marks))
	for k := range marks {
		keys = append(keys, k)
	}
	sortNumericStrings(keys)

	for _, mark := range keys {
		el := marks[mark]
		col := clickableColor
		if el.NodeType == "scrollable" {
			col = scrollableColor
		}
		r := image.Rect(el.Bounds[0][0], el.Bounds[0][1], el.Bounds[1][0], el.Bounds[1][1])
		drawBox(out, r, col)
		drawLabel(out, r.Min.X, r.Min.Y, mark, col)
	}
	return out
}

func drawBox(img *image.RGBA, r image.Rectangle, col color.Color) {
	for w := 0; w < boxLineWidth; w++ {
		top := image.Rect(r.Min.X, r.Min.Y+w, r.Max.X, r.Min.Y+w+1)
		bottom := image.Rect(r.Min.X, r.Max.Y-w-1, r.Max.X, r.Max.Y-w)
		left := image.Rect(r.Min.X+w, r.Min.Y, r.Min.X+w+1, r.Max.Y)
		right := image.Rect(r.Max.X-w-1, r.Min.Y, r.Max.X-w, r.Max.Y)
		for _, edge := range []image.Rectangle{top, bottom, left, right} {
			draw.Draw(img, edge.Intersect(img.Bounds()), &image.Uniform{col}, image.Point{}, draw.Over)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, bg color.Color) {
	face := basicfont.Face7x13
	width := face.Width * len(label) // approximate background width (fixed-width font)
	labelBox := image.Rect(x, y, x+width+4, y+face.Height+2)
	draw.Draw(img, labelBox.Intersect(img.Bounds()), &image.Uniform{bg}, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x+2, y+face.Height),
	}
	d.DrawString(label)
}

// SaveOverlayPNG draws the overlay and writes it to path as a PNG.
func SaveOverlayPNG(src image.Image, marks types.SoMMap, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("markengine: create overlay file: %w", err)
	}
	defer f.Close()
	return png.Encode(f, DrawOverlay(src, marks))
}

// SaveMappingJSON writes the SoM map to path as indented JSON, the exact
// file shape spec §6 names as a per-run artifact.
func SaveMappingJSON(marks types.SoMMap, path string) error {
	b, err := json.MarshalIndent(marks, "", "  ")
	if err != nil {
		return fmt.Errorf("markengine: marshal mapping: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadMappingJSON reads a previously saved SoM map back from disk.
func LoadMappingJSON(path string) (types.SoMMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("markengine: read mapping: %w", err)
	}
	var m types.SoMMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("markengine: unmarshal mapping: %w", err)
	}
	return m, nil
}

// sortNumericStrings sorts decimal mark-index strings by numeric value,
// not lexicographically ("10" must sort after "2").
func sortNumericStrings(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
}
