// Package screenshot wraps a device.Driver's Screenshot call with the
// retry policy spec §4.3 requires, then hands the result to the mark
// engine to produce a Set-of-Mark overlay when the task is running in
// "som" perception mode.
package screenshot

import (
	"context"
	"fmt"
	"image"
	_ "image/png" // register PNG decoding for image.Decode
	"os"
	"path/filepath"
	"time"

	"github.com/scenagent/mobiletaskctl/internal/device"
	"github.com/scenagent/mobiletaskctl/internal/markengine"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

// maxAttempts bounds the screenshot retry loop — a device in a bad state
// (locked screen, no foreground activity) should fail the step rather than
// retry forever. retryBackoff is the pause between attempts; it's a var
// rather than a const so tests can shrink it.
const maxAttempts = 5

var retryBackoff = 6 * time.Second

// Result is one captured and (optionally) marked screenshot.
type Result struct {
	PNGPath       string
	XMLPath       string
	MarkedPNGPath string // empty when perception mode is not "som"
	MappingPath   string // empty when perception mode is not "som"
	SoM           types.SoMMap
	ScreenWidth   int
	ScreenHeight  int
}

// Capture takes a screenshot+hierarchy dump via driver, retrying up to
// maxAttempts times when the driver reports failure, and — when
// perceptionMode is "som" — runs the Mark Engine over the result and
// writes the marked overlay + mapping JSON into markedDir.
//
// Expectations:
//   - Returns an error after maxAttempts consecutive failed captures
//   - Skips Mark Engine processing entirely when perceptionMode != "som"
func Capture(ctx context.Context, drv device.Driver, pngPath, xmlPath, markedDir, perceptionMode string) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := drv.Screenshot(ctx, pngPath, xmlPath)
		if err == nil && ok {
			return finish(pngPath, xmlPath, markedDir, perceptionMode)
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("screenshot: capture reported failure without error on attempt %d", attempt+1)
		}
		time.Sleep(retryBackoff)
	}
	return Result{}, fmt.Errorf("screenshot: exhausted %d attempts: %w", maxAttempts, lastErr)
}

func finish(pngPath, xmlPath, markedDir, perceptionMode string) (Result, error) {
	res := Result{PNGPath: pngPath, XMLPath: xmlPath}

	f, err := os.Open(pngPath)
	if err != nil {
		return Result{}, fmt.Errorf("screenshot: open captured png: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return Result{}, fmt.Errorf("screenshot: decode captured png: %w", err)
	}
	b := img.Bounds()
	res.ScreenWidth, res.ScreenHeight = b.Dx(), b.Dy()

	if perceptionMode != "som" {
		return res, nil
	}

	xmlBytes, err := os.ReadFile(xmlPath)
	if err != nil {
		return Result{}, fmt.Errorf("screenshot: read hierarchy dump: %w", err)
	}
	nodes, err := markengine.ParseHierarchy(xmlBytes)
	if err != nil {
		return Result{}, fmt.Errorf("screenshot: %w", err)
	}
	som := markengine.AssignMarks(nodes)

	base := trimExt(filepath.Base(pngPath))
	res.MarkedPNGPath = filepath.Join(markedDir, base+"_marked.png")
	res.MappingPath = filepath.Join(markedDir, base+"_mapping.json")

	if err := os.MkdirAll(markedDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("screenshot: create marked dir: %w", err)
	}
	if err := markengine.SaveOverlayPNG(img, som, res.MarkedPNGPath); err != nil {
		return Result{}, fmt.Errorf("screenshot: %w", err)
	}
	if err := markengine.SaveMappingJSON(som, res.MappingPath); err != nil {
		return Result{}, fmt.Errorf("screenshot: %w", err)
	}
	res.SoM = som
	return res, nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
