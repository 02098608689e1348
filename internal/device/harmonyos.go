package device

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// HarmonyOSDriver drives a device through hdc (HarmonyOS Device Connector).
// It implements Driver.
type HarmonyOSDriver struct {
	HdcPath string
	Verbose bool
}

// NewHarmonyOSDriver constructs a driver for the given hdc executable path.
func NewHarmonyOSDriver(hdcPath string, verbose bool) *HarmonyOSDriver {
	return &HarmonyOSDriver{HdcPath: hdcPath, Verbose: verbose}
}

func (d *HarmonyOSDriver) exec(ctx context.Context, command string) (string, string, error) {
	if d.Verbose {
		log.Printf("[HDC] %s", command)
	}
	stdout, stderr, err := runShell(ctx, command)
	if err != nil {
		return stdout, command, fmt.Errorf("device: hdc command %q: %w (stderr: %s)", command, err, strings.TrimSpace(stderr))
	}
	return stdout, command, nil
}

// Screenshot captures /data/local/tmp/screenshot.png via `uitest screenCap`
// and receives it to pngPath. The UI hierarchy is obtained from
// `uitest dumpLayout`'s stdout directly (HarmonyOS has no file-dump
// equivalent of uiautomator dump across all uitest versions) and written to
// xmlPath only when the output actually looks like XML.
func (d *HarmonyOSDriver) Screenshot(ctx context.Context, pngPath, xmlPath string) (bool, error) {
	if _, _, err := d.exec(ctx, d.HdcPath+" shell rm -f /data/local/tmp/screenshot.png"); err != nil {
		return false, err
	}
	time.Sleep(500 * time.Millisecond)
	if _, _, err := d.exec(ctx, d.HdcPath+" shell uitest screenCap -p /data/local/tmp/screenshot.png"); err != nil {
		return false, err
	}
	time.Sleep(500 * time.Millisecond)
	if _, _, err := d.exec(ctx, fmt.Sprintf("%s file recv /data/local/tmp/screenshot.png %q", d.HdcPath, pngPath)); err != nil {
		return false, err
	}
	time.Sleep(500 * time.Millisecond)

	stdout, _, err := d.exec(ctx, d.HdcPath+" shell uitest dumpLayout")
	if err == nil && (strings.Contains(stdout, "<Hierarchy") || strings.Contains(stdout, "<?xml")) {
		if writeErr := os.WriteFile(xmlPath, []byte(stdout), 0o644); writeErr != nil {
			return fileExists(pngPath), fmt.Errorf("device: write harmonyos layout xml: %w", writeErr)
		}
	}

	return fileExists(pngPath), nil
}

func (d *HarmonyOSDriver) Tap(ctx context.Context, x, y int) (string, error) {
	_, cmd, err := d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput click %d %d", d.HdcPath, x, y))
	return cmd, err
}

// keyEventSpace and keyEventUnderscore are the uitest keyEvent codes for
// space and underscore, used by Type's per-character dispatch below.
const (
	keyEventSpace      = 2050
	keyEventUnderscore = 2054
)

// Type sends one uitest uiInput command per rune: letters/digits go
// through inputText directly, space and underscore go through dedicated
// keyEvent codes (HarmonyOS's inputText mishandles them), and the original
// controller's newline-to-underscore substitution is preserved as-is —
// HarmonyOS's uitest has no reliable multi-line inputText behavior.
func (d *HarmonyOSDriver) Type(ctx context.Context, text string) (string, error) {
	normalized := strings.NewReplacer("\\n", "_", "\n", "_").Replace(text)
	var commands []string
	for _, ch := range normalized {
		var cmd string
		var err error
		switch {
		case ch == ' ':
			_, cmd, err = d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput keyEvent %d", d.HdcPath, keyEventSpace))
		case ch == '_':
			_, cmd, err = d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput keyEvent %d", d.HdcPath, keyEventUnderscore))
		case isAlnum(ch):
			_, cmd, err = d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput inputText 1 1 %c", d.HdcPath, ch))
		case strings.ContainsRune(`-.,!?@'°/:;()`, ch):
			_, cmd, err = d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput inputText 1 1 %q", d.HdcPath, string(ch)))
		default:
			_, cmd, err = d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput inputText 1 1 %c", d.HdcPath, ch))
		}
		if err != nil {
			return strings.Join(commands, "; "), err
		}
		commands = append(commands, cmd)
	}
	return strings.Join(commands, "; "), nil
}

func isAlnum(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func (d *HarmonyOSDriver) Delete(ctx context.Context, count int) (string, error) {
	if count <= 0 {
		count = 1
	}
	var commands []string
	for i := 0; i < count; i++ {
		_, cmd, err := d.exec(ctx, d.HdcPath+" shell uitest uiInput keyEvent Delete")
		if err != nil {
			return strings.Join(commands, "; "), err
		}
		commands = append(commands, cmd)
	}
	return strings.Join(commands, "; "), nil
}

func (d *HarmonyOSDriver) Slide(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error) {
	_, cmd, err := d.exec(ctx, fmt.Sprintf("%s shell uitest uiInput swipe %d %d %d %d %d", d.HdcPath, x1, y1, x2, y2, durationMS))
	return cmd, err
}

// Drag has no dedicated uitest command on HarmonyOS; it is simulated with
// Slide at the requested duration, matching the original controller.
func (d *HarmonyOSDriver) Drag(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error) {
	return d.Slide(ctx, x1, y1, x2, y2, durationMS)
}

func (d *HarmonyOSDriver) Back(ctx context.Context) (string, error) {
	_, cmd, err := d.exec(ctx, d.HdcPath+" shell uitest uiInput keyEvent Back")
	return cmd, err
}

func (d *HarmonyOSDriver) Home(ctx context.Context) (string, error) {
	_, cmd, err := d.exec(ctx, d.HdcPath+" shell uitest uiInput keyEvent Home")
	return cmd, err
}
