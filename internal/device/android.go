package device

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"
)

// AndroidDriver drives a device through adb. It implements Driver.
type AndroidDriver struct {
	AdbPath  string // defaults to "adb" when empty
	DeviceID string // optional -s <serial> targeting
	Verbose  bool   // echo every shell command to log.Printf, per original's print_device_cmd
}

// NewAndroidDriver constructs a driver targeting a specific device serial.
// An empty deviceID omits -s and lets adb pick the sole attached device.
func NewAndroidDriver(adbPath, deviceID string, verbose bool) *AndroidDriver {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &AndroidDriver{AdbPath: adbPath, DeviceID: deviceID, Verbose: verbose}
}

func (d *AndroidDriver) base() string {
	if d.DeviceID != "" {
		return d.AdbPath + " -s " + d.DeviceID
	}
	return d.AdbPath
}

func (d *AndroidDriver) exec(ctx context.Context, command string) (string, error) {
	if d.Verbose {
		log.Printf("[ADB] %s", command)
	}
	_, stderr, err := runShell(ctx, command)
	if err != nil {
		return command, fmt.Errorf("device: adb command %q: %w (stderr: %s)", command, err, strings.TrimSpace(stderr))
	}
	return command, nil
}

// Screenshot captures /sdcard/screenshot.png and /sdcard/window_dump.xml and
// pulls both to pngPath/xmlPath. The XML pull is retried up to 3 times,
// matching the original controller's retry loop — uiautomator dump is
// flaky immediately after a UI transition.
func (d *AndroidDriver) Screenshot(ctx context.Context, pngPath, xmlPath string) (bool, error) {
	base := d.base()

	if _, err := d.exec(ctx, base+" shell rm -f /sdcard/screenshot.png"); err != nil {
		return false, err
	}
	time.Sleep(500 * time.Millisecond)
	if _, err := d.exec(ctx, base+" shell screencap -p /sdcard/screenshot.png"); err != nil {
		return false, err
	}
	time.Sleep(500 * time.Millisecond)
	if _, err := d.exec(ctx, fmt.Sprintf("%s pull /sdcard/screenshot.png %q", base, pngPath)); err != nil {
		return false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := d.exec(ctx, base+" shell rm -f /sdcard/window_dump.xml"); err != nil {
			return false, err
		}
		if _, err := d.exec(ctx, base+" shell uiautomator dump /sdcard/window_dump.xml"); err != nil {
			return false, err
		}
		time.Sleep(500 * time.Millisecond)
		if _, err := d.exec(ctx, fmt.Sprintf("%s pull /sdcard/window_dump.xml %q", base, xmlPath)); err != nil {
			return false, err
		}
		if fileExists(xmlPath) {
			break
		}
	}

	return fileExists(pngPath), nil
}

func (d *AndroidDriver) Tap(ctx context.Context, x, y int) (string, error) {
	return d.exec(ctx, fmt.Sprintf("%s shell input tap %d %d", d.base(), x, y))
}

// Type normalizes the text into lines (treating literal "\n" escapes and
// CRLF/CR the same as a real newline, per the original controller), then
// sends each line as a mix of `input text` segments (ASCII, percent-encoded
// with %s in place of %20 because `input text` treats a literal %20 as a
// space-terminated token boundary) and ADBKeyboard broadcast intents (one
// per non-ASCII rune, assuming an ADBKeyboard IME is installed), joining
// lines with an Enter keyevent.
func (d *AndroidDriver) Type(ctx context.Context, text string) (string, error) {
	normalized := strings.NewReplacer("\\n", "\n", "\r\n", "\n", "\r", "\n").Replace(text)
	lines := strings.Split(normalized, "\n")
	base := d.base()

	var commands []string
	sendSegment := func(seg string) error {
		if seg == "" {
			return nil
		}
		encoded := encodeForInputText(seg)
		cmd, err := d.exec(ctx, fmt.Sprintf("%s shell input text %s", base, shQuote(encoded)))
		if err != nil {
			return err
		}
		commands = append(commands, cmd)
		return nil
	}
	sendBroadcastChar := func(ch rune) error {
		cmd, err := d.exec(ctx, fmt.Sprintf("%s shell am broadcast -a ADB_INPUT_TEXT --es msg %s", base, shQuote(string(ch))))
		if err != nil {
			return err
		}
		commands = append(commands, cmd)
		return nil
	}
	sendEnter := func() error {
		cmd, err := d.exec(ctx, base+" shell input keyevent 66")
		if err != nil {
			return err
		}
		commands = append(commands, cmd)
		return nil
	}

	for i, line := range lines {
		var buf strings.Builder
		for _, ch := range line {
			if ch < 128 {
				buf.WriteRune(ch)
				continue
			}
			if err := sendSegment(buf.String()); err != nil {
				return strings.Join(commands, "; "), err
			}
			buf.Reset()
			if err := sendBroadcastChar(ch); err != nil {
				return strings.Join(commands, "; "), err
			}
		}
		if err := sendSegment(buf.String()); err != nil {
			return strings.Join(commands, "; "), err
		}
		if i != len(lines)-1 {
			if err := sendEnter(); err != nil {
				return strings.Join(commands, "; "), err
			}
		}
	}
	return strings.Join(commands, "; "), nil
}

func (d *AndroidDriver) Delete(ctx context.Context, count int) (string, error) {
	if count <= 0 {
		count = 1
	}
	base := d.base()
	var commands []string
	for i := 0; i < count; i++ {
		cmd, err := d.exec(ctx, base+" shell input keyevent 67")
		if err != nil {
			return strings.Join(commands, "; "), err
		}
		commands = append(commands, cmd)
	}
	return strings.Join(commands, "; "), nil
}

func (d *AndroidDriver) Slide(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error) {
	return d.exec(ctx, fmt.Sprintf("%s shell input swipe %d %d %d %d %d", d.base(), x1, y1, x2, y2, durationMS))
}

// Drag uses `input draganddrop`, which has no duration parameter on real
// devices — durationMS is accepted for interface symmetry with Slide but
// unused, matching the original controller's comment that the parameter
// is kept only for call-site consistency.
func (d *AndroidDriver) Drag(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error) {
	return d.exec(ctx, fmt.Sprintf("%s shell input draganddrop %d %d %d %d", d.base(), x1, y1, x2, y2))
}

func (d *AndroidDriver) Back(ctx context.Context) (string, error) {
	return d.exec(ctx, d.base()+" shell input keyevent 4")
}

func (d *AndroidDriver) Home(ctx context.Context) (string, error) {
	return d.exec(ctx, d.base()+" shell am start -a android.intent.action.MAIN -c android.intent.category.HOME")
}

// encodeForInputText percent-encodes s for `adb shell input text`, then
// substitutes %20 with the literal sequence %s — `input text` on stock
// Android keyboards treats a bare percent-encoded space as a token
// separator rather than an actual space character.
//
// Expectations:
//   - Leaves unreserved characters (letters, digits, -_.~) untouched
//   - Percent-encodes spaces then rewrites %20 to %s
//   - Percent-encodes other reserved punctuation normally
func encodeForInputText(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	return strings.ReplaceAll(encoded, "%20", "%s")
}

// shQuote single-quotes s for safe inclusion in a shell command line,
// escaping any embedded single quotes the POSIX-portable way.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
