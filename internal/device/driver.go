// Package device drives a physical or emulated mobile device over a
// subprocess CLI tool (adb for Android, hdc for HarmonyOS). Every method
// returns the exact command string it executed, so callers can echo or
// log it verbatim (spec §4.1).
package device

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// defaultCmdTimeout bounds every single subprocess invocation. The retry
// loops in Screenshot live above this, in the screenshot service.
const defaultCmdTimeout = 15 * time.Second

// Driver is the device control surface. Android and HarmonyOS each
// implement it with their own CLI tool and input grammar.
type Driver interface {
	// Screenshot captures the current screen to pngPath and the UI
	// hierarchy dump to xmlPath. It reports whether the PNG ended up on
	// disk; the XML dump is best-effort (Android retries it up to 3 times,
	// HarmonyOS makes one attempt) and a missing dump does not make the
	// result false.
	Screenshot(ctx context.Context, pngPath, xmlPath string) (bool, error)

	Tap(ctx context.Context, x, y int) (string, error)
	Type(ctx context.Context, text string) (string, error)
	Delete(ctx context.Context, count int) (string, error)
	Slide(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error)
	Drag(ctx context.Context, x1, y1, x2, y2, durationMS int) (string, error)
	Back(ctx context.Context) (string, error)
	Home(ctx context.Context) (string, error)
}

// runShell runs command through a shell, honoring ctx cancellation and a
// per-command timeout, and returns stdout/stderr for callers that inspect
// output (e.g. HarmonyOS's dumpLayout, which streams XML to stdout rather
// than a file).
//
// Expectations:
//   - Returns the command's stdout trimmed of nothing (caller trims as needed)
//   - Returns a non-nil error when the command cannot start or the context expires
//   - Never returns an error solely because the subprocess exited non-zero —
//     a device-subprocess failure is reported through the screenshot/stdout
//     content, not the Go error, matching android_controller.py's _run_command
func runShell(ctx context.Context, command string) (stdout, stderr string, err error) {
	cctx, cancel := context.WithTimeout(ctx, defaultCmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", command)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// Non-zero device-subprocess exit isn't a driver error — the
		// reflector judges progress from the screenshot, not adb/hdc's
		// exit status. Only "couldn't even run it" errors propagate.
		runErr = nil
	}
	return outBuf.String(), errBuf.String(), runErr
}
