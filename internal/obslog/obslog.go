// Package obslog centralizes this module's two logging conventions: the
// bracket-prefixed stdlib *log.Logger the teacher's packages write
// directly to (`log.Printf("[AUDIT] ...")`, `log.Printf("[TASKLOG] ...")`)
// and the structured zerolog.Logger the Job Service's HTTP layer uses.
// Component is the one thing both had duplicated ad hoc across call
// sites; New and Component fix it in one place.
package obslog

import (
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a *log.Logger that prefixes every line with "[COMPONENT] ",
// matching the teacher's own `log.Printf("[AUDIT] ...")`-style call sites
// but without each package hand-rolling its own prefix string.
func New(component string) *log.Logger {
	return log.New(os.Stderr, "["+strings.ToUpper(component)+"] ", log.LstdFlags)
}

// RedirectToFile points the standard library's default logger at path,
// the way cmd/agsh/main.go redirects debug output to ~/.cache/agsh/debug.log
// so interactive terminal output stays clean. Callers keep the returned
// file open for the process lifetime and close it on exit.
func RedirectToFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return f, nil
}

// Component tags a zerolog.Logger with a "component" field, the
// structured-logging equivalent of New's bracket prefix, for the Job
// Service's HTTP layer where every log line already carries zerolog's own
// timestamp/level fields.
func Component(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
