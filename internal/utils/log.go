// Package utils holds small cross-cutting helpers shared by every component:
// the process-wide structured logger and the debug dump helper.
package utils

import (
	"io"
	"os"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
	logWriter  io.Writer = os.Stdout
)

// SetWriter redirects the process logger's output. Must be called, if at
// all, before the first call to Logger(). Rotation, shipping, and file
// sinks are an operator concern external to this package.
func SetWriter(w io.Writer) {
	logWriter = w
}

// Logger returns the process-wide structured logger. Components log
// through it directly, attaching fields such as round or peer per call.
func Logger() *zerolog.Logger {
	loggerOnce.Do(func() {
		logger = zerolog.New(logWriter).With().Timestamp().Logger()
	})
	return &logger
}

// Dump renders v as a deeply-expanded string for debug-level log fields —
// round/vote state is a nest of maps and sets that %+v flattens uselessly.
func Dump(v interface{}) string {
	return spew.Sdump(v)
}
