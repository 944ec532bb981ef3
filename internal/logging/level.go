package logging

import (
	"io"
	"log"
	"strings"
)

// Level orders log verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

// ParseLevel maps "debug", "info" and "warn" (any case); anything else is
// info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	default:
		return "info"
	}
}

// Flags used by every papertutor logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// New returns a component logger writing to w with a bracketed prefix, e.g.
// New(w, "settlement") logs as "[settlement] ...".
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", Flags)
}

// Enabled reports whether messages at msg pass the configured level.
func (l Level) Enabled(msg Level) bool {
	return msg >= l
}
