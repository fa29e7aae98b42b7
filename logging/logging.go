// Package logging builds the host-side logger. The returned logger
// satisfies core.Logger, so engines and the dispatcher log through it
// directly.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultLevel is used when no level is configured
const DefaultLevel = "info"

// ParseLevel accepts debug, info, warn, error and fatal in any case
func ParseLevel(s string) (log.Level, error) {
	if strings.TrimSpace(s) == "" {
		s = DefaultLevel
	}
	return log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
}

// New creates a logfmt-style logger writing to w
func New(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "pixelbus",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
}

// NewFromString is New with a textual level
func NewFromString(w io.Writer, level string) (*log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return New(w, lvl), nil
}
