// Package logging configures the structured logger shared by all server
// components.
package logging

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a structured logger writing to w. Verbose lowers the level to
// debug.
func New(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
}
