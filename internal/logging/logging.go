// Package logging configures the process-wide zerolog logger, grounded on
// the itohio-EasyRobot logger package: a console writer with caller info.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger tagged with component.
func New(component string, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(level).With().Timestamp().Caller().Str("component", component).Logger()
}
