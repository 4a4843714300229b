// Package logging provides the three named component loggers the
// supervisor wires into the modulator, demodulator, and itself.
package logging

import (
	"log"
	"os"
)

const (
	ComponentSupervisor  = "audio-modem"
	ComponentModulator   = "audio-[mo]dem"
	ComponentDemodulator = "audio-mo[dem]"
)

// Logger tags every line with its component name.
type Logger struct {
	*log.Logger
}

// New returns a Logger tagged with component, writing to stderr.
func New(component string) *Logger {
	return &Logger{log.New(os.Stderr, "["+component+"] ", log.LstdFlags)}
}

// Warnf logs a transient, recoverable condition.
func (l *Logger) Warnf(format string, args ...any) {
	l.Printf("WARN "+format, args...)
}

// Errorf logs a fatal condition about to trigger shutdown.
func (l *Logger) Errorf(format string, args ...any) {
	l.Printf("ERROR "+format, args...)
}
