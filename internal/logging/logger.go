// Package logging provides structured logging for the CLI.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/anonimadata/anonima-cli/internal/events"
)

// Logger wraps zerolog with the CLI's console format.
type Logger struct {
	zlog     zerolog.Logger
	eventBus *events.EventBus
	output   io.Writer // current output writer
}

// NewLogger creates a console logger writing to out. When eventBus is set,
// warnings and errors logged through Warnf/Errorf are also published as log events.
func NewLogger(out io.Writer, eventBus *events.EventBus) *Logger {
	l := &Logger{eventBus: eventBus}
	l.SetOutput(out)
	return l
}

// NewDefaultCLILogger creates a default CLI logger.
// Logs go to stderr so stdout stays clean for tables and exported data.
func NewDefaultCLILogger() *Logger {
	return NewLogger(os.Stderr, nil)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop(), output: io.Discard}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// With creates a child context for additional fields.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// WithJob returns a child logger that tags every entry with job_id.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		zlog:     l.zlog.With().Str("job_id", jobID).Logger(),
		eventBus: l.eventBus,
		output:   l.output,
	}
}

// SetOutput changes the output writer for the logger.
// This is useful for redirecting logs through progress bars.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.zlog = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// Debugf logs a debug message with printf-style formatting.
// This is only shown when debug/verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
	l.publish(events.ErrorLevel, format, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
	l.publish(events.WarnLevel, format, args...)
}

func (l *Logger) publish(level events.LogLevel, format string, args ...interface{}) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.PublishLog(level, fmt.Sprintf(format, args...), "", nil)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Configure global logger
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
