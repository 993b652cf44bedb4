package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Logger struct {
	base zerolog.Logger
}

// NewLogger builds a JSON (or console) logger on stdout at the given level.
// Unknown levels fall back to info.
func NewLogger(level, format string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return NewLoggerWithWriter(out, level)
}

func NewLoggerWithWriter(out io.Writer, level string) *Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	base := zerolog.New(out).Level(parsed).With().Timestamp().Logger()
	return &Logger{base: base}
}

func NewNopLogger() *Logger {
	return &Logger{base: zerolog.Nop()}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.write(l.base.Debug(), message, fields)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(l.base.Info(), message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(l.base.Warn(), message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(l.base.Error(), message, fields)
}

func (l *Logger) write(event *zerolog.Event, message string, fields map[string]any) {
	if event == nil {
		return
	}
	event.Fields(fields).Msg(message)
}
