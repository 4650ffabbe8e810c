package proxypool

import (
	"log"
	"strings"

	"github.com/function61/gokit/log/logex"
	"github.com/pkg/errors"
)

// Logger is implemented by any type that can log pool and instance events.
// Your custom logger can handle its own log level and skip the message if
// it's not needed, take a look to the default logger for a reference
// implementation.
type Logger interface {
	Errorf(format string, values ...any)
	Warnf(format string, values ...any)
	Infof(format string, values ...any)
	Debugf(format string, values ...any)
}

type LoggingLevel int

const (
	DEBUG LoggingLevel = iota
	INFO
	WARNING
	ERROR
)

func (l LoggingLevel) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARNING:
		return "warning"
	case ERROR:
		return "error"
	}
	return "unknown"
}

// ParseLevel accepts the names printed by LoggingLevel.String, in any case.
func ParseLevel(s string) (LoggingLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warning", "warn":
		return WARNING, nil
	case "error":
		return ERROR, nil
	}
	return INFO, errors.Errorf("unknown log level %q", s)
}

// DefaultLogger writes through logex so every line carries its level.
// logex has no warning level of its own, so one is derived with
// logex.CustomLevelPrefix.
type DefaultLogger struct {
	leveled *logex.Leveled
	warn    *log.Logger
	level   LoggingLevel
}

func NewDefaultLogger(level LoggingLevel) *DefaultLogger {
	return NewLogexLogger(logex.Prefix("proxypool", logex.StandardLogger()), level)
}

// NewLogexLogger levels an existing *log.Logger, for example one writing to
// a file or a test buffer.
func NewLogexLogger(base *log.Logger, level LoggingLevel) *DefaultLogger {
	base = logex.NonNil(base)
	return &DefaultLogger{
		leveled: logex.Levels(base),
		warn:    logex.Prefix(logex.CustomLevelPrefix("WARN"), base),
		level:   level,
	}
}

func (l *DefaultLogger) Level() LoggingLevel {
	return l.level
}

func (l *DefaultLogger) Errorf(format string, values ...any) {
	if l.level <= ERROR {
		l.leveled.Error.Printf(format, values...)
	}
}

func (l *DefaultLogger) Warnf(format string, values ...any) {
	if l.level <= WARNING {
		l.warn.Printf(format, values...)
	}
}

func (l *DefaultLogger) Infof(format string, values ...any) {
	if l.level <= INFO {
		l.leveled.Info.Printf(format, values...)
	}
}

func (l *DefaultLogger) Debugf(format string, values ...any) {
	if l.level <= DEBUG {
		l.leveled.Debug.Printf(format, values...)
	}
}

type discardLogger struct{}

func (discardLogger) Errorf(string, ...any) {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Debugf(string, ...any) {}

// DiscardLogger drops everything.
var DiscardLogger Logger = discardLogger{}

// prefixedLogger tags every line, e.g. with the port of an instance.
type prefixedLogger struct {
	Logger
	prefix string
}

func withPrefix(l Logger, prefix string) Logger {
	if l == nil {
		return DiscardLogger
	}
	return &prefixedLogger{Logger: l, prefix: "[" + prefix + "] "}
}

func (l *prefixedLogger) Errorf(format string, values ...any) {
	l.Logger.Errorf(l.prefix+format, values...)
}

func (l *prefixedLogger) Warnf(format string, values ...any) {
	l.Logger.Warnf(l.prefix+format, values...)
}

func (l *prefixedLogger) Infof(format string, values ...any) {
	l.Logger.Infof(l.prefix+format, values...)
}

func (l *prefixedLogger) Debugf(format string, values ...any) {
	l.Logger.Debugf(l.prefix+format, values...)
}

// logWriter feeds the relay engine's *log.Logger output into Logger at DEBUG
// level, one call per line.
type logWriter struct {
	Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.Debugf("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func relayLogger(l Logger) *log.Logger {
	return log.New(logWriter{l}, "", 0)
}
