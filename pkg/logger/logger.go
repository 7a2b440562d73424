// Package logger provides the levelled logger used across rusers.
//
// It keeps a small printf-style API (Debug/Info/Warn/Error, WithField) on top
// of logrus so callers never touch logrus types directly.
package logger

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// LogLevel is a message severity, lowest first.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levels = [...]struct {
	name   string
	logrus logrus.Level
}{
	DEBUG: {"DEBUG", logrus.DebugLevel},
	INFO:  {"INFO", logrus.InfoLevel},
	WARN:  {"WARN", logrus.WarnLevel},
	ERROR: {"ERROR", logrus.ErrorLevel},
}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levels[l].name
}

// ParseLogLevel accepts any level name logrus knows, case-insensitively.
// Unknown names fall back to INFO.
func ParseLogLevel(s string) LogLevel {
	lv, err := logrus.ParseLevel(s)
	if err != nil {
		return INFO
	}
	return fromLogrus(lv)
}

func fromLogrus(lv logrus.Level) LogLevel {
	switch {
	case lv >= logrus.DebugLevel:
		return DEBUG
	case lv == logrus.InfoLevel:
		return INFO
	case lv == logrus.WarnLevel:
		return WARN
	default:
		return ERROR
	}
}

// Config holds logger configuration.
type Config struct {
	Level    string
	Output   string // "stdout", "stderr", or file path
	NoColor  bool
	ShowTime bool
}

// Logger is a logrus entry with printf-style helpers.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger. A nil config logs INFO and above to stderr. Colors are
// used only when the output is a terminal; a file output that cannot be
// opened falls back to stderr.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}

	var out io.Writer = os.Stderr
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			out = f
		}
	}

	color := !cfg.NoColor
	if f, ok := out.(*os.File); !ok || !IsTerminal(f) {
		color = false
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(levels[ParseLogLevel(cfg.Level)].logrus)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    !color,
		ForceColors:      color,
		DisableTimestamp: !cfg.ShowTime,
		FullTimestamp:    cfg.ShowTime,
		TimestampFormat:  "2006-01-02 15:04:05",
	})

	return &Logger{entry: logrus.NewEntry(l)}
}

// NewWithLevel creates a stderr logger at level.
func NewWithLevel(level string) *Logger {
	return New(&Config{Level: level})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

func (l *Logger) SetLevel(level LogLevel) {
	if level < DEBUG || level > ERROR {
		level = INFO
	}
	l.entry.Logger.SetLevel(levels[level].logrus)
}

func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// Level returns the current level.
func (l *Logger) Level() LogLevel {
	return fromLogrus(l.entry.Logger.GetLevel())
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithField returns a logger that attaches key=value to every message.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger that attaches all fields to every message.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// IsTerminal reports whether f is a terminal, Cygwin ptys included.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var std atomic.Pointer[Logger]

func init() {
	std.Store(New(nil))
}

// SetDefault replaces the package-level logger. A nil l is ignored.
func SetDefault(l *Logger) {
	if l != nil {
		std.Store(l)
	}
}

// Default returns the package-level logger.
func Default() *Logger {
	return std.Load()
}

func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }
func Info(format string, args ...interface{})  { Default().Info(format, args...) }
func Warn(format string, args ...interface{})  { Default().Warn(format, args...) }
func Error(format string, args ...interface{}) { Default().Error(format, args...) }
