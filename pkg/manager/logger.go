package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel gates what a Logger prints
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelQuiet prints errors and Importantf messages only
	LogLevelQuiet
)

// LogFormat selects how log lines look
type LogFormat int

const (
	// LogFormatDefault picks LogFormatEmoji on a terminal and LogFormatGo otherwise
	LogFormatDefault LogFormat = iota
	// LogFormatGo is slog text output with timestamps, for logs that end up in files
	LogFormatGo
	LogFormatEmoji
	LogFormatColor
	LogFormatASCII
)

// Logger implements common.LoggerInterface on top of slog
type Logger struct {
	slogger *slog.Logger
	level   LogLevel
	out     io.Writer
}

// DefaultLogger is replaced by SetupDefaultLogger once the command line is parsed
var DefaultLogger = NewLogger(os.Stdout, LogLevelInfo)

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError, LogLevelQuiet:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a Logger writing timestamped slog text records to w
func NewLogger(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		slogger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: toSlogLevel(level)})),
		level:   level,
		out:     w,
	}
}

// NewColorfulLogger creates a Logger for humans: no timestamps, optional colors and emoji
func NewColorfulLogger(w io.Writer, level LogLevel, useColors, useEmoji bool) *Logger {
	return &Logger{
		slogger: slog.New(&SimpleHandler{w: w, level: toSlogLevel(level), useColors: useColors, useEmoji: useEmoji}),
		level:   level,
		out:     w,
	}
}

// SetLevel changes the level and keeps the output style
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	if h, ok := l.slogger.Handler().(*SimpleHandler); ok {
		l.slogger = slog.New(&SimpleHandler{w: h.w, level: toSlogLevel(level), useColors: h.useColors, useEmoji: h.useEmoji})
		return
	}
	l.slogger = slog.New(slog.NewTextHandler(l.out, &slog.HandlerOptions{Level: toSlogLevel(level)}))
}

func (l *Logger) log(threshold LogLevel, level slog.Level, msg string, args ...interface{}) {
	if l.level <= threshold {
		l.slogger.Log(context.Background(), level, msg, args...)
	}
}

// Debug logs msg with key/value pairs
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LogLevelDebug, slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LogLevelInfo, slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LogLevelWarn, slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LogLevelError, slog.LevelError, msg, args...) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LogLevelDebug, slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LogLevelInfo, slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LogLevelWarn, slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LogLevelError, slog.LevelError, fmt.Sprintf(format, args...))
}

// Importantf is printed at every level, including quiet. It carries the manual
// instructions (DNS records to create or delete) the user must not miss.
func (l *Logger) Importantf(format string, args ...interface{}) {
	l.slogger.Error(fmt.Sprintf(format, args...))
}

func isTerminal(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// SetupDefaultLogger replaces DefaultLogger with one for the given level and format
func SetupDefaultLogger(level LogLevel, format ...LogFormat) {
	logFormat := LogFormatDefault
	if len(format) > 0 {
		logFormat = format[0]
	}
	if logFormat == LogFormatDefault {
		logFormat = LogFormatGo
		if isTerminal(os.Stdout) {
			logFormat = LogFormatEmoji
		}
	}

	switch logFormat {
	case LogFormatEmoji:
		DefaultLogger = NewColorfulLogger(os.Stdout, level, false, true)
	case LogFormatColor:
		DefaultLogger = NewColorfulLogger(os.Stdout, level, true, false)
	case LogFormatASCII:
		DefaultLogger = NewColorfulLogger(os.Stdout, level, false, false)
	default:
		DefaultLogger = NewLogger(os.Stdout, level)
	}
}

// ParseLogLevel converts a -log-level value, reporting whether it was recognised
func ParseLogLevel(value string) (LogLevel, bool) {
	switch strings.ToLower(value) {
	case "debug":
		return LogLevelDebug, true
	case "info":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "error":
		return LogLevelError, true
	case "quiet":
		return LogLevelQuiet, true
	}
	return LogLevelInfo, false
}

// ParseLogFormat converts a -log-format value, reporting whether it was recognised
func ParseLogFormat(value string) (LogFormat, bool) {
	switch strings.ToLower(value) {
	case "go":
		return LogFormatGo, true
	case "emoji":
		return LogFormatEmoji, true
	case "color":
		return LogFormatColor, true
	case "ascii":
		return LogFormatASCII, true
	}
	return LogFormatDefault, false
}

// GetDefaultLogger returns the default logger
func GetDefaultLogger() *Logger {
	return DefaultLogger
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
)

type levelStyle struct {
	name  string
	color string
	emoji string
}

var levelStyles = map[slog.Level]levelStyle{
	slog.LevelDebug: {name: "DEBUG", color: "\033[36m", emoji: "🔍"},
	slog.LevelInfo:  {name: "INFO", color: "\033[32m", emoji: "ℹ️"},
	slog.LevelWarn:  {name: "WARN", color: "\033[33m", emoji: "⚠️"},
	slog.LevelError: {name: "ERROR", color: "\033[31m" + colorBold, emoji: "❌"},
}

// SimpleHandler is a slog.Handler printing "<prefix> <message> key=value..." lines
// without timestamps. The prefix is the level name, colored or replaced by an emoji.
type SimpleHandler struct {
	w         io.Writer
	level     slog.Leveler
	useColors bool
	useEmoji  bool
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *SimpleHandler) prefix(level slog.Level) string {
	style := levelStyles[level]
	switch {
	case h.useEmoji && h.useColors:
		return style.emoji + " " + style.color + style.name + colorReset
	case h.useEmoji:
		return style.emoji + " "
	case h.useColors:
		return style.color + style.name + colorReset
	default:
		return style.name
	}
}

func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.String()
		return true
	})
	if h.useColors && r.Level == slog.LevelError {
		msg = colorBold + msg + colorReset
	}
	if _, err := fmt.Fprintf(h.w, "%s %s\n", h.prefix(r.Level), msg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing log: %v\n", err)
	}
	return nil
}

// WithAttrs and WithGroup are not used by Logger; attributes travel with each record.
func (h *SimpleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *SimpleHandler) WithGroup(string) slog.Handler      { return h }
