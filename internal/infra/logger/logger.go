package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

type Logger struct {
	out           *log.Logger
	file          *os.File
	level         Level
	includeStdout bool
	prefix        string
}

// New opens (or appends to) the log file at filePath. Pass an empty path to
// log to stdout only.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	var w io.Writer = io.Discard
	var file *os.File
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		w = f
		file = f
	}

	return &Logger{
		out:           log.New(w, "", 0),
		file:          file,
		level:         level,
		includeStdout: includeStdout,
	}, nil
}

// Close flushes and closes the underlying log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithPrefix returns a logger that tags every line with a component name,
// e.g. "backpressure" or "cleanup". The underlying sink is shared.
func (l *Logger) WithPrefix(prefix string) *Logger {
	clone := *l
	clone.prefix = prefix
	return &clone
}

func (l *Logger) log(lvl Level, tag string, format string, v ...interface{}) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)

	var fullMsg string
	if l.prefix != "" {
		fullMsg = fmt.Sprintf("%s [%s] (%s) %s", timestamp, tag, l.prefix, msg)
	} else {
		fullMsg = fmt.Sprintf("%s [%s] %s", timestamp, tag, msg)
	}

	l.out.Println(fullMsg)

	// Debug stays file-only so stdout remains readable under poll spam
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Println(fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Write lets the logger act as an io.Writer sink for echo and friends.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
