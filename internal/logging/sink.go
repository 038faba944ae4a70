package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level. Unknown names fall back to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	sinkInstance *sink
	sinkOnce     sync.Once
)

// sink owns the shared log destination. Component loggers share one sink so
// output interleaves in a single file.
type sink struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  Level
	echo   io.Writer
}

func getSink() *sink {
	sinkOnce.Do(func() {
		sinkInstance = newSink()
	})
	return sinkInstance
}

func newSink() *sink {
	s := &sink{
		level: ParseLevel(os.Getenv("NEURON_LOG_LEVEL")),
		echo:  os.Stderr,
	}

	dir := os.Getenv("NEURON_LOG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Printf("logging: resolve home directory: %v", err)
			return s
		}
		dir = home
	}

	logPath := filepath.Join(dir, "neuron-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: open log file: %v", err)
		return s
	}

	s.file = file
	s.logger = log.New(file, "", 0)
	return s
}

// SetLevel adjusts the minimum severity written by the shared sink.
func SetLevel(level Level) {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// Close releases the shared log file, if one was opened.
func Close() error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [component] file.go:123 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if component == "" {
		component = "neuron"
	}
	message := fmt.Sprintf(format, args...)
	logLine := Redact(fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level, component, file, line, message))

	if s.logger != nil {
		s.logger.Print(logLine)
	}
	if s.echo != nil {
		fmt.Fprint(s.echo, logLine)
	}
}

type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger returns the shared application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: getSink(), component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(LevelError, l.component, format, args...)
}

const redactedPlaceholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,})`,
	)
)

// Redact masks credential material in a log line before it reaches any sink.
func Redact(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := authorizationBearerPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + submatches[2] + redactedPlaceholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + redactedPlaceholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + redactedPlaceholder
	})

	return standaloneSecretPattern.ReplaceAllString(sanitized, redactedPlaceholder)
}
