package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel orders log severities from DEBUG (most verbose) to ERROR. A logger
// writes a message only when its level is at or below the message's level.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled, printf-style logger writing through the standard
// library log package. Messages carry a `[LEVEL]` tag and, for loggers created
// with Named, a `<component>` tag. Loggers derived with Named share the level
// and output of their parent, so changing either on the root logger affects
// every component at once. Logger is safe for concurrent use.
type Logger struct {
	core      *core
	component string
}

type core struct {
	mu    sync.RWMutex
	level LogLevel
	out   *log.Logger
}

// New creates a root Logger writing to stderr at the given level. Unknown
// level names fall back to INFO, matching ParseLogLevel.
func New(level string) *Logger {
	return &Logger{
		core: &core{
			level: ParseLogLevel(level),
			out:   log.New(os.Stderr, "", log.LstdFlags),
		},
	}
}

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// Default returns the process-wide logger used by the package-level helpers.
// It is created on first use at INFO level; main raises or lowers it from the
// configured log level at startup.
func Default() *Logger {
	return getDefaultLogger()
}

// ParseLogLevel converts a level name to a LogLevel. Matching ignores case and
// surrounding whitespace, accepts WARNING as an alias of WARN, and returns
// INFO for anything unrecognised.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the level of the default logger.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the default logger's level as a string.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// Named returns a logger that tags every line with the component name. The
// returned logger shares level and output with l; only the tag differs.
func (l *Logger) Named(component string) *Logger {
	return &Logger{core: l.core, component: component}
}

// SetOutput redirects the logger, and every logger sharing its root, to w.
// Tests use it to silence or capture output.
func (l *Logger) SetOutput(w io.Writer) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.out.SetOutput(w)
}

// SetLevel sets the level shared by this logger and its derivatives.
func (l *Logger) SetLevel(level string) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = ParseLogLevel(level)
}

// GetLevel returns this logger's level as string
func (l *Logger) GetLevel() string {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	if name, ok := levelNames[l.core.level]; ok {
		return name
	}
	return "INFO"
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	return level >= l.core.level
}

func (l *Logger) logMessage(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	message := fmt.Sprintf(format, v...)
	if l.component != "" {
		message = "<" + l.component + "> " + message
	}
	l.core.out.Printf("[%s] %s", levelNames[level], message)
}

// Debug logs a message at DEBUG level. Arguments are formatted only when the
// level is enabled.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logMessage(DEBUG, format, v...)
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	l.logMessage(INFO, format, v...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logMessage(WARN, format, v...)
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	l.logMessage(ERROR, format, v...)
}

// Package-level helpers write through the default logger.

func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}
