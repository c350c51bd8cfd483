package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents the logging level.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
	FATAL: "\033[35m", // Magenta
}

const colorReset = "\033[0m"

// sink is the shared destination of a logger and all of its named children.
type sink struct {
	mu          sync.Mutex
	level       Level
	output      io.Writer
	colorEnable bool
}

// Logger writes leveled messages. Loggers returned by Named share the
// level and output of their parent.
type Logger struct {
	sink      *sink
	component string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger with the specified level.
func Init(levelStr string) {
	once.Do(func() {
		defaultLogger = New(os.Stdout, levelStr)
	})
}

// New creates a standalone logger writing to w.
func New(w io.Writer, levelStr string) *Logger {
	return &Logger{
		sink: &sink{
			level:       ParseLevel(levelStr),
			output:      w,
			colorEnable: isTerminal(w),
		},
	}
}

func std() *Logger {
	if defaultLogger == nil {
		Init("info")
	}
	return defaultLogger
}

// Named returns a child of the default logger tagged with component.
func Named(component string) *Logger {
	return std().Named(component)
}

// SetLevel sets the logging level for the default logger.
func SetLevel(levelStr string) {
	if defaultLogger == nil {
		Init(levelStr)
		return
	}
	defaultLogger.SetLevel(levelStr)
}

// SetOutput sets the output destination for the default logger.
func SetOutput(w io.Writer) {
	l := std()
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
	l.sink.colorEnable = isTerminal(w)
}

// SetColorEnable enables or disables color output.
func SetColorEnable(enable bool) {
	l := std()
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.colorEnable = enable
}

// ParseLevel converts a string to a Level. Unknown names map to INFO.
func ParseLevel(levelStr string) Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Named returns a logger that prefixes every message with [component].
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{sink: l.sink, component: name}
}

// SetLevel changes the level of l and every logger sharing its output.
func (l *Logger) SetLevel(levelStr string) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = ParseLevel(levelStr)
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return level >= l.sink.level
}

// log writes a log message if the level is sufficient.
func (l *Logger) log(level Level, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level < l.sink.level {
		return
	}

	message := fmt.Sprintf(format, args...)
	if l.component != "" {
		message = "[" + l.component + "] " + message
	}
	levelName := levelNames[level]

	var output string
	if l.sink.colorEnable {
		color := levelColors[level]
		output = fmt.Sprintf("%s[%s]%s %s", color, levelName, colorReset, message)
	} else {
		output = fmt.Sprintf("[%s] %s", levelName, message)
	}

	log.New(l.sink.output, "", log.LstdFlags).Println(output)

	if level == FATAL {
		os.Exit(1)
	}
}

// Debugf logs a debug message.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, format, args...) }

// Infof logs an info message.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(INFO, format, args...) }

// Warnf logs a warning message.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(WARN, format, args...) }

// Errorf logs an error message.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, format, args...) }

// Fatalf logs a fatal message and exits the program.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log(FATAL, format, args...) }

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	std().log(DEBUG, format, args...)
}

// Debugf is an alias for Debug.
func Debugf(format string, args ...interface{}) {
	Debug(format, args...)
}

// Info logs an info message.
func Info(format string, args ...interface{}) {
	std().log(INFO, format, args...)
}

// Infof is an alias for Info.
func Infof(format string, args ...interface{}) {
	Info(format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	std().log(WARN, format, args...)
}

// Warnf is an alias for Warn.
func Warnf(format string, args ...interface{}) {
	Warn(format, args...)
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	std().log(ERROR, format, args...)
}

// Errorf is an alias for Error.
func Errorf(format string, args ...interface{}) {
	Error(format, args...)
}

// Fatal logs a fatal message and exits the program.
func Fatal(format string, args ...interface{}) {
	std().log(FATAL, format, args...)
}

// Fatalf is an alias for Fatal.
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
