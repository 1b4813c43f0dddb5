package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures a Logger
type Options struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives a copy of every entry
	File string `mapstructure:"file"`
}

// Logger writes component-scoped structured entries
type Logger struct {
	mu   sync.Mutex
	log  *logrus.Logger
	file *os.File
}

// NewLogger creates a logger writing to stderr and, optionally, a file
func NewLogger(opts Options) (*Logger, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := &Logger{log: l}
	out := io.Writer(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.file = f
		out = io.MultiWriter(os.Stderr, f)
	}
	l.SetOutput(out)
	return logger, nil
}

// NewWithWriter creates a logger on an arbitrary writer, mostly for tests
func NewWithWriter(w io.Writer, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{log: l}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) entry(component string, details map[string]interface{}) *logrus.Entry {
	fields := make(logrus.Fields, len(details)+1)
	for k, v := range details {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}
	fields["component"] = component
	return l.log.WithFields(fields)
}

// Debug logs a debug message
func (l *Logger) Debug(component, message string, details map[string]interface{}) {
	l.entry(component, details).Debug(message)
}

// Info logs an info message
func (l *Logger) Info(component, message string, details map[string]interface{}) {
	l.entry(component, details).Info(message)
}

// Warn logs a warning message
func (l *Logger) Warn(component, message string, details map[string]interface{}) {
	l.entry(component, details).Warn(message)
}

// Error logs an error message
func (l *Logger) Error(component, message string, details map[string]interface{}) {
	l.entry(component, details).Error(message)
}

// Global logger instance
var globalLogger *Logger

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// Debug logs a debug message using the global logger
func Debug(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Debug(component, message, details)
	}
}

// Info logs an info message using the global logger
func Info(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Info(component, message, details)
	}
}

// Warn logs a warning message using the global logger
func Warn(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Warn(component, message, details)
	}
}

// Error logs an error message using the global logger
func Error(component, message string, details map[string]interface{}) {
	if globalLogger != nil {
		globalLogger.Error(component, message, details)
	}
}
