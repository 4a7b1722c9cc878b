// Package logger provides the structured logging facility used across
// the vm core. It wraps logrus with a compact fixed-width formatter so
// that debug traces from the allocator, the page queues, and the
// lifecycle state machine interleave readably under concurrent load.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger is the debug-level logger shared by every subsystem.
	Logger *logrus.Logger
	// InfoLogger carries informational and warning output.
	InfoLogger *logrus.Logger
	// ErrorLogger carries error and fatal output.
	ErrorLogger *logrus.Logger
)

func init() {
	// Sane defaults so packages can log before Init is called, e.g.
	// from init() functions or early in tests.
	Logger = logrus.New()
	Logger.SetFormatter(&CompactFormatter{})
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetOutput(os.Stdout)

	InfoLogger = Logger
	ErrorLogger = logrus.New()
	ErrorLogger.SetFormatter(&CompactFormatter{})
	ErrorLogger.SetOutput(os.Stderr)
}

// Config controls log level and optional file sinks.
type Config struct {
	Level        string
	InfoLogPath  string
	ErrorLogPath string
}

// CompactFormatter renders "[LEVEL] (file:func:line) message".
type CompactFormatter struct{}

func (f *CompactFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] (%s) %s\n", level, caller(), entry.Message)
	return []byte(msg), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Init (re)configures the shared loggers. Safe to call once at process
// startup; subsystems may log before it runs using the init() defaults.
func Init(cfg Config) error {
	Logger = logrus.New()
	Logger.SetFormatter(&CompactFormatter{})
	Logger.SetLevel(parseLevel(cfg.Level))

	InfoLogger = logrus.New()
	InfoLogger.SetFormatter(&CompactFormatter{})
	InfoLogger.SetLevel(parseLevel(cfg.Level))

	ErrorLogger = logrus.New()
	ErrorLogger.SetFormatter(&CompactFormatter{})
	ErrorLogger.SetLevel(parseLevel(cfg.Level))

	if cfg.InfoLogPath != "" {
		f, err := openLogFile(cfg.InfoLogPath)
		if err != nil {
			InfoLogger.SetOutput(os.Stdout)
			InfoLogger.Warnf("falling back to stdout: %v", err)
		} else {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	} else {
		InfoLogger.SetOutput(os.Stdout)
	}

	if cfg.ErrorLogPath != "" {
		f, err := openLogFile(cfg.ErrorLogPath)
		if err != nil {
			ErrorLogger.SetOutput(os.Stderr)
			ErrorLogger.Warnf("falling back to stderr: %v", err)
		} else {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	} else {
		ErrorLogger.SetOutput(os.Stderr)
	}

	Logger.SetOutput(InfoLogger.Out)
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { InfoLogger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { InfoLogger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { ErrorLogger.Errorf(format, args...) }
