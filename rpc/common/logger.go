// Package common provides configuration and logging utilities shared by the
// rpc packages.
package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements logger.ILogger)
// --------------------------------------------------------------------------

// tesseraLogger implements the ILogger interface with custom formatting
type tesseraLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *tesseraLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *tesseraLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *tesseraLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *tesseraLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *tesseraLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *tesseraLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *tesseraLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the logger factory interface.
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &tesseraLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel.
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom logger factory and applies the configured
// level to every package logger.
func InitLoggers(config ServerConfig) error {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range []string{"cache", "pubsub", "server", "cluster"} {
		logger.GetLogger(name).SetLevel(level)
	}
	return nil
}
