// Package util provides logging utilities for the application
package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"log"
	"os"
	"strings"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragenboats logger.ILogger)
// --------------------------------------------------------------------------

// relogLogger implements the ILogger interface with custom formatting
type relogLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *relogLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *relogLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *relogLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *relogLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *relogLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *relogLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *relogLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the Factory interface - note the error return value
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &relogLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers initializes all loggers with the custom format
func InitLoggers(config NodeConfig) {
	// Set as the global logger factory
	logger.SetLoggerFactory(CreateLogger)

	// Configure per-subsystem loggers
	logger.GetLogger("election").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("commitlog").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("feeder").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("acker").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("topology").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("store").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("scan").SetLevel(parseLogLevel(config.LogLevel))
	logger.GetLogger("rpc").SetLevel(parseLogLevel(config.LogLevel))
}
