package utils

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	Logger   *logrus.Logger
	loggerMu sync.Mutex
)

// InitLogger initializes the global logger
func InitLogger(level, format, output, file string) error {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	var out io.Writer = os.Stdout
	switch {
	case output == "file" && file != "":
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		out = f
	case output == "stderr":
		out = os.Stderr
	case output == "discard":
		out = io.Discard
	}
	logger.SetOutput(out)

	loggerMu.Lock()
	Logger = logger
	loggerMu.Unlock()
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	loggerMu.Lock()
	l := Logger
	loggerMu.Unlock()
	if l == nil {
		// Initialize with defaults if not already initialized
		_ = InitLogger("info", "json", "stdout", "")
		return GetLogger()
	}
	return l
}

// ComponentLogger returns an entry tagged with the component name.
func ComponentLogger(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}
