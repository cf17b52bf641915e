// Package dlog defines the logging functions used throughout the repo (e.g.
// Info, Errorf, etc.). It is a thin facade over logrus so that call sites do
// not depend on the underlying logger.
package dlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return l
}

// SetLevel sets the minimum level which will be logged.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warningf("Unknown log level %q; using info.", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// Logger returns the underlying logrus logger, for packages which need
// structured fields.
func Logger() *logrus.Logger {
	return logger
}

// Functions to log at various levels. Debug, Info, Warning, Error, and Fatal
// use fmt.Sprint to format the arguments; functions ending in f use
// fmt.Sprintf.

func Debug(msg ...interface{}) {
	logger.Debug(msg...)
}

func Debugf(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

func Info(msg ...interface{}) {
	logger.Info(msg...)
}

func Infof(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

func Warning(msg ...interface{}) {
	logger.Warning(msg...)
}

func Warningf(format string, v ...interface{}) {
	logger.Warningf(format, v...)
}

func Error(msg ...interface{}) {
	logger.Error(msg...)
}

func Errorf(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// Fatal* exits the program after logging.

func Fatal(msg ...interface{}) {
	logger.Fatal(msg...)
}

func Fatalf(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}
