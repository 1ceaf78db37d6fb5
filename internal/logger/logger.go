// Package logger provides named loggers for other packages.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout the codebase.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Warningln(args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
}

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// New returns a logger tagged with the given name.
func New(name string) Logger {
	return base.WithField("name", name)
}

// SetLevel changes the log level for all loggers.
// Accepted values are the logrus level names ("trace", "debug", "info",
// "warning", "error").
func SetLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(l)
	return nil
}
