// SPDX-License-Identifier: GPL-3.0-or-later

package ice

import (
	"io"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// LoggerFactory adapts a [logrus.FieldLogger] to [logging.LoggerFactory]
// so that pion libraries log through our logger.
type LoggerFactory struct {
	Logger logrus.FieldLogger
}

var _ logging.LoggerFactory = LoggerFactory{}

// NewLogger implements [logging.LoggerFactory].
func (lf LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	logger := lf.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return leveledLogger{logger.WithField("scope", scope)}
}

// discardLogger returns a logger that does not emit anything.
func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// leveledLogger implements [logging.LeveledLogger] using a [*logrus.Entry].
type leveledLogger struct {
	entry *logrus.Entry
}

func (ll leveledLogger) Trace(msg string)                          { ll.entry.Trace(msg) }
func (ll leveledLogger) Tracef(format string, args ...interface{}) { ll.entry.Tracef(format, args...) }
func (ll leveledLogger) Debug(msg string)                          { ll.entry.Debug(msg) }
func (ll leveledLogger) Debugf(format string, args ...interface{}) { ll.entry.Debugf(format, args...) }
func (ll leveledLogger) Info(msg string)                           { ll.entry.Info(msg) }
func (ll leveledLogger) Infof(format string, args ...interface{})  { ll.entry.Infof(format, args...) }
func (ll leveledLogger) Warn(msg string)                           { ll.entry.Warn(msg) }
func (ll leveledLogger) Warnf(format string, args ...interface{})  { ll.entry.Warnf(format, args...) }
func (ll leveledLogger) Error(msg string)                          { ll.entry.Error(msg) }
func (ll leveledLogger) Errorf(format string, args ...interface{}) { ll.entry.Errorf(format, args...) }
