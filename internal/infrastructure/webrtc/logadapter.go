package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerFactory routes pion's internal logs into zap under "pion.<scope>".
type loggerFactory struct {
	logger *zap.Logger
}

func newLoggerFactory(logger *zap.Logger, level zapcore.Level) logging.LoggerFactory {
	return &loggerFactory{logger: logger.Named("pion").WithOptions(zap.IncreaseLevel(level))}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{logger: f.logger.Named(scope).Sugar()}
}

// trace is folded into debug
type logAdapter struct {
	logger *zap.SugaredLogger
}

func (l *logAdapter) Trace(msg string)                          { l.logger.Debug(msg) }
func (l *logAdapter) Tracef(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *logAdapter) Debug(msg string)                          { l.logger.Debug(msg) }
func (l *logAdapter) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *logAdapter) Info(msg string)                           { l.logger.Info(msg) }
func (l *logAdapter) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *logAdapter) Warn(msg string)                           { l.logger.Warn(msg) }
func (l *logAdapter) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *logAdapter) Error(msg string)                          { l.logger.Error(msg) }
func (l *logAdapter) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }
