package core

import "go.uber.org/zap"

// Logger is a small collaborator interface: the connection core
// depends only on this, while production code wires a real zap logger
// in, keeping the same indirection between internal/client and
// *zap.SugaredLogger.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Critical(args ...interface{})
	Exception(err error, args ...interface{})
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing *zap.SugaredLogger, matching how
// cmd/server/main.go already constructs its logger.
func NewZapLogger(sugar *zap.SugaredLogger) Logger {
	return &zapLogger{sugar: sugar}
}

func (l *zapLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *zapLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *zapLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *zapLogger) Error(args ...interface{}) { l.sugar.Error(args...) }

// Critical has no direct zap level equivalent; DPanic matches its
// intent (fatal-to-the-connection but not fatal-to-the-process) best.
func (l *zapLogger) Critical(args ...interface{}) { l.sugar.DPanic(args...) }

func (l *zapLogger) Exception(err error, args ...interface{}) {
	l.sugar.Errorw("exception", append(args, "error", err)...)
}
