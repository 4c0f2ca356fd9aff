package types

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerManager interface {
	LifecycleManager
	Logger
}

type Logger interface {
	Error(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Log(lvl zapcore.Level, msg string, fields ...zap.Field)
}

// StackLogger attaches the stack recorded by github.com/pkg/errors, when
// the error carries one.
type StackLogger interface {
	Logger
	ErrorWithErrStack(msg string, err error, fields ...zap.Field)
}

// LoggerCreator builds a custom logger registered under LoggerConfig.Type.
type LoggerCreator func(config *LoggerConfig) (Logger, error)

// LogError logs err with its stack when the logger supports it.
func LogError(logger Logger, msg string, err error, fields ...zap.Field) {
	if stacker, ok := logger.(StackLogger); ok {
		stacker.ErrorWithErrStack(msg, err, fields...)
		return
	}
	logger.Error(msg, append(fields, zap.Error(err))...)
}
