package logger

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-portal/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger
	state  atomic.Value
}

var customLoggerCreators = make(map[string]types.LoggerCreator)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators[loggerName] = creator
}

func NewManager(ctx context.Context, config types.ConfigManager) (*Manager, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	logger, err := createLogger(loggerConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:    managerCtx,
		cancel: cancel,
		logger: logger,
	}
	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServiceIsRunning
	}
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServiceIsNotRunning
	}
	defer m.cancel()

	if syncer, ok := m.logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *Manager) Error(msg string, fields ...zap.Field) {
	m.logger.Error(msg, fields...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	types.LogError(m.logger, msg, err, fields...)
}

func (m *Manager) Warn(msg string, fields ...zap.Field) {
	m.logger.Warn(msg, fields...)
}

func (m *Manager) Info(msg string, fields ...zap.Field) {
	m.logger.Info(msg, fields...)
}

func (m *Manager) Debug(msg string, fields ...zap.Field) {
	m.logger.Debug(msg, fields...)
}

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.logger.Log(lvl, msg, fields...)
}

func createLogger(loggerConfig *types.LoggerConfig) (types.Logger, error) {
	loggerName := "default"
	if loggerConfig.Type != "" {
		loggerName = loggerConfig.Type
	}

	if loggerName == "default" {
		return NewDefaultLogger(loggerConfig)
	}

	creator, exists := customLoggerCreators[loggerName]
	if !exists {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
	}

	return creator(loggerConfig)
}
