package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-portal/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.ServiceConfig]
	parser      atomic.Pointer[Parser]
	configPath  string
	loader      *Loader
	state       atomic.Value
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	cm := newManager(ctx, configPath)

	if err := cm.Load(); err != nil {
		cm.cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewFromBytes builds a manager over an in-memory document; Load is a no-op for it.
func NewFromBytes(ctx context.Context, data []byte) (*ConfigurationManager, error) {
	cm := newManager(ctx, "")

	config, raw, err := cm.loader.LoadFromBytes(data)
	if err != nil {
		cm.cancel()
		return nil, err
	}

	cm.config.Store(config)
	cm.parser.Store(NewParser(raw))

	return cm, nil
}

func newManager(ctx context.Context, configPath string) *ConfigurationManager {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}
	cm.state.Store(StateStopped)

	return cm
}

func (cm *ConfigurationManager) Start() error {
	if !cm.transitionState(StateStopped, StateRunning) {
		return types.ErrServiceIsRunning
	}
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopped) {
		return types.ErrServiceIsNotRunning
	}
	cm.cancel()
	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *ConfigurationManager) Load() error {
	if cm.configPath == "" {
		if cm.config.Load() != nil {
			return nil
		}
		return types.ErrConfigNotFound
	}

	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, raw, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return types.Errorf(types.ErrConfigLoadFailed, "%v", err)
	}

	cm.config.Store(config)
	cm.parser.Store(NewParser(raw))

	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}

func (cm *ConfigurationManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *ConfigurationManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}
