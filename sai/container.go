// Package sai holds the process-wide component container the service fills
// at startup.
package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/portal"
	"github.com/saiset-co/sai-portal/types"
)

type Container struct {
	Config     atomic.Pointer[types.ConfigManager]
	Logger     atomic.Pointer[types.LoggerManager]
	Metrics    atomic.Pointer[types.MetricsManager]
	Health     atomic.Pointer[types.HealthManager]
	Store      atomic.Pointer[types.Store]
	Upstream   atomic.Pointer[types.LifecycleManager]
	Portal     atomic.Pointer[portal.Portal]
	HTTPServer atomic.Pointer[types.HTTPServer]
	TLSManager atomic.Pointer[types.LifecycleManager]
	Cron       atomic.Pointer[types.CronManager]
	Actions    atomic.Pointer[types.ActionBroker]
}

var globalContainer atomic.Pointer[Container]

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer.Store(container)
}

func current() *Container {
	container := globalContainer.Load()
	if container == nil {
		panic("container not initialized")
	}
	return container
}

func Config() types.ConfigManager {
	if ptr := current().Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

// Logger falls back to a no-op logger before the container is filled.
func Logger() types.Logger {
	container := globalContainer.Load()
	if container == nil {
		return logger.NewNop()
	}
	if ptr := container.Logger.Load(); ptr != nil {
		return *ptr
	}
	return logger.NewNop()
}

func Portal() *portal.Portal {
	if ptr := current().Portal.Load(); ptr != nil {
		return ptr
	}
	panic("Portal not initialized")
}

func Cron() types.CronManager {
	if ptr := current().Cron.Load(); ptr != nil {
		return *ptr
	}
	panic("CronManager not initialized")
}

func Actions() types.ActionBroker {
	if ptr := current().Actions.Load(); ptr != nil {
		return *ptr
	}
	panic("ActionBroker not initialized")
}

func (fc *Container) SetConfig(config types.ConfigManager) {
	fc.Config.Store(&config)
}

func (fc *Container) SetLogger(logger types.LoggerManager) {
	fc.Logger.Store(&logger)
}

func (fc *Container) SetMetrics(metrics types.MetricsManager) {
	fc.Metrics.Store(&metrics)
}

func (fc *Container) SetHealth(health types.HealthManager) {
	fc.Health.Store(&health)
}

func (fc *Container) SetStore(store types.Store) {
	fc.Store.Store(&store)
}

func (fc *Container) SetUpstream(upstream types.LifecycleManager) {
	fc.Upstream.Store(&upstream)
}

func (fc *Container) SetPortal(p *portal.Portal) {
	fc.Portal.Store(p)
}

func (fc *Container) SetHTTPServer(server types.HTTPServer) {
	fc.HTTPServer.Store(&server)
}

func (fc *Container) SetTLSManager(tlsManager types.LifecycleManager) {
	fc.TLSManager.Store(&tlsManager)
}

func (fc *Container) SetCron(cron types.CronManager) {
	fc.Cron.Store(&cron)
}

func (fc *Container) SetActions(actions types.ActionBroker) {
	fc.Actions.Store(&actions)
}
