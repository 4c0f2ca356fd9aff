package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateRunning
)

type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	manager types.MetricsManager
	state   atomic.Value
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

// NewManager returns a manager whose instruments are no-ops when metrics are disabled.
func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (*Manager, error) {
	metricsConfig := config.GetConfig().Metrics

	managerCtx, cancel := context.WithCancel(ctx)

	wrapper := &Manager{
		ctx:    managerCtx,
		cancel: cancel,
		logger: logger,
	}
	wrapper.state.Store(ManagerStateStopped)

	if metricsConfig == nil || !metricsConfig.Enabled {
		logger.Info("Metrics are disabled")
		return wrapper, nil
	}

	if err := wrapper.initializeManager(metricsConfig); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return wrapper, nil
}

func (w *Manager) initializeManager(metricsConfig *types.MetricsConfig) error {
	var manager types.MetricsManager
	var err error

	switch metricsConfig.Type {
	case "memory":
		manager = NewMemoryMetrics(w.logger, metricsConfig)
	case "prometheus":
		manager, err = NewPrometheusMetrics(w.logger, metricsConfig)
	default:
		creator, exists := customMetricsCreators.Load(metricsConfig.Type)
		if !exists {
			return types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsConfig.Type)
		}
		manager, err = creator.(types.MetricsManagerCreator)(metricsConfig)
	}

	if err != nil {
		return err
	}

	w.manager = manager
	w.logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))
	return nil
}

func (w *Manager) Start() error {
	if !w.state.CompareAndSwap(ManagerStateStopped, ManagerStateRunning) {
		return types.ErrServiceIsRunning
	}

	if w.manager == nil {
		return nil
	}

	if err := w.manager.Start(); err != nil {
		w.state.Store(ManagerStateStopped)
		return types.WrapError(err, "failed to start metrics manager")
	}

	return nil
}

func (w *Manager) Stop() error {
	if !w.state.CompareAndSwap(ManagerStateRunning, ManagerStateStopped) {
		return types.ErrServiceIsNotRunning
	}
	defer w.cancel()

	if w.manager == nil {
		return nil
	}

	if err := w.manager.Stop(); err != nil {
		w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
	}

	return nil
}

func (w *Manager) IsRunning() bool {
	return w.state.Load().(ManagerState) == ManagerStateRunning
}

func (w *Manager) RegisterRoutes(router types.HTTPRouter) {
	if w.manager != nil {
		w.manager.RegisterRoutes(router)
	}
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	if w.manager != nil {
		return w.manager.Counter(name, labels)
	}
	return emptyCounter{}
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if w.manager != nil {
		return w.manager.Gauge(name, labels)
	}
	return emptyGauge{}
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if w.manager != nil {
		return w.manager.Histogram(name, buckets, labels)
	}
	return emptyHistogram{}
}

func (w *Manager) GetStats() ([]byte, error) {
	if w.manager != nil {
		return w.manager.GetStats()
	}
	return nil, types.ErrMetricsIsDisabled
}

// Nop is a MetricsManager that records nothing.
type Nop struct{}

func (Nop) Start() error                      { return nil }
func (Nop) Stop() error                       { return nil }
func (Nop) IsRunning() bool                   { return true }
func (Nop) RegisterRoutes(_ types.HTTPRouter) {}
func (Nop) GetStats() ([]byte, error)         { return nil, types.ErrMetricsIsDisabled }
func (Nop) Counter(_ string, _ map[string]string) types.Counter {
	return emptyCounter{}
}
func (Nop) Gauge(_ string, _ map[string]string) types.Gauge {
	return emptyGauge{}
}
func (Nop) Histogram(_ string, _ []float64, _ map[string]string) types.Histogram {
	return emptyHistogram{}
}

type emptyCounter struct{}

func (emptyCounter) Inc()          {}
func (emptyCounter) Add(_ float64) {}
func (emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (emptyGauge) Set(_ float64) {}
func (emptyGauge) Inc()          {}
func (emptyGauge) Dec()          {}
func (emptyGauge) Add(_ float64) {}
func (emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (emptyHistogram) Observe(_ float64)           {}
func (emptyHistogram) ObserveDuration(_ time.Time) {}
func (emptyHistogram) GetCount() uint64            { return 0 }
func (emptyHistogram) GetSum() float64             { return 0 }
