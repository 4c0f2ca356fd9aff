package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	config       types.ConfigManager
	logger       types.Logger
	router       types.HTTPRouter
	checkers     map[string]types.HealthChecker
	results      map[string]types.HealthCheck
	startTime    time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, router types.HTTPRouter) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		config:       config,
		logger:       logger,
		router:       router,
		checkers:     make(map[string]types.HealthChecker),
		results:      make(map[string]types.HealthCheck),
		startTime:    time.Now(),
		checkTimeout: 5 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

// Check runs every registered checker concurrently under one deadline.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	var g errgroup.Group
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		g.Go(func() error {
			result := hm.executeCheck(checkCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	hm.mu.Lock()
	hm.results = results
	hm.mu.Unlock()

	return hm.buildReport(results)
}

// LastReport returns the results of the most recent Check without running checkers.
func (hm *Manager) LastReport() types.HealthReport {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.buildReport(hm.results)
}

func (hm *Manager) Start() error {
	if !hm.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	hm.startTime = time.Now()
	if hm.router != nil {
		hm.registerRoutes()
	}

	hm.setState(StateRunning)
	hm.logger.Info("Health manager started")
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	hm.cancel()
	hm.setState(StateStopped)

	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.getState() == StateRunning
}

func (hm *Manager) getState() State {
	return hm.state.Load().(State)
}

func (hm *Manager) setState(newState State) {
	hm.state.Store(newState)
}

func (hm *Manager) transitionState(from, to State) bool {
	return hm.state.CompareAndSwap(from, to)
}

func (hm *Manager) registerRoutes() {
	config := &types.RouteConfig{
		Timeout:             hm.checkTimeout + time.Second,
		DisabledMiddlewares: []string{"compression"},
	}

	hm.router.Add(fasthttp.MethodGet, "/version", hm.handleVersion, config)
	hm.router.Add(fasthttp.MethodGet, "/health", hm.handleHealth, config)
}

func (hm *Manager) handleVersion(ctx *fasthttp.RequestCtx) {
	cfg := hm.config.GetConfig()
	utils.WriteJSON(ctx, fasthttp.StatusOK, versionInfo(cfg.Name, cfg.Version))
}

func (hm *Manager) handleHealth(ctx *fasthttp.RequestCtx) {
	if !hm.IsRunning() {
		utils.WriteError(ctx, fasthttp.StatusServiceUnavailable, "health manager is not running")
		return
	}

	report := hm.Check(hm.ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, report)
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				hm.logger.Error("Health check panicked", zap.String("check", name), zap.Any("panic", r))
				resultChan <- types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: fmt.Sprintf("health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-resultChan:
	case <-hm.ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "health manager shutting down"}
	case <-ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: types.ErrHealthCheckTimeout.Error()}
	}

	result.Name = name
	result.LastCheck = time.Now()
	result.Duration = time.Since(start)
	return result
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	config := hm.config.GetConfig()

	summary := types.HealthSummary{
		Total: len(results),
	}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusDegraded:
			summary.Degraded++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusDegraded
			}
		default:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		}
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Service: types.ServiceInfo{
			Name:    config.Name,
			Version: config.Version,
		},
		Checks:  results,
		Summary: summary,
	}
}

// StoreChecker reports the store reachable when Ping succeeds.
func StoreChecker(store types.Store) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := store.Ping(ctx); err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}
