package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/action"
	"github.com/saiset-co/sai-portal/api"
	"github.com/saiset-co/sai-portal/client"
	"github.com/saiset-co/sai-portal/config"
	"github.com/saiset-co/sai-portal/cron"
	"github.com/saiset-co/sai-portal/health"
	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/metrics"
	"github.com/saiset-co/sai-portal/middleware"
	"github.com/saiset-co/sai-portal/portal"
	"github.com/saiset-co/sai-portal/sai"
	"github.com/saiset-co/sai-portal/server"
	"github.com/saiset-co/sai-portal/store"
	"github.com/saiset-co/sai-portal/tls"
	"github.com/saiset-co/sai-portal/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	container       *sai.Container
	httpServer      *server.FastHTTPServer
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return NewServiceWithConfig(ctx, configManager)
}

// NewServiceWithConfig builds every component from an already loaded configuration.
func NewServiceWithConfig(ctx context.Context, configManager types.ConfigManager) (*Service, error) {
	if configManager == nil || configManager.GetConfig() == nil {
		return nil, types.ErrConfigIsNil
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	container := sai.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	httpServer, err := registerProviders(serviceCtx, container, configManager)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}
	service.httpServer = httpServer

	sai.SetContainer(container)
	return service, nil
}

// Start brings every component up and blocks until the service is stopped
// or receives SIGINT, SIGTERM or SIGQUIT.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		sai.Logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				sai.Logger().Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.state.Store(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	sai.Logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.state.Store(StateStopped)
		if stopErr := s.stopComponents(); stopErr != nil {
			sai.Logger().Error("Error while unwinding failed start", zap.Error(stopErr))
		}
		return types.WrapError(err, "failed to start components")
	}

	s.state.Store(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	sai.Logger().Info("Service started successfully", zap.String("address", s.httpServer.Addr()))

	<-s.done

	if err := s.stopComponents(); err != nil {
		sai.Logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.state.Store(StateStopped)

	sai.Logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		sai.Logger().Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	sai.Logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// Addr is the bound HTTP address once the service runs.
func (s *Service) Addr() string {
	return s.httpServer.Addr()
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

type component struct {
	name     string
	manager  types.LifecycleManager
	required bool
}

// components lists the lifecycle managers in start order; stop runs in reverse.
func (s *Service) components() []component {
	var out []component

	add := func(name string, manager types.LifecycleManager, required bool) {
		if manager != nil {
			out = append(out, component{name: name, manager: manager, required: required})
		}
	}

	if ptr := s.container.Config.Load(); ptr != nil {
		add("config", *ptr, true)
	}
	if ptr := s.container.Logger.Load(); ptr != nil {
		add("logger", *ptr, true)
	}
	if ptr := s.container.Metrics.Load(); ptr != nil {
		add("metrics", *ptr, false)
	}
	if ptr := s.container.Store.Load(); ptr != nil {
		add("store", *ptr, true)
	}
	if ptr := s.container.Upstream.Load(); ptr != nil {
		add("upstream", *ptr, true)
	}
	if ptr := s.container.Portal.Load(); ptr != nil {
		add("portal", ptr, true)
	}
	if ptr := s.container.Health.Load(); ptr != nil {
		add("health", *ptr, false)
	}
	if ptr := s.container.TLSManager.Load(); ptr != nil {
		add("tls", *ptr, true)
	}
	if ptr := s.container.Actions.Load(); ptr != nil {
		add("actions", *ptr, false)
	}
	if ptr := s.container.HTTPServer.Load(); ptr != nil {
		add("http", *ptr, true)
	}
	if ptr := s.container.Cron.Load(); ptr != nil {
		add("cron", *ptr, false)
	}

	return out
}

func (s *Service) startComponents(ctx context.Context) error {
	for _, c := range s.components() {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
		}

		if err := c.manager.Start(); err != nil {
			if c.required {
				return types.WrapError(err, "failed to start "+c.name)
			}
			types.LogError(sai.Logger(), "Failed to start component", err, zap.String("component", c.name))
			continue
		}

		sai.Logger().Debug("Component started", zap.String("component", c.name))
	}

	sai.Logger().Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	components := s.components()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	sai.Logger().Info("Stopping service components...")

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if !c.manager.IsRunning() {
			continue
		}

		if ctx.Err() != nil {
			sai.Logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
			break
		}

		// The logger syncs on stop; it goes last so the other components can still log.
		if c.name == "logger" || c.name == "config" {
			continue
		}

		if err := c.manager.Stop(); err != nil {
			sai.Logger().Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, types.WrapError(err, c.name))
		}
	}

	sai.Logger().Info("All components stopped")

	for _, name := range []string{"logger", "config"} {
		for _, c := range components {
			if c.name == name && c.manager.IsRunning() {
				if err := c.manager.Stop(); err != nil {
					errs = append(errs, types.WrapError(err, c.name))
				}
			}
		}
	}

	return errors.Join(errs...)
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			sai.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		sai.Logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		sai.Logger().Warn("Service shutdown: context deadline exceeded")
	default:
		sai.Logger().Info("Service shutdown: context done")
	}
}

func registerProviders(ctx context.Context, container *sai.Container, configManager types.ConfigManager) (*server.FastHTTPServer, error) {
	container.SetConfig(configManager)
	_config := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	metricsManager, err := metrics.NewManager(ctx, configManager, loggerManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register metrics manager")
	}
	container.SetMetrics(metricsManager)

	router := server.NewFastHTTPRouter()

	portalStore, err := store.NewStore(ctx, configManager, loggerManager, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register store")
	}
	container.SetStore(portalStore)

	upstream, err := client.NewHTTPClient(ctx, "content", _config.Upstream, loggerManager, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register upstream client")
	}
	container.SetUpstream(upstream)

	p, err := portal.New(ctx, _config, portalStore, client.NewContentAPI(upstream), loggerManager, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register portal")
	}
	container.SetPortal(p)

	var healthManager *health.Manager
	if _config.Health != nil && _config.Health.Enabled {
		healthManager, err = health.NewManager(ctx, configManager, loggerManager, router)
		if err != nil {
			return nil, types.WrapError(err, "failed to register health manager")
		}
		healthManager.RegisterChecker("store", health.StoreChecker(portalStore))
		healthManager.RegisterChecker("upstream", p.Tracker().Check)
		container.SetHealth(healthManager)
	}

	var tlsListener server.Listener
	if _config.Server != nil && _config.Server.TLS != nil && _config.Server.TLS.Enabled {
		certManager, err := tls.NewCertManager(ctx, loggerManager, _config.Server.TLS)
		if err != nil {
			return nil, types.WrapError(err, "failed to register TLS manager")
		}
		if healthManager != nil {
			healthManager.RegisterChecker("tls", certManager.Checker())
		}
		tlsListener = certManager
		container.SetTLSManager(certManager)
	}

	middlewareManager, err := middleware.NewManager(ctx, configManager, loggerManager, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register middleware manager")
	}
	if err := middlewareManager.RegisterMiddlewares(); err != nil {
		return nil, types.WrapError(err, "failed to register middlewares")
	}

	apiOpts := []api.Option{api.WithInfo(_config.Name, _config.Version)}

	broker, err := action.NewActionBroker(ctx, configManager, loggerManager, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register action broker")
	}
	if broker != nil {
		if err := action.RegisterHandlers(broker, p.Flags(), loggerManager); err != nil {
			return nil, types.WrapError(err, "failed to subscribe CMS events")
		}
		apiOpts = append(apiOpts, api.WithPublisher(broker))
		container.SetActions(broker)
	}

	if _config.Cron != nil && _config.Cron.Enabled {
		cronManager, err := cron.NewManager(ctx, _config.Cron, loggerManager, metricsManager)
		if err != nil {
			return nil, types.WrapError(err, "failed to register cron manager")
		}
		if err := cron.RegisterJobs(cronManager, _config.Cron, p, loggerManager); err != nil {
			return nil, types.WrapError(err, "failed to register cron jobs")
		}
		apiOpts = append(apiOpts, api.WithJobs(cronManager))
		container.SetCron(cronManager)
	}

	api.New(p, loggerManager, apiOpts...).RegisterRoutes(router)
	metricsManager.RegisterRoutes(router)

	httpServer, err := server.NewHTTPServer(ctx, configManager, loggerManager, metricsManager, middlewareManager, router, tlsListener)
	if err != nil {
		return nil, types.WrapError(err, "failed to register HTTP server")
	}
	container.SetHTTPServer(httpServer)

	return httpServer, nil
}
