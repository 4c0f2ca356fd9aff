package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

const DefaultJobTimeout = 5 * time.Minute

type Option func(*Manager)

func WithJobTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.jobTimeout = d
		}
	}
}

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	parser          cron.Parser
	timezone        *time.Location
	jobs            map[string]*types.JobEntry
	running         map[string]*int32
	state           atomic.Value
	mu              sync.RWMutex
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, config *types.CronConfig, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	timezone := time.UTC
	if config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "cron timezone %q: %v", config.Timezone, err)
		}
		timezone = loc
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLog := cronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		parser:          parser,
		timezone:        timezone,
		jobs:            make(map[string]*types.JobEntry),
		running:         make(map[string]*int32),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      DefaultJobTimeout,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.state.Store(StateStopped)

	return m, nil
}

// Add schedules job under spec. A run is skipped while the previous run of the same job is still active.
func (m *Manager) Add(jobName, spec string, job types.CronJob) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	if _, err := m.parser.Parse(spec); err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	if m.ctx.Err() != nil {
		return types.ErrCronSchedulerStopped
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	m.running[jobName] = new(int32)

	entryID, err := m.cron.AddFunc(spec, func() { m.Run(jobName, job) })
	if err != nil {
		delete(m.running, jobName)
		return types.WrapError(err, "failed to add cron job")
	}

	entry := &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		AddedAt: time.Now(),
	}

	if cronEntry := m.cron.Entry(entryID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}

	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

// Run executes a registered job once, outside the schedule.
func (m *Manager) Run(jobName string, job types.CronJob) {
	m.mu.RLock()
	flag := m.running[jobName]
	m.mu.RUnlock()

	if flag == nil || !atomic.CompareAndSwapInt32(flag, 0, 1) {
		m.logger.Warn("Cron job skipped, previous run still active", zap.String("job_name", jobName))
		m.countExecution(jobName, "skipped")
		return
	}
	defer atomic.StoreInt32(flag, 0)

	if m.ctx.Err() != nil {
		return
	}

	startTime := time.Now()
	m.logger.Debug("Cron job started", zap.String("job_name", jobName))
	m.activeJobs(1)
	defer m.activeJobs(-1)

	jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
	defer cancel()

	err := m.execute(jobCtx, jobName, job)
	duration := time.Since(startTime)

	result := "success"
	if err != nil {
		result = "error"
		m.logger.Error("Cron job failed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		m.logger.Info("Cron job completed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration))
	}

	m.countExecution(jobName, result)
	m.observeDuration(jobName, duration)
	m.finish(jobName, startTime, duration, err)
}

func (m *Manager) execute(ctx context.Context, jobName string, job types.CronJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCronJobFailed, "job %s panic: %v", jobName, r)
		}
	}()

	err = job(ctx)
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
	}

	return err
}

func (m *Manager) finish(jobName string, started time.Time, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastRun = started
	entry.LastDuration = duration
	entry.RunCount++
	entry.LastError = ""
	if err != nil {
		entry.LastError = err.Error()
	}

	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

// Jobs returns a snapshot of every registered job, ordered by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		snapshot := *entry
		if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 && !cronEntry.Next.IsZero() {
			snapshot.NextRun = cronEntry.Next
		}
		jobs = append(jobs, snapshot)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	return jobs
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateRunning) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setGauge("cron_scheduler_running", 1)
	m.logger.Info("Cron manager started", zap.String("timezone", m.timezone.String()))

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer m.state.Store(StateStopped)

	m.cancel()
	stopCtx := m.cron.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron scheduler stopped gracefully")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron manager stop timeout, some jobs may still be running")
		return types.ErrCronJobTimeout
	}

	m.setGauge("cron_scheduler_running", 0)

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) countExecution(jobName, result string) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("cron_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	}).Inc()
}

func (m *Manager) observeDuration(jobName string, duration time.Duration) {
	if m.metrics == nil {
		return
	}

	m.metrics.Histogram("cron_job_duration_seconds",
		[]float64{0.1, 1, 10, 60, 300},
		map[string]string{"job_name": jobName},
	).Observe(duration.Seconds())
}

func (m *Manager) activeJobs(delta float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cron_active_jobs", nil).Add(delta)
}

func (m *Manager) setGauge(name string, value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Set(value)
}

type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
