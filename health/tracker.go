package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
)

const (
	DefaultFailureThreshold = 3
	DefaultCoolDown         = 5 * time.Minute
)

type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type TrackerStatus struct {
	Upstream  string    `json:"upstream"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type TrackerOption func(*Tracker)

func WithTrackerClock(clock types.Clock) TrackerOption {
	return func(t *Tracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

// Tracker is a circuit breaker over one upstream. After threshold
// consecutive failures it opens and callers fall back; once the cool-down
// has passed a single probe call is let through.
type Tracker struct {
	name      string
	logger    types.Logger
	gauge     types.Gauge
	now       types.Clock
	enabled   bool
	threshold int
	coolDown  time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probeAt   time.Time
	probing   bool
	lastError string
}

func NewTracker(name string, config *types.HealthConfig, logger types.Logger, metrics types.MetricsManager, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		name:      name,
		logger:    logger,
		gauge:     metrics.Gauge("upstream_breaker_state", map[string]string{"upstream": name}),
		now:       time.Now,
		enabled:   true,
		threshold: DefaultFailureThreshold,
		coolDown:  DefaultCoolDown,
	}

	if config != nil {
		t.enabled = config.Enabled
		if config.FailureThreshold > 0 {
			t.threshold = config.FailureThreshold
		}
		if config.CoolDown > 0 {
			t.coolDown = config.CoolDown
		}
	}

	for _, opt := range opts {
		opt(t)
	}

	t.gauge.Set(float64(StateClosed))

	return t
}

func (t *Tracker) ShouldUseFallback() bool {
	if !t.enabled {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	switch t.state {
	case StateOpen:
		if now.Sub(t.openedAt) < t.coolDown {
			return true
		}
		t.transition(StateHalfOpen)
		t.probing = true
		t.probeAt = now
		return false
	case StateHalfOpen:
		// A probe that never reported back must not pin the breaker.
		if t.probing && now.Sub(t.probeAt) < t.coolDown {
			return true
		}
		t.probing = true
		t.probeAt = now
		return false
	default:
		return false
	}
}

func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateClosed:
		t.failures = 0
	case StateHalfOpen:
		t.failures = 0
		t.probing = false
		t.lastError = ""
		t.transition(StateClosed)
	case StateOpen:
		t.logger.Debug("Success recorded while breaker open", zap.String("upstream", t.name))
	}
}

func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.lastError = err.Error()
	}

	switch t.state {
	case StateClosed:
		t.failures++
		t.logger.Debug("Upstream failure recorded",
			zap.String("upstream", t.name),
			zap.Int("failures", t.failures),
			zap.Int("threshold", t.threshold),
			zap.Error(err))

		if t.enabled && t.failures >= t.threshold {
			t.openedAt = t.now()
			t.transition(StateOpen)
		}
	case StateHalfOpen:
		t.failures++
		t.probing = false
		t.openedAt = t.now()
		t.transition(StateOpen)
	case StateOpen:
		t.failures++
	}
}

func (t *Tracker) State() BreakerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) Status() TrackerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := TrackerStatus{
		Upstream:  t.name,
		State:     t.state.String(),
		Failures:  t.failures,
		LastError: t.lastError,
	}
	if t.state != StateClosed {
		status.OpenedAt = t.openedAt
	}
	return status
}

// Reset closes the breaker unconditionally.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = 0
	t.probing = false
	t.lastError = ""
	t.transition(StateClosed)
}

// Check reports the breaker as a health check. An open breaker degrades the
// service rather than failing it, since fallbacks are still served.
func (t *Tracker) Check(_ context.Context) types.HealthCheck {
	status := t.Status()

	check := types.HealthCheck{
		Status: types.StatusHealthy,
		Details: map[string]interface{}{
			"state":    status.State,
			"failures": status.Failures,
		},
	}

	if status.State != StateClosed.String() {
		check.Status = types.StatusDegraded
		check.Message = fmt.Sprintf("upstream %s breaker %s", t.name, status.State)
		check.Details["last_error"] = status.LastError
	}

	return check
}

func (t *Tracker) transition(to BreakerState) {
	if t.state == to {
		return
	}

	from := t.state
	t.state = to
	t.gauge.Set(float64(to))

	fields := []zap.Field{
		zap.String("upstream", t.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}

	if to == StateOpen {
		t.logger.Warn("Upstream breaker opened", append(fields, zap.Int("failures", t.failures), zap.String("last_error", t.lastError))...)
		return
	}
	t.logger.Info("Upstream breaker state changed", fields...)
}
