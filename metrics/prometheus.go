package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type PrometheusConfig struct {
	Path            string            `yaml:"path" json:"path"`
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	promConfig := &PrometheusConfig{
		Path:            "/metrics",
		Namespace:       "sai_portal",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	for k, v := range config.Labels {
		if _, exists := promConfig.Labels[k]; !exists {
			promConfig.Labels[k] = v
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return &PrometheusMetrics{
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServiceIsRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServiceIsNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Label names are fixed by the first call for a metric name.
func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Counter metric %s", name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))

		p.registry.MustRegister(counter)
		p.counters[name] = counter
		p.logger.Debug("Prometheus counter created", zap.String("name", name))
	}

	return &PrometheusCounter{logger: p.logger, counter: counter.With(labels)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Gauge metric %s", name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))

		p.registry.MustRegister(gauge)
		p.gauges[name] = gauge
		p.logger.Debug("Prometheus gauge created", zap.String("name", name))
	}

	return &PrometheusGauge{logger: p.logger, gauge: gauge.With(labels)}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Histogram metric %s", name),
			Buckets:     buckets,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))

		p.registry.MustRegister(histogram)
		p.histograms[name] = histogram
		p.logger.Debug("Prometheus histogram created", zap.String("name", name))
	}

	return &PrometheusHistogram{histogram: histogram.With(labels)}
}

func (p *PrometheusMetrics) GetStats() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return utils.Marshal(types.MetricsStats{
		TotalMetrics:     len(p.counters) + len(p.gauges) + len(p.histograms),
		CounterMetrics:   len(p.counters),
		GaugeMetrics:     len(p.gauges),
		HistogramMetrics: len(p.histograms),
		LastUpdate:       time.Now(),
	})
}

func (p *PrometheusMetrics) RegisterRoutes(router types.HTTPRouter) {
	promHandler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})

	fastHandler := func(ctx *fasthttp.RequestCtx) {
		req, err := http.NewRequest(http.MethodGet, string(ctx.RequestURI()), nil)
		if err != nil {
			utils.CreateErrorResponse(ctx)
			return
		}
		req.Header.Set("Accept", string(ctx.Request.Header.Peek("Accept")))
		promHandler.ServeHTTP(types.NewFastResponseWriter(ctx), req)
	}

	router.Add(fasthttp.MethodGet, p.config.Path, fastHandler, &types.RouteConfig{
		Timeout:             5 * time.Second,
		DisabledMiddlewares: []string{"logging", "compression"},
	})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	logger  types.Logger
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	c.counter.Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.Dec()
}

func (g *PrometheusGauge) Add(value float64) {
	g.gauge.Add(value)
}

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	histogram prometheus.Observer
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.histogram.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.histogram.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	if histogram := h.read(); histogram != nil {
		return histogram.GetSampleCount()
	}
	return 0
}

func (h *PrometheusHistogram) GetSum() float64 {
	if histogram := h.read(); histogram != nil {
		return histogram.GetSampleSum()
	}
	return 0
}

func (h *PrometheusHistogram) read() *dto.Histogram {
	promMetric, ok := h.histogram.(prometheus.Metric)
	if !ok {
		return nil
	}

	metric := &dto.Metric{}
	if err := promMetric.Write(metric); err != nil {
		return nil
	}
	return metric.GetHistogram()
}
