package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type MemoryConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MetricValue struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Value  float64           `json:"value"`
	Count  uint64            `json:"count,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

type MemoryMetrics struct {
	logger     types.Logger
	config     *MemoryConfig
	constant   map[string]string
	counters   map[string]*MemoryCounter
	gauges     map[string]*MemoryGauge
	histograms map[string]*MemoryHistogram
	running    atomic.Bool
	mu         sync.RWMutex
}

func NewMemoryMetrics(logger types.Logger, config *types.MetricsConfig) *MemoryMetrics {
	memConfig := &MemoryConfig{Path: "/metrics"}
	var constant map[string]string

	if config != nil {
		if config.Config != nil {
			if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
				logger.Warn("Invalid memory metrics config, using defaults")
			}
		}
		constant = config.Labels
	}

	return &MemoryMetrics{
		logger:     logger,
		config:     memConfig,
		constant:   constant,
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}
}

func (m *MemoryMetrics) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return types.ErrServiceIsRunning
	}
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return types.ErrServiceIsNotRunning
	}
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return m.running.Load()
}

func (m *MemoryMetrics) RegisterRoutes(router types.HTTPRouter) {
	router.Add(fasthttp.MethodGet, m.config.Path, m.handleMetrics, &types.RouteConfig{
		Timeout:             5 * time.Second,
		DisabledMiddlewares: []string{"logging", "compression"},
	})
}

func (m *MemoryMetrics) handleMetrics(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, m.Snapshot())
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter := &MemoryCounter{name: name, labels: labels}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &MemoryGauge{name: name, labels: labels}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	histogram := &MemoryHistogram{
		name:    name,
		labels:  labels,
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)+1),
	}
	m.histograms[key] = histogram
	return histogram
}

// Snapshot lists every instrument sorted by name, then by label key.
func (m *MemoryMetrics) Snapshot() []MetricValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := make([]MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms))
	keys := make([]string, 0, len(values))

	for key, counter := range m.counters {
		keys = append(keys, key)
		values = append(values, MetricValue{Name: counter.name, Type: "counter", Value: counter.Get(), Labels: m.withConstant(counter.labels)})
	}
	for key, gauge := range m.gauges {
		keys = append(keys, key)
		values = append(values, MetricValue{Name: gauge.name, Type: "gauge", Value: gauge.Get(), Labels: m.withConstant(gauge.labels)})
	}
	for key, histogram := range m.histograms {
		keys = append(keys, key)
		values = append(values, MetricValue{Name: histogram.name, Type: "histogram", Value: histogram.GetSum(), Count: histogram.GetCount(), Labels: m.withConstant(histogram.labels)})
	}

	sort.Sort(byKey{keys: keys, values: values})
	return values
}

func (m *MemoryMetrics) GetStats() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return utils.Marshal(types.MetricsStats{
		TotalMetrics:     len(m.counters) + len(m.gauges) + len(m.histograms),
		CounterMetrics:   len(m.counters),
		GaugeMetrics:     len(m.gauges),
		HistogramMetrics: len(m.histograms),
		LastUpdate:       time.Now(),
	})
}

func (m *MemoryMetrics) withConstant(labels map[string]string) map[string]string {
	if len(m.constant) == 0 {
		return labels
	}

	merged := make(map[string]string, len(labels)+len(m.constant))
	for k, v := range m.constant {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range names {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

type byKey struct {
	keys   []string
	values []MetricValue
}

func (b byKey) Len() int           { return len(b.keys) }
func (b byKey) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b byKey) Swap(i, j int) {
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
	b.values[i], b.values[j] = b.values[j], b.values[i]
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	addFloat(&c.value, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.value))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.value, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() {
	addFloat(&g.value, 1)
}

func (g *MemoryGauge) Dec() {
	addFloat(&g.value, -1)
}

func (g *MemoryGauge) Add(value float64) {
	addFloat(&g.value, value)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.value))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	addFloat(&h.sum, value)

	bucketIndex := len(h.buckets)
	for i, bucket := range h.buckets {
		if value <= bucket {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&h.counts[bucketIndex], 1)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}
