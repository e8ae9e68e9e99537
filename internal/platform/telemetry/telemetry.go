// Package telemetry provides counters, gauges and request histograms with a
// Prometheus text exposition endpoint, using only standard library
// constructs. Per-route HTTP series double as operation counters: the count
// of POST /predictions responses is the append rate, GET /chain/verify the
// verification rate.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultDurationBuckets are histogram bucket boundaries in seconds for HTTP
// request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// ---------------------------------------------------------------------------
// histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are stored non-cumulative; cumulative counts are computed at export.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated via CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Beyond all boundaries, counted only in +Inf at export.
	h.mu.Unlock()
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// counter and gauge stores
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	if p, ok = s.items[key]; !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	if p, ok = s.items[name]; !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) add(name string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	if p, ok = s.items[name]; !ok {
		v := delta
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *gaugeStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider holds all metric state for the process.
type Provider struct {
	durations map[string]*histogram // keyed by method|route|status
	durMu     sync.RWMutex

	counters *counterStore
	gauges   *gaugeStore
}

func NewProvider() *Provider {
	return &Provider{
		durations: make(map[string]*histogram),
		counters:  newCounterStore(),
		gauges:    newGaugeStore(),
	}
}

// Count increments the named counter for a component operation, for example
// ("anchor", "commit_failed").
func (p *Provider) Count(component, operation string) {
	p.counters.inc(component + "|" + operation)
}

// Counter returns the current value of a component operation counter.
func (p *Provider) Counter(component, operation string) int64 {
	return p.counters.get(component + "|" + operation)
}

// SetGauge sets a gauge to an absolute value.
func (p *Provider) SetGauge(name string, val int64) {
	p.gauges.set(name, val)
}

// Gauge returns the current value of a gauge.
func (p *Provider) Gauge(name string) int64 {
	return p.gauges.get(name)
}

func (p *Provider) durationHistogram(key string) *histogram {
	p.durMu.RLock()
	h, ok := p.durations[key]
	p.durMu.RUnlock()
	if ok {
		return h
	}
	p.durMu.Lock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.durations[key] = h
	}
	p.durMu.Unlock()
	return h
}

// RequestDuration returns the histogram for a (method, route, status) series,
// or nil when nothing was recorded for it.
func (p *Provider) RequestDuration(method, route, status string) *histogram {
	p.durMu.RLock()
	defer p.durMu.RUnlock()
	return p.durations[method+"|"+route+"|"+status]
}

// ---------------------------------------------------------------------------
// Echo integration
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration per (method, route pattern,
// status) and tracks in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.gauges.add("http_active_requests", 1)
			start := time.Now()

			err := next(c)

			p.gauges.add("http_active_requests", -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := c.Request().Method + "|" + route + "|" + fmt.Sprintf("%d", c.Response().Status)
			p.durationHistogram(key).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// PrometheusHandler serves every metric in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP http_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_request_duration_seconds histogram\n")
		p.durMu.RLock()
		keys := make([]string, 0, len(p.durations))
		for k := range p.durations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			h := p.durations[key]
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_request_duration_seconds", labels, h)
		}
		p.durMu.RUnlock()
		b.WriteByte('\n')

		b.WriteString("# HELP mediguard_operations_total Component operations by name.\n")
		b.WriteString("# TYPE mediguard_operations_total counter\n")
		counters := p.counters.snapshot()
		counterKeys := make([]string, 0, len(counters))
		for k := range counters {
			counterKeys = append(counterKeys, k)
		}
		sort.Strings(counterKeys)
		for _, key := range counterKeys {
			parts := strings.SplitN(key, "|", 2)
			if len(parts) != 2 {
				continue
			}
			fmt.Fprintf(&b, "mediguard_operations_total{component=%q,operation=%q} %d\n",
				parts[0], parts[1], counters[key])
		}
		b.WriteByte('\n')

		gauges := p.gauges.snapshot()
		gaugeKeys := make([]string, 0, len(gauges))
		for k := range gauges {
			gaugeKeys = append(gaugeKeys, k)
		}
		sort.Strings(gaugeKeys)
		for _, name := range gaugeKeys {
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, gauges[name])
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
