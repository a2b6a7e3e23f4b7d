// Package telemetry records HTTP and batch metrics in memory and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// DefaultDurationBuckets are request latency bucket boundaries in seconds.
var DefaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram is a thread-safe histogram. Bucket counts are non-cumulative in
// storage; cumulative counts are computed at export.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// above every boundary: only +Inf
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

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// requestKey identifies one labeled request series.
type requestKey struct {
	method string
	route  string
	status int
}

type gaugeFunc struct {
	name string
	help string
	fn   func() int64
}

// Registry holds every metric the service exports.
type Registry struct {
	mu       sync.RWMutex
	requests map[requestKey]*histogram
	codes    map[string]*int64
	gauges   []gaugeFunc
	active   int64
	buckets  []float64
}

// NewRegistry returns an empty registry using DefaultDurationBuckets.
func NewRegistry() *Registry {
	return &Registry{
		requests: make(map[requestKey]*histogram),
		codes:    make(map[string]*int64),
		buckets:  DefaultDurationBuckets,
	}
}

func (r *Registry) requestHistogram(k requestKey) *histogram {
	r.mu.RLock()
	h, ok := r.requests[k]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.requests[k]; !ok {
		h = newHistogram(r.buckets)
		r.requests[k] = h
	}
	return h
}

// ObserveRequest records one finished request.
func (r *Registry) ObserveRequest(method, route string, status int, d time.Duration) {
	r.requestHistogram(requestKey{method, route, status}).Observe(d.Seconds())
}

// ObserveCode counts one batch code by outcome status.
func (r *Registry) ObserveCode(status string) {
	r.mu.RLock()
	p, ok := r.codes[status]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if p, ok = r.codes[status]; !ok {
			p = new(int64)
			r.codes[status] = p
		}
		r.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// CodeCount returns the number of batch codes seen with status.
func (r *Registry) CodeCount(status string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.codes[status]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// RequestCount returns the number of requests recorded for one series.
func (r *Registry) RequestCount(method, route string, status int) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.requests[requestKey{method, route, status}]; ok {
		return h.Count()
	}
	return 0
}

// ActiveRequests is the number of requests currently in flight.
func (r *Registry) ActiveRequests() int64 {
	return atomic.LoadInt64(&r.active)
}

// RegisterGauge adds a gauge whose value is read at scrape time.
func (r *Registry) RegisterGauge(name, help string, fn func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, gaugeFunc{name: name, help: help, fn: fn})
}

// Middleware records latency per method, route and status.
func (r *Registry) Middleware(skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			atomic.AddInt64(&r.active, 1)
			defer atomic.AddInt64(&r.active, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			// Route patterns keep label cardinality bounded.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			r.ObserveRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves the registry at /metrics.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		return c.String(http.StatusOK, r.Render())
	}
}

// Render writes every metric in the text exposition format. Series are
// sorted so output is stable between scrapes.
func (r *Registry) Render() string {
	var b strings.Builder

	r.mu.RLock()
	keys := make([]requestKey, 0, len(r.requests))
	for k := range r.requests {
		keys = append(keys, k)
	}
	statuses := make([]string, 0, len(r.codes))
	for s := range r.codes {
		statuses = append(statuses, s)
	}
	gauges := append([]gaugeFunc(nil), r.gauges...)
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].route != keys[j].route {
			return keys[i].route < keys[j].route
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].status < keys[j].status
	})
	sort.Strings(statuses)

	const reqName = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + reqName + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + reqName + " histogram\n")
	for _, k := range keys {
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", k.method, k.route, strconv.Itoa(k.status))
		writeHistogram(&b, reqName, labels, r.requestHistogram(k))
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", r.ActiveRequests())

	b.WriteString("# HELP icdmap_batch_codes_total Batch codes processed by outcome status.\n")
	b.WriteString("# TYPE icdmap_batch_codes_total counter\n")
	for _, s := range statuses {
		fmt.Fprintf(&b, "icdmap_batch_codes_total{status=%q} %d\n", s, r.CodeCount(s))
	}
	b.WriteByte('\n')

	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&b, "%s %d\n\n", g.name, g.fn())
	}
	return b.String()
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
