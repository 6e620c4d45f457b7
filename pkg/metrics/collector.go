package metrics

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "inference_scheduler"

// StateSnapshot reports live entity counts at scrape time
type StateSnapshot func() (nodesByStatus map[string]int, jobsByStatus map[string]int)

// Collector owns the scheduler's Prometheus registry
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	jobsSubmitted    prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	requeues         *prometheus.CounterVec
	nodesLost        prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	requestBytes     *prometheus.CounterVec
	responseBytes    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec

	mu       sync.RWMutex
	snapshot StateSnapshot
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total jobs accepted by the scheduler",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"status"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts by result",
		}, []string{"algorithm", "result"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_requeues_total",
			Help:      "Jobs returned to the queue",
		}, []string{"reason"}),
		nodesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_lost_total",
			Help:      "Nodes that went stale, errored or were deregistered while holding a job",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Change events dropped because a subscriber fell behind",
		}, []string{"subscriber"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduling_cycle_seconds",
			Help:      "Duration of one scheduling cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		requestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_bytes_total",
			Help:      "Total bytes received in HTTP requests",
		}, []string{"method", "route"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_response_bytes_total",
			Help:      "Total bytes sent in HTTP responses",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.dispatchAttempts,
		c.requeues,
		c.nodesLost,
		c.eventsDropped,
		c.cycleDuration,
		c.requestBytes,
		c.responseBytes,
		c.requestDuration,
		&stateCollector{c: c},
	)
	return c
}

// SetStateSource installs the callback used for node/job gauges
func (c *Collector) SetStateSource(fn StateSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = fn
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// JobSubmitted increments the submission counter
func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
}

// JobFinished records a terminal transition
func (c *Collector) JobFinished(status string) {
	c.jobsFinished.WithLabelValues(status).Inc()
}

// DispatchResult records one dispatch outcome ("ok", "transport_error", "exhausted")
func (c *Collector) DispatchResult(algorithm, result string) {
	c.dispatchAttempts.WithLabelValues(algorithm, result).Inc()
}

// JobRequeued records a requeue ("dispatch_retry", "failover")
func (c *Collector) JobRequeued(reason string) {
	c.requeues.WithLabelValues(reason).Inc()
}

// NodeLost increments the lost-node counter
func (c *Collector) NodeLost() {
	c.nodesLost.Inc()
}

// EventDropped records an event dropped for a slow subscriber
func (c *Collector) EventDropped(subscriber string) {
	c.eventsDropped.WithLabelValues(subscriber).Inc()
}

// ObserveCycle records a scheduling cycle duration
func (c *Collector) ObserveCycle(d time.Duration) {
	c.cycleDuration.Observe(d.Seconds())
}

// WriteText encodes every registered metric family in the text exposition format
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// ServeHTTP serves Prometheus-compatible metrics
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP %s_uptime_seconds Time since the scheduler started\n", namespace)
	fmt.Fprintf(&buf, "# TYPE %s_uptime_seconds gauge\n", namespace)
	fmt.Fprintf(&buf, "%s_uptime_seconds %d\n", namespace, int64(time.Since(c.startTime).Seconds()))

	if err := c.WriteText(&buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.Write(buf.Bytes())
}

// Middleware tracks request/response bytes and latency per route template
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		if r.ContentLength > 0 {
			c.requestBytes.WithLabelValues(r.Method, route).Add(float64(r.ContentLength))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		c.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if rw.bytesWritten > 0 {
			c.responseBytes.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Add(float64(rw.bytesWritten))
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// stateCollector turns the StateSnapshot into const gauges at scrape time
type stateCollector struct {
	c *Collector
}

var (
	nodesDesc = prometheus.NewDesc(namespace+"_nodes", "Registered nodes by status", []string{"status"}, nil)
	jobsDesc  = prometheus.NewDesc(namespace+"_jobs", "Jobs by status", []string{"status"}, nil)
)

func (s *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- nodesDesc
	ch <- jobsDesc
}

func (s *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s.c.mu.RLock()
	fn := s.c.snapshot
	s.c.mu.RUnlock()
	if fn == nil {
		return
	}
	nodes, jobs := fn()
	for status, n := range nodes {
		ch <- prometheus.MustNewConstMetric(nodesDesc, prometheus.GaugeValue, float64(n), status)
	}
	for status, n := range jobs {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), status)
	}
}
