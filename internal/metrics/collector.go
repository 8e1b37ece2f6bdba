// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector. It outputs text/plain in Prometheus exposition format without
// requiring the prometheus/client_golang dependency.
//
// Components never reach for a global collector: they receive a Sink at
// construction, so two pipelines in one process never share counters.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives counter increments and observations from components.
type Sink interface {
	Inc(name, labels string)
	Observe(name, labels string, v float64)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Inc(string, string)              {}
func (NopSink) Observe(string, string, float64) {}

// Metric names emitted by replybot components.
const (
	DecisionsTotal          = "replybot_decisions_total"
	GenerationsTotal        = "replybot_generations_total"
	GenerationRetriesTotal  = "replybot_generation_retries_total"
	GenerationFailuresTotal = "replybot_generation_failures_total"
	GenerationLatency       = "replybot_generation_latency_seconds"
	VerifierRefineFailures  = "replybot_verifier_refine_failures_total"
	VerifierCrossFailures   = "replybot_verifier_cross_model_failures_total"
	VerifierTimeouts        = "replybot_verifier_timeouts_total"
	VerifierMalformed       = "replybot_verifier_malformed_verdicts_total"
	VerifierReplacements    = "replybot_verifier_replacements_total"
	DeferredTotal           = "replybot_deferred_total"
	EmptyGenerations        = "replybot_empty_generations_total"
)

var helpText = map[string]string{
	DecisionsTotal:          "Decisions taken, by strategy",
	GenerationsTotal:        "Successful generations, by provider",
	GenerationRetriesTotal:  "Generation attempts retried after a failure",
	GenerationFailuresTotal: "Generations that exhausted their retry budget",
	GenerationLatency:       "Generation latency in seconds, retries included",
	VerifierRefineFailures:  "Self-critique calls that failed",
	VerifierCrossFailures:   "Cross-model reconciliation phases that failed",
	VerifierTimeouts:        "Cross-model reconciliation phases cut by the deadline",
	VerifierMalformed:       "Judge verdicts that could not be parsed",
	VerifierReplacements:    "Answers replaced by a cross-model candidate",
	DeferredTotal:           "Messages handed to the deferred path",
	EmptyGenerations:        "Replies that came back blank after verification",
}

var defaultBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120}

// Labels renders key/value pairs as a Prometheus label list.
func Labels(kv ...string) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", kv[i], kv[i+1]))
	}
	return strings.Join(parts, ",")
}

// Collector aggregates counters and histograms.
type Collector struct {
	counters   sync.Map // name{labels} -> *Counter
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time
}

// NewCollector creates a new collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Inc implements Sink.
func (c *Collector) Inc(name, labels string) {
	c.Counter(name, helpText[name], labels).Inc()
}

// Observe implements Sink.
func (c *Collector) Observe(name, labels string, v float64) {
	c.Histogram(name, helpText[name], labels, defaultBuckets).Observe(v)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns how many values were observed.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates a counter with the given name.
func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Histogram returns or creates a histogram with the given name.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// Render produces the exposition text. Series are sorted so output is stable.
func (c *Collector) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP replybot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE replybot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "replybot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, ctr := range sortedValues[*Counter](&c.counters) {
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSeries(&sb, ctr.name, ctr.labels, fmt.Sprintf("%d", ctr.Value()))
	}

	helpWritten = make(map[string]bool)
	for _, h := range sortedValues[*Histogram](&c.histograms) {
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
			fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
			helpWritten[h.name] = true
		}
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		writeSeries(&sb, h.name+"_count", h.labels, fmt.Sprintf("%d", h.count))
		writeSeries(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	return sb.String()
}

func writeSeries(sb *strings.Builder, name, labels, value string) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %s\n", name, value)
}

func sortedValues[T any](m *sync.Map) []T {
	var keys []string
	values := make(map[string]T)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		values[k.(string)] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, values[k])
	}
	return out
}
