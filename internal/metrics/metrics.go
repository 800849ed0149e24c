// Package metrics exposes acquisition statistics to Prometheus.
//
// All methods are safe on a nil *Registry, so components can take an
// optional registry without checking it.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/spillway/internal/logging"
	"github.com/xtxerr/spillway/internal/queue"
)

const namespace = "spillway"

var log = logging.Component("metrics")

// Registry holds the spillway metrics.
type Registry struct {
	reg *prometheus.Registry

	spills       prometheus.Counter
	events       prometheus.Counter
	sinkLatency  prometheus.Histogram
	acquisitions *prometheus.CounterVec
	binned       *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	producers    prometheus.Gauge

	queue atomic.Pointer[queue.Queue]
}

// New creates a registry with Go runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spills_processed_total",
			Help:      "Spills delivered to the sink.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events delivered to the sink.",
		}),
		sinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_push_seconds",
			Help:      "Time the sink took per spill.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Acquisition sessions by outcome.",
		}, []string{"outcome"}),
		binned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "histogram_events_binned_total",
			Help:      "Events accumulated into a histogram.",
		}, []string{"histogram"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "histogram_events_skipped_total",
			Help:      "Events a histogram could not bin.",
		}, []string{"histogram"}),
		producers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers_running",
			Help:      "Producers currently running.",
		}),
	}

	r.reg.MustRegister(
		r.spills, r.events, r.sinkLatency,
		r.acquisitions, r.binned, r.skipped, r.producers,
		&queueCollector{r: r},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// WatchQueue makes q the queue reported by the queue gauges. Nil clears it.
func (r *Registry) WatchQueue(q *queue.Queue) {
	if r == nil {
		return
	}
	r.queue.Store(q)
}

// ObserveSpill records one spill delivered to the sink.
func (r *Registry) ObserveSpill(events int, latency time.Duration) {
	if r == nil {
		return
	}
	r.spills.Inc()
	r.events.Add(float64(events))
	r.sinkLatency.Observe(latency.Seconds())
}

// AcquisitionDone counts one finished session.
func (r *Registry) AcquisitionDone(outcome string) {
	if r == nil {
		return
	}
	r.acquisitions.WithLabelValues(outcome).Inc()
}

// ObserveBinning records histogram accumulation results.
func (r *Registry) ObserveBinning(histogram string, binned, skipped int) {
	if r == nil {
		return
	}
	if binned > 0 {
		r.binned.WithLabelValues(histogram).Add(float64(binned))
	}
	if skipped > 0 {
		r.skipped.WithLabelValues(histogram).Add(float64(skipped))
	}
}

// SetProducersRunning updates the running producer gauge.
func (r *Registry) SetProducersRunning(n int) {
	if r == nil {
		return
	}
	r.producers.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve serves /metrics and /health on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.serve(ctx, ln)
}

func (r *Registry) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// queueCollector reads the watched queue's counters on every scrape.
type queueCollector struct {
	r *Registry
}

var (
	queueSizeDesc = prometheus.NewDesc(namespace+"_queue_size",
		"Spills buffered in the queue.", nil, nil)
	queueStreamsDesc = prometheus.NewDesc(namespace+"_queue_streams",
		"Streams known to the queue.", nil, nil)
	queueEnqueuedDesc = prometheus.NewDesc(namespace+"_queue_enqueued_total",
		"Spills accepted by the queue in this session.", nil, nil)
	queueDequeuedDesc = prometheus.NewDesc(namespace+"_queue_dequeued_total",
		"Spills handed to the worker in this session.", nil, nil)
	queueDroppedSpillsDesc = prometheus.NewDesc(namespace+"_queue_dropped_spills_total",
		"Running spills dropped by the drop policy in this session.", nil, nil)
	queueDroppedEventsDesc = prometheus.NewDesc(namespace+"_queue_dropped_events_total",
		"Events in dropped spills in this session.", nil, nil)
)

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueSizeDesc
	ch <- queueStreamsDesc
	ch <- queueEnqueuedDesc
	ch <- queueDequeuedDesc
	ch <- queueDroppedSpillsDesc
	ch <- queueDroppedEventsDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	q := c.r.queue.Load()
	if q == nil {
		return
	}
	st := q.Stats()
	ch <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(st.Size))
	ch <- prometheus.MustNewConstMetric(queueStreamsDesc, prometheus.GaugeValue, float64(len(q.Streams())))
	ch <- prometheus.MustNewConstMetric(queueEnqueuedDesc, prometheus.CounterValue, float64(st.Enqueued))
	ch <- prometheus.MustNewConstMetric(queueDequeuedDesc, prometheus.CounterValue, float64(st.Dequeued))
	ch <- prometheus.MustNewConstMetric(queueDroppedSpillsDesc, prometheus.CounterValue, float64(st.DroppedSpills))
	ch <- prometheus.MustNewConstMetric(queueDroppedEventsDesc, prometheus.CounterValue, float64(st.DroppedEvents))
}
