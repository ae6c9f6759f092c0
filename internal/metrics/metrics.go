// Package metrics exposes agent counters for Prometheus scrape.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/boiler/internal/status"
	"github.com/temoto/boiler/log2"
)

const namespace = "boiler"

type Metrics struct {
	reg      *prometheus.Registry
	signals  *prometheus.CounterVec
	sessions *prometheus.CounterVec
	duration prometheus.Histogram
	errors   prometheus.Counter
	errCount prometheus.Gauge
	readings *prometheus.GaugeVec
}

var _ status.Signaler = &Metrics{}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Cycle outcomes by kind, same as shown by LEDs.",
		}, []string{"kind"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by terminal stage and success.",
		}, []string{"stage", "success"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session wall time from allocation to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_errors_total",
			Help:      "Messages logged at error level.",
		}),
		errCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_errors",
			Help:      "Consecutive failed sessions, restart at threshold.",
		}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last accepted sensor reading.",
		}, []string{"sensor"}),
	}
	m.reg.MustRegister(m.signals, m.sessions, m.duration, m.errors, m.errCount, m.readings)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Signal(s status.Signal) error {
	m.signals.WithLabelValues(s.Kind.String()).Inc()
	return nil
}

func (m *Metrics) Progress() {}

func (m *Metrics) ObserveSession(stage int, success bool, d time.Duration) {
	m.sessions.WithLabelValues(strconv.Itoa(stage), strconv.FormatBool(success)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) SetConsecutiveErrors(n int) { m.errCount.Set(float64(n)) }

func (m *Metrics) SetReading(sensor string, celsius float64) {
	m.readings.WithLabelValues(sensor).Set(celsius)
}

// CountError fits log2.ErrorFunc.
func (m *Metrics) CountError(error) { m.errors.Inc() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve blocks until ctx is done or listener fails.
func (m *Metrics) Serve(ctx context.Context, log *log2.Log, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	log.Infof("metrics listen=%s", listen)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "metrics listen=%s", listen)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
