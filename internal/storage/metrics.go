package storage

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for storage operations.
type Observer interface {
	RecordWrite(duration time.Duration, sizeBytes int64, err error)
	RecordDelete(duration time.Duration, err error)
	RecordList(duration time.Duration, err error)
}

// PrometheusObserver exports storage metrics to Prometheus.
type PrometheusObserver struct {
	duration     *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	writtenBytes prometheus.Counter
}

// NewPrometheusObserver registers write/delete/list metrics.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "rimg_storage"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	observer := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency for derivative storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of derivative storage failures.",
		}, []string{"operation"}),
		writtenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Cumulative size of published derivatives.",
		}),
	}
	if err := reg.Register(observer.duration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register storage histogram: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("register storage histogram: %w", err)
		}
		observer.duration = existing
	}
	if err := reg.Register(observer.errors); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register storage counter: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("register storage counter: %w", err)
		}
		observer.errors = existing
	}
	if err := reg.Register(observer.writtenBytes); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register written bytes counter: %w", err)
		}
		existing, ok := are.ExistingCollector.(prometheus.Counter)
		if !ok {
			return nil, fmt.Errorf("register written bytes counter: %w", err)
		}
		observer.writtenBytes = existing
	}
	return observer, nil
}

// RecordWrite tracks publish duration, size, and failures.
func (o *PrometheusObserver) RecordWrite(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("write").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("write").Inc()
		return
	}
	o.writtenBytes.Add(float64(sizeBytes))
}

func (o *PrometheusObserver) RecordDelete(duration time.Duration, err error) {
	recordOperation(o, "delete", duration, err)
}

func (o *PrometheusObserver) RecordList(duration time.Duration, err error) {
	recordOperation(o, "list", duration, err)
}

func recordOperation(o *PrometheusObserver, op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues(op).Inc()
	}
}

type nopObserver struct{}

func (nopObserver) RecordWrite(time.Duration, int64, error) {}

func (nopObserver) RecordDelete(time.Duration, error) {}

func (nopObserver) RecordList(time.Duration, error) {}

var _ Observer = (*PrometheusObserver)(nil)
