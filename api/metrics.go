package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the pool. It implements
// core.Recorder.
type Metrics struct {
	// Admission metrics
	AdmittedTotal  prometheus.Counter
	RejectedTotal  *prometheus.CounterVec
	EvictedTotal   prometheus.Counter
	ExpiredTotal   prometheus.Counter
	RemovedTotal   *prometheus.CounterVec
	VerifyDuration prometheus.Histogram

	// Batch metrics
	BatchesTotal prometheus.Counter
	BatchSize    prometheus.Histogram
	BatchLatency prometheus.Histogram

	// System metrics
	MempoolSize      prometheus.Gauge
	WorkersInFlightG prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics under namespace and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmittedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_admitted_total",
			Help:      "Total number of transactions admitted to the pool",
		}),
		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_rejected_total",
			Help:      "Total number of rejected transactions by error code",
		}, []string{"code"}),
		EvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_evicted_total",
			Help:      "Total number of transactions evicted for capacity",
		}),
		ExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_expired_total",
			Help:      "Total number of transactions dropped by the expiry sweeper",
		}),
		RemovedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_removed_total",
			Help:      "Total number of transactions that left the pool by reason",
		}, []string{"reason"}),
		VerifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Signature verification latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),

		BatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batches submitted",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of transactions per batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch processing latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_size",
			Help:      "Current number of pending transactions in the pool",
		}),
		WorkersInFlightG: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_in_flight",
			Help:      "Number of verification requests awaiting a worker reply",
		}),

		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) TransactionAdmitted()            { m.AdmittedTotal.Inc() }
func (m *Metrics) TransactionRejected(code string) { m.RejectedTotal.WithLabelValues(code).Inc() }
func (m *Metrics) TransactionsEvicted(n int)       { m.EvictedTotal.Add(float64(n)) }
func (m *Metrics) TransactionsExpired(n int)       { m.ExpiredTotal.Add(float64(n)) }
func (m *Metrics) PoolSize(n int)                  { m.MempoolSize.Set(float64(n)) }
func (m *Metrics) WorkersInFlight(n int)           { m.WorkersInFlightG.Set(float64(n)) }

func (m *Metrics) TransactionsRemoved(reason string, n int) {
	m.RemovedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) VerificationDuration(d time.Duration) {
	m.VerifyDuration.Observe(d.Seconds())
}

// RecordBatch records a batch processing event.
func (m *Metrics) RecordBatch(size int, duration time.Duration) {
	m.BatchesTotal.Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(duration.Seconds())
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server on addr serving the metrics of
// gatherer. health reports a non-nil error when the node is unhealthy.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, health func() error) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler of the server.
func (s *MetricsServer) Handler() http.Handler { return s.server.Handler }

// Start serves until Stop is called.
func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
