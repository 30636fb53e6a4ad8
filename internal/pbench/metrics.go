package pbench

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woonsocket_requests_total",
		Help: "Number of requests answered, by server kind and response status.",
	}, []string{"server", "status"})

	workSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woonsocket_work_seconds",
		Help:    "Time spent executing work, by work kind.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kind"})

	openConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "woonsocket_open_connections",
		Help: "Currently open client connections.",
	}, []string{"server"})

	connErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woonsocket_connection_errors_total",
		Help: "Connections terminated by a framing, decode or I/O error.",
	}, []string{"server"})

	ringSubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "woonsocket_ring_submissions_total",
		Help: "Submission queue entries handed to the kernel by the ring server.",
	})

	ringBackpressureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "woonsocket_ring_backpressure_total",
		Help: "Times the ring server deferred an operation because the ring was full.",
	})

	hostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "woonsocket_host_cpu_percent",
		Help: "Host CPU utilisation sampled during the run.",
	})

	hostLoad1 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "woonsocket_host_load1",
		Help: "Host one minute load average.",
	})
)

func observeResponse(server string, req Request, resp Response) {
	requestsTotal.WithLabelValues(server, resp.Status.String()).Inc()
	if resp.Status == StatusCompleted {
		workSeconds.WithLabelValues(req.Work.Kind.String()).Observe(float64(resp.ProcessingTime) / 1e6)
	}
}
