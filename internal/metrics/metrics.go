// Package metrics provides Prometheus metrics for the committee node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (aggregate only)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_http_requests_total",
			Help: "Total number of control-plane HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "committee_node_http_request_duration_seconds",
			Help:    "Control-plane HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Container metrics (per-agent)
	ContainersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "committee_node_containers_active",
			Help: "Number of currently active workload containers",
		},
		[]string{"agent"},
	)

	ContainerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_container_operations_total",
			Help: "Total number of container operations",
		},
		[]string{"agent", "operation", "status"},
	)

	ContainerStartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "committee_node_container_start_duration_seconds",
			Help:    "Time to start a container (download, load, start, ready)",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"agent"},
	)

	// Image metrics (per-agent)
	ImageDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_image_downloads_total",
			Help: "Total number of image downloads",
		},
		[]string{"agent", "status"},
	)

	ImageDownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "committee_node_image_download_duration_seconds",
			Help:    "Time to download container images",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	// Workload request metrics (per-agent)
	AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_agent_requests_total",
			Help: "Total number of requests forwarded to workload containers",
		},
		[]string{"agent", "status_code"},
	)

	AgentRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "committee_node_agent_request_duration_seconds",
			Help:    "Time for a workload container to process a request",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	// Chain event metrics
	EventsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "committee_node_events_received_total",
			Help: "Total RequestCreated events observed on the subscription",
		},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "committee_node_events_dropped_total",
			Help: "Events dropped because the dispatch queue was full",
		},
	)

	// Transaction metrics
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_transactions_total",
			Help: "Transactions processed by the submitter",
		},
		[]string{"name", "outcome"},
	)

	TransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "committee_node_transaction_duration_seconds",
			Help:    "Time from send to mined receipt",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"name"},
	)

	// Receipt archive metrics
	ReceiptUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_receipt_uploads_total",
			Help: "Receipt uploads to the archive service",
		},
		[]string{"status"},
	)

	// Forward proxy metrics
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_proxy_requests_total",
			Help: "Requests handled by the sandbox forward proxy",
		},
		[]string{"kind"},
	)

	ProxyErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "committee_node_proxy_errors_total",
			Help: "Rejected or failed forward-proxy requests",
		},
	)

	// Inference proxy metrics
	InferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "committee_node_inference_requests_total",
			Help: "Requests handled by the inference proxy",
		},
		[]string{"path", "streaming"},
	)

	InferenceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "committee_node_inference_errors_total",
			Help: "Failed inference proxy requests",
		},
	)

	InferenceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "committee_node_inference_request_duration_seconds",
			Help:    "Inference proxy request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path"},
	)
)
