package vault

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of vault metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the vault.
type Metrics struct {
	// Operation metrics
	UploadsTotal   prometheus.Counter       // filevault_uploads_total
	DownloadsTotal prometheus.Counter       // filevault_downloads_total
	DeletesTotal   prometheus.Counter       // filevault_deletes_total
	DedupHitsTotal prometheus.Counter       // filevault_dedup_hits_total
	OpDuration     *prometheus.HistogramVec // filevault_op_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter // filevault_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // filevault_bytes_downloaded_total

	// Storage metrics
	FilesTotal    prometheus.Gauge // filevault_files_total
	BlobsTotal    prometheus.Gauge // filevault_blobs_total
	LogicalBytes  prometheus.Gauge // filevault_logical_bytes
	PhysicalBytes prometheus.Gauge // filevault_physical_bytes
	SavingsBytes  prometheus.Gauge // filevault_savings_bytes
}

// InitMetrics initializes all vault metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			UploadsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filevault_uploads_total",
				Help: "Total file uploads",
			}),

			DownloadsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filevault_downloads_total",
				Help: "Total file downloads",
			}),

			DeletesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filevault_deletes_total",
				Help: "Total file deletions",
			}),

			DedupHitsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filevault_dedup_hits_total",
				Help: "Uploads that deduplicated against an existing blob",
			}),

			OpDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "filevault_op_duration_seconds",
				Help:    "Vault operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filevault_bytes_uploaded_total",
				Help: "Total logical bytes uploaded",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filevault_bytes_downloaded_total",
				Help: "Total logical bytes downloaded",
			}),

			FilesTotal: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filevault_files_total",
				Help: "Number of live file entries",
			}),

			BlobsTotal: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filevault_blobs_total",
				Help: "Number of live deduplicated blobs",
			}),

			LogicalBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filevault_logical_bytes",
				Help: "Sum of logical file sizes across all users",
			}),

			PhysicalBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filevault_physical_bytes",
				Help: "Sum of deduplicated blob sizes on disk",
			}),

			SavingsBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filevault_savings_bytes",
				Help: "Bytes saved by deduplication (logical minus physical)",
			}),
		}
	})
	return metricsInstance
}
