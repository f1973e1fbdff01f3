// Package metrics provides the Prometheus registry and HTTP handler used by
// the export pipeline. Metrics are defined in their owning packages
// (ratelimit, client, dedup, sink, export) and registered through promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all pipeline metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - admin_export_ratelimit_acquires_total{backend} (Counter): admitted calls by backend (memory, redis)
//   - admin_export_ratelimit_wait_seconds{backend} (Histogram): time spent waiting for a slot
//
// Request Metrics (pkg/client):
//   - admin_export_requests_total{status} (Counter): page requests by HTTP status
//   - admin_export_request_duration_seconds (Histogram): page request latency
//   - admin_export_fetch_errors_total{class} (Counter): fatal fetch errors by class
//
// Dedup Metrics (pkg/dedup):
//   - admin_export_dedup_offers_total{outcome} (Counter): offers by outcome (inserted, replaced, kept)
//   - admin_export_dedup_rows (Gauge): winner rows currently held
//
// Sink Metrics (pkg/sink):
//   - admin_export_rows_written_total (Counter): CSV rows written
//
// Pipeline Metrics (pkg/export):
//   - admin_export_pages_total (Counter): pages processed
//   - admin_export_records_total{outcome} (Counter): records by outcome (exported, skipped, inactive, malformed)
//
// Example Prometheus Queries:
//
//   # Share of time spent throttled
//   rate(admin_export_ratelimit_wait_seconds_sum[5m])
//
//   # Replacement ratio in the dedup store
//   rate(admin_export_dedup_offers_total{outcome="replaced"}[5m]) /
//   rate(admin_export_dedup_offers_total[5m])
