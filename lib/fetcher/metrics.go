package fetcher

import "github.com/VictoriaMetrics/metrics"

// Batch-path counters, exposed through the default VictoriaMetrics
// registry.
var (
	metricBatches      = metrics.NewCounter(`repltail_fetcher_batches_total`)
	metricNetworkDocs  = metrics.NewCounter(`repltail_fetcher_network_documents_total`)
	metricNetworkBytes = metrics.NewCounter(`repltail_fetcher_network_bytes_total`)
	metricApplyDocs    = metrics.NewCounter(`repltail_fetcher_apply_documents_total`)
	metricApplyBytes   = metrics.NewCounter(`repltail_fetcher_apply_bytes_total`)
	metricRestarts     = metrics.NewCounter(`repltail_fetcher_cursor_restarts_total`)
)
