// Package metrics provides datastore metrics for observability
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for datastore operations
type DatastoreMetrics struct {
	registry *prometheus.Registry

	// Database operation metrics
	dbOperationsTotal      *prometheus.CounterVec
	dbOperationDuration    *prometheus.HistogramVec
	dbOperationErrorsTotal *prometheus.CounterVec

	// Transaction metrics
	dbTransactionsTotal       *prometheus.CounterVec
	dbTransactionDuration     *prometheus.HistogramVec
	dbTransactionRetriesTotal *prometheus.CounterVec
	dbTransactionErrorsTotal  *prometheus.CounterVec

	// Connection and performance metrics
	dbConnectionsActiveGauge prometheus.Gauge
	dbConnectionsIdleGauge   prometheus.Gauge
	dbConnectionsMaxGauge    prometheus.Gauge
	dbQueryResultSizeHist    *prometheus.HistogramVec

	// Search and query metrics
	searchOperationsTotal   *prometheus.CounterVec
	searchOperationDuration *prometheus.HistogramVec
	searchResultSizeHist    *prometheus.HistogramVec

	// Analytics metrics
	analyticsOperationsTotal   *prometheus.CounterVec
	analyticsOperationDuration *prometheus.HistogramVec

	// Cache metrics (analytics response cache)
	cacheOperationsTotal *prometheus.CounterVec
	cacheSizeGauge       prometheus.Gauge
	cacheHitRatio        prometheus.Gauge

	// Database size and growth metrics
	dbSizeBytesGauge     prometheus.Gauge
	dbTableRowCountGauge *prometheus.GaugeVec

	// Lock contention metrics
	lockContentionTotal   *prometheus.CounterVec
	lockWaitTimeHistogram *prometheus.HistogramVec

	// Backup and maintenance metrics
	backupOperationsTotal      *prometheus.CounterVec
	backupDuration             *prometheus.HistogramVec
	maintenanceOperationsTotal *prometheus.CounterVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *DatastoreMetrics) initMetrics() error {
	// Database operation metrics
	m.dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "table", "status"}, // operation: save, get, delete, update; status: success, error
	)

	m.dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_operation_duration_seconds",
			Help:    "Time taken for database operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~32s
		},
		[]string{"operation", "table"},
	)

	m.dbOperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation", "table", "error_type"},
	)

	// Transaction metrics
	m.dbTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_transactions_total",
			Help: "Total number of database transactions",
		},
		[]string{"status"}, // status: committed, rollback, timeout
	)

	m.dbTransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_transaction_duration_seconds",
			Help:    "Time taken for database transactions",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	m.dbTransactionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_transaction_retries_total",
			Help: "Total number of transaction retries",
		},
		[]string{"operation", "retry_reason"},
	)

	m.dbTransactionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_transaction_errors_total",
			Help: "Total number of transaction errors",
		},
		[]string{"operation", "error_type"},
	)

	// Connection metrics
	m.dbConnectionsActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_db_connections_active",
		Help: "Number of active database connections",
	})

	m.dbConnectionsIdleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_db_connections_idle",
		Help: "Number of idle database connections",
	})

	m.dbConnectionsMaxGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_db_connections_max",
		Help: "Maximum number of database connections",
	})

	m.dbQueryResultSizeHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_query_result_size_rows",
			Help:    "Number of rows returned by database queries",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
		[]string{"operation", "table"},
	)

	// Search and query metrics
	m.searchOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_search_operations_total",
			Help: "Total number of search operations",
		},
		[]string{"search_type", "status"}, // search_type: patient, audit, prediction
	)

	m.searchOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_search_operation_duration_seconds",
			Help:    "Time taken for search operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12), // 10ms to ~40s
		},
		[]string{"search_type"},
	)

	m.searchResultSizeHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_search_result_size_rows",
			Help:    "Number of results returned by search operations",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
		[]string{"search_type"},
	)

	// Analytics metrics
	m.analyticsOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_analytics_operations_total",
			Help: "Total number of analytics operations",
		},
		[]string{"analytics_type", "status"},
	)

	m.analyticsOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_analytics_operation_duration_seconds",
			Help:    "Time taken for analytics operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15), // 10ms to ~5min
		},
		[]string{"analytics_type"},
	)

	// Cache metrics
	m.cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"cache_type", "operation", "result"}, // result: hit, miss
	)

	m.cacheSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_cache_size_entries",
		Help: "Current number of entries in caches",
	})

	m.cacheHitRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_cache_hit_ratio",
		Help: "Cache hit ratio (0.0 to 1.0)",
	})

	// Database size metrics
	m.dbSizeBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_db_size_bytes",
		Help: "Total database size in bytes",
	})

	m.dbTableRowCountGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datastore_db_table_row_count",
		Help: "Number of rows in database tables",
	}, []string{"table"})

	// Lock contention metrics
	m.lockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_lock_contention_total",
			Help: "Total number of lock contentions",
		},
		[]string{"lock_type", "contention_reason"},
	)

	m.lockWaitTimeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_lock_wait_time_seconds",
			Help:    "Time spent waiting for locks",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12), // 1ms to ~4s
		},
		[]string{"lock_type"},
	)

	// Backup and maintenance metrics
	m.backupOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_backup_operations_total",
			Help: "Total number of backup operations",
		},
		[]string{"operation", "status"},
	)

	m.backupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_backup_duration_seconds",
			Help:    "Time taken for backup operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount15), // 100ms to ~54min
		},
		[]string{"operation"},
	)

	m.maintenanceOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_maintenance_operations_total",
			Help: "Total number of maintenance operations",
		},
		[]string{"operation", "status"},
	)

	// Initialize collectors slice with all metrics
	m.collectors = []prometheus.Collector{
		m.dbOperationsTotal,
		m.dbOperationDuration,
		m.dbOperationErrorsTotal,
		m.dbTransactionsTotal,
		m.dbTransactionDuration,
		m.dbTransactionRetriesTotal,
		m.dbTransactionErrorsTotal,
		m.dbConnectionsActiveGauge,
		m.dbConnectionsIdleGauge,
		m.dbConnectionsMaxGauge,
		m.dbQueryResultSizeHist,
		m.searchOperationsTotal,
		m.searchOperationDuration,
		m.searchResultSizeHist,
		m.analyticsOperationsTotal,
		m.analyticsOperationDuration,
		m.cacheOperationsTotal,
		m.cacheSizeGauge,
		m.cacheHitRatio,
		m.dbSizeBytesGauge,
		m.dbTableRowCountGauge,
		m.lockContentionTotal,
		m.lockWaitTimeHistogram,
		m.backupOperationsTotal,
		m.backupDuration,
		m.maintenanceOperationsTotal,
	}

	return nil
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// Database operation recording methods

// RecordDbOperation records a database operation
func (m *DatastoreMetrics) RecordDbOperation(operation, table, status string) {
	m.dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
}

// RecordDbOperationDuration records the duration of a database operation
func (m *DatastoreMetrics) RecordDbOperationDuration(operation, table string, duration float64) {
	m.dbOperationDuration.WithLabelValues(operation, table).Observe(duration)
}

// RecordDbOperationError records a database operation error
func (m *DatastoreMetrics) RecordDbOperationError(operation, table, errorType string) {
	m.dbOperationErrorsTotal.WithLabelValues(operation, table, errorType).Inc()
}

// Transaction recording methods

// RecordTransaction records a database transaction
func (m *DatastoreMetrics) RecordTransaction(status string) {
	m.dbTransactionsTotal.WithLabelValues(status).Inc()
}

// RecordTransactionDuration records the duration of a transaction
func (m *DatastoreMetrics) RecordTransactionDuration(operation string, duration float64) {
	m.dbTransactionDuration.WithLabelValues(operation).Observe(duration)
}

// RecordTransactionRetry records a transaction retry
func (m *DatastoreMetrics) RecordTransactionRetry(operation, retryReason string) {
	m.dbTransactionRetriesTotal.WithLabelValues(operation, retryReason).Inc()
}

// RecordTransactionError records a transaction error
func (m *DatastoreMetrics) RecordTransactionError(operation, errorType string) {
	m.dbTransactionErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Connection metrics

// UpdateConnectionMetrics updates database connection metrics
func (m *DatastoreMetrics) UpdateConnectionMetrics(active, idle, maxConn int) {
	m.dbConnectionsActiveGauge.Set(float64(active))
	m.dbConnectionsIdleGauge.Set(float64(idle))
	m.dbConnectionsMaxGauge.Set(float64(maxConn))
}

// RecordQueryResultSize records the size of query results
func (m *DatastoreMetrics) RecordQueryResultSize(operation, table string, resultSize int) {
	m.dbQueryResultSizeHist.WithLabelValues(operation, table).Observe(float64(resultSize))
}

// Search operation methods

// RecordSearchOperation records a search operation
func (m *DatastoreMetrics) RecordSearchOperation(searchType, status string) {
	m.searchOperationsTotal.WithLabelValues(searchType, status).Inc()
}

// RecordSearchDuration records the duration of a search operation
func (m *DatastoreMetrics) RecordSearchDuration(searchType string, duration float64) {
	m.searchOperationDuration.WithLabelValues(searchType).Observe(duration)
}

// RecordSearchResultSize records the size of search results
func (m *DatastoreMetrics) RecordSearchResultSize(searchType string, resultSize int) {
	m.searchResultSizeHist.WithLabelValues(searchType).Observe(float64(resultSize))
}

// Analytics operation methods

// RecordAnalyticsOperation records an analytics operation
func (m *DatastoreMetrics) RecordAnalyticsOperation(analyticsType, status string) {
	m.analyticsOperationsTotal.WithLabelValues(analyticsType, status).Inc()
}

// RecordAnalyticsDuration records the duration of an analytics operation
func (m *DatastoreMetrics) RecordAnalyticsDuration(analyticsType string, duration float64) {
	m.analyticsOperationDuration.WithLabelValues(analyticsType).Observe(duration)
}

// Cache operation methods

// RecordCacheOperation records a cache operation
func (m *DatastoreMetrics) RecordCacheOperation(cacheType, operation, result string) {
	m.cacheOperationsTotal.WithLabelValues(cacheType, operation, result).Inc()
}

// UpdateCacheMetrics updates cache size and hit ratio metrics
func (m *DatastoreMetrics) UpdateCacheMetrics(size int, hitRatio float64) {
	m.cacheSizeGauge.Set(float64(size))
	m.cacheHitRatio.Set(hitRatio)
}

// Database size methods

// UpdateDatabaseSize updates database size metrics
func (m *DatastoreMetrics) UpdateDatabaseSize(sizeBytes int64) {
	m.dbSizeBytesGauge.Set(float64(sizeBytes))
}

// UpdateTableRowCount updates table row count metrics
func (m *DatastoreMetrics) UpdateTableRowCount(table string, rowCount int64) {
	m.dbTableRowCountGauge.WithLabelValues(table).Set(float64(rowCount))
}

// Lock contention methods

// RecordLockContention records lock contention
func (m *DatastoreMetrics) RecordLockContention(lockType, contentionReason string) {
	m.lockContentionTotal.WithLabelValues(lockType, contentionReason).Inc()
}

// RecordLockWaitTime records time spent waiting for locks
func (m *DatastoreMetrics) RecordLockWaitTime(lockType string, waitTime float64) {
	m.lockWaitTimeHistogram.WithLabelValues(lockType).Observe(waitTime)
}

// Backup and maintenance methods

// RecordBackupOperation records a backup operation
func (m *DatastoreMetrics) RecordBackupOperation(operation, status string) {
	m.backupOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordBackupDuration records backup operation duration
func (m *DatastoreMetrics) RecordBackupDuration(operation string, duration float64) {
	m.backupDuration.WithLabelValues(operation).Observe(duration)
}

// RecordMaintenanceOperation records a maintenance operation
func (m *DatastoreMetrics) RecordMaintenanceOperation(operation, status string) {
	m.maintenanceOperationsTotal.WithLabelValues(operation, status).Inc()
}

// parseTableFromOperation extracts the table name from operations like
// "db_query:patients". Returns the operation and table separately, or
// "unknown" if no table is specified.
func parseTableFromOperation(operation string) (op, table string) {
	parts := strings.SplitN(operation, ":", SplitPartsCount)
	if len(parts) == SplitPartsCount {
		return parts[0], parts[1]
	}
	return operation, "unknown"
}

// RecordOperation records datastore operations with their status.
// For database operations, use the format "operation:table"
// (e.g. "db_query:patients"). Status values: "success", "error".
func (m *DatastoreMetrics) RecordOperation(operation, status string) {
	op, table := parseTableFromOperation(operation)

	switch op {
	case OpDbQuery, OpDbInsert, OpDbUpdate, OpDbDelete:
		m.dbOperationsTotal.WithLabelValues(op, table, status).Inc()
	case OpTransaction:
		m.dbTransactionsTotal.WithLabelValues(status).Inc()
	case OpSearch:
		m.searchOperationsTotal.WithLabelValues(OpSearch, status).Inc()
	case OpAnalytics:
		m.analyticsOperationsTotal.WithLabelValues(LabelQuery, status).Inc()
	case OpCacheGet, OpCacheSet, OpCacheDelete:
		m.cacheOperationsTotal.WithLabelValues(OpAnalytics, op, status).Inc()
	case OpBackup:
		m.backupOperationsTotal.WithLabelValues(LabelCreate, status).Inc()
	case OpMaintenance:
		m.maintenanceOperationsTotal.WithLabelValues(LabelVacuum, status).Inc()
	}
}

// RecordDuration records the duration of datastore operations. For
// database operations, use the format "operation:table".
func (m *DatastoreMetrics) RecordDuration(operation string, seconds float64) {
	op, table := parseTableFromOperation(operation)

	switch op {
	case OpDbQuery, OpDbInsert, OpDbUpdate, OpDbDelete:
		m.dbOperationDuration.WithLabelValues(op, table).Observe(seconds)
	case OpTransaction:
		m.dbTransactionDuration.WithLabelValues(LabelCommit).Observe(seconds)
	case OpSearch:
		m.searchOperationDuration.WithLabelValues(LabelQuery).Observe(seconds)
	case OpAnalytics:
		m.analyticsOperationDuration.WithLabelValues(LabelQuery).Observe(seconds)
	case OpBackup:
		m.backupDuration.WithLabelValues(LabelCreate).Observe(seconds)
	case OpLockWait:
		m.lockWaitTimeHistogram.WithLabelValues(LabelExclusive).Observe(seconds)
	}
}

// RecordError records errors for datastore operations. For database
// operations, use the format "operation:table".
func (m *DatastoreMetrics) RecordError(operation, errorType string) {
	op, table := parseTableFromOperation(operation)

	switch op {
	case OpDbQuery, OpDbInsert, OpDbUpdate, OpDbDelete:
		m.dbOperationErrorsTotal.WithLabelValues(op, table, errorType).Inc()
		m.dbOperationsTotal.WithLabelValues(op, table, "error").Inc()
	case OpTransaction:
		m.dbTransactionErrorsTotal.WithLabelValues(LabelCommit, errorType).Inc()
		m.dbTransactionsTotal.WithLabelValues("error").Inc()
	case OpSearch:
		m.searchOperationsTotal.WithLabelValues(OpSearch, "error").Inc()
	case OpAnalytics:
		m.analyticsOperationsTotal.WithLabelValues(LabelQuery, "error").Inc()
	case OpCacheGet, OpCacheSet, OpCacheDelete:
		m.cacheOperationsTotal.WithLabelValues(OpAnalytics, op, "error").Inc()
	case OpBackup:
		m.backupOperationsTotal.WithLabelValues(LabelCreate, "error").Inc()
	case OpMaintenance:
		m.maintenanceOperationsTotal.WithLabelValues(LabelVacuum, "error").Inc()
	}
}
