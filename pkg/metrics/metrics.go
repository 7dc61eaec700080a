package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Account / device population metrics
	AccountsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultsync_accounts_total",
			Help: "Total number of accounts known to the server",
		},
	)

	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultsync_devices_total",
			Help: "Total number of registered devices by key rotation state",
		},
		[]string{"rotation_state"},
	)

	// Change-store backlog metrics
	PendingChangesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultsync_pending_changes_total",
			Help: "Total number of change blobs awaiting fan-out",
		},
	)

	PendingDeviceChangesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultsync_pending_device_changes_total",
			Help: "Total number of fan-out rows not yet delivered, by device",
		},
		[]string{"device_id"},
	)

	QuotaBytesUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultsync_quota_bytes_used",
			Help: "Bytes of change data stored per account against its quota",
		},
		[]string{"account_id"},
	)

	QuotaExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultsync_quota_exceeded_total",
			Help: "Total number of uploads rejected for exceeding an account's quota",
		},
		[]string{"account_id"},
	)

	// Session / connector metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultsync_sessions_active",
			Help: "Number of currently connected device sessions",
		},
	)

	SessionMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultsync_session_messages_total",
			Help: "Total wire messages processed by session handlers, by message type and direction",
		},
		[]string{"message_type", "direction"},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultsync_session_duration_seconds",
			Help:    "Lifetime of a device session from connect to disconnect, in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400, 86400},
		},
	)

	// Key exchange / rotation metrics
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultsync_key_rotations_total",
			Help: "Total number of completed key rotation rounds, by outcome",
		},
		[]string{"outcome"},
	)

	// Change-store operation latency metrics
	AddChangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultsync_add_change_duration_seconds",
			Help:    "Time taken to persist an uploaded change blob and fan it out",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoadChangesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultsync_load_changes_duration_seconds",
			Help:    "Time taken to load the next batch of changes for a device",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompleteChangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultsync_complete_change_duration_seconds",
			Help:    "Time taken to mark a fan-out row as delivered",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Table sync (client engine) metrics
	TableSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultsync_table_sync_duration_seconds",
			Help:    "Time taken for a single table to complete one sync pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	TableSyncErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultsync_table_sync_errors_total",
			Help: "Total number of table sync passes that ended in an error",
		},
		[]string{"table", "reason"},
	)

	// Wire protocol metrics
	WireBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultsync_wire_bytes_total",
			Help: "Total bytes read or written on the wire protocol, by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(AccountsTotal)
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(PendingChangesTotal)
	prometheus.MustRegister(PendingDeviceChangesTotal)
	prometheus.MustRegister(QuotaBytesUsed)
	prometheus.MustRegister(QuotaExceededTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionMessagesTotal)
	prometheus.MustRegister(SessionDuration)
	prometheus.MustRegister(KeyRotationsTotal)
	prometheus.MustRegister(AddChangeDuration)
	prometheus.MustRegister(LoadChangesDuration)
	prometheus.MustRegister(CompleteChangeDuration)
	prometheus.MustRegister(TableSyncDuration)
	prometheus.MustRegister(TableSyncErrorsTotal)
	prometheus.MustRegister(WireBytesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
