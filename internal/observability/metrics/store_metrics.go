package metrics

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StoreReasonDeadlineExceeded     = "deadline_exceeded"
	StoreReasonConnection           = "connection"
	StoreReasonLockTimeout          = "lock_timeout"
	StoreReasonSerializationFailure = "serialization_failure"
	StoreReasonUniqueViolation      = "unique_violation"
	StoreReasonUnknown              = "unknown"
)

const (
	StoreOperationInsert          = "insert"
	StoreOperationLatestByEntity  = "latest_by_entity"
	StoreOperationLastRecorded    = "last_recorded"
	StoreOperationLatestPerEntity = "latest_per_entity"
	StoreOperationHistory         = "history"
)

// StoreMetrics tracks position store latency and failures.
type StoreMetrics struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func NewStoreMetrics(cfg Config, registerer prometheus.Registerer) (*StoreMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "fieldtrack_store_operation_duration_seconds",
		Help:        "Position store call latency by operation.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		ConstLabels: constLabels,
	}, []string{"operation"})
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fieldtrack_store_errors_total",
		Help:        "Position store failures by operation and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"operation", "reason"})

	existingDuration, err := register(registerer, duration)
	if err != nil {
		return nil, err
	}
	existingErrs, err := register(registerer, errs)
	if err != nil {
		return nil, err
	}
	return &StoreMetrics{
		duration: existingDuration.(*prometheus.HistogramVec),
		errors:   existingErrs.(*prometheus.CounterVec),
	}, nil
}

// Observe records one store call. err may be nil.
func (m *StoreMetrics) Observe(operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		m.errors.WithLabelValues(operation, ClassifyStoreReason(err)).Inc()
	}
}

// CacheStats is the snapshot shape a cache exposes for scraping.
type CacheStats func() (hits, misses, evictions uint64)

// RegisterCacheStats exposes a cache's counters as Prometheus counters labelled
// with the cache name.
func RegisterCacheStats(cfg Config, registerer prometheus.Registerer, cacheName string, stats CacheStats) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabelsFor(cfg)
	labels["cache"] = cacheName

	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "fieldtrack_cache_hits_total",
			Help:        "Cache lookups served from memory.",
			ConstLabels: labels,
		}, func() float64 { h, _, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "fieldtrack_cache_misses_total",
			Help:        "Cache lookups that required recomputation.",
			ConstLabels: labels,
		}, func() float64 { _, m, _ := stats(); return float64(m) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "fieldtrack_cache_evictions_total",
			Help:        "Entries removed to respect the cache size bound.",
			ConstLabels: labels,
		}, func() float64 { _, _, e := stats(); return float64(e) }),
	}
	for _, c := range collectors {
		if _, err := register(registerer, c); err != nil {
			return err
		}
	}
	return nil
}

// ClassifyStoreReason maps store errors to low-cardinality reasons.
func ClassifyStoreReason(err error) string {
	if err == nil {
		return StoreReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StoreReasonDeadlineExceeded
	}
	if isConnectionError(err) {
		return StoreReasonConnection
	}
	if hasPGCode(err, "55P03") {
		return StoreReasonLockTimeout
	}
	if hasPGCode(err, "40001") {
		return StoreReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return StoreReasonUniqueViolation
	}
	return StoreReasonUnknown
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 connection exception, admin shutdown, too many connections
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	return false
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "fieldtrack"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// register returns the collector already registered under the same
// descriptor when there is one.
func register(registerer prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}
