package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StorageReasonDeadlineExceeded     = "deadline_exceeded"
	StorageReasonCanceled             = "canceled"
	StorageReasonLockTimeout          = "db_lock_timeout"
	StorageReasonSerializationFailure = "serialization_failure"
	StorageReasonUniqueViolation      = "unique_violation"
	StorageReasonConnection           = "connection"
	StorageReasonNotFound             = "not_found"
	StorageReasonUnknown              = "unknown"
)

// PaymentMetrics captures reconcile latency and storage failures on the
// Prometheus registry scraped from /metrics.
type PaymentMetrics struct {
	reconcileDuration *prometheus.HistogramVec
	storageErrors     *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	lockWait          prometheus.Observer
}

// NewPaymentMetrics registers the payment collectors on the default registry.
func NewPaymentMetrics(cfg Config) (*PaymentMetrics, error) {
	return NewPaymentMetricsWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

func NewPaymentMetricsWithRegisterer(registerer prometheus.Registerer, cfg Config) (*PaymentMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := serviceLabels(cfg)

	reconcileDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "fleurene_payment_reconcile_duration_seconds",
		Help:        "Time spent applying a verified notification to its order.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	storageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fleurene_payment_storage_errors_total",
		Help:        "Order store failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"operation", "reason"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fleurene_order_payment_transition_total",
		Help:        "Order payment status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "fleurene_payment_lock_wait_seconds",
		Help:        "Wait time for the per-order reconcile lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	})

	if err := registerOrReuse(registerer, reconcileDuration, &reconcileDuration); err != nil {
		return nil, err
	}
	if err := registerOrReuse(registerer, storageErrors, &storageErrors); err != nil {
		return nil, err
	}
	if err := registerOrReuse(registerer, transitions, &transitions); err != nil {
		return nil, err
	}
	if err := registerOrReuse(registerer, lockWait, &lockWait); err != nil {
		return nil, err
	}

	return &PaymentMetrics{
		reconcileDuration: reconcileDuration,
		storageErrors:     storageErrors,
		transitions:       transitions,
		lockWait:          lockWait,
	}, nil
}

func (m *PaymentMetrics) ObserveReconcile(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(normalizeLabel(outcome)).Observe(elapsed.Seconds())
}

func (m *PaymentMetrics) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(elapsed.Seconds())
}

func (m *PaymentMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// RecordStorageError counts err under its classified reason and returns it.
func (m *PaymentMetrics) RecordStorageError(operation string, err error) string {
	reason := ClassifyStorageError(err)
	if m != nil && err != nil {
		m.storageErrors.WithLabelValues(normalizeLabel(operation), reason).Inc()
	}
	return reason
}

// ClassifyStorageError maps driver and context errors to a stable reason.
func ClassifyStorageError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StorageReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return StorageReasonCanceled
	case errors.Is(err, gorm.ErrRecordNotFound):
		return StorageReasonNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return StorageReasonUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	// lib/pq surfaces from the migration driver.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return StorageReasonConnection
	}
	return StorageReasonUnknown
}

func classifySQLState(code string) string {
	switch code {
	case "55P03":
		return StorageReasonLockTimeout
	case "40001", "40P01":
		return StorageReasonSerializationFailure
	case "23505":
		return StorageReasonUniqueViolation
	}
	if strings.HasPrefix(code, "08") {
		return StorageReasonConnection
	}
	return StorageReasonUnknown
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
