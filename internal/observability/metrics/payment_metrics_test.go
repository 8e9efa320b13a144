package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifyStorageError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "deadline", err: fmt.Errorf("update: %w", context.DeadlineExceeded), want: StorageReasonDeadlineExceeded},
		{name: "canceled", err: context.Canceled, want: StorageReasonCanceled},
		{name: "not_found", err: gorm.ErrRecordNotFound, want: StorageReasonNotFound},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: StorageReasonLockTimeout},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: StorageReasonSerializationFailure},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: StorageReasonSerializationFailure},
		{name: "unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: StorageReasonUniqueViolation},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, want: StorageReasonConnection},
		{name: "pq serialization", err: &pq.Error{Code: "40001"}, want: StorageReasonSerializationFailure},
		{name: "pq other", err: &pq.Error{Code: "42P01"}, want: StorageReasonUnknown},
		{name: "unknown", err: errors.New("boom"), want: StorageReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyStorageError(tc.err))
		})
	}
}

func TestPaymentMetricsRecordsStorageErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPaymentMetricsWithRegisterer(registry, Config{ServiceName: "fleurene", Environment: "test"})
	require.NoError(t, err)

	reason := m.RecordStorageError("transition", context.DeadlineExceeded)
	assert.Equal(t, StorageReasonDeadlineExceeded, reason)
	m.RecordTransition("pending", "completed")
	m.ObserveReconcile("applied", 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageErrors.WithLabelValues("transition", StorageReasonDeadlineExceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "completed")))

	again, err := NewPaymentMetricsWithRegisterer(registry, Config{ServiceName: "fleurene", Environment: "test"})
	require.NoError(t, err)
	again.RecordTransition("pending", "completed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "completed")))
}

func TestPaymentMetricsObservesReconcileLatency(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPaymentMetricsWithRegisterer(registry, Config{ServiceName: "fleurene", Environment: "test"})
	require.NoError(t, err)

	m.ObserveReconcile("applied", 20*time.Millisecond)
	m.ObserveReconcile("applied", 40*time.Millisecond)
	m.ObserveReconcile("duplicate", time.Millisecond)

	metric, ok := m.reconcileDuration.WithLabelValues("applied").(prometheus.Metric)
	require.True(t, ok)

	var pb dto.Metric
	require.NoError(t, metric.Write(&pb))
	assert.Equal(t, uint64(2), pb.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.06, pb.GetHistogram().GetSampleSum(), 1e-9)

	labels := map[string]string{}
	for _, lp := range pb.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, "fleurene", labels["service"])
	assert.Equal(t, "applied", labels["outcome"])
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m, err := newHTTPMetrics(registry, Config{})
	require.NoError(t, err)

	router := gin.New()
	router.Use(m.Middleware())
	router.POST("/api/payments/notify", func(c *gin.Context) { c.String(http.StatusOK, "OK") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/notify", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "/api/payments/notify", "200")))
}
