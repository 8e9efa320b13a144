package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/paymenttest"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testOrderID = "3f2b8c1e-5d7a-4e21-9b6f-0c8d2a1e4f70"

type fakeLocker struct {
	mu       sync.Mutex
	locked   []string
	released []string
	err      error
}

func (f *fakeLocker) LockOrder(_ context.Context, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.locked = append(f.locked, orderID)
	return "token-" + orderID, nil
}

func (f *fakeLocker) ReleaseOrder(_ context.Context, orderID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, token)
	return nil
}

func newTestService(t *testing.T, db *gorm.DB, locker OrderLocker) *Service {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	return NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:   repository.Provide(),
		Locker: locker,
	}).(*Service)
}

func notification(status string) domain.VerifiedNotification {
	return domain.VerifiedNotification{
		OrderID:           testOrderID,
		AttemptToken:      "token1",
		PaymentStatus:     status,
		ProviderPaymentID: "1089250",
		AmountGross:       "1299.50",
	}
}

func historyCount(t *testing.T, db *gorm.DB) int64 {
	return paymenttest.Count(t, db, `SELECT COUNT(*) FROM order_status_history WHERE order_id = ?`, testOrderID)
}

func TestReconcileCompleteTransitionsOrder(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	svc := newTestService(t, db, nil)

	res, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.OrderStatusProcessing, res.Status)
	assert.Equal(t, domain.PaymentStatusCompleted, res.PaymentStatus)

	order := paymenttest.LoadOrder(t, db, testOrderID)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.Equal(t, domain.PaymentStatusCompleted, order.PaymentStatus)
	assert.Equal(t, "1089250", order.ProviderPaymentID)

	history, err := repository.Provide().ListHistory(context.Background(), db, testOrderID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(domain.OrderStatusProcessing), history[0].Status)
	assert.Contains(t, history[0].Note, "1089250")
	assert.Equal(t, "COMPLETE", history[0].Metadata["provider_status"])
	assert.Equal(t, "token1", history[0].Metadata["attempt_token"])
}

func TestReconcileStatusTable(t *testing.T) {
	cases := []struct {
		provider      string
		status        domain.OrderStatus
		paymentStatus domain.PaymentStatus
	}{
		{"COMPLETE", domain.OrderStatusProcessing, domain.PaymentStatusCompleted},
		{" complete ", domain.OrderStatusProcessing, domain.PaymentStatusCompleted},
		{"FAILED", domain.OrderStatusPaymentFailed, domain.PaymentStatusFailed},
		{"Cancelled", domain.OrderStatusCancelled, domain.PaymentStatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			db := paymenttest.SetupDB(t)
			paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
			svc := newTestService(t, db, nil)

			res, err := svc.Reconcile(context.Background(), notification(tc.provider))
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeApplied, res.Outcome)

			order := paymenttest.LoadOrder(t, db, testOrderID)
			assert.Equal(t, tc.status, order.Status)
			assert.Equal(t, tc.paymentStatus, order.PaymentStatus)
		})
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	svc := newTestService(t, db, nil)

	first, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)
	second, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, first.Outcome)
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.PaymentStatus, second.PaymentStatus)
	assert.EqualValues(t, 1, historyCount(t, db))
}

func TestReconcileNeverDowngradesCompleted(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	svc := newTestService(t, db, nil)

	_, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)

	for _, status := range []string{"CANCELLED", "FAILED"} {
		res, err := svc.Reconcile(context.Background(), notification(status))
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeRejected, res.Outcome)
		assert.Equal(t, domain.PaymentStatusCompleted, res.PaymentStatus)
	}

	order := paymenttest.LoadOrder(t, db, testOrderID)
	assert.Equal(t, domain.PaymentStatusCompleted, order.PaymentStatus)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.EqualValues(t, 1, historyCount(t, db))
}

func TestReconcileCompleteAfterFailureIsRejected(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID,
		paymenttest.WithPaymentStatus(domain.PaymentStatusFailed),
		paymenttest.WithStatus(domain.OrderStatusPaymentFailed),
	)
	svc := newTestService(t, db, nil)

	res, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.PaymentStatusFailed, paymenttest.LoadOrder(t, db, testOrderID).PaymentStatus)
}

func TestReconcileUnknownOrder(t *testing.T) {
	db := paymenttest.SetupDB(t)
	svc := newTestService(t, db, nil)

	_, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = svc.Reconcile(context.Background(), notification("COMPLETE"))
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestReconcileIgnoresUnrecognizedStatus(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID)
	svc := newTestService(t, db, nil)

	res, err := svc.Reconcile(context.Background(), notification("PENDING_REVIEW"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, domain.PaymentStatusPending, res.PaymentStatus)
	assert.Equal(t, domain.PaymentStatusPending, paymenttest.LoadOrder(t, db, testOrderID).PaymentStatus)
	assert.Zero(t, historyCount(t, db))
}

func TestReconcileSupersededAttempt(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token2"))
	svc := newTestService(t, db, nil)

	res, err := svc.Reconcile(context.Background(), notification("FAILED"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.PaymentStatusPending, paymenttest.LoadOrder(t, db, testOrderID).PaymentStatus)

	res, err = svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
}

func TestReconcileAmountMismatch(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	svc := newTestService(t, db, nil)

	n := notification("COMPLETE")
	n.AmountGross = "1.00"
	res, err := svc.Reconcile(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.PaymentStatusPending, paymenttest.LoadOrder(t, db, testOrderID).PaymentStatus)

	n.AmountGross = "1299.5"
	res, err = svc.Reconcile(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
}

func TestReconcileUsesOrderLock(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	locker := &fakeLocker{}
	svc := newTestService(t, db, locker)

	_, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)
	assert.Equal(t, []string{testOrderID}, locker.locked)
	assert.Equal(t, []string{"token-" + testOrderID}, locker.released)
}

func TestReconcileContinuesWhenLockBackendFails(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	svc := newTestService(t, db, &fakeLocker{err: errors.New("redis down")})

	res, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
}

func TestReconcileStorageFailureIsTransient(t *testing.T) {
	db := paymenttest.SetupDB(t)
	require.NoError(t, db.Exec(`DROP TABLE orders`).Error)
	svc := newTestService(t, db, nil)

	_, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	assert.ErrorIs(t, err, domain.ErrTransientStorage)
	assert.True(t, strings.HasPrefix(err.Error(), "transient_storage_error"))
}

func TestReconcileHistoryFailureRollsBackTransition(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	require.NoError(t, db.Exec(`DROP TABLE order_status_history`).Error)
	svc := newTestService(t, db, nil)

	_, err := svc.Reconcile(context.Background(), notification("COMPLETE"))
	assert.ErrorIs(t, err, domain.ErrTransientStorage)
	assert.Equal(t, domain.PaymentStatusPending, paymenttest.LoadOrder(t, db, testOrderID).PaymentStatus)
}

func TestMapStatus(t *testing.T) {
	status, payment, ok := MapStatus("complete")
	assert.True(t, ok)
	assert.Equal(t, domain.OrderStatusProcessing, status)
	assert.Equal(t, domain.PaymentStatusCompleted, payment)

	_, _, ok = MapStatus("")
	assert.False(t, ok)
}

func TestReconcileConcurrentNotificationsApplyOnce(t *testing.T) {
	db := paymenttest.SetupDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database free of shared-cache lock errors.
	sqlDB.SetMaxOpenConns(1)

	paymenttest.SeedOrder(t, db, testOrderID, paymenttest.WithPaymentID("token1"))
	svc := newTestService(t, db, &fakeLocker{})

	statuses := []string{"COMPLETE", "CANCELLED", "FAILED", "COMPLETE", "FAILED", "COMPLETE", "CANCELLED", "COMPLETE"}
	results := make([]domain.ReconcileResult, len(statuses))
	errs := make([]error, len(statuses))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, status := range statuses {
		wg.Add(1)
		go func(i int, status string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Reconcile(context.Background(), notification(status))
		}(i, status)
	}
	close(start)
	wg.Wait()

	var winner *domain.ReconcileResult
	winnerStatus := ""
	for i := range results {
		require.NoError(t, errs[i], statuses[i])
		if results[i].Outcome == domain.OutcomeApplied {
			require.Nil(t, winner, "more than one notification applied")
			winner = &results[i]
			winnerStatus = statuses[i]
		}
	}
	require.NotNil(t, winner, "no notification applied")

	_, target, ok := MapStatus(winnerStatus)
	require.True(t, ok)
	for i, res := range results {
		if &results[i] == winner {
			continue
		}
		_, incoming, ok := MapStatus(statuses[i])
		require.True(t, ok)
		if incoming == target {
			assert.Equal(t, domain.OutcomeDuplicate, res.Outcome, statuses[i])
		} else {
			assert.Equal(t, domain.OutcomeRejected, res.Outcome, statuses[i])
		}
		assert.Equal(t, winner.PaymentStatus, res.PaymentStatus)
	}

	order := paymenttest.LoadOrder(t, db, testOrderID)
	assert.Equal(t, winner.PaymentStatus, order.PaymentStatus)
	assert.Equal(t, winner.Status, order.Status)
	assert.EqualValues(t, 1, historyCount(t, db))
}
