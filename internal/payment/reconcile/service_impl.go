package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	obsmetrics "github.com/SeanBayley/Fleurene-sub001/internal/observability/metrics"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const lockReleaseTimeout = time.Second

// OrderLocker serializes reconciliation per order across processes. The
// store's conditional update stays the authoritative guard.
type OrderLocker interface {
	LockOrder(ctx context.Context, orderID string) (string, error)
	ReleaseOrder(ctx context.Context, orderID, token string) error
}

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Repo           domain.Repository
	Locker         OrderLocker                `optional:"true"`
	PaymentMetrics *obsmetrics.PaymentMetrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	repo           domain.Repository
	locker         OrderLocker
	paymentMetrics *obsmetrics.PaymentMetrics
}

func NewService(p Params) domain.Reconciler {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.reconcile"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		locker:         p.Locker,
		paymentMetrics: p.PaymentMetrics,
	}
}

// Reconcile applies a verified notification to its order. Repeating a
// notification is safe: the second delivery reports OutcomeDuplicate and
// records nothing.
func (s *Service) Reconcile(ctx context.Context, n domain.VerifiedNotification) (domain.ReconcileResult, error) {
	start := time.Now()
	orderID := strings.TrimSpace(n.OrderID)
	if orderID == "" {
		return domain.ReconcileResult{}, domain.ErrInvalidOrderID
	}
	log := s.log.With(
		zap.String("order_id", orderID),
		zap.String("provider_status", n.PaymentStatus),
		zap.String("pf_payment_id", n.ProviderPaymentID),
	)

	release, err := s.lock(ctx, log, orderID)
	if err != nil {
		return domain.ReconcileResult{OrderID: orderID}, err
	}
	defer release()

	var result domain.ReconcileResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.reconcileTx(ctx, tx, log, orderID, n)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransientStorage) {
			s.paymentMetrics.RecordStorageError("reconcile", err)
			log.Error("reconcile failed, notification not applied", zap.Error(err))
		}
		return domain.ReconcileResult{OrderID: orderID}, err
	}

	s.paymentMetrics.ObserveReconcile(string(result.Outcome), time.Since(start))
	return result, nil
}

func (s *Service) reconcileTx(ctx context.Context, tx *gorm.DB, log *zap.Logger, orderID string, n domain.VerifiedNotification) (domain.ReconcileResult, error) {
	order, err := s.findOrder(ctx, tx, orderID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	result := resultFor(order, domain.OutcomeIgnored)

	status, paymentStatus, ok := MapStatus(n.PaymentStatus)
	if !ok {
		log.Warn("unrecognized provider status, notification not applied")
		return result, nil
	}

	if order.PaymentStatus != domain.PaymentStatusPending {
		return s.classifySettled(log, order, paymentStatus), nil
	}

	if reason := rejectReason(order, paymentStatus, n); reason != "" {
		log.Warn("notification rejected", zap.String("reason", reason))
		return resultFor(order, domain.OutcomeRejected), nil
	}

	now := s.clock.Now()
	applied, err := s.repo.TransitionPayment(ctx, tx, domain.Transition{
		OrderID:           orderID,
		Status:            status,
		PaymentStatus:     paymentStatus,
		ProviderPaymentID: strings.TrimSpace(n.ProviderPaymentID),
		At:                now,
	})
	if err != nil {
		return domain.ReconcileResult{}, domain.StorageError("transition order", err)
	}
	if !applied {
		// Another delivery won the conditional update; judge against its result.
		current, err := s.findOrder(ctx, tx, orderID)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		return s.classifySettled(log, current, paymentStatus), nil
	}

	entry := &domain.StatusHistoryEntry{
		ID:        s.genID.Generate(),
		OrderID:   orderID,
		Status:    string(status),
		Note:      historyNote(n),
		Metadata:  historyMetadata(n),
		CreatedAt: now,
	}
	if err := s.repo.InsertHistory(ctx, tx, entry); err != nil {
		return domain.ReconcileResult{}, domain.StorageError("insert history", err)
	}

	s.paymentMetrics.RecordTransition(string(domain.PaymentStatusPending), string(paymentStatus))
	log.Info("payment status applied",
		zap.String("status", string(status)),
		zap.String("payment_status", string(paymentStatus)),
	)
	return domain.ReconcileResult{
		OrderID:       orderID,
		Outcome:       domain.OutcomeApplied,
		Status:        status,
		PaymentStatus: paymentStatus,
	}, nil
}

// classifySettled judges a notification against an order that already left
// pending. The order is never modified here.
func (s *Service) classifySettled(log *zap.Logger, order *domain.Order, incoming domain.PaymentStatus) domain.ReconcileResult {
	if order.PaymentStatus == incoming {
		log.Info("duplicate notification, already applied")
		return resultFor(order, domain.OutcomeDuplicate)
	}

	fields := []zap.Field{
		zap.String("current_payment_status", string(order.PaymentStatus)),
		zap.String("incoming_payment_status", string(incoming)),
	}
	if incoming == domain.PaymentStatusCompleted {
		// Money moved for an order we already closed; needs manual follow-up.
		log.Error("completed payment reported for settled order", fields...)
	} else {
		log.Warn("conflicting notification rejected", fields...)
	}
	return resultFor(order, domain.OutcomeRejected)
}

// rejectReason screens a notification for a pending order. Outcomes of a
// superseded attempt may not fail the current one, but a completed payment
// is honoured whichever attempt carried it.
func rejectReason(order *domain.Order, incoming domain.PaymentStatus, n domain.VerifiedNotification) string {
	token := strings.TrimSpace(n.AttemptToken)
	if incoming != domain.PaymentStatusCompleted && token != "" && order.PaymentID != "" && token != order.PaymentID {
		return "superseded_attempt"
	}
	if incoming == domain.PaymentStatusCompleted && strings.TrimSpace(n.AmountGross) != "" {
		gross, err := decimal.NewFromString(strings.TrimSpace(n.AmountGross))
		if err != nil {
			return "invalid_amount"
		}
		if !gross.Round(2).Equal(order.TotalAmount.Round(2)) {
			return "amount_mismatch"
		}
	}
	return ""
}

func (s *Service) findOrder(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Order, error) {
	order, err := s.repo.FindOrder(ctx, tx, orderID)
	if err != nil {
		return nil, domain.StorageError("find order", err)
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// lock takes the optional per-order lock. A lock backend failure degrades
// to relying on the conditional update alone.
func (s *Service) lock(ctx context.Context, log *zap.Logger, orderID string) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}

	waitStart := time.Now()
	token, err := s.locker.LockOrder(ctx, orderID)
	s.paymentMetrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		if ctx.Err() != nil {
			return noop, domain.StorageError("acquire order lock", ctx.Err())
		}
		log.Warn("order lock unavailable, continuing without it", zap.Error(err))
		return noop, nil
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := s.locker.ReleaseOrder(releaseCtx, orderID, token); err != nil {
			log.Warn("order lock release failed", zap.Error(err))
		}
	}, nil
}

func resultFor(order *domain.Order, outcome domain.ReconcileOutcome) domain.ReconcileResult {
	return domain.ReconcileResult{
		OrderID:       order.ID,
		Outcome:       outcome,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	}
}

func historyNote(n domain.VerifiedNotification) string {
	status := strings.ToUpper(strings.TrimSpace(n.PaymentStatus))
	if id := strings.TrimSpace(n.ProviderPaymentID); id != "" {
		return fmt.Sprintf("payment %s via gateway (pf_payment_id %s)", status, id)
	}
	return fmt.Sprintf("payment %s via gateway", status)
}

func historyMetadata(n domain.VerifiedNotification) datatypes.JSONMap {
	meta := datatypes.JSONMap{
		"provider_status": n.PaymentStatus,
	}
	if v := strings.TrimSpace(n.ProviderPaymentID); v != "" {
		meta["pf_payment_id"] = v
	}
	if v := strings.TrimSpace(n.AttemptToken); v != "" {
		meta["attempt_token"] = v
	}
	if v := strings.TrimSpace(n.AmountGross); v != "" {
		meta["amount_gross"] = v
	}
	return meta
}
