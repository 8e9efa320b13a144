package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	obsmetrics "github.com/SeanBayley/Fleurene-sub001/internal/observability/metrics"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/pkg/db"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	reasonCheckout = "checkout"
	reasonRetry    = "retry"
	reasonResume   = "resume"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Cfg        config.Config
	Merchant   config.Merchant
	Gateway    *config.GatewayConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	merchant   config.Merchant
	gateway    *config.GatewayConfigHolder
	baseURL    string
	itemPrefix string
	timeout    time.Duration
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.CheckoutService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.checkout"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		merchant:   p.Merchant,
		gateway:    p.Gateway,
		baseURL:    p.Cfg.Payment.PublicBaseURL,
		itemPrefix: p.Cfg.Payment.ItemNamePrefix,
		timeout:    p.Cfg.Payment.StoreTimeout,
		obsMetrics: p.ObsMetrics,
	}
}

// Checkout opens a new attempt for a pending order and returns the signed
// request for it. Earlier attempts of the order are superseded.
func (s *Service) Checkout(ctx context.Context, orderID string) (*domain.PaymentRequest, error) {
	orderID, err := s.precheck(orderID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var req *domain.PaymentRequest
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.loadOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := payable(order); err != nil {
			return err
		}

		req, err = s.issue(ctx, tx, order)
		return err
	})
	if err != nil {
		s.logFailure(orderID, reasonCheckout, err)
		return nil, err
	}

	s.obsMetrics.RecordPaymentRequest(ctx, reasonCheckout, s.merchant.Sandbox)
	s.log.Info("payment request issued",
		zap.String("order_id", orderID),
		zap.String("attempt_id", req.AttemptID),
		zap.Bool("sandbox", s.merchant.Sandbox),
	)
	return req, nil
}

// Retry resets a failed or cancelled order to pending and issues a fresh
// attempt. A completed order is never reopened.
func (s *Service) Retry(ctx context.Context, orderID string) (*domain.PaymentRequest, error) {
	orderID, err := s.precheck(orderID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var req *domain.PaymentRequest
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.loadOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus == domain.PaymentStatusCompleted {
			return domain.ErrConflict
		}

		now := s.clock.Now()
		reset, err := s.repo.ResetForRetry(ctx, tx, orderID, now)
		if err != nil {
			return domain.StorageError("reset order", err)
		}
		if !reset {
			return domain.ErrConflict
		}

		entry := &domain.StatusHistoryEntry{
			ID:      s.genID.Generate(),
			OrderID: orderID,
			Status:  string(domain.OrderStatusPending),
			Note:    "payment retry requested",
			Metadata: datatypes.JSONMap{
				"previous_status":         string(order.Status),
				"previous_payment_status": string(order.PaymentStatus),
				"previous_payment_id":     order.PaymentID,
			},
			CreatedAt: now,
		}
		if err := s.repo.InsertHistory(ctx, tx, entry); err != nil {
			return domain.StorageError("insert history", err)
		}

		order.Status = domain.OrderStatusPending
		order.PaymentStatus = domain.PaymentStatusPending
		req, err = s.issue(ctx, tx, order)
		return err
	})
	if err != nil {
		s.logFailure(orderID, reasonRetry, err)
		return nil, err
	}

	s.obsMetrics.RecordPaymentRequest(ctx, reasonRetry, s.merchant.Sandbox)
	s.log.Info("payment retry issued",
		zap.String("order_id", orderID),
		zap.String("attempt_id", req.AttemptID),
	)
	return req, nil
}

// Resume returns the signed request for the order's live attempt without
// recording anything. Only an order that has no live attempt gets a new one,
// so reloading the checkout page keeps a single attempt.
func (s *Service) Resume(ctx context.Context, orderID string) (*domain.PaymentRequest, error) {
	orderID, err := s.precheck(orderID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		req    *domain.PaymentRequest
		issued bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.loadOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := payable(order); err != nil {
			return err
		}

		attempt, err := s.liveAttempt(ctx, tx, order)
		if err != nil {
			return err
		}
		if attempt != nil {
			req, err = s.build(ctx, tx, order, attempt.Token)
			if err != nil {
				return err
			}
			req.AttemptID = attempt.ID.String()
			return nil
		}

		issued = true
		req, err = s.issue(ctx, tx, order)
		return err
	})
	if err != nil {
		s.logFailure(orderID, reasonResume, err)
		return nil, err
	}

	if issued {
		s.obsMetrics.RecordPaymentRequest(ctx, reasonCheckout, s.merchant.Sandbox)
	}
	s.log.Debug("payment request resumed",
		zap.String("order_id", orderID),
		zap.String("attempt_id", req.AttemptID),
		zap.Bool("issued", issued),
	)
	return req, nil
}

func (s *Service) precheck(orderID string) (string, error) {
	if !s.merchant.Configured() {
		s.log.Error("merchant credentials missing, refusing to build payment request")
		return "", domain.ErrConfiguration
	}
	orderID = strings.TrimSpace(orderID)
	if _, err := uuid.Parse(orderID); err != nil {
		return "", domain.ErrInvalidOrderID
	}
	return orderID, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// payable rejects orders that cannot be sent to the gateway as they are.
func payable(order *domain.Order) error {
	switch {
	case order.PaymentStatus == domain.PaymentStatusCompleted:
		return domain.ErrConflict
	case order.PaymentStatus != domain.PaymentStatusPending,
		order.Status == domain.OrderStatusPaymentFailed,
		order.Status == domain.OrderStatusCancelled:
		return domain.ErrRetryRequired
	}
	return nil
}

// liveAttempt returns the submitted attempt the order currently points at,
// or nil when there is none or it no longer matches the order total.
func (s *Service) liveAttempt(ctx context.Context, tx *gorm.DB, order *domain.Order) (*domain.PaymentAttempt, error) {
	if order.PaymentID == "" {
		return nil, nil
	}
	attempt, err := s.repo.FindAttemptByToken(ctx, tx, order.ID, order.PaymentID)
	if err != nil {
		return nil, domain.StorageError("find attempt", err)
	}
	if attempt == nil ||
		attempt.Status != domain.AttemptStatusSubmitted ||
		!attempt.Amount.Equal(order.TotalAmount) {
		return nil, nil
	}
	return attempt, nil
}

func (s *Service) loadOrder(ctx context.Context, tx *gorm.DB, orderID string) (*domain.Order, error) {
	order, err := s.repo.FindOrder(ctx, tx, orderID)
	if err != nil {
		return nil, domain.StorageError("find order", err)
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// issue records a new attempt, signs it and points the order at it. It must
// run inside the caller's transaction.
func (s *Service) issue(ctx context.Context, tx *gorm.DB, order *domain.Order) (*domain.PaymentRequest, error) {
	now := s.clock.Now()
	attempt := &domain.PaymentAttempt{
		ID:        s.genID.Generate(),
		OrderID:   order.ID,
		Token:     NormalizePaymentID(uuid.NewString()),
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		Status:    domain.AttemptStatusCreated,
		CreatedAt: now,
	}

	req, err := s.build(ctx, tx, order, attempt.Token)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertAttempt(ctx, tx, attempt); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrConflict
		}
		return nil, domain.StorageError("insert attempt", err)
	}
	if err := s.repo.SupersedeAttempts(ctx, tx, order.ID, attempt.ID); err != nil {
		return nil, domain.StorageError("supersede attempts", err)
	}
	if err := s.repo.MarkAttemptSubmitted(ctx, tx, attempt.ID, now); err != nil {
		return nil, domain.StorageError("submit attempt", err)
	}
	marked, err := s.repo.MarkOrderPending(ctx, tx, order.ID, attempt.Token, now)
	if err != nil {
		return nil, domain.StorageError("mark order pending", err)
	}
	if !marked {
		// A notification settled the order between our read and this write.
		return nil, s.settled(ctx, tx, order.ID)
	}

	req.AttemptID = attempt.ID.String()
	return req, nil
}

// settled reports why an order that left pending mid-transaction can no
// longer be issued an attempt.
func (s *Service) settled(ctx context.Context, tx *gorm.DB, orderID string) error {
	current, err := s.loadOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if err := payable(current); err != nil {
		return err
	}
	return domain.ErrRetryRequired
}

// build signs the order's fields for the given attempt token.
func (s *Service) build(ctx context.Context, tx *gorm.DB, order *domain.Order, token string) (*domain.PaymentRequest, error) {
	lines, err := s.repo.ListOrderLines(ctx, tx, order.ID)
	if err != nil {
		return nil, domain.StorageError("list order lines", err)
	}
	return BuildRequest(BuildInput{
		Order:        *order,
		Lines:        lines,
		Merchant:     s.merchant,
		BaseURL:      s.baseURL,
		AttemptToken: token,
		ItemPrefix:   s.itemPrefix,
	}, s.gateway.Get().SubmitURL(s.merchant.Sandbox))
}

func (s *Service) logFailure(orderID, reason string, err error) {
	fields := []zap.Field{
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, domain.ErrTransientStorage):
		s.log.Error("payment request failed", fields...)
	case errors.Is(err, domain.ErrConfiguration):
		s.log.Error("payment request misconfigured", fields...)
	default:
		s.log.Warn("payment request rejected", fields...)
	}
}
