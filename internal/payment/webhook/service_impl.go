package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	obsmetrics "github.com/SeanBayley/Fleurene-sub001/internal/observability/metrics"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeVerificationFailed = "verification_failed"
	outcomeNotFound           = "not_found"
	outcomeStorageError       = "storage_error"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Verifier   *Verifier
	Reconciler domain.Reconciler
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	verifier     *Verifier
	reconciler   domain.Reconciler
	storeTimeout time.Duration
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) domain.WebhookService {
	return &Service{
		log:          p.Log.Named("payment.webhook"),
		verifier:     p.Verifier,
		reconciler:   p.Reconciler,
		storeTimeout: p.Cfg.Payment.StoreTimeout,
		obsMetrics:   p.ObsMetrics,
	}
}

// Ingest verifies a raw notification and applies it. Store access runs
// under the configured deadline; on timeout nothing is applied and the
// gateway is expected to redeliver.
func (s *Service) Ingest(ctx context.Context, rawBody []byte) (domain.ReconcileResult, error) {
	notification, err := s.verifier.VerifyAndParse(rawBody)
	if err != nil {
		s.log.Warn("notification rejected", zap.Error(err), zap.Int("bytes", len(rawBody)))
		s.obsMetrics.RecordNotification(ctx, outcomeVerificationFailed, "")
		return domain.ReconcileResult{}, err
	}

	storeCtx, cancel := s.withStoreDeadline(ctx)
	defer cancel()

	result, err := s.reconciler.Reconcile(storeCtx, *notification)
	if err != nil {
		if !errors.Is(err, domain.ErrTransientStorage) && errors.Is(storeCtx.Err(), context.DeadlineExceeded) {
			err = domain.StorageError("reconcile", storeCtx.Err())
		}
		s.obsMetrics.RecordNotification(ctx, failureOutcome(err), notification.PaymentStatus)
		return domain.ReconcileResult{OrderID: notification.OrderID}, err
	}

	s.obsMetrics.RecordNotification(ctx, string(result.Outcome), notification.PaymentStatus)
	return result, nil
}

func (s *Service) withStoreDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrTransientStorage):
		return outcomeStorageError
	default:
		return "error"
	}
}
