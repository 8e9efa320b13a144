package payment

import (
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/checkout"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/history"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/reconcile"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/repository"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/webhook"
	"github.com/SeanBayley/Fleurene-sub001/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(l *ratelimit.PaymentLimiter) reconcile.OrderLocker { return l }),
	fx.Provide(webhook.NewVerifier),
	fx.Provide(webhook.NewSourceValidator),
	fx.Provide(checkout.NewService),
	fx.Provide(reconcile.NewService),
	fx.Provide(webhook.NewService),
	fx.Provide(history.NewService),
)
