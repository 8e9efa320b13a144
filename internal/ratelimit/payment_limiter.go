package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyWebhookSource = "fleurene:webhook:source:%s"
	keyOrderLock     = "fleurene:order-lock:%s"
)

// PaymentLimiter guards the payment endpoints: a token bucket per webhook
// source and a short-lived lock per order during reconciliation.
type PaymentLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	sourceRate  float64
	sourceBurst int
	lockTTL     time.Duration
}

func NewPaymentLimiter(cfg config.Config, client *redis.Client) (*PaymentLimiter, error) {
	if client == nil {
		return &PaymentLimiter{}, nil
	}
	return newPaymentLimiter(client, cfg.Payment)
}

func newPaymentLimiter(client redis.UniversalClient, cfg config.PaymentConfig) (*PaymentLimiter, error) {
	if cfg.WebhookRate <= 0 || cfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}
	lockTTL := cfg.ReconcileLockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &PaymentLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		sourceRate:  cfg.WebhookRate,
		sourceBurst: cfg.WebhookBurst,
		lockTTL:     lockTTL,
	}, nil
}

func (l *PaymentLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowSource spends one token from the bucket of the calling address.
func (l *PaymentLimiter) AllowSource(ctx context.Context, source string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookSource, strings.TrimSpace(source)), l.sourceRate, l.sourceBurst)
}

// LockOrder blocks until the order lock is held or ctx ends. The returned
// token is empty when locking is disabled.
func (l *PaymentLimiter) LockOrder(ctx context.Context, orderID string) (string, error) {
	if !l.Enabled() {
		return "", nil
	}
	return l.locker.Lock(ctx, OrderLockKey(orderID), l.lockTTL, 25*time.Millisecond)
}

func (l *PaymentLimiter) ReleaseOrder(ctx context.Context, orderID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, OrderLockKey(orderID), token)
}

func OrderLockKey(orderID string) string {
	return fmt.Sprintf(keyOrderLock, strings.TrimSpace(orderID))
}
