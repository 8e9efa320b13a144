package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CheckoutService builds signed gateway requests for orders.
type CheckoutService interface {
	Checkout(ctx context.Context, orderID string) (*PaymentRequest, error)
	Retry(ctx context.Context, orderID string) (*PaymentRequest, error)
	Resume(ctx context.Context, orderID string) (*PaymentRequest, error)
}

// WebhookService verifies and applies gateway notifications.
type WebhookService interface {
	Ingest(ctx context.Context, rawBody []byte) (ReconcileResult, error)
}

// HistoryService exposes the audit trail of an order's payment transitions.
type HistoryService interface {
	List(ctx context.Context, orderID string, page pagination.Pagination) ([]StatusHistoryEntry, *pagination.PageInfo, error)
}

// Reconciler applies a verified notification to its order.
type Reconciler interface {
	Reconcile(ctx context.Context, n VerifiedNotification) (ReconcileResult, error)
}

type ReconcileOutcome string

const (
	OutcomeApplied   ReconcileOutcome = "applied"
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	OutcomeRejected  ReconcileOutcome = "rejected"
	OutcomeIgnored   ReconcileOutcome = "ignored"
)

type ReconcileResult struct {
	OrderID       string
	Outcome       ReconcileOutcome
	Status        OrderStatus
	PaymentStatus PaymentStatus
}

type Repository interface {
	FindOrder(ctx context.Context, db *gorm.DB, id string) (*Order, error)
	ListOrderLines(ctx context.Context, db *gorm.DB, orderID string) ([]OrderLine, error)
	MarkOrderPending(ctx context.Context, db *gorm.DB, orderID string, paymentID string, at time.Time) (bool, error)
	ResetForRetry(ctx context.Context, db *gorm.DB, orderID string, at time.Time) (bool, error)
	TransitionPayment(ctx context.Context, db *gorm.DB, t Transition) (bool, error)

	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	SupersedeAttempts(ctx context.Context, db *gorm.DB, orderID string, keep snowflake.ID) error
	MarkAttemptSubmitted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ListAttempts(ctx context.Context, db *gorm.DB, orderID string) ([]PaymentAttempt, error)
	FindAttemptByToken(ctx context.Context, db *gorm.DB, orderID string, token string) (*PaymentAttempt, error)

	InsertHistory(ctx context.Context, db *gorm.DB, entry *StatusHistoryEntry) error
	ListHistory(ctx context.Context, db *gorm.DB, orderID string) ([]StatusHistoryEntry, error)
	ListHistoryPage(ctx context.Context, db *gorm.DB, orderID string, after snowflake.ID, limit int) ([]StatusHistoryEntry, error)
}

var (
	ErrConfiguration    = errors.New("payment_configuration_missing")
	ErrConflict         = errors.New("payment_already_completed")
	ErrRetryRequired    = errors.New("payment_retry_required")
	ErrOrderNotFound    = errors.New("order_not_found")
	ErrInvalidOrderID   = errors.New("invalid_order_id")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrMissingSignature = errors.New("missing_signature")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrMalformedPayload = errors.New("malformed_payload")
	ErrTransientStorage = errors.New("transient_storage_error")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrUntrustedSource  = errors.New("untrusted_source")
)

// IsVerificationFailure reports whether err means the notification must be
// rejected without touching any order.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUntrustedSource)
}

// StorageError marks err as a retryable order store failure during op.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
}
