package repository

import (
	"context"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, customer_first_name, customer_last_name, customer_email, customer_phone,
			total_amount, currency, status, payment_status, payment_id, provider_payment_id,
			created_at, updated_at
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListOrderLines(ctx context.Context, db *gorm.DB, orderID string) ([]domain.OrderLine, error) {
	var lines []domain.OrderLine
	err := db.WithContext(ctx).Raw(
		`SELECT order_id, product_name, quantity
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY product_name`,
		orderID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) MarkOrderPending(ctx context.Context, db *gorm.DB, orderID string, paymentID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET payment_status = ?, payment_id = ?, updated_at = ?
		 WHERE id = ? AND payment_status = ?`,
		domain.PaymentStatusPending,
		paymentID,
		at,
		orderID,
		domain.PaymentStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ResetForRetry(ctx context.Context, db *gorm.DB, orderID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, payment_status = ?, updated_at = ?
		 WHERE id = ? AND payment_status <> ?`,
		domain.OrderStatusPending,
		domain.PaymentStatusPending,
		at,
		orderID,
		domain.PaymentStatusCompleted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TransitionPayment moves the order out of pending. It affects no rows when
// another writer already moved it, which makes concurrent notifications for
// the same order race-free without an explicit lock.
func (r *repo) TransitionPayment(ctx context.Context, db *gorm.DB, t domain.Transition) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, payment_status = ?,
			provider_payment_id = COALESCE(NULLIF(?, ''), provider_payment_id),
			updated_at = ?
		 WHERE id = ? AND payment_status = ?`,
		t.Status,
		t.PaymentStatus,
		t.ProviderPaymentID,
		t.At,
		t.OrderID,
		domain.PaymentStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.PaymentAttempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (
			id, order_id, token, amount, currency, status, submitted_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.OrderID,
		attempt.Token,
		attempt.Amount,
		attempt.Currency,
		attempt.Status,
		attempt.SubmittedAt,
		attempt.CreatedAt,
	).Error
}

func (r *repo) SupersedeAttempts(ctx context.Context, db *gorm.DB, orderID string, keep snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?
		 WHERE order_id = ? AND id <> ? AND status <> ?`,
		domain.AttemptStatusSuperseded,
		orderID,
		keep,
		domain.AttemptStatusSuperseded,
	).Error
}

func (r *repo) MarkAttemptSubmitted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, submitted_at = ?
		 WHERE id = ? AND status = ?`,
		domain.AttemptStatusSubmitted,
		at,
		id,
		domain.AttemptStatusCreated,
	).Error
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, orderID string) ([]domain.PaymentAttempt, error) {
	var attempts []domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, token, amount, currency, status, submitted_at, created_at
		 FROM payment_attempts
		 WHERE order_id = ?
		 ORDER BY id`,
		orderID,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) FindAttemptByToken(ctx context.Context, db *gorm.DB, orderID string, token string) (*domain.PaymentAttempt, error) {
	var attempts []domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, token, amount, currency, status, submitted_at, created_at
		 FROM payment_attempts
		 WHERE order_id = ? AND token = ?
		 LIMIT 1`,
		orderID,
		token,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, entry *domain.StatusHistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO order_status_history (id, order_id, status, note, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OrderID,
		entry.Status,
		entry.Note,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, orderID string) ([]domain.StatusHistoryEntry, error) {
	var entries []domain.StatusHistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, status, note, metadata, created_at
		 FROM order_status_history
		 WHERE order_id = ?
		 ORDER BY id`,
		orderID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ListHistoryPage(ctx context.Context, db *gorm.DB, orderID string, after snowflake.ID, limit int) ([]domain.StatusHistoryEntry, error) {
	var entries []domain.StatusHistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, status, note, metadata, created_at
		 FROM order_status_history
		 WHERE order_id = ? AND id > ?
		 ORDER BY id
		 LIMIT ?`,
		orderID,
		after,
		limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
