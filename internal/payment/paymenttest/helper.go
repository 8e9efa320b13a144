// Package paymenttest provides an in-memory order store for payment tests.
package paymenttest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		customer_first_name TEXT NOT NULL DEFAULT '',
		customer_last_name TEXT NOT NULL DEFAULT '',
		customer_email TEXT NOT NULL DEFAULT '',
		customer_phone TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		payment_id TEXT NOT NULL DEFAULT '',
		provider_payment_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE order_items (
		order_id TEXT NOT NULL,
		product_name TEXT NOT NULL,
		quantity INTEGER NOT NULL
	)`,
	`CREATE TABLE payment_attempts (
		id BIGINT PRIMARY KEY,
		order_id TEXT NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_attempts_token ON payment_attempts(token)`,
	`CREATE TABLE order_status_history (
		id BIGINT PRIMARY KEY,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// SetupDB opens a fresh in-memory database with the order schema.
func SetupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:payments_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// OrderOption customizes a seeded order.
type OrderOption func(*domain.Order)

func WithPaymentStatus(status domain.PaymentStatus) OrderOption {
	return func(o *domain.Order) { o.PaymentStatus = status }
}

func WithStatus(status domain.OrderStatus) OrderOption {
	return func(o *domain.Order) { o.Status = status }
}

func WithPaymentID(paymentID string) OrderOption {
	return func(o *domain.Order) { o.PaymentID = paymentID }
}

func WithAmount(amount string) OrderOption {
	return func(o *domain.Order) { o.TotalAmount = decimal.RequireFromString(amount) }
}

// SeedOrder inserts a pending order with one line and returns it.
func SeedOrder(t *testing.T, db *gorm.DB, id string, opts ...OrderOption) domain.Order {
	t.Helper()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	order := domain.Order{
		ID:                id,
		CustomerFirstName: "Ada",
		CustomerLastName:  "Lovelace",
		CustomerEmail:     "ada@example.com",
		CustomerPhone:     "0821234567",
		TotalAmount:       decimal.RequireFromString("1299.5"),
		Currency:          "ZAR",
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, opt := range opts {
		opt(&order)
	}

	err := db.Exec(
		`INSERT INTO orders (id, customer_first_name, customer_last_name, customer_email, customer_phone,
			total_amount, currency, status, payment_status, payment_id, provider_payment_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.CustomerFirstName, order.CustomerLastName, order.CustomerEmail, order.CustomerPhone,
		order.TotalAmount, order.Currency, order.Status, order.PaymentStatus, order.PaymentID, order.ProviderPaymentID,
		order.CreatedAt, order.UpdatedAt,
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO order_items (order_id, product_name, quantity) VALUES (?, ?, ?)`,
		order.ID, "Rose Gold Ring", 1,
	).Error; err != nil {
		t.Fatalf("seed order item: %v", err)
	}
	return order
}

// LoadOrder reads an order back or fails the test.
func LoadOrder(t *testing.T, db *gorm.DB, id string) domain.Order {
	t.Helper()

	var order domain.Order
	if err := db.Raw(
		`SELECT id, status, payment_status, payment_id, provider_payment_id, total_amount, currency
		 FROM orders WHERE id = ?`, id,
	).Scan(&order).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.ID == "" {
		t.Fatalf("order %s not found", id)
	}
	return order
}

// Count runs a COUNT query and returns the result.
func Count(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()

	var n int64
	if err := db.Raw(query, args...).Scan(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
