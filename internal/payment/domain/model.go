package domain

import (
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/payment/signature"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusProcessing    OrderStatus = "processing"
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusShipped       OrderStatus = "shipped"
	OrderStatusDelivered     OrderStatus = "delivered"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Provider payment_status vocabulary.
const (
	ProviderStatusComplete  = "COMPLETE"
	ProviderStatusFailed    = "FAILED"
	ProviderStatusCancelled = "CANCELLED"
)

// Order is the storefront order as seen by the payment core. It is owned by
// the storefront; the core only reads it and moves its payment state.
type Order struct {
	ID                string          `json:"id" gorm:"column:id;primaryKey"`
	CustomerFirstName string          `json:"customer_first_name" gorm:"column:customer_first_name"`
	CustomerLastName  string          `json:"customer_last_name" gorm:"column:customer_last_name"`
	CustomerEmail     string          `json:"customer_email" gorm:"column:customer_email"`
	CustomerPhone     string          `json:"customer_phone" gorm:"column:customer_phone"`
	TotalAmount       decimal.Decimal `json:"total_amount" gorm:"column:total_amount"`
	Currency          string          `json:"currency" gorm:"column:currency"`
	Status            OrderStatus     `json:"status" gorm:"column:status"`
	PaymentStatus     PaymentStatus   `json:"payment_status" gorm:"column:payment_status"`
	PaymentID         string          `json:"payment_id" gorm:"column:payment_id"`
	ProviderPaymentID string          `json:"provider_payment_id" gorm:"column:provider_payment_id"`
	CreatedAt         time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

func (Order) TableName() string { return "orders" }

// OrderLine is a purchased item, used only to describe the order to the payer.
type OrderLine struct {
	OrderID     string `json:"order_id" gorm:"column:order_id"`
	ProductName string `json:"product_name" gorm:"column:product_name"`
	Quantity    int    `json:"quantity" gorm:"column:quantity"`
}

func (OrderLine) TableName() string { return "order_items" }

type AttemptStatus string

const (
	AttemptStatusCreated    AttemptStatus = "created"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusSuperseded AttemptStatus = "superseded"
)

// PaymentAttempt is one submission of an order to the gateway. Token is the
// idempotency token the gateway echoes back in custom_str2.
type PaymentAttempt struct {
	ID          snowflake.ID    `json:"id" gorm:"column:id;primaryKey"`
	OrderID     string          `json:"order_id" gorm:"column:order_id"`
	Token       string          `json:"token" gorm:"column:token"`
	Amount      decimal.Decimal `json:"amount" gorm:"column:amount"`
	Currency    string          `json:"currency" gorm:"column:currency"`
	Status      AttemptStatus   `json:"status" gorm:"column:status"`
	SubmittedAt *time.Time      `json:"submitted_at" gorm:"column:submitted_at"`
	CreatedAt   time.Time       `json:"created_at" gorm:"column:created_at"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// StatusHistoryEntry is an append-only audit record of an order transition.
type StatusHistoryEntry struct {
	ID        snowflake.ID      `json:"id" gorm:"column:id;primaryKey"`
	OrderID   string            `json:"order_id" gorm:"column:order_id"`
	Status    string            `json:"status" gorm:"column:status"`
	Note      string            `json:"note" gorm:"column:note"`
	Metadata  datatypes.JSONMap `json:"metadata" gorm:"column:metadata"`
	CreatedAt time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (StatusHistoryEntry) TableName() string { return "order_status_history" }

// VerifiedNotification is a gateway notification whose signature checked out.
type VerifiedNotification struct {
	OrderID           string
	AttemptToken      string
	PaymentStatus     string
	ProviderPaymentID string
	AmountGross       string
	Fields            signature.FieldSet
}

// PaymentRequest is a signed field set ready to be posted to the gateway.
type PaymentRequest struct {
	OrderID   string              `json:"order_id"`
	AttemptID string              `json:"attempt_id"`
	SubmitURL string              `json:"submit_url"`
	Fields    []signature.Field   `json:"fields"`
	Signature signature.Signature `json:"signature"`
}

// Transition is a conditional move of an order's payment state out of pending.
type Transition struct {
	OrderID           string
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	ProviderPaymentID string
	At                time.Time
}
