package reconcile

import (
	"strings"

	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
)

// target is the order state a provider status maps onto.
type target struct {
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
}

var statusTable = map[string]target{
	domain.ProviderStatusComplete: {
		Status:        domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusCompleted,
	},
	domain.ProviderStatusFailed: {
		Status:        domain.OrderStatusPaymentFailed,
		PaymentStatus: domain.PaymentStatusFailed,
	},
	domain.ProviderStatusCancelled: {
		Status:        domain.OrderStatusCancelled,
		PaymentStatus: domain.PaymentStatusCancelled,
	},
}

// MapStatus looks up the provider status, ignoring case and surrounding space.
func MapStatus(providerStatus string) (domain.OrderStatus, domain.PaymentStatus, bool) {
	t, ok := statusTable[strings.ToUpper(strings.TrimSpace(providerStatus))]
	return t.Status, t.PaymentStatus, ok
}
