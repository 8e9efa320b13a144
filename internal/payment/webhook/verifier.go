package webhook

import (
	"net/url"
	"strings"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/signature"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	compactUUIDLen = 32
	dashedUUIDLen  = 36
)

// Verifier authenticates gateway notifications. It has no side effects
// beyond debug logging, so callers may retry it freely.
type Verifier struct {
	merchant config.Merchant
	log      *zap.Logger
}

func NewVerifier(merchant config.Merchant, log *zap.Logger) *Verifier {
	return &Verifier{
		merchant: merchant,
		log:      log.Named("payment.webhook.verifier"),
	}
}

// VerifyAndParse checks the signature of a raw form-encoded notification
// body and extracts the fields reconciliation needs. The body must be the
// bytes exactly as received.
func (v *Verifier) VerifyAndParse(rawBody []byte) (*domain.VerifiedNotification, error) {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, domain.ErrMalformedPayload
	}

	received := signature.Signature(strings.TrimSpace(values.Get(signature.FieldSignature)))
	if received == "" {
		return nil, domain.ErrMissingSignature
	}

	fields := signature.FromValues(values)
	secret := v.merchant.SigningSecret()
	if !signature.Verify(fields, received, secret) {
		if ce := v.log.Check(zap.DebugLevel, "notification signature mismatch"); ce != nil {
			canonical := signature.Canonicalize(fields, signature.FieldOrder)
			ce.Write(
				zap.String("canonical", canonical),
				zap.String("expected", signature.Digest(canonical, secret).String()),
				zap.String("received", received.String()),
				zap.Strings("ignored_keys", unknownKeys(values)),
			)
		}
		return nil, domain.ErrInvalidSignature
	}

	if merchantID := strings.TrimSpace(fields.MerchantID); merchantID != "" && merchantID != strings.TrimSpace(v.merchant.ID) {
		v.log.Warn("notification signed for another merchant", zap.String("merchant_id", merchantID))
		return nil, domain.ErrInvalidSignature
	}

	orderID := ResolveOrderID(fields)
	if orderID == "" {
		return nil, domain.ErrMalformedPayload
	}

	return &domain.VerifiedNotification{
		OrderID:           orderID,
		AttemptToken:      strings.TrimSpace(fields.CustomStr[1]),
		PaymentStatus:     strings.TrimSpace(fields.PaymentStatus),
		ProviderPaymentID: strings.TrimSpace(fields.PFPaymentID),
		AmountGross:       strings.TrimSpace(fields.AmountGross),
		Fields:            fields,
	}, nil
}

// ResolveOrderID prefers m_payment_id and falls back to rebuilding the
// dashed UUID form from the compact id carried in custom_str1. Values that
// are not UUIDs never resolve.
func ResolveOrderID(fields signature.FieldSet) string {
	if id := strings.TrimSpace(fields.MPaymentID); isOrderID(id) {
		return id
	}
	compact := strings.ToLower(strings.TrimSpace(fields.CustomStr[0]))
	if len(compact) != compactUUIDLen || !isHex(compact) {
		return ""
	}
	return compact[0:8] + "-" + compact[8:12] + "-" + compact[12:16] + "-" + compact[16:20] + "-" + compact[20:32]
}

// isOrderID accepts only the dashed form stored in orders.id.
func isOrderID(value string) bool {
	if len(value) != dashedUUIDLen {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}

func isHex(value string) bool {
	for _, r := range value {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func unknownKeys(values url.Values) []string {
	var known signature.FieldSet
	var out []string
	for key := range values {
		if key == signature.FieldSignature {
			continue
		}
		if !known.Set(key, "") {
			out = append(out, key)
		}
	}
	return out
}
