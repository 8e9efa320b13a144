package checkout

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/signature"
)

const (
	maxItemNameLen        = 100
	maxItemDescriptionLen = 255
	maxNameLen            = 100
	itemNameIDPrefixLen   = 8
)

const (
	successPath = "/checkout/success"
	cancelPath  = "/checkout/cancel"
	notifyPath  = "/api/payments/notify"
)

// BuildInput is everything needed to describe one attempt to the gateway.
type BuildInput struct {
	Order        domain.Order
	Lines        []domain.OrderLine
	Merchant     config.Merchant
	BaseURL      string
	AttemptToken string
	ItemPrefix   string
}

// BuildFields populates the gateway vocabulary for an order. It performs no
// I/O and leaves the signature to the caller.
func BuildFields(in BuildInput) (signature.FieldSet, error) {
	var fs signature.FieldSet

	if !in.Merchant.Configured() {
		return fs, domain.ErrConfiguration
	}
	baseURL := strings.TrimRight(strings.TrimSpace(in.BaseURL), "/")
	if baseURL == "" {
		return fs, domain.ErrConfiguration
	}
	orderID := strings.TrimSpace(in.Order.ID)
	compactID := NormalizePaymentID(orderID)
	if compactID == "" {
		return fs, domain.ErrInvalidOrderID
	}
	if !in.Order.TotalAmount.IsPositive() {
		return fs, domain.ErrInvalidAmount
	}

	escapedID := url.QueryEscape(orderID)
	fs.MerchantID = strings.TrimSpace(in.Merchant.ID)
	fs.MerchantKey = strings.TrimSpace(in.Merchant.Key)
	fs.ReturnURL = baseURL + successPath + "?order=" + escapedID
	fs.CancelURL = baseURL + cancelPath + "?order=" + escapedID
	fs.NotifyURL = baseURL + notifyPath

	fs.NameFirst = truncate(strings.TrimSpace(in.Order.CustomerFirstName), maxNameLen)
	fs.NameLast = truncate(strings.TrimSpace(in.Order.CustomerLastName), maxNameLen)
	fs.EmailAddress = strings.TrimSpace(in.Order.CustomerEmail)
	fs.CellNumber = digitsOnly(in.Order.CustomerPhone)

	fs.MPaymentID = orderID
	fs.Amount = in.Order.TotalAmount.StringFixed(2)
	fs.ItemName = itemName(in.ItemPrefix, compactID)
	fs.ItemDescription = itemDescription(in.Lines)

	fs.CustomStr[0] = compactID
	fs.CustomStr[1] = NormalizePaymentID(in.AttemptToken)

	return fs, nil
}

// BuildRequest builds and signs the field set. Sandbox merchants sign
// without a passphrase.
func BuildRequest(in BuildInput, submitURL string) (*domain.PaymentRequest, error) {
	if strings.TrimSpace(submitURL) == "" {
		return nil, domain.ErrConfiguration
	}
	fs, err := BuildFields(in)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentRequest{
		OrderID:   fs.MPaymentID,
		SubmitURL: submitURL,
		Fields:    fs.Pairs(),
		Signature: signature.Sign(fs, in.Merchant.SigningSecret()),
	}, nil
}

// NormalizePaymentID keeps only ASCII letters and digits. The gateway
// rejects separators in custom string fields.
func NormalizePaymentID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Sanitize keeps letters, digits, spaces and hyphens, collapses runs of
// whitespace and caps the result at max runes.
func Sanitize(value string, max int) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range value {
		switch {
		case isAlnum(r) || r == '-':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return truncate(strings.TrimSpace(b.String()), max)
}

func itemName(prefix, compactID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "Order"
	}
	short := compactID
	if len(short) > itemNameIDPrefixLen {
		short = short[:itemNameIDPrefixLen]
	}
	return Sanitize(prefix+" "+short, maxItemNameLen)
}

func itemDescription(lines []domain.OrderLine) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		name := Sanitize(line.ProductName, maxItemDescriptionLen)
		if name == "" {
			continue
		}
		qty := line.Quantity
		if qty < 1 {
			qty = 1
		}
		parts = append(parts, fmt.Sprintf("%s x%d", name, qty))
	}
	return Sanitize(strings.Join(parts, " - "), maxItemDescriptionLen)
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func truncate(value string, max int) string {
	if max <= 0 || utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:max]))
}
