package signature

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	FieldMerchantID          = "merchant_id"
	FieldMerchantKey         = "merchant_key"
	FieldReturnURL           = "return_url"
	FieldCancelURL           = "cancel_url"
	FieldNotifyURL           = "notify_url"
	FieldNameFirst           = "name_first"
	FieldNameLast            = "name_last"
	FieldEmailAddress        = "email_address"
	FieldCellNumber          = "cell_number"
	FieldMPaymentID          = "m_payment_id"
	FieldPFPaymentID         = "pf_payment_id"
	FieldPaymentStatus       = "payment_status"
	FieldAmount              = "amount"
	FieldAmountGross         = "amount_gross"
	FieldAmountFee           = "amount_fee"
	FieldAmountNet           = "amount_net"
	FieldItemName            = "item_name"
	FieldItemDescription     = "item_description"
	FieldEmailConfirmation   = "email_confirmation"
	FieldConfirmationAddress = "confirmation_address"
	FieldPaymentMethod       = "payment_method"
	FieldSubscriptionType    = "subscription_type"

	// FieldSignature carries the digest on the wire. It is never part of a FieldSet.
	FieldSignature = "signature"

	customSlots = 5
)

// FieldOrder is the provider's documented attribute order. Canonical strings
// are always produced in this order, never in insertion or wire order.
var FieldOrder = buildFieldOrder()

func buildFieldOrder() []string {
	order := []string{
		FieldMerchantID,
		FieldMerchantKey,
		FieldReturnURL,
		FieldCancelURL,
		FieldNotifyURL,
		FieldNameFirst,
		FieldNameLast,
		FieldEmailAddress,
		FieldCellNumber,
		FieldMPaymentID,
		FieldPFPaymentID,
		FieldPaymentStatus,
		FieldAmount,
		FieldAmountGross,
		FieldAmountFee,
		FieldAmountNet,
		FieldItemName,
		FieldItemDescription,
	}
	for i := 1; i <= customSlots; i++ {
		order = append(order, CustomIntField(i))
	}
	for i := 1; i <= customSlots; i++ {
		order = append(order, CustomStrField(i))
	}
	return append(order,
		FieldEmailConfirmation,
		FieldConfirmationAddress,
		FieldPaymentMethod,
		FieldSubscriptionType,
	)
}

// CustomIntField returns the wire name of custom integer slot n (1-based).
func CustomIntField(n int) string { return "custom_int" + strconv.Itoa(n) }

// CustomStrField returns the wire name of custom string slot n (1-based).
func CustomStrField(n int) string { return "custom_str" + strconv.Itoa(n) }

// FieldSet is the provider field vocabulary as a typed record.
type FieldSet struct {
	MerchantID          string
	MerchantKey         string
	ReturnURL           string
	CancelURL           string
	NotifyURL           string
	NameFirst           string
	NameLast            string
	EmailAddress        string
	CellNumber          string
	MPaymentID          string
	PFPaymentID         string
	PaymentStatus       string
	Amount              string
	AmountGross         string
	AmountFee           string
	AmountNet           string
	ItemName            string
	ItemDescription     string
	CustomInt           [customSlots]string
	CustomStr           [customSlots]string
	EmailConfirmation   string
	ConfirmationAddress string
	PaymentMethod       string
	SubscriptionType    string
}

// Field is one name/value pair of a FieldSet.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (f *FieldSet) slot(name string) *string {
	switch name {
	case FieldMerchantID:
		return &f.MerchantID
	case FieldMerchantKey:
		return &f.MerchantKey
	case FieldReturnURL:
		return &f.ReturnURL
	case FieldCancelURL:
		return &f.CancelURL
	case FieldNotifyURL:
		return &f.NotifyURL
	case FieldNameFirst:
		return &f.NameFirst
	case FieldNameLast:
		return &f.NameLast
	case FieldEmailAddress:
		return &f.EmailAddress
	case FieldCellNumber:
		return &f.CellNumber
	case FieldMPaymentID:
		return &f.MPaymentID
	case FieldPFPaymentID:
		return &f.PFPaymentID
	case FieldPaymentStatus:
		return &f.PaymentStatus
	case FieldAmount:
		return &f.Amount
	case FieldAmountGross:
		return &f.AmountGross
	case FieldAmountFee:
		return &f.AmountFee
	case FieldAmountNet:
		return &f.AmountNet
	case FieldItemName:
		return &f.ItemName
	case FieldItemDescription:
		return &f.ItemDescription
	case FieldEmailConfirmation:
		return &f.EmailConfirmation
	case FieldConfirmationAddress:
		return &f.ConfirmationAddress
	case FieldPaymentMethod:
		return &f.PaymentMethod
	case FieldSubscriptionType:
		return &f.SubscriptionType
	}
	if idx, ok := customIndex(name, "custom_int"); ok {
		return &f.CustomInt[idx]
	}
	if idx, ok := customIndex(name, "custom_str"); ok {
		return &f.CustomStr[idx]
	}
	return nil
}

func customIndex(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || n < 1 || n > customSlots {
		return 0, false
	}
	return n - 1, true
}

// Get returns the value of a named field, or "" for unknown names.
func (f FieldSet) Get(name string) string {
	if p := f.slot(name); p != nil {
		return *p
	}
	return ""
}

// Set assigns a named field. It reports false for names outside the vocabulary.
func (f *FieldSet) Set(name, value string) bool {
	p := f.slot(name)
	if p == nil {
		return false
	}
	*p = value
	return true
}

// Pairs returns the non-empty fields in canonical order.
func (f FieldSet) Pairs() []Field {
	out := make([]Field, 0, len(FieldOrder))
	for _, name := range FieldOrder {
		value := strings.TrimSpace(f.Get(name))
		if value == "" {
			continue
		}
		out = append(out, Field{Name: name, Value: value})
	}
	return out
}

// Values renders the non-empty fields as form values.
func (f FieldSet) Values() url.Values {
	values := url.Values{}
	for _, pair := range f.Pairs() {
		values.Set(pair.Name, pair.Value)
	}
	return values
}

// FromValues builds a FieldSet from form values, dropping the signature and
// any key outside the vocabulary. The first value wins for repeated keys.
func FromValues(values url.Values) FieldSet {
	var fs FieldSet
	for name, vals := range values {
		if name == FieldSignature || len(vals) == 0 {
			continue
		}
		fs.Set(name, vals[0])
	}
	return fs
}
