package model

import (
	"encoding/json"
	"strconv"
)

const (
	MetaPaymentID    = "payment_id"
	MetaBookingID    = "booking_id"
	MetaPlatformFee  = "platform_fee"
	MetaTotalPayment = "total_payment"
	MetaJobTitle     = "job_title"
)

// Metadata is the free-form document stored alongside a payout. The payment
// link lives here rather than in a column, so readers must go through
// PaymentID.
type Metadata map[string]any

func NewPaymentMetadata(p *Payment) Metadata {
	return Metadata{
		MetaPaymentID:    p.ID,
		MetaBookingID:    p.BookingID,
		MetaPlatformFee:  p.PlatformFee.StringFixed(moneyScale),
		MetaTotalPayment: p.Amount.StringFixed(moneyScale),
		MetaJobTitle:     p.JobTitle,
	}
}

// PaymentID returns the linked payment. Only a positive integer in canonical
// form counts as a link, matching the orphan query in the payout repository;
// anything else ("abc", "007", -1) leaves the payout orphaned.
func (m Metadata) PaymentID() (int64, bool) {
	raw, ok := m[MetaPaymentID]
	if !ok || raw == nil {
		return 0, false
	}
	var n int64
	switch v := raw.(type) {
	case int64:
		n = v
	case int:
		n = int64(v)
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		n = int64(v)
	case json.Number:
		return canonicalID(v.String())
	case string:
		return canonicalID(v)
	default:
		return 0, false
	}
	return n, n > 0
}

// Merge copies src over m and returns m, allocating when m is nil.
func (m Metadata) Merge(src Metadata) Metadata {
	if m == nil {
		m = Metadata{}
	}
	for k, v := range src {
		m[k] = v
	}
	return m
}

func canonicalID(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 || strconv.FormatInt(n, 10) != s {
		return 0, false
	}
	return n, true
}
