package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"artmarket/pos/internal/domain"
)

const (
	// InvoiceThresholdB2BCents is the gross amount from which business buyers
	// must provide a full billing identity.
	InvoiceThresholdB2BCents int64 = 20000
	// InvoiceThresholdB2CCents is the same threshold for consumers.
	InvoiceThresholdB2CCents int64 = 100000
)

var ErrUnsupportedVATRate = errors.New("unsupported vat rate")

var hundred = decimal.NewFromInt(100)

func SupportedVATRate(rate int) bool {
	switch rate {
	case 0, 7, 19:
		return true
	default:
		return false
	}
}

// LineNetCents reverse-calculates the net part of a VAT-inclusive gross
// amount, rounded half away from zero to the cent.
func LineNetCents(grossCents int64, vatRate int) int64 {
	if vatRate == 0 {
		return grossCents
	}
	net := decimal.NewFromInt(grossCents).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(100 + vatRate))).
		Round(0)
	return net.IntPart()
}

// ComputeTotals sums the lines. Net is rounded per line before summing.
func ComputeTotals(lines []domain.TransactionLine) (domain.Totals, error) {
	var totals domain.Totals
	for _, line := range lines {
		if !SupportedVATRate(line.VATRate) {
			return domain.Totals{}, ErrUnsupportedVATRate
		}
		gross := int64(line.Qty) * line.UnitGrossCents
		net := LineNetCents(gross, line.VATRate)
		totals.GrossCents += gross
		totals.NetCents += net
	}
	totals.VATCents = totals.GrossCents - totals.NetCents
	return totals, nil
}

// VATBreakdown groups gross amounts by VAT rate, ascending by rate.
func VATBreakdown(lines []domain.TransactionLine) []VATAmount {
	byRate := map[int]int64{}
	for _, line := range lines {
		byRate[line.VATRate] += int64(line.Qty) * line.UnitGrossCents
	}
	out := make([]VATAmount, 0, len(byRate))
	for _, rate := range []int{0, 7, 19} {
		if gross, ok := byRate[rate]; ok {
			out = append(out, VATAmount{Rate: rate, GrossCents: gross})
		}
	}
	return out
}

type VATAmount struct {
	Rate       int   `json:"rate"`
	GrossCents int64 `json:"grossCents"`
}

// InvoiceRequired applies the buyer-type threshold rule.
func InvoiceRequired(buyerType string, grossCents int64) bool {
	if buyerType == domain.BuyerTypeB2B {
		return grossCents >= InvoiceThresholdB2BCents
	}
	return grossCents >= InvoiceThresholdB2CCents
}

// MissingInvoiceFields lists the billing identity fields an invoice needs but
// the buyer lacks.
func MissingInvoiceFields(buyer domain.Buyer) []string {
	missing := make([]string, 0, 4)
	if buyer.Name == "" {
		missing = append(missing, "name")
	}
	if buyer.Type == domain.BuyerTypeB2B && buyer.Company == "" {
		missing = append(missing, "company")
	}
	addr := buyer.BillingAddress
	if addr == nil || addr.Line1 == "" || addr.PostalCode == "" || addr.City == "" || addr.Country == "" {
		missing = append(missing, "billingAddress")
	}
	return missing
}

// FormatAmount renders cents as a two-decimal string ("100.00").
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
