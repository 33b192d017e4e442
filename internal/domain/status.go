package domain

import "strings"

var transactionStatusTransitionChart = TransactionStatusTransitionChart{
	TxStatusCreated:        {TxStatusPaymentPending, TxStatusPaid, TxStatusFailed, TxStatusCancelled, TxStatusStorno},
	TxStatusPaymentPending: {TxStatusPaid, TxStatusFailed, TxStatusCancelled, TxStatusStorno},
	TxStatusPaid:           {TxStatusRefunded, TxStatusStorno},
	TxStatusFailed:         {TxStatusStorno},
	TxStatusCancelled:      {TxStatusStorno},
}

type TransactionStatusTransitionChart map[string][]string

func (s TransactionStatusTransitionChart) Allowed(from, to string) bool {
	list, exists := s[from]
	if !exists {
		return false
	}
	for _, status := range list {
		if status == to {
			return true
		}
	}
	return false
}

func CanTransition(from, to string) bool {
	return transactionStatusTransitionChart.Allowed(from, to)
}

// IsAbsorbing reports statuses nothing may leave.
func IsAbsorbing(status string) bool {
	return status == TxStatusRefunded || status == TxStatusStorno
}

// NormalizePaymentStatus maps provider or agent wording onto the closed
// payment status set. Unknown and empty values become payment_pending.
func NormalizePaymentStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "successful", "success", "succeeded", "approved", "captured", "completed":
		return TxStatusPaid
	case "failed", "failure", "declined", "error", "rejected":
		return TxStatusFailed
	case "cancelled", "canceled", "aborted", "voided", "timeout", "timed_out":
		return TxStatusCancelled
	case "refunded", "reversed":
		return TxStatusRefunded
	default:
		return TxStatusPaymentPending
	}
}

// Reconcile decides the next status when an external payment status feed
// reports incoming for a transaction currently in current. It never leaves an
// absorbing state, never un-pays, and never lets failed/cancelled be revived by
// a feed; reversal of those goes through storno.
func Reconcile(current, incoming string) string {
	switch current {
	case TxStatusStorno, TxStatusRefunded, TxStatusFailed, TxStatusCancelled:
		return current
	case TxStatusPaid:
		if NormalizePaymentStatus(incoming) == TxStatusRefunded {
			return TxStatusRefunded
		}
		return current
	}

	next := NormalizePaymentStatus(incoming)
	if !CanTransition(current, next) {
		return current
	}
	return next
}
