package service

import (
	"context"

	"artmarket/pos/internal/domain"
)

// SyncPaymentStatus pulls the provider's view of a pending payment and feeds
// it through the same reconciliation as a bridge report.
func (s *Service) SyncPaymentStatus(ctx context.Context, txID string) (domain.TransactionActionResponse, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if tx.Payment.Provider == domain.BridgeProvider || tx.Payment.ProviderTxID == "" {
		if tx.Status == domain.TxStatusPaid {
			return s.paidIdempotent(ctx, tx)
		}
		return actionResponse(tx, true), nil
	}

	provider, err := s.payments.Get(tx.Payment.Provider)
	if err != nil {
		return domain.TransactionActionResponse{}, &Error{Kind: KindExternal, Code: "payment_provider_not_configured", Err: err}
	}
	status, err := provider.GetPaymentStatus(ctx, tx.Payment.ProviderTxID)
	if err != nil {
		return domain.TransactionActionResponse{}, externalError(err)
	}

	pay := tx.Payment
	if len(status.Raw) > 0 {
		pay.RawStatusPayload = status.Raw
	}
	if status.Method != "" && pay.Method == "" {
		pay.Method = status.Method
	}
	updated, changed, err := s.applyIncomingStatus(ctx, tx, status.Status, pay, &statusAudit{
		Action: "payment_synced",
		Data: map[string]any{
			"provider":       pay.Provider,
			"providerStatus": status.Status,
		},
	})
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if !changed {
		if updated.Status == domain.TxStatusPaid {
			return s.paidIdempotent(ctx, updated)
		}
		return actionResponse(updated, true), nil
	}
	return actionResponse(updated, false), nil
}
