package service

import (
	"context"
	"errors"
	"strings"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/events"
	"artmarket/pos/internal/payment"
	"artmarket/pos/internal/store"
)

const manualProvider = "manual"

// MarkPaid records a payment confirmed outside the system.
func (s *Service) MarkPaid(ctx context.Context, txID string, req domain.MarkPaidRequest) (domain.TransactionActionResponse, error) {
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		return domain.TransactionActionResponse{}, validationError("method_required")
	}

	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	switch tx.Status {
	case domain.TxStatusPaid:
		return s.paidIdempotent(ctx, tx)
	case domain.TxStatusRefunded, domain.TxStatusStorno:
		return actionResponse(tx, true), nil
	case domain.TxStatusCreated, domain.TxStatusPaymentPending:
	default:
		return domain.TransactionActionResponse{}, conflictError("status_not_markable")
	}

	pay := tx.Payment
	pay.Method = method
	if ref := strings.TrimSpace(req.Reference); ref != "" {
		pay.ExternalRef = ref
	}
	if pay.Provider == "" {
		pay.Provider = manualProvider
	}

	updated, changed, err := s.applyIncomingStatus(ctx, tx, domain.TxStatusPaid, pay, &statusAudit{
		Action: "mark_paid",
		Data: map[string]any{
			"method":    method,
			"reference": pay.ExternalRef,
			"provider":  pay.Provider,
		},
	})
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if !changed {
		switch updated.Status {
		case domain.TxStatusPaid:
			return s.paidIdempotent(ctx, updated)
		case domain.TxStatusRefunded, domain.TxStatusStorno:
			return actionResponse(updated, true), nil
		}
		return domain.TransactionActionResponse{}, conflictError("status_not_markable")
	}
	return actionResponse(updated, false), nil
}

// paidIdempotent answers a repeated paid confirmation, finishing the
// fiscal signature and documents if an earlier attempt stopped short.
func (s *Service) paidIdempotent(ctx context.Context, tx *domain.Transaction) (domain.TransactionActionResponse, error) {
	finalized, err := s.resumeFinalize(ctx, tx)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	return actionResponse(finalized, true), nil
}

// Refund reverses a paid transaction, in full unless AmountCents is set.
func (s *Service) Refund(ctx context.Context, txID string, req domain.RefundRequest) (domain.TransactionActionResponse, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if tx.Status == domain.TxStatusRefunded {
		return domain.TransactionActionResponse{}, conflictError("already_refunded")
	}
	if tx.Status != domain.TxStatusPaid {
		return domain.TransactionActionResponse{}, conflictError("status_not_refundable")
	}

	amount := tx.Totals.GrossCents
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	if amount <= 0 || amount > tx.Totals.GrossCents {
		return domain.TransactionActionResponse{}, validationError("invalid_refund_amount")
	}
	reason := strings.TrimSpace(req.Reason)

	commandID, err := s.reversePayment(ctx, tx, domain.CommandPaymentRefund, &amount)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}

	if _, err := s.tseFinish(ctx, tx.ID); err != nil {
		return domain.TransactionActionResponse{}, err
	}

	ok, err := s.repo.TransitionStatus(ctx, tx.ID, domain.StatusChange{
		From:          domain.TxStatusPaid,
		To:            domain.TxStatusRefunded,
		Reason:        reason,
		RefundedCents: amount,
		At:            s.now(),
	})
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if !ok {
		return s.raceOutcome(ctx, tx.ID, domain.TxStatusRefunded, "status_not_refundable")
	}
	tx.Status = domain.TxStatusRefunded
	tx.StatusReason = reason
	tx.RefundedCents = amount

	if err := s.recordAudit(ctx, "refund", tx.ID, map[string]any{
		"reason":      reason,
		"amountCents": amount,
		"partial":     amount < tx.Totals.GrossCents,
		"provider":    tx.Payment.Provider,
		"commandId":   commandID,
	}); err != nil {
		return domain.TransactionActionResponse{}, err
	}
	s.publish(ctx, events.TransactionRefunded, tx)
	return actionResponse(tx, false), nil
}

// Storno voids a transaction from any non-absorbing status.
func (s *Service) Storno(ctx context.Context, txID string, req domain.StornoRequest) (domain.TransactionActionResponse, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if tx.Status == domain.TxStatusStorno {
		return actionResponse(tx, true), nil
	}
	if !domain.CanTransition(tx.Status, domain.TxStatusStorno) {
		return domain.TransactionActionResponse{}, conflictError("status_not_stornoable")
	}
	reason := strings.TrimSpace(req.Reason)
	from := tx.Status

	commandID, err := s.reversePayment(ctx, tx, domain.CommandPaymentCancel, nil)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}

	if from == domain.TxStatusPaid {
		_, err = s.tseFinish(ctx, tx.ID)
	} else {
		_, err = s.tseCancel(ctx, tx.ID)
	}
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}

	ok, err := s.repo.TransitionStatus(ctx, tx.ID, domain.StatusChange{
		From:   from,
		To:     domain.TxStatusStorno,
		Reason: reason,
		At:     s.now(),
	})
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if !ok {
		return s.raceOutcome(ctx, tx.ID, domain.TxStatusStorno, "status_not_stornoable")
	}
	tx.Status = domain.TxStatusStorno
	tx.StatusReason = reason

	if err := s.recordAudit(ctx, "storno", tx.ID, map[string]any{
		"reason":     reason,
		"fromStatus": from,
		"provider":   tx.Payment.Provider,
		"commandId":  commandID,
	}); err != nil {
		return domain.TransactionActionResponse{}, err
	}
	s.publish(ctx, events.TransactionStorno, tx)
	return actionResponse(tx, false), nil
}

// reversePayment cancels or refunds the provider side of a payment. Bridge
// payments get a command for the agent that ran the payment; synchronous
// providers are called directly. Transactions without a provider payment are
// left alone. It returns the enqueued command id, if any.
func (s *Service) reversePayment(ctx context.Context, tx *domain.Transaction, cmdType string, amountCents *int64) (string, error) {
	switch {
	case tx.Payment.Provider == domain.BridgeProvider && tx.Payment.ExternalRef != "":
		start, err := s.repo.FindCommand(ctx, tx.Payment.ExternalRef)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", nil
			}
			return "", err
		}
		// Nothing reached the terminal yet; the queued start is simply abandoned.
		if cmdType == domain.CommandPaymentCancel && start.Status == domain.CommandStatusQueued {
			return "", nil
		}
		cmd, err := s.enqueuePaymentCommand(ctx, start.AgentID, cmdType, tx, amountCents)
		if err != nil {
			return "", err
		}
		return cmd.ID, nil
	case tx.Payment.ProviderTxID != "":
		provider, err := s.payments.Get(tx.Payment.Provider)
		if err != nil {
			if errors.Is(err, payment.ErrUnknownProvider) {
				return "", nil
			}
			return "", err
		}
		if cmdType == domain.CommandPaymentRefund {
			err = provider.RefundPayment(ctx, tx.Payment.ProviderTxID, amountCents)
		} else {
			err = provider.CancelPayment(ctx, tx.Payment.ProviderTxID)
		}
		if err != nil {
			return "", externalError(err)
		}
	}
	return "", nil
}

// raceOutcome resolves a lost conditional write: the caller's target status
// reached by someone else is idempotent success, anything else a conflict.
func (s *Service) raceOutcome(ctx context.Context, txID string, target string, code string) (domain.TransactionActionResponse, error) {
	fresh, err := s.findTransaction(ctx, txID)
	if err != nil {
		return domain.TransactionActionResponse{}, err
	}
	if fresh.Status == target {
		return actionResponse(fresh, true), nil
	}
	return domain.TransactionActionResponse{}, conflictError(code)
}

func actionResponse(tx *domain.Transaction, idempotent bool) domain.TransactionActionResponse {
	return domain.TransactionActionResponse{TxID: tx.ID, Status: tx.Status, Idempotent: idempotent}
}
