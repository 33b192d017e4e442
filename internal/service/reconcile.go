package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/events"
)

// statusAudit names the audit entry written when applyIncomingStatus moves
// a transaction. Callers that audit on their own pass nil.
type statusAudit struct {
	Action string
	Data   map[string]any
}

// applyIncomingStatus is the single entry point for externally reported
// payment statuses. The next status comes from domain.Reconcile and is
// written conditionally on the status read here; losing that race means
// another caller already moved the transaction, so nothing else happens.
// The audit entry lands before the follow-up fiscal work, so a failing
// signer never hides the status change.
func (s *Service) applyIncomingStatus(ctx context.Context, tx *domain.Transaction, incoming string, pay domain.Payment, trail *statusAudit) (*domain.Transaction, bool, error) {
	next := domain.Reconcile(tx.Status, incoming)
	if next == domain.TxStatusPaid && pay.ApprovedAt == nil {
		approvedAt := s.now()
		pay.ApprovedAt = &approvedAt
	}

	if next == tx.Status {
		if tx.Status == domain.TxStatusCreated || tx.Status == domain.TxStatusPaymentPending {
			written, err := s.repo.SetPayment(ctx, tx.ID, pay, tx.Status)
			if err != nil {
				return nil, false, err
			}
			if !written {
				fresh, err := s.findTransaction(ctx, tx.ID)
				if err != nil {
					return nil, false, err
				}
				return fresh, false, nil
			}
			tx.Payment = pay
		}
		return tx, false, nil
	}

	change := domain.StatusChange{From: tx.Status, To: next, At: s.now()}
	if next == domain.TxStatusRefunded {
		change.RefundedCents = tx.Totals.GrossCents
	}
	ok, err := s.repo.TransitionStatus(ctx, tx.ID, change)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		fresh, err := s.findTransaction(ctx, tx.ID)
		if err != nil {
			return nil, false, err
		}
		return fresh, false, nil
	}
	tx.Status = next
	if change.RefundedCents > 0 {
		tx.RefundedCents = change.RefundedCents
	}

	if trail != nil {
		data := make(map[string]any, len(trail.Data)+2)
		for k, v := range trail.Data {
			data[k] = v
		}
		data["fromStatus"] = change.From
		data["toStatus"] = next
		if err := s.recordAudit(ctx, trail.Action, tx.ID, data); err != nil {
			return tx, true, err
		}
	}

	written, err := s.repo.SetPayment(ctx, tx.ID, pay, next)
	if err != nil {
		return tx, true, err
	}
	if written {
		tx.Payment = pay
	}

	switch next {
	case domain.TxStatusPaid:
		fresh, err := s.finalizePaid(ctx, tx.ID)
		if err != nil {
			return tx, true, err
		}
		return fresh, true, nil
	case domain.TxStatusFailed, domain.TxStatusCancelled:
		fresh, err := s.tseCancel(ctx, tx.ID)
		if err != nil {
			return tx, true, err
		}
		s.publish(ctx, events.TransactionFailed, fresh)
		return fresh, true, nil
	case domain.TxStatusRefunded:
		s.publish(ctx, events.TransactionRefunded, tx)
	}
	return tx, true, nil
}

// needsFinalize reports a paid transaction whose signature or receipt is
// still missing, typically after the signer failed during the paid
// transition.
func needsFinalize(tx *domain.Transaction) bool {
	return tx.Status == domain.TxStatusPaid && (!tx.TSE.Signed() || tx.Receipt == nil)
}

// resumeFinalize completes an interrupted finalizePaid. Fully finalized
// transactions are returned untouched.
func (s *Service) resumeFinalize(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if !needsFinalize(tx) {
		return tx, nil
	}
	s.logger.WithFields(logrus.Fields{"tx_id": tx.ID, "action": "finalize_resume"}).Info("resuming finalization of paid transaction")
	return s.finalizePaid(ctx, tx.ID)
}

// finalizePaid signs the paid transaction and renders its documents.
// Document storage failures are logged; the documents can be regenerated.
func (s *Service) finalizePaid(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.tseFinish(ctx, txID)
	if err != nil {
		return nil, err
	}

	var draft *domain.ContractDraft
	if tx.ContractDraftID != "" {
		draft, err = s.repo.GetContractDraft(ctx, tx.ContractDraftID)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"tx_id": tx.ID, "action": "documents", "error": err.Error()}).Warn("contract draft not found")
			draft = nil
		}
	}

	docs, err := s.docs.Generate(ctx, *tx, draft)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"tx_id": tx.ID, "action": "documents", "error": err.Error()}).Error("failed to generate documents")
	} else if docs.Receipt != nil || docs.Invoice != nil || docs.Contract != nil {
		if err := s.repo.SetDocuments(ctx, tx.ID, docs); err != nil {
			s.logger.WithFields(logrus.Fields{"tx_id": tx.ID, "action": "documents", "error": err.Error()}).Error("failed to save document references")
		} else {
			mergeDocuments(&tx.Documents, docs)
		}
	}

	s.publish(ctx, events.TransactionPaid, tx)
	return tx, nil
}

func mergeDocuments(dst *domain.Documents, src domain.Documents) {
	if src.Receipt != nil {
		dst.Receipt = src.Receipt
	}
	if src.Invoice != nil {
		dst.Invoice = src.Invoice
	}
	if src.Contract != nil {
		dst.Contract = src.Contract
	}
}
