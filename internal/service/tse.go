package service

import (
	"context"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/fiscal"
	"artmarket/pos/internal/pricing"
)

// tseStart opens the fiscal transaction once. A second call, or a call that
// lost the conditional write to a concurrent one, returns the stored state.
func (s *Service) tseStart(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.TSE.Started() {
		return tx, nil
	}

	res, err := s.signer.StartTransaction(ctx, fiscalRequest(tx, ""))
	if err != nil {
		return nil, externalError(err)
	}

	now := s.now()
	state := domain.TSEState{
		Provider:  s.signer.Name(),
		TxID:      res.TSETxID,
		Serial:    res.Serial,
		Revision:  res.Revision,
		StartedAt: &now,
	}
	ok, err := s.repo.MarkTSEStarted(ctx, tx.ID, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.findTransaction(ctx, tx.ID)
	}
	tx.TSE = state

	if err := s.recordAudit(ctx, "tse_started", tx.ID, map[string]any{
		"provider": state.Provider,
		"tseTxId":  state.TxID,
		"serial":   state.Serial,
	}); err != nil {
		return tx, err
	}
	return tx, nil
}

// tseFinish signs the transaction. It starts the fiscal transaction first
// when nothing was started yet and is a no-op once a finish was recorded.
func (s *Service) tseFinish(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.TSE.Signed() || tx.TSE.Finished() {
		return tx, nil
	}
	if !tx.TSE.Started() {
		if tx, err = s.tseStart(ctx, txID); err != nil {
			return nil, err
		}
	}

	paymentType := fiscal.PaymentTypeNonCash
	if tx.PaymentMode == domain.PaymentModeCash || tx.Payment.Method == domain.PaymentModeCash {
		paymentType = fiscal.PaymentTypeCash
	}
	res, err := s.signer.FinishTransaction(ctx, fiscalRequest(tx, paymentType))
	if err != nil {
		return nil, externalError(err)
	}

	now := s.now()
	state := tx.TSE
	state.Signature = res.Signature
	state.SignatureCounter = res.SignatureCounter
	state.LogTime = res.LogTime
	state.Revision = res.Revision
	state.FinishedAt = &now
	ok, err := s.repo.MarkTSEFinished(ctx, tx.ID, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.findTransaction(ctx, tx.ID)
	}
	tx.TSE = state

	if err := s.recordAudit(ctx, "tse_finished", tx.ID, map[string]any{
		"tseTxId":          state.TxID,
		"signatureCounter": state.SignatureCounter,
		"logTime":          state.LogTime,
		"paymentType":      paymentType,
	}); err != nil {
		return tx, err
	}
	return tx, nil
}

// tseCancel aborts a started, unfinished fiscal transaction.
func (s *Service) tseCancel(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.TSE.Finished() || !tx.TSE.Started() {
		return tx, nil
	}

	res, err := s.signer.CancelTransaction(ctx, fiscalRequest(tx, ""))
	if err != nil {
		return nil, externalError(err)
	}

	now := s.now()
	ok, err := s.repo.MarkTSECancelled(ctx, tx.ID, res.Revision, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.findTransaction(ctx, tx.ID)
	}
	tx.TSE.Revision = res.Revision
	tx.TSE.FinishedAt = &now

	if err := s.recordAudit(ctx, "tse_cancelled", tx.ID, map[string]any{
		"tseTxId":  tx.TSE.TxID,
		"revision": res.Revision,
	}); err != nil {
		return tx, err
	}
	return tx, nil
}

func fiscalRequest(tx *domain.Transaction, paymentType string) fiscal.Request {
	return fiscal.Request{
		TxID:         tx.ID,
		AmountCents:  tx.Totals.GrossCents,
		Currency:     tx.Currency,
		TSETxID:      tx.TSE.TxID,
		Revision:     tx.TSE.Revision,
		VATBreakdown: pricing.VATBreakdown(tx.Items),
		PaymentType:  paymentType,
	}
}
