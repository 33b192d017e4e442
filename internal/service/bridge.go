package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/xid"
)

func (s *Service) enqueuePaymentCommand(ctx context.Context, agentID string, cmdType string, tx *domain.Transaction, amountCents *int64) (*domain.Command, error) {
	payload := domain.PaymentCommandPayload{
		TxID:         tx.ID,
		AmountCents:  tx.Totals.GrossCents,
		Currency:     tx.Currency,
		TerminalID:   tx.TerminalID,
		ReferenceID:  tx.ID,
		ProviderTxID: tx.Payment.ProviderTxID,
	}
	if amountCents != nil {
		payload.AmountCents = *amountCents
	}
	if tx.TerminalID != "" {
		if terminal, err := s.repo.GetTerminal(ctx, tx.TerminalID); err == nil {
			payload.TerminalRef = terminal.ProviderRef
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	cmd, err := s.repo.EnqueueCommand(ctx, domain.Command{
		ID:        xid.New("cmd"),
		AgentID:   agentID,
		Type:      cmdType,
		Payload:   raw,
		Status:    domain.CommandStatusQueued,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, "bridge_command_enqueued", tx.ID, map[string]any{
		"commandId":   cmd.ID,
		"agentId":     agentID,
		"type":        cmdType,
		"amountCents": payload.AmountCents,
	}); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// ClaimNext long-polls for the agent's oldest queued command. It returns a
// nil command when nothing arrived before wait elapsed or ctx was cancelled.
func (s *Service) ClaimNext(ctx context.Context, agentID string, wait time.Duration) (*domain.Command, error) {
	if wait < 0 {
		wait = 0
	}
	if wait > maxClaimWait {
		wait = maxClaimWait
	}
	if err := s.repo.TouchAgent(ctx, agentID, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentUnauthorized
		}
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		cmd, err := s.repo.ClaimNextCommand(ctx, agentID, s.now())
		if err == nil {
			return cmd, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := s.pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

// ReportResult finalizes a sent command. Reports on finished commands, and
// reports that lose the conditional finish to a concurrent one, succeed
// without reprocessing.
func (s *Service) ReportResult(ctx context.Context, agentID string, req domain.CommandReportRequest) (domain.CommandReportResponse, error) {
	commandID := strings.TrimSpace(req.CommandID)
	if commandID == "" {
		return domain.CommandReportResponse{}, validationError("command_id_required")
	}

	cmd, err := s.repo.FindCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CommandReportResponse{}, notFoundError("command_not_found")
		}
		return domain.CommandReportResponse{}, err
	}
	if cmd.AgentID != agentID {
		return domain.CommandReportResponse{}, notFoundError("command_not_found")
	}

	var payload domain.PaymentCommandPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		s.logger.WithFields(logrus.Fields{"command_id": cmd.ID, "action": "bridge_report", "error": err.Error()}).Error("stored command payload is malformed; transaction not reconciled")
	}

	if cmd.Status == domain.CommandStatusDone || cmd.Status == domain.CommandStatusFailed {
		return s.reportResponse(ctx, payload.TxID, true)
	}
	if cmd.Status != domain.CommandStatusSent {
		return domain.CommandReportResponse{}, conflictError("command_not_sent")
	}

	to := domain.CommandStatusDone
	if !req.OK {
		to = domain.CommandStatusFailed
	}
	finished, err := s.repo.FinishCommand(ctx, cmd.ID, domain.CommandStatusSent, to, req.Result, strings.TrimSpace(req.Error), s.now())
	if err != nil {
		return domain.CommandReportResponse{}, err
	}
	if !finished {
		return s.reportResponse(ctx, payload.TxID, true)
	}

	var result domain.PaymentCommandResult
	if len(req.Result) > 0 {
		if err := json.Unmarshal(req.Result, &result); err != nil {
			result = domain.PaymentCommandResult{}
		}
	}

	auditAction := "bridge_report"
	var applyErr error
	if payload.TxID != "" {
		switch cmd.Type {
		case domain.CommandPaymentStart:
			applyErr = s.applyStartReport(ctx, payload.TxID, cmd.ID, req.OK, result)
		case domain.CommandPaymentRefund:
			if !req.OK {
				auditAction = "bridge_refund_failed"
			}
		case domain.CommandPaymentCancel:
			if !req.OK {
				auditAction = "bridge_cancel_failed"
			}
		}
	}

	if err := s.recordAudit(ctx, auditAction, payload.TxID, map[string]any{
		"commandId": cmd.ID,
		"agentId":   agentID,
		"type":      cmd.Type,
		"ok":        req.OK,
		"status":    result.Status,
		"error":     strings.TrimSpace(req.Error),
	}); err != nil {
		return domain.CommandReportResponse{}, err
	}
	if applyErr != nil {
		return domain.CommandReportResponse{}, applyErr
	}
	return s.reportResponse(ctx, payload.TxID, false)
}

func (s *Service) applyStartReport(ctx context.Context, txID string, commandID string, ok bool, result domain.PaymentCommandResult) error {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return err
	}

	incoming := domain.TxStatusFailed
	if ok {
		incoming = domain.NormalizePaymentStatus(result.Status)
	}

	pay := tx.Payment
	pay.Provider = domain.BridgeProvider
	pay.ExternalRef = commandID
	if result.ProviderTxID != "" {
		pay.ProviderTxID = result.ProviderTxID
	}
	if result.Method != "" {
		pay.Method = result.Method
	}
	if len(result.Raw) > 0 {
		pay.RawStatusPayload = result.Raw
	}

	_, _, err = s.applyIncomingStatus(ctx, tx, incoming, pay, nil)
	return err
}

func (s *Service) reportResponse(ctx context.Context, txID string, idempotent bool) (domain.CommandReportResponse, error) {
	resp := domain.CommandReportResponse{OK: true, Idempotent: idempotent, TxID: txID}
	if txID == "" {
		return resp, nil
	}
	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return resp, nil
		}
		return domain.CommandReportResponse{}, err
	}
	if idempotent {
		if tx, err = s.resumeFinalize(ctx, tx); err != nil {
			return domain.CommandReportResponse{}, err
		}
	}
	resp.TxStatus = tx.Status
	return resp, nil
}

func ToCommandEnvelope(cmd *domain.Command) domain.CommandEnvelope {
	return domain.CommandEnvelope{Command: domain.CommandView{
		ID:        cmd.ID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
		CreatedAt: cmd.CreatedAt.UTC().Format(time.RFC3339),
	}}
}
