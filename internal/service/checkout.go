package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/events"
	"artmarket/pos/internal/payment"
	"artmarket/pos/internal/pricing"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/xid"
)

const defaultPhoneRegion = "DE"

// StartCheckout validates the cart, persists a created transaction, starts
// the fiscal transaction and dispatches the payment for the requested mode.
func (s *Service) StartCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	} else if existing, err := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return toCheckoutResponse(existing, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, err
	}

	tx, draft, agent, err := s.prepareCheckout(ctx, req)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	created, err := s.repo.CreateTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, findErr := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey)
			if findErr != nil {
				return domain.CheckoutResponse{}, findErr
			}
			return toCheckoutResponse(existing, true), nil
		}
		return domain.CheckoutResponse{}, err
	}

	result, dispatched, err := s.runCheckout(ctx, created, draft, agent)
	if err != nil {
		s.compensateCheckout(ctx, created.ID, dispatched, err)
		return domain.CheckoutResponse{}, err
	}
	return result, nil
}

// prepareCheckout runs every validation that must pass before anything is
// persisted and returns the transaction to create.
func (s *Service) prepareCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.Transaction, *domain.ContractDraft, *domain.BridgeAgent, error) {
	mode := strings.TrimSpace(req.PaymentMode)
	switch mode {
	case domain.PaymentModeTerminalBridge, domain.PaymentModeTerminal, domain.PaymentModeExternal, domain.PaymentModeCash:
	default:
		return domain.Transaction{}, nil, nil, validationError("invalid_payment_mode")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}

	location, err := s.repo.GetLocation(ctx, strings.TrimSpace(req.LocationID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Transaction{}, nil, nil, validationError("location_not_found")
		}
		return domain.Transaction{}, nil, nil, err
	}
	if !location.Active {
		return domain.Transaction{}, nil, nil, validationError("location_inactive")
	}

	terminalID := strings.TrimSpace(req.TerminalID)
	needsTerminal := mode == domain.PaymentModeTerminalBridge || mode == domain.PaymentModeTerminal
	if needsTerminal && terminalID == "" {
		return domain.Transaction{}, nil, nil, validationError("terminal_required")
	}
	if terminalID != "" {
		terminal, err := s.repo.GetTerminal(ctx, terminalID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Transaction{}, nil, nil, validationError("terminal_not_found")
			}
			return domain.Transaction{}, nil, nil, err
		}
		if !terminal.Active {
			return domain.Transaction{}, nil, nil, validationError("terminal_inactive")
		}
		if terminal.LocationID != location.ID {
			return domain.Transaction{}, nil, nil, validationError("terminal_location_mismatch")
		}
	}

	cart, err := mergeCart(req.Cart)
	if err != nil {
		return domain.Transaction{}, nil, nil, err
	}
	lines, err := s.snapshotLines(ctx, cart)
	if err != nil {
		return domain.Transaction{}, nil, nil, err
	}
	totals, err := pricing.ComputeTotals(lines)
	if err != nil {
		return domain.Transaction{}, nil, nil, validationError("unsupported_vat_rate")
	}

	buyer, err := s.normalizeBuyer(req.Buyer)
	if err != nil {
		return domain.Transaction{}, nil, nil, err
	}
	invoiceRequired := pricing.InvoiceRequired(buyer.Type, totals.GrossCents)
	if invoiceRequired {
		if missing := pricing.MissingInvoiceFields(buyer); len(missing) > 0 {
			e := validationError("invoice_buyer_required")
			e.Fields = missing
			return domain.Transaction{}, nil, nil, e
		}
	}

	now := s.now()
	tx := domain.Transaction{
		ID:              xid.New("tx"),
		IdempotencyKey:  req.IdempotencyKey,
		LocationID:      location.ID,
		TerminalID:      terminalID,
		PaymentMode:     mode,
		Currency:        currency,
		Status:          domain.TxStatusCreated,
		Items:           lines,
		Totals:          totals,
		Buyer:           buyer,
		InvoiceRequired: invoiceRequired,
		CreatedBy:       actorID(ctx),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var draft *domain.ContractDraft
	artworkIDs := artworkItemIDs(lines)
	if len(artworkIDs) > 0 {
		if req.Contract == nil {
			return domain.Transaction{}, nil, nil, validationError("contract_required")
		}
		if err := s.validate.Struct(req.Contract); err != nil {
			e := validationError("contract_invalid")
			e.Fields = validationFields(err)
			return domain.Transaction{}, nil, nil, e
		}
		draft = &domain.ContractDraft{
			ID:             xid.New("contract"),
			TransactionID:  tx.ID,
			ArtworkItemIDs: artworkIDs,
			BuyerName:      strings.TrimSpace(req.Contract.BuyerName),
			SignatureImage: req.Contract.SignatureImage,
			SignedAt:       req.Contract.SignedAt.UTC(),
			Notes:          strings.TrimSpace(req.Contract.Notes),
			CreatedAt:      now,
		}
		tx.ContractDraftID = draft.ID
	}

	var agent *domain.BridgeAgent
	if mode == domain.PaymentModeTerminalBridge {
		agent, err = s.selectAgent(ctx, terminalID)
		if err != nil {
			return domain.Transaction{}, nil, nil, err
		}
	}

	return tx, draft, agent, nil
}

// runCheckout covers every step after the transaction row exists. dispatched
// reports whether a provider payment or bridge command was already issued.
func (s *Service) runCheckout(ctx context.Context, tx *domain.Transaction, draft *domain.ContractDraft, agent *domain.BridgeAgent) (domain.CheckoutResponse, bool, error) {
	if draft != nil {
		if _, err := s.repo.CreateContractDraft(ctx, *draft); err != nil {
			return domain.CheckoutResponse{}, false, err
		}
	}

	if err := s.recordAudit(ctx, "checkout_created", tx.ID, map[string]any{
		"paymentMode": tx.PaymentMode,
		"locationId":  tx.LocationID,
		"terminalId":  tx.TerminalID,
		"grossCents":  tx.Totals.GrossCents,
		"currency":    tx.Currency,
		"lines":       len(tx.Items),
	}); err != nil {
		return domain.CheckoutResponse{}, false, err
	}

	tx, err := s.tseStart(ctx, tx.ID)
	if err != nil {
		return domain.CheckoutResponse{}, false, err
	}

	if tx.PaymentMode == domain.PaymentModeTerminalBridge {
		cmd, err := s.enqueuePaymentCommand(ctx, agent.ID, domain.CommandPaymentStart, tx, nil)
		if err != nil {
			return domain.CheckoutResponse{}, false, err
		}
		pay := domain.Payment{Provider: domain.BridgeProvider, ExternalRef: cmd.ID}
		tx, _, err = s.applyIncomingStatus(ctx, tx, domain.TxStatusPaymentPending, pay, nil)
		if err != nil {
			return domain.CheckoutResponse{}, true, err
		}
		resp := toCheckoutResponse(tx, false)
		resp.CommandID = cmd.ID
		return resp, true, nil
	}

	providerName := domain.PaymentModeExternal
	terminalRef := ""
	if tx.PaymentMode == domain.PaymentModeTerminal {
		terminal, err := s.repo.GetTerminal(ctx, tx.TerminalID)
		if err != nil {
			return domain.CheckoutResponse{}, false, err
		}
		providerName = terminal.Provider
		if providerName == "" {
			providerName = s.terminalProvider
		}
		terminalRef = terminal.ProviderRef
	}

	provider, err := s.payments.Get(providerName)
	if err != nil {
		return domain.CheckoutResponse{}, false, &Error{Kind: KindExternal, Code: "payment_provider_not_configured", Err: err}
	}
	created, err := provider.CreatePayment(ctx, payment.CreateRequest{
		AmountCents: tx.Totals.GrossCents,
		Currency:    tx.Currency,
		ReferenceID: tx.ID,
		TerminalRef: terminalRef,
		Metadata: map[string]string{
			"txId":       tx.ID,
			"locationId": tx.LocationID,
			"terminalId": tx.TerminalID,
		},
	})
	if err != nil {
		return domain.CheckoutResponse{}, false, externalError(err)
	}

	pay := domain.Payment{
		Provider:         provider.Name(),
		ProviderTxID:     created.ProviderTxID,
		Method:           created.Method,
		RawStatusPayload: created.Raw,
	}
	if tx.PaymentMode == domain.PaymentModeCash {
		pay.Method = domain.PaymentModeCash
	}
	tx, _, err = s.applyIncomingStatus(ctx, tx, created.Status, pay, &statusAudit{
		Action: "checkout_payment",
		Data: map[string]any{
			"provider":       pay.Provider,
			"providerTxId":   pay.ProviderTxID,
			"providerStatus": created.Status,
		},
	})
	if err != nil {
		return domain.CheckoutResponse{}, true, err
	}
	return toCheckoutResponse(tx, false), true, nil
}

// compensateCheckout leaves no ambiguous fiscal state behind a failed
// checkout. Once a payment was dispatched the transaction stays as it is for
// manual reconciliation. Each step logs its own failure.
func (s *Service) compensateCheckout(ctx context.Context, txID string, dispatched bool, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(logrus.Fields{"tx_id": txID, "action": "checkout_compensate"})
	log.WithField("error", cause.Error()).Warn("checkout failed after transaction was created")

	if dispatched {
		return
	}

	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		log.WithField("error", err.Error()).Error("failed to load transaction for compensation")
		return
	}

	if domain.CanTransition(tx.Status, domain.TxStatusFailed) {
		ok, err := s.repo.TransitionStatus(ctx, tx.ID, domain.StatusChange{
			From:   tx.Status,
			To:     domain.TxStatusFailed,
			Reason: errorCode(cause),
			At:     s.now(),
		})
		if err != nil {
			log.WithField("error", err.Error()).Error("failed to mark transaction failed")
		} else if ok {
			tx.Status = domain.TxStatusFailed
		}
	}

	if _, err := s.tseCancel(ctx, tx.ID); err != nil {
		log.WithField("error", err.Error()).Error("failed to cancel tse transaction")
	}

	if err := s.recordAudit(ctx, "checkout_failed", tx.ID, map[string]string{"error": errorCode(cause)}); err != nil {
		log.WithField("error", err.Error()).Error("failed to audit checkout failure")
	}
	if tx.Status == domain.TxStatusFailed {
		s.publish(ctx, events.TransactionFailed, tx)
	}
}

// mergeCart sums quantities of repeated items, keeping first-seen order.
func mergeCart(cart []domain.CartLine) ([]domain.CartLine, error) {
	if len(cart) == 0 {
		return nil, validationError("cart_empty")
	}
	index := make(map[string]int, len(cart))
	merged := make([]domain.CartLine, 0, len(cart))
	for _, line := range cart {
		id := strings.TrimSpace(line.ItemID)
		if id == "" || line.Qty < 1 {
			return nil, validationError("invalid_cart_line")
		}
		if i, ok := index[id]; ok {
			merged[i].Qty += line.Qty
			continue
		}
		index[id] = len(merged)
		merged = append(merged, domain.CartLine{ItemID: id, Qty: line.Qty})
	}
	return merged, nil
}

func (s *Service) snapshotLines(ctx context.Context, cart []domain.CartLine) ([]domain.TransactionLine, error) {
	ids := make([]string, 0, len(cart))
	for _, line := range cart {
		ids = append(ids, line.ItemID)
	}
	items, err := s.repo.GetCatalogItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.TransactionLine, 0, len(cart))
	for _, line := range cart {
		item, ok := items[line.ItemID]
		if !ok {
			return nil, validationError("item_not_found:" + line.ItemID)
		}
		if !item.Active {
			return nil, validationError("item_inactive:" + line.ItemID)
		}
		lines = append(lines, domain.TransactionLine{
			ItemID:         item.ID,
			Qty:            line.Qty,
			UnitGrossCents: item.UnitGrossCents,
			VATRate:        item.VATRate,
			TitleSnapshot:  item.Title,
			IsArtwork:      item.IsArtwork,
		})
	}
	return lines, nil
}

func (s *Service) normalizeBuyer(buyer domain.Buyer) (domain.Buyer, error) {
	buyer.Type = strings.ToLower(strings.TrimSpace(buyer.Type))
	if buyer.Type == "" {
		buyer.Type = domain.BuyerTypeB2C
	}
	buyer.Name = strings.TrimSpace(buyer.Name)
	buyer.Company = strings.TrimSpace(buyer.Company)
	buyer.Email = strings.TrimSpace(buyer.Email)
	buyer.VATID = strings.ToUpper(strings.TrimSpace(buyer.VATID))

	if err := s.validate.Struct(buyer); err != nil {
		e := validationError("invalid_buyer")
		e.Fields = validationFields(err)
		return domain.Buyer{}, e
	}

	if phone := strings.TrimSpace(buyer.Phone); phone != "" {
		region := defaultPhoneRegion
		if buyer.BillingAddress != nil && buyer.BillingAddress.Country != "" {
			region = strings.ToUpper(buyer.BillingAddress.Country)
		}
		parsed, err := libphonenumber.Parse(phone, region)
		if err != nil || !libphonenumber.IsValidNumber(parsed) {
			return domain.Buyer{}, &Error{Kind: KindValidation, Code: "invalid_buyer_phone", Fields: []string{"phone"}}
		}
		buyer.Phone = libphonenumber.Format(parsed, libphonenumber.E164)
	}
	return buyer, nil
}

// selectAgent prefers the online agent paired with the terminal, else the
// online agent seen most recently.
func (s *Service) selectAgent(ctx context.Context, terminalID string) (*domain.BridgeAgent, error) {
	agents, err := s.repo.ListActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	online := make([]domain.BridgeAgent, 0, len(agents))
	for _, agent := range agents {
		if agent.OnlineAt(now, s.agentOnlineWindow) {
			online = append(online, agent)
		}
	}
	if len(online) == 0 {
		return nil, &Error{Kind: KindConflict, Code: "no_bridge_agent_online", Fallback: domain.PaymentModeExternal}
	}

	for i := range online {
		if online[i].PairedTerminalID != "" && online[i].PairedTerminalID == terminalID {
			return &online[i], nil
		}
	}
	sort.SliceStable(online, func(i, j int) bool {
		return online[i].LastSeenAt.After(*online[j].LastSeenAt)
	})
	return &online[0], nil
}

func artworkItemIDs(lines []domain.TransactionLine) []string {
	var ids []string
	for _, line := range lines {
		if line.IsArtwork {
			ids = append(ids, line.ItemID)
		}
	}
	return ids
}

func validationFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		fields = append(fields, ve.Field())
	}
	return fields
}

func errorCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return externalError(err).Code
}

func toCheckoutResponse(tx *domain.Transaction, duplicate bool) domain.CheckoutResponse {
	resp := domain.CheckoutResponse{
		TxID:         tx.ID,
		Status:       tx.Status,
		Provider:     tx.Payment.Provider,
		ProviderTxID: tx.Payment.ProviderTxID,
		Totals:       tx.Totals,
		Duplicate:    duplicate,
	}
	if tx.Payment.Provider == domain.BridgeProvider {
		resp.CommandID = tx.Payment.ExternalRef
	}
	return resp
}
