package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"artmarket/pos/internal/documents"
	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/events"
	"artmarket/pos/internal/fiscal"
	"artmarket/pos/internal/payment"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/store/memory"
)

type countingSigner struct {
	fiscal.Noop
	starts   atomic.Int64
	finishes atomic.Int64
	cancels  atomic.Int64
	// failFinishes makes that many upcoming finishes fail.
	failFinishes atomic.Int64
}

func (c *countingSigner) StartTransaction(ctx context.Context, req fiscal.Request) (fiscal.StartResult, error) {
	c.starts.Add(1)
	return c.Noop.StartTransaction(ctx, req)
}

func (c *countingSigner) FinishTransaction(ctx context.Context, req fiscal.Request) (fiscal.FinishResult, error) {
	c.finishes.Add(1)
	if c.failFinishes.Add(-1) >= 0 {
		return fiscal.FinishResult{}, &fiscal.Error{Code: "fiskaly_network_error", Err: errors.New("connection reset")}
	}
	c.failFinishes.Store(0)
	return c.Noop.FinishTransaction(ctx, req)
}

func (c *countingSigner) CancelTransaction(ctx context.Context, req fiscal.Request) (fiscal.CancelResult, error) {
	c.cancels.Add(1)
	return c.Noop.CancelTransaction(ctx, req)
}

type fakeTerminal struct {
	mu            sync.Mutex
	createStatus  string
	createErr     error
	status        string
	creates       int
	cancels       int
	refunds       int
	refundAmounts []int64
}

func (f *fakeTerminal) Name() string { return payment.TerminalRESTName }

func (f *fakeTerminal) CreatePayment(_ context.Context, req payment.CreateRequest) (payment.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return payment.CreateResult{}, f.createErr
	}
	return payment.CreateResult{
		ProviderTxID: "term-" + req.ReferenceID,
		Status:       domain.NormalizePaymentStatus(f.createStatus),
		Method:       "card",
		Raw:          json.RawMessage(`{"state":"` + f.createStatus + `"}`),
	}, nil
}

func (f *fakeTerminal) GetPaymentStatus(_ context.Context, _ string) (payment.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return payment.StatusResult{Status: domain.NormalizePaymentStatus(f.status), Raw: json.RawMessage(`{"state":"` + f.status + `"}`)}, nil
}

func (f *fakeTerminal) CancelPayment(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeTerminal) RefundPayment(_ context.Context, _ string, amountCents *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	if amountCents != nil {
		f.refundAmounts = append(f.refundAmounts, *amountCents)
	}
	return nil
}

func (f *fakeTerminal) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.cancels, f.refunds
}

type harness struct {
	svc      *Service
	repo     *memory.Store
	signer   *countingSigner
	terminal *fakeTerminal
	events   *events.Recorder
	docs     *documents.MemoryStorage
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     memory.NewSeeded(),
		signer:   &countingSigner{},
		terminal: &fakeTerminal{createStatus: "approved", status: "approved"},
		events:   &events.Recorder{},
		docs:     documents.NewMemoryStorage("https://docs.test"),
	}
	h.svc = New(h.repo, Options{
		Signer:    h.signer,
		Payments:  payment.NewRegistry(payment.External{}, h.terminal),
		Documents: documents.NewGenerator(h.docs),
		Events:    h.events,
		Logger:    quietLogger(),
	})
	return h
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func checkoutReq(key string, mode string, lines ...domain.CartLine) domain.CheckoutRequest {
	req := domain.CheckoutRequest{
		IdempotencyKey: key,
		LocationID:     "loc-berlin",
		PaymentMode:    mode,
		Cart:           lines,
		Buyer:          domain.Buyer{Type: domain.BuyerTypeB2C, Name: "Walk-in"},
	}
	if mode == domain.PaymentModeTerminal || mode == domain.PaymentModeTerminalBridge {
		req.TerminalID = "term-1"
	}
	return req
}

func invoiceBuyer() domain.Buyer {
	return domain.Buyer{
		Type:           domain.BuyerTypeB2C,
		Name:           "Jane Doe",
		Email:          "jane@example.com",
		BillingAddress: &domain.Address{Line1: "Torstr. 1", PostalCode: "10119", City: "Berlin", Country: "DE"},
	}
}

func requireCode(t *testing.T, err error, kind string, code string) *Error {
	t.Helper()
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected service error %s, got %v", code, err)
	}
	if se.Kind != kind || se.Code != code {
		t.Fatalf("expected %s/%s, got %s/%s", kind, code, se.Kind, se.Code)
	}
	return se
}

func auditActions(t *testing.T, svc *Service, txID string) []string {
	t.Helper()
	entries, err := svc.ListAudit(context.Background(), txID, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func countAction(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

func TestCheckoutComputesPerLineTotals(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-totals", domain.PaymentModeExternal,
		domain.CartLine{ItemID: "item-print-a", Qty: 1},
		domain.CartLine{ItemID: "item-print-a", Qty: 1},
	))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	want := domain.Totals{GrossCents: 10000, NetCents: 8403, VATCents: 1597}
	if resp.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, resp.Totals)
	}
	if resp.Status != domain.TxStatusPaymentPending || resp.Provider != domain.PaymentModeExternal {
		t.Fatalf("unexpected response %+v", resp)
	}

	tx, err := h.svc.GetTransaction(context.Background(), resp.TxID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if len(tx.Items) != 1 || tx.Items[0].Qty != 2 || tx.Items[0].TitleSnapshot == "" {
		t.Fatalf("expected one merged snapshot line, got %+v", tx.Items)
	}
	if !tx.TSE.Started() || tx.TSE.Finished() {
		t.Fatalf("expected started tse, got %+v", tx.TSE)
	}
	if tx.CreatedBy != "cashier" {
		t.Fatalf("expected actor on transaction, got %s", tx.CreatedBy)
	}
}

func TestCheckoutRejectsArtworkWithoutContract(t *testing.T) {
	h := newHarness(t)

	req := checkoutReq("idem-art", domain.PaymentModeExternal, domain.CartLine{ItemID: "item-canvas", Qty: 1})
	req.Buyer = invoiceBuyer()
	_, err := h.svc.StartCheckout(cashierCtx(), req)
	requireCode(t, err, KindValidation, "contract_required")

	if _, err := h.repo.FindTransactionByIdempotency(context.Background(), "idem-art"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("transaction must not be created, got %v", err)
	}
	if got := h.signer.starts.Load(); got != 0 {
		t.Fatalf("expected no fiscal call, got %d", got)
	}
	if actions := auditActions(t, h.svc, ""); len(actions) != 0 {
		t.Fatalf("expected empty audit log, got %v", actions)
	}
}

func TestCheckoutRejectsInvalidContract(t *testing.T) {
	h := newHarness(t)
	req := checkoutReq("idem-art-bad", domain.PaymentModeExternal, domain.CartLine{ItemID: "item-canvas", Qty: 1})
	req.Buyer = invoiceBuyer()
	req.Contract = &domain.ContractPayload{BuyerName: "Jane Doe", SignatureImage: "not-an-image", SignedAt: time.Now()}

	_, err := h.svc.StartCheckout(cashierCtx(), req)
	se := requireCode(t, err, KindValidation, "contract_invalid")
	if len(se.Fields) == 0 {
		t.Fatalf("expected failing contract fields")
	}
}

func TestCheckoutInvoiceRuleRequiresBillingIdentity(t *testing.T) {
	h := newHarness(t)
	req := checkoutReq("idem-b2b", domain.PaymentModeExternal, domain.CartLine{ItemID: "item-print-a", Qty: 4})
	req.Buyer = domain.Buyer{Type: domain.BuyerTypeB2B, Name: "Buyer"}

	_, err := h.svc.StartCheckout(cashierCtx(), req)
	se := requireCode(t, err, KindValidation, "invoice_buyer_required")
	if len(se.Fields) != 2 || se.Fields[0] != "company" || se.Fields[1] != "billingAddress" {
		t.Fatalf("unexpected missing fields %v", se.Fields)
	}

	req.Buyer.Company = "Galerie GmbH"
	req.Buyer.BillingAddress = &domain.Address{Line1: "Torstr. 1", PostalCode: "10119", City: "Berlin", Country: "DE"}
	resp, err := h.svc.StartCheckout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout with billing identity: %v", err)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.InvoiceRequired {
		t.Fatalf("expected invoice flag on transaction")
	}
}

func TestCheckoutRejectsUnknownAndInactiveItems(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeCash, domain.CartLine{ItemID: "nope", Qty: 1}))
	requireCode(t, err, KindValidation, "item_not_found:nope")

	_, err = h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeCash, domain.CartLine{ItemID: "item-retired", Qty: 1}))
	requireCode(t, err, KindValidation, "item_inactive:item-retired")

	_, err = h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeCash))
	requireCode(t, err, KindValidation, "cart_empty")
}

func TestCheckoutValidatesLocationAndTerminal(t *testing.T) {
	h := newHarness(t)
	line := domain.CartLine{ItemID: "item-book", Qty: 1}

	req := checkoutReq("", domain.PaymentModeTerminal, line)
	req.TerminalID = ""
	_, err := h.svc.StartCheckout(cashierCtx(), req)
	requireCode(t, err, KindValidation, "terminal_required")

	req = checkoutReq("", domain.PaymentModeTerminal, line)
	req.TerminalID = "term-off"
	_, err = h.svc.StartCheckout(cashierCtx(), req)
	requireCode(t, err, KindValidation, "terminal_inactive")

	req = checkoutReq("", domain.PaymentModeCash, line)
	req.LocationID = "loc-closed"
	_, err = h.svc.StartCheckout(cashierCtx(), req)
	requireCode(t, err, KindValidation, "location_inactive")

	req = checkoutReq("", "card", line)
	_, err = h.svc.StartCheckout(cashierCtx(), req)
	requireCode(t, err, KindValidation, "invalid_payment_mode")
}

func TestCheckoutNormalizesBuyerPhone(t *testing.T) {
	h := newHarness(t)
	req := checkoutReq("idem-phone", domain.PaymentModeCash, domain.CartLine{ItemID: "item-book", Qty: 1})
	req.Buyer.Phone = "abc"
	_, err := h.svc.StartCheckout(cashierCtx(), req)
	requireCode(t, err, KindValidation, "invalid_buyer_phone")

	req.Buyer.Phone = "+49 30 12345678"
	resp, err := h.svc.StartCheckout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if tx.Buyer.Phone != "+493012345678" {
		t.Fatalf("expected E.164 phone, got %s", tx.Buyer.Phone)
	}
}

func TestCheckoutDuplicateIdempotencyKeyReturnsExisting(t *testing.T) {
	h := newHarness(t)
	req := checkoutReq("idem-dup", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1})

	first, err := h.svc.StartCheckout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := h.svc.StartCheckout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if !second.Duplicate || second.TxID != first.TxID {
		t.Fatalf("expected duplicate of %s, got %+v", first.TxID, second)
	}
	if creates, _, _ := h.terminal.calls(); creates != 1 {
		t.Fatalf("expected one provider charge, got %d", creates)
	}
}

func TestTerminalCheckoutPaidSignsAndRendersDocuments(t *testing.T) {
	h := newHarness(t)
	req := checkoutReq("idem-canvas", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-canvas", Qty: 1})
	req.Buyer = invoiceBuyer()
	req.Contract = &domain.ContractPayload{
		BuyerName:      "Jane Doe",
		SignatureImage: "data:image/png;base64,iVBORw0KGgo=",
		SignedAt:       time.Now().UTC(),
		AcceptedTerms:  true,
	}

	resp, err := h.svc.StartCheckout(cashierCtx(), req)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Status != domain.TxStatusPaid || resp.ProviderTxID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.TSE.Signed() || tx.Payment.ApprovedAt == nil {
		t.Fatalf("expected signed paid transaction, got %+v", tx)
	}
	if tx.Receipt == nil || tx.Invoice == nil || tx.Contract == nil {
		t.Fatalf("expected receipt, invoice and contract, got %+v", tx.Documents)
	}
	if _, ok := h.docs.Get("pos/" + tx.ID + "/contract.json"); !ok {
		t.Fatalf("contract document not stored")
	}
	published := h.events.Events()
	if len(published) != 1 || published[0].Type != events.TransactionPaid {
		t.Fatalf("expected one paid event, got %+v", published)
	}
}

func TestTerminalDeclineMarksFailedAndCancelsTSE(t *testing.T) {
	h := newHarness(t)
	h.terminal.createStatus = "declined"

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-decline", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Status != domain.TxStatusFailed {
		t.Fatalf("expected failed, got %s", resp.Status)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.TSE.Cancelled() {
		t.Fatalf("expected cancelled tse, got %+v", tx.TSE)
	}
}

func TestCheckoutProviderErrorCompensates(t *testing.T) {
	h := newHarness(t)
	h.terminal.createErr = &payment.Error{Code: "terminal_network_error", Err: errors.New("dial tcp: refused")}

	_, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-neterr", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	requireCode(t, err, KindExternal, "terminal_network_error")

	tx, err := h.repo.FindTransactionByIdempotency(context.Background(), "idem-neterr")
	if err != nil {
		t.Fatalf("transaction should exist: %v", err)
	}
	if tx.Status != domain.TxStatusFailed || !tx.TSE.Cancelled() {
		t.Fatalf("expected failed transaction with cancelled tse, got %s %+v", tx.Status, tx.TSE)
	}
	if countAction(auditActions(t, h.svc, tx.ID), "checkout_failed") != 1 {
		t.Fatalf("expected checkout_failed audit entry")
	}
}

func TestTSEStartCalledTwiceStartsOnce(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-tse", domain.PaymentModeExternal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	before, _ := h.svc.GetTransaction(context.Background(), resp.TxID)

	if _, err := h.svc.tseStart(context.Background(), resp.TxID); err != nil {
		t.Fatalf("second start: %v", err)
	}
	after, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if got := h.signer.starts.Load(); got != 1 {
		t.Fatalf("expected one external start, got %d", got)
	}
	if !after.TSE.StartedAt.Equal(*before.TSE.StartedAt) {
		t.Fatalf("startedAt must be persisted once")
	}
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-mark", domain.PaymentModeCash, domain.CartLine{ItemID: "item-voucher", Qty: 2}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	_, err = h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{})
	requireCode(t, err, KindValidation, "method_required")

	first, err := h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash", Reference: "drawer-1"})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if first.Status != domain.TxStatusPaid || first.Idempotent {
		t.Fatalf("unexpected first response %+v", first)
	}

	second, err := h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"})
	if err != nil {
		t.Fatalf("mark paid again: %v", err)
	}
	if !second.Idempotent || second.Status != domain.TxStatusPaid {
		t.Fatalf("expected idempotent success, got %+v", second)
	}
	if got := h.signer.finishes.Load(); got != 1 {
		t.Fatalf("expected one fiscal finish, got %d", got)
	}
	if creates, cancels, refunds := h.terminal.calls(); creates+cancels+refunds != 0 {
		t.Fatalf("terminal provider must not be called")
	}

	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if tx.Payment.Method != "cash" || tx.Payment.ExternalRef != "drawer-1" || tx.Receipt == nil {
		t.Fatalf("unexpected paid transaction %+v", tx)
	}
	if countAction(auditActions(t, h.svc, resp.TxID), "mark_paid") != 1 {
		t.Fatalf("expected a single mark_paid audit entry")
	}
}

func TestMarkPaidResumesFinalizationAfterSignerFailure(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-resume", domain.PaymentModeCash, domain.CartLine{ItemID: "item-voucher", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	h.signer.failFinishes.Store(1)
	_, err = h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"})
	requireCode(t, err, KindExternal, "fiskaly_network_error")

	stranded, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if stranded.Status != domain.TxStatusPaid || stranded.TSE.Signed() || stranded.Receipt != nil {
		t.Fatalf("expected paid transaction without signature, got %+v", stranded)
	}
	if countAction(auditActions(t, h.svc, resp.TxID), "mark_paid") != 1 {
		t.Fatalf("the paid transition must be audited even when signing fails")
	}

	retried, err := h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"})
	if err != nil {
		t.Fatalf("retry mark paid: %v", err)
	}
	if !retried.Idempotent || retried.Status != domain.TxStatusPaid {
		t.Fatalf("expected idempotent paid response, got %+v", retried)
	}

	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.TSE.Signed() || tx.TSE.FinishedAt == nil || tx.Receipt == nil {
		t.Fatalf("expected signed transaction with receipt, got %+v", tx)
	}
	actions := auditActions(t, h.svc, resp.TxID)
	if countAction(actions, "mark_paid") != 1 || countAction(actions, "tse_finished") != 1 {
		t.Fatalf("unexpected audit trail %v", actions)
	}
	if got := h.signer.finishes.Load(); got != 2 {
		t.Fatalf("expected a failed and a successful finish, got %d", got)
	}

	if _, err := h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"}); err != nil {
		t.Fatalf("third mark paid: %v", err)
	}
	if got := h.signer.finishes.Load(); got != 2 {
		t.Fatalf("finalized transaction must not be signed again, got %d finishes", got)
	}
}

func TestSyncPaymentStatusResumesFinalizationAfterSignerFailure(t *testing.T) {
	h := newHarness(t)
	h.terminal.createStatus = "pending"
	h.terminal.status = "captured"
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	h.signer.failFinishes.Store(1)
	_, err = h.svc.SyncPaymentStatus(cashierCtx(), resp.TxID)
	requireCode(t, err, KindExternal, "fiskaly_network_error")
	if countAction(auditActions(t, h.svc, resp.TxID), "payment_synced") != 1 {
		t.Fatalf("expected the synced transition to be audited")
	}

	synced, err := h.svc.SyncPaymentStatus(cashierCtx(), resp.TxID)
	if err != nil {
		t.Fatalf("sync again: %v", err)
	}
	if synced.Status != domain.TxStatusPaid || !synced.Idempotent {
		t.Fatalf("expected idempotent paid response, got %+v", synced)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.TSE.Signed() || tx.Receipt == nil {
		t.Fatalf("expected signed transaction with receipt, got %+v", tx)
	}
	if countAction(auditActions(t, h.svc, resp.TxID), "payment_synced") != 1 {
		t.Fatalf("resuming must not audit the transition twice")
	}
}

func TestMarkPaidRejectsFailedTransaction(t *testing.T) {
	h := newHarness(t)
	h.terminal.createStatus = "declined"
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	_, err = h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"})
	requireCode(t, err, KindConflict, "status_not_markable")

	_, err = h.svc.MarkPaid(cashierCtx(), "tx-missing", domain.MarkPaidRequest{Method: "cash"})
	requireCode(t, err, KindNotFound, "transaction_not_found")
}

func TestRefundRejectsAmountAboveGross(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	tooMuch := resp.Totals.GrossCents + 1
	_, err = h.svc.Refund(cashierCtx(), resp.TxID, domain.RefundRequest{Reason: "damaged", AmountCents: &tooMuch})
	requireCode(t, err, KindValidation, "invalid_refund_amount")

	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if tx.Status != domain.TxStatusPaid || tx.RefundedCents != 0 {
		t.Fatalf("transaction must be untouched, got %s/%d", tx.Status, tx.RefundedCents)
	}
	if _, _, refunds := h.terminal.calls(); refunds != 0 {
		t.Fatalf("provider refund must not be called")
	}
}

func TestPartialRefundThroughTerminalProvider(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-print-a", Qty: 2}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	amount := int64(1000)
	out, err := h.svc.Refund(cashierCtx(), resp.TxID, domain.RefundRequest{Reason: "frame damaged", AmountCents: &amount})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded, got %s", out.Status)
	}
	if len(h.terminal.refundAmounts) != 1 || h.terminal.refundAmounts[0] != 1000 {
		t.Fatalf("unexpected provider refunds %v", h.terminal.refundAmounts)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if tx.RefundedCents != 1000 || tx.StatusReason != "frame damaged" {
		t.Fatalf("unexpected refunded transaction %+v", tx)
	}

	_, err = h.svc.Refund(cashierCtx(), resp.TxID, domain.RefundRequest{Reason: "again"})
	requireCode(t, err, KindConflict, "already_refunded")

	_, err = h.svc.Storno(cashierCtx(), resp.TxID, domain.StornoRequest{Reason: "late"})
	requireCode(t, err, KindConflict, "status_not_stornoable")
}

func TestStornoPendingCancelsTSE(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeExternal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	out, err := h.svc.Storno(cashierCtx(), resp.TxID, domain.StornoRequest{Reason: "customer left"})
	if err != nil {
		t.Fatalf("storno: %v", err)
	}
	if out.Status != domain.TxStatusStorno || out.Idempotent {
		t.Fatalf("unexpected storno response %+v", out)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.TSE.Cancelled() || h.signer.cancels.Load() != 1 {
		t.Fatalf("expected cancelled tse, got %+v", tx.TSE)
	}

	again, err := h.svc.Storno(cashierCtx(), resp.TxID, domain.StornoRequest{Reason: "again"})
	if err != nil || !again.Idempotent {
		t.Fatalf("expected idempotent storno, got %+v %v", again, err)
	}
	marked, err := h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"})
	if err != nil || !marked.Idempotent || marked.Status != domain.TxStatusStorno {
		t.Fatalf("mark-paid on storno must be a no-op, got %+v %v", marked, err)
	}
	_, err = h.svc.Refund(cashierCtx(), resp.TxID, domain.RefundRequest{})
	requireCode(t, err, KindConflict, "status_not_refundable")
}

func TestStornoPaidCancelsProviderPayment(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if _, err := h.svc.Storno(cashierCtx(), resp.TxID, domain.StornoRequest{Reason: "wrong item"}); err != nil {
		t.Fatalf("storno: %v", err)
	}
	if _, cancels, _ := h.terminal.calls(); cancels != 1 {
		t.Fatalf("expected provider cancel, got %d", cancels)
	}
	tx, _ := h.svc.GetTransaction(context.Background(), resp.TxID)
	if !tx.TSE.Signed() || h.signer.cancels.Load() != 0 {
		t.Fatalf("paid storno keeps the signature, got %+v", tx.TSE)
	}
	published := h.events.Events()
	if published[len(published)-1].Type != events.TransactionStorno {
		t.Fatalf("expected storno event last, got %+v", published)
	}
}

func TestSyncPaymentStatusAppliesReconciliation(t *testing.T) {
	h := newHarness(t)
	h.terminal.createStatus = "pending"
	h.terminal.status = "pending"
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminal, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Status != domain.TxStatusPaymentPending {
		t.Fatalf("expected pending, got %s", resp.Status)
	}

	unchanged, err := h.svc.SyncPaymentStatus(cashierCtx(), resp.TxID)
	if err != nil || !unchanged.Idempotent {
		t.Fatalf("expected unchanged sync, got %+v %v", unchanged, err)
	}

	h.terminal.status = "captured"
	synced, err := h.svc.SyncPaymentStatus(cashierCtx(), resp.TxID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.Status != domain.TxStatusPaid || synced.Idempotent {
		t.Fatalf("expected paid after sync, got %+v", synced)
	}

	h.terminal.status = "failed"
	stray, err := h.svc.SyncPaymentStatus(cashierCtx(), resp.TxID)
	if err != nil || stray.Status != domain.TxStatusPaid {
		t.Fatalf("a paid transaction must not be un-paid, got %+v %v", stray, err)
	}
}

func onlineAgent(t *testing.T, h *harness, paired string) domain.AgentCreateResponse {
	t.Helper()
	ctx := context.Background()
	created, err := h.svc.RegisterAgent(ctx, domain.AgentCreateRequest{Name: "Front desk", LocationLabel: "Berlin", PairedTerminalID: paired})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if cmd, err := h.svc.ClaimNext(ctx, created.Agent.ID, 0); err != nil || cmd != nil {
		t.Fatalf("initial poll: %+v %v", cmd, err)
	}
	return created
}

func TestBridgeCheckoutWithoutOnlineAgentSignalsFallback(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.RegisterAgent(context.Background(), domain.AgentCreateRequest{Name: "Never polled"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("idem-bridge-off", domain.PaymentModeTerminalBridge, domain.CartLine{ItemID: "item-book", Qty: 1}))
	se := requireCode(t, err, KindConflict, "no_bridge_agent_online")
	if se.Fallback != domain.PaymentModeExternal {
		t.Fatalf("expected external fallback, got %q", se.Fallback)
	}
	if _, err := h.repo.FindTransactionByIdempotency(context.Background(), "idem-bridge-off"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no transaction expected, got %v", err)
	}
}

func TestBridgeCheckoutReportIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = onlineAgent(t, h, "")
	paired := onlineAgent(t, h, "term-1")

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminalBridge, domain.CartLine{ItemID: "item-print-a", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Status != domain.TxStatusPaymentPending || resp.CommandID == "" || resp.Provider != domain.BridgeProvider {
		t.Fatalf("unexpected bridge response %+v", resp)
	}

	cmd, err := h.svc.ClaimNext(ctx, paired.Agent.ID, 0)
	if err != nil || cmd == nil {
		t.Fatalf("claim: %+v %v", cmd, err)
	}
	if cmd.ID != resp.CommandID || cmd.Type != domain.CommandPaymentStart || cmd.Status != domain.CommandStatusSent {
		t.Fatalf("unexpected command %+v", cmd)
	}
	var payload domain.PaymentCommandPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.TxID != resp.TxID || payload.AmountCents != 5000 || payload.TerminalRef != "reader-001" {
		t.Fatalf("unexpected payload %+v %v", payload, err)
	}

	report := domain.CommandReportRequest{
		CommandID: cmd.ID,
		OK:        true,
		Result:    json.RawMessage(`{"status":"approved","providerTxId":"rdr-tx-1","method":"card"}`),
	}
	first, err := h.svc.ReportResult(ctx, paired.Agent.ID, report)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if first.Idempotent || first.TxStatus != domain.TxStatusPaid {
		t.Fatalf("unexpected first report %+v", first)
	}
	second, err := h.svc.ReportResult(ctx, paired.Agent.ID, report)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if !second.Idempotent || second.TxStatus != domain.TxStatusPaid {
		t.Fatalf("unexpected second report %+v", second)
	}

	if got := h.signer.finishes.Load(); got != 1 {
		t.Fatalf("expected one fiscal finish, got %d", got)
	}
	if got := countAction(auditActions(t, h.svc, resp.TxID), "bridge_report"); got != 1 {
		t.Fatalf("expected one bridge_report entry, got %d", got)
	}
	tx, _ := h.svc.GetTransaction(ctx, resp.TxID)
	if tx.Payment.ProviderTxID != "rdr-tx-1" || tx.Payment.Method != "card" {
		t.Fatalf("payment not recorded: %+v", tx.Payment)
	}
}

func TestBridgeReReportFinishesStrandedPaidTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paired := onlineAgent(t, h, "term-1")

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminalBridge, domain.CartLine{ItemID: "item-print-a", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	cmd, err := h.svc.ClaimNext(ctx, paired.Agent.ID, 0)
	if err != nil || cmd == nil {
		t.Fatalf("claim: %+v %v", cmd, err)
	}

	report := domain.CommandReportRequest{
		CommandID: cmd.ID,
		OK:        true,
		Result:    json.RawMessage(`{"status":"approved","providerTxId":"rdr-tx-2","method":"card"}`),
	}
	h.signer.failFinishes.Store(1)
	_, err = h.svc.ReportResult(ctx, paired.Agent.ID, report)
	requireCode(t, err, KindExternal, "fiskaly_network_error")

	again, err := h.svc.ReportResult(ctx, paired.Agent.ID, report)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if !again.Idempotent || again.TxStatus != domain.TxStatusPaid {
		t.Fatalf("unexpected second report %+v", again)
	}
	tx, _ := h.svc.GetTransaction(ctx, resp.TxID)
	if !tx.TSE.Signed() || tx.Receipt == nil {
		t.Fatalf("expected signed transaction with receipt, got %+v", tx)
	}
	if got := countAction(auditActions(t, h.svc, resp.TxID), "bridge_report"); got != 1 {
		t.Fatalf("expected one bridge_report entry, got %d", got)
	}
}

func TestBridgeFailedReportMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := onlineAgent(t, h, "term-1")

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminalBridge, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	cmd, _ := h.svc.ClaimNext(ctx, agent.Agent.ID, 0)
	out, err := h.svc.ReportResult(ctx, agent.Agent.ID, domain.CommandReportRequest{CommandID: cmd.ID, OK: false, Error: "card_declined"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if out.TxStatus != domain.TxStatusFailed {
		t.Fatalf("expected failed, got %s", out.TxStatus)
	}
	stored, _ := h.repo.FindCommand(ctx, cmd.ID)
	if stored.Status != domain.CommandStatusFailed || stored.Error != "card_declined" {
		t.Fatalf("unexpected command %+v", stored)
	}
	tx, _ := h.svc.GetTransaction(ctx, resp.TxID)
	if !tx.TSE.Cancelled() {
		t.Fatalf("expected cancelled tse")
	}
}

func TestBridgeRefundEnqueuesCommandForPayingAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := onlineAgent(t, h, "term-1")

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminalBridge, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	cmd, _ := h.svc.ClaimNext(ctx, agent.Agent.ID, 0)
	if _, err := h.svc.ReportResult(ctx, agent.Agent.ID, domain.CommandReportRequest{CommandID: cmd.ID, OK: true, Result: json.RawMessage(`{"status":"paid","providerTxId":"rdr-9"}`)}); err != nil {
		t.Fatalf("report: %v", err)
	}

	out, err := h.svc.Refund(cashierCtx(), resp.TxID, domain.RefundRequest{Reason: "return"})
	if err != nil || out.Status != domain.TxStatusRefunded {
		t.Fatalf("refund: %+v %v", out, err)
	}
	refundCmd, err := h.svc.ClaimNext(ctx, agent.Agent.ID, 0)
	if err != nil || refundCmd == nil || refundCmd.Type != domain.CommandPaymentRefund {
		t.Fatalf("expected refund command, got %+v %v", refundCmd, err)
	}
	var payload domain.PaymentCommandPayload
	_ = json.Unmarshal(refundCmd.Payload, &payload)
	if payload.ProviderTxID != "rdr-9" || payload.AmountCents != 3500 {
		t.Fatalf("unexpected refund payload %+v", payload)
	}
}

func TestReportResultRejectsForeignAgentAndUnsentCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := onlineAgent(t, h, "term-1")
	other := onlineAgent(t, h, "term-2")

	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeTerminalBridge, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	_, err = h.svc.ReportResult(ctx, owner.Agent.ID, domain.CommandReportRequest{CommandID: resp.CommandID, OK: true})
	requireCode(t, err, KindConflict, "command_not_sent")

	_, err = h.svc.ReportResult(ctx, other.Agent.ID, domain.CommandReportRequest{CommandID: resp.CommandID, OK: true})
	requireCode(t, err, KindNotFound, "command_not_found")
}

func TestClaimNextWaitsBeforeReturningNoContent(t *testing.T) {
	h := newHarness(t)
	created, err := h.svc.RegisterAgent(context.Background(), domain.AgentCreateRequest{Name: "Idle"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	cmd, err := h.svc.ClaimNext(context.Background(), created.Agent.ID, 2*time.Second)
	elapsed := time.Since(start)
	if err != nil || cmd != nil {
		t.Fatalf("expected no content, got %+v %v", cmd, err)
	}
	if elapsed < 1900*time.Millisecond || elapsed > 4*time.Second {
		t.Fatalf("expected ~2s wait, got %s", elapsed)
	}
}

func TestClaimNextPicksUpCommandQueuedDuringWait(t *testing.T) {
	h := newHarness(t)
	h.svc.pollInterval = 20 * time.Millisecond
	ctx := context.Background()
	agent := onlineAgent(t, h, "term-1")

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = h.repo.EnqueueCommand(ctx, domain.Command{AgentID: agent.Agent.ID, Type: domain.CommandPaymentCancel, Payload: json.RawMessage(`{}`)})
	}()

	cmd, err := h.svc.ClaimNext(ctx, agent.Agent.ID, 5*time.Second)
	if err != nil || cmd == nil || cmd.Type != domain.CommandPaymentCancel {
		t.Fatalf("expected queued command, got %+v %v", cmd, err)
	}
}

func TestReportResultLogsMalformedCommandPayload(t *testing.T) {
	h := newHarness(t)
	logger, hook := logtest.NewNullLogger()
	h.svc.logger = logger
	ctx := context.Background()
	agent := onlineAgent(t, h, "term-1")

	if _, err := h.repo.EnqueueCommand(ctx, domain.Command{AgentID: agent.Agent.ID, Type: domain.CommandPaymentStart, Payload: json.RawMessage(`"not-an-object"`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cmd, err := h.svc.ClaimNext(ctx, agent.Agent.ID, 0)
	if err != nil || cmd == nil {
		t.Fatalf("claim: %+v %v", cmd, err)
	}

	resp, err := h.svc.ReportResult(ctx, agent.Agent.ID, domain.CommandReportRequest{CommandID: cmd.ID, OK: true})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if resp.TxID != "" {
		t.Fatalf("expected no transaction for a malformed payload, got %+v", resp)
	}

	logged := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Data["command_id"] == cmd.ID {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("expected the malformed payload to be logged")
	}
}

func TestAuthenticateAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.RegisterAgent(ctx, domain.AgentCreateRequest{Name: "Desk", PairedTerminalID: "term-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.AgentKey == "" || created.Agent.AgentKeyHash == created.AgentKey {
		t.Fatalf("agent key must be returned in plaintext once and stored hashed")
	}

	if _, err := h.svc.AuthenticateAgent(ctx, created.Agent.ID, created.AgentKey); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := h.svc.AuthenticateAgent(ctx, created.Agent.ID, "wrong"); !errors.Is(err, ErrAgentUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.svc.AuthenticateAgent(ctx, "agent-missing", created.AgentKey); !errors.Is(err, ErrAgentUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	_, err = h.svc.RegisterAgent(ctx, domain.AgentCreateRequest{Name: "Desk", PairedTerminalID: "term-404"})
	requireCode(t, err, KindValidation, "terminal_not_found")
}

func TestAuditChainVerifiesAfterLifecycle(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.StartCheckout(cashierCtx(), checkoutReq("", domain.PaymentModeCash, domain.CartLine{ItemID: "item-book", Qty: 1}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := h.svc.MarkPaid(cashierCtx(), resp.TxID, domain.MarkPaidRequest{Method: "cash"}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, err := h.svc.Storno(cashierCtx(), resp.TxID, domain.StornoRequest{Reason: "test"}); err != nil {
		t.Fatalf("storno: %v", err)
	}

	report, err := h.svc.VerifyAudit(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK || report.Total < 5 {
		t.Fatalf("unexpected report %+v", report)
	}

	actions := auditActions(t, h.svc, resp.TxID)
	for _, want := range []string{"checkout_created", "tse_started", "tse_finished", "mark_paid", "storno"} {
		if countAction(actions, want) != 1 {
			t.Fatalf("expected one %s entry in %v", want, actions)
		}
	}
}

type staleAuditStore struct {
	*memory.Store
}

func (staleAuditStore) AppendAuditEntry(context.Context, domain.AuditEntry, string) (bool, error) {
	return false, nil
}

func TestAuditFailureLeavesStateCommitted(t *testing.T) {
	repo := staleAuditStore{Store: memory.NewSeeded()}
	svc := New(repo, Options{Logger: quietLogger(), AuditMaxAttempts: 2})

	_, err := svc.StartCheckout(cashierCtx(), checkoutReq("idem-audit", domain.PaymentModeCash, domain.CartLine{ItemID: "item-book", Qty: 1}))
	requireCode(t, err, KindAudit, "audit_append_failed")

	tx, err := repo.FindTransactionByIdempotency(context.Background(), "idem-audit")
	if err != nil {
		t.Fatalf("transaction must stay persisted: %v", err)
	}
	if tx.Status != domain.TxStatusFailed {
		t.Fatalf("expected compensated failed status, got %s", tx.Status)
	}
}
