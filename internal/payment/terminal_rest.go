package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"artmarket/pos/internal/domain"
)

const TerminalRESTName = "terminal_rest"

var tracer = otel.Tracer("artmarket/pos/payment")

// TerminalREST talks to a card-terminal cloud API over JSON/REST.
type TerminalREST struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewTerminalREST(baseURL string, apiKey string) *TerminalREST {
	return &TerminalREST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

func (*TerminalREST) Name() string { return TerminalRESTName }

type terminalPayment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Method string `json:"method"`
}

func (p *TerminalREST) CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := tracer.Start(ctx, "terminal.create_payment",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pos.reference_id", req.ReferenceID),
			attribute.Int64("pos.amount_cents", req.AmountCents),
		))
	defer span.End()

	body := map[string]any{
		"amount":       req.AmountCents,
		"currency":     req.Currency,
		"reference":    req.ReferenceID,
		"terminal_id":  req.TerminalRef,
		"metadata":     req.Metadata,
		"capture_mode": "automatic",
	}
	var out terminalPayment
	raw, err := p.do(ctx, http.MethodPost, "/v1/payments", req.ReferenceID, body, &out)
	if err != nil {
		return CreateResult{}, spanError(span, err)
	}
	return CreateResult{
		ProviderTxID: out.ID,
		Status:       domain.NormalizePaymentStatus(out.Status),
		Method:       out.Method,
		Raw:          raw,
	}, nil
}

func (p *TerminalREST) GetPaymentStatus(ctx context.Context, providerTxID string) (StatusResult, error) {
	if providerTxID == "" {
		return StatusResult{}, ErrMissingProviderTxID
	}
	ctx, span := tracer.Start(ctx, "terminal.get_status", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var out terminalPayment
	raw, err := p.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(providerTxID), "", nil, &out)
	if err != nil {
		return StatusResult{}, spanError(span, err)
	}
	return StatusResult{Status: domain.NormalizePaymentStatus(out.Status), Method: out.Method, Raw: raw}, nil
}

func (p *TerminalREST) CancelPayment(ctx context.Context, providerTxID string) error {
	if providerTxID == "" {
		return ErrMissingProviderTxID
	}
	ctx, span := tracer.Start(ctx, "terminal.cancel", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	_, err := p.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(providerTxID)+"/cancel", "cancel-"+providerTxID, map[string]any{}, nil)
	if err != nil {
		return spanError(span, err)
	}
	return nil
}

func (p *TerminalREST) RefundPayment(ctx context.Context, providerTxID string, amountCents *int64) error {
	if providerTxID == "" {
		return ErrMissingProviderTxID
	}
	ctx, span := tracer.Start(ctx, "terminal.refund", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body := map[string]any{}
	idempotencyKey := "refund-" + providerTxID
	if amountCents != nil {
		body["amount"] = *amountCents
		idempotencyKey = fmt.Sprintf("%s-%d", idempotencyKey, *amountCents)
	}
	_, err := p.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(providerTxID)+"/refunds", idempotencyKey, body, nil)
	if err != nil {
		return spanError(span, err)
	}
	return nil
}

func (p *TerminalREST) do(ctx context.Context, method string, path string, idempotencyKey string, body any, out any) (json.RawMessage, error) {
	if p.baseURL == "" || p.apiKey == "" {
		return nil, &Error{Code: "terminal_not_configured"}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: "terminal_network_error", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Code: "terminal_network_error", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Code: fmt.Sprintf("terminal_api_error:%d", resp.StatusCode), Err: errors.New(string(respBody))}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, &Error{Code: "terminal_api_error:decode", Err: err}
		}
	}
	if len(respBody) == 0 || !json.Valid(respBody) {
		return nil, nil
	}
	return json.RawMessage(respBody), nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
