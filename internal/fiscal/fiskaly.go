package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"artmarket/pos/internal/cache"
	"artmarket/pos/internal/pricing"
	"artmarket/pos/internal/xid"
)

const (
	DefaultFiskalyBaseURL = "https://kassensichv-middleware.fiskaly.com/api/v2"

	tokenRefreshMargin = 60 * time.Second
	authLockTTL        = 15 * time.Second
)

var tracer = otel.Tracer("artmarket/pos/fiscal")

type FiskalyConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	TSSID     string
	ClientID  string
}

func (c FiskalyConfig) configured() bool {
	return c.APIKey != "" && c.APISecret != "" && c.TSSID != "" && c.ClientID != ""
}

// Fiskaly signs transactions through the fiskaly SIGN DE v2 API. The bearer
// token is shared through TokenCache; Locker keeps concurrent refreshes to one
// auth call.
type Fiskaly struct {
	cfg        FiskalyConfig
	httpClient *http.Client
	tokens     cache.TokenCache
	locker     cache.Locker
}

func NewFiskaly(cfg FiskalyConfig, tokens cache.TokenCache, locker cache.Locker) *Fiskaly {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFiskalyBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if tokens == nil {
		tokens = cache.NewMemoryTokenCache()
	}
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	return &Fiskaly{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		locker:     locker,
	}
}

func (*Fiskaly) Name() string { return "fiskaly" }

type fiskalyTx struct {
	ID              string `json:"_id"`
	State           string `json:"state"`
	LatestRevision  int    `json:"latest_revision"`
	TSSSerialNumber string `json:"tss_serial_number"`
	Signature       struct {
		Value   string `json:"value"`
		Counter int64  `json:"counter"`
	} `json:"signature"`
	Log struct {
		TimestampFormat string `json:"timestamp_format"`
		Timestamp       any    `json:"timestamp"`
	} `json:"log"`
}

type fiskalyAmount struct {
	VATRate     string `json:"vat_rate,omitempty"`
	PaymentType string `json:"payment_type,omitempty"`
	Currency    string `json:"currency_code,omitempty"`
	Amount      string `json:"amount"`
}

type fiskalyReceipt struct {
	ReceiptType           string          `json:"receipt_type"`
	AmountsPerVATRate     []fiskalyAmount `json:"amounts_per_vat_rate"`
	AmountsPerPaymentType []fiskalyAmount `json:"amounts_per_payment_type"`
}

type fiskalySchema struct {
	StandardV1 struct {
		Receipt fiskalyReceipt `json:"receipt"`
	} `json:"standard_v1"`
}

type fiskalyTxBody struct {
	State    string         `json:"state"`
	ClientID string         `json:"client_id"`
	Schema   *fiskalySchema `json:"schema,omitempty"`
}

func (f *Fiskaly) StartTransaction(ctx context.Context, req Request) (StartResult, error) {
	ctx, span := f.startSpan(ctx, "fiskaly.start", req)
	defer span.End()

	tseTxID := xid.Derived(req.TxID)
	tx, err := f.putTransaction(ctx, tseTxID, 1, fiskalyTxBody{State: "ACTIVE", ClientID: f.cfg.ClientID})
	if err != nil {
		return StartResult{}, recordSpanError(span, err)
	}
	return StartResult{TSETxID: tseTxID, Serial: tx.TSSSerialNumber, Revision: tx.LatestRevision}, nil
}

func (f *Fiskaly) FinishTransaction(ctx context.Context, req Request) (FinishResult, error) {
	ctx, span := f.startSpan(ctx, "fiskaly.finish", req)
	defer span.End()

	tseTxID := req.TSETxID
	if tseTxID == "" {
		tseTxID = xid.Derived(req.TxID)
	}
	revision, err := f.nextRevision(ctx, tseTxID, req.Revision)
	if err != nil {
		return FinishResult{}, recordSpanError(span, err)
	}

	body := fiskalyTxBody{State: "FINISHED", ClientID: f.cfg.ClientID}
	body.Schema = &fiskalySchema{}
	body.Schema.StandardV1.Receipt = buildReceipt(req)

	tx, err := f.putTransaction(ctx, tseTxID, revision, body)
	if err != nil {
		return FinishResult{}, recordSpanError(span, err)
	}
	return FinishResult{
		Signature:        tx.Signature.Value,
		SignatureCounter: tx.Signature.Counter,
		LogTime:          formatLogTime(tx.Log.Timestamp),
		Revision:         tx.LatestRevision,
	}, nil
}

func (f *Fiskaly) CancelTransaction(ctx context.Context, req Request) (CancelResult, error) {
	ctx, span := f.startSpan(ctx, "fiskaly.cancel", req)
	defer span.End()

	tseTxID := req.TSETxID
	if tseTxID == "" {
		tseTxID = xid.Derived(req.TxID)
	}
	revision, err := f.nextRevision(ctx, tseTxID, req.Revision)
	if err != nil {
		return CancelResult{}, recordSpanError(span, err)
	}
	tx, err := f.putTransaction(ctx, tseTxID, revision, fiskalyTxBody{State: "CANCELLED", ClientID: f.cfg.ClientID})
	if err != nil {
		return CancelResult{}, recordSpanError(span, err)
	}
	return CancelResult{Revision: tx.LatestRevision}, nil
}

// nextRevision returns known+1, or asks the service for the latest revision
// when the caller does not know it.
func (f *Fiskaly) nextRevision(ctx context.Context, tseTxID string, known int) (int, error) {
	if known > 0 {
		return known + 1, nil
	}
	var tx fiskalyTx
	if err := f.do(ctx, http.MethodGet, f.txPath(tseTxID), nil, nil, &tx); err != nil {
		return 0, err
	}
	return tx.LatestRevision + 1, nil
}

func (f *Fiskaly) putTransaction(ctx context.Context, tseTxID string, revision int, body fiskalyTxBody) (fiskalyTx, error) {
	var tx fiskalyTx
	query := url.Values{"tx_revision": []string{strconv.Itoa(revision)}}
	err := f.do(ctx, http.MethodPut, f.txPath(tseTxID), query, body, &tx)
	return tx, err
}

func (f *Fiskaly) txPath(tseTxID string) string {
	return "/tss/" + url.PathEscape(f.cfg.TSSID) + "/tx/" + url.PathEscape(tseTxID)
}

func (f *Fiskaly) do(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	if !f.cfg.configured() {
		return &Error{Code: "fiskaly_not_configured"}
	}

	token, err := f.token(ctx, false)
	if err != nil {
		return err
	}

	status, respBody, err := f.send(ctx, method, path, query, body, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err = f.token(ctx, true)
		if err != nil {
			return err
		}
		status, respBody, err = f.send(ctx, method, path, query, body, token)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return &Error{Code: fmt.Sprintf("fiskaly_api_error:%d", status), Err: errors.New(truncate(string(respBody), 300))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Code: "fiskaly_api_error:decode", Err: err}
	}
	return nil
}

func (f *Fiskaly) send(ctx context.Context, method string, path string, query url.Values, body any, token string) (int, []byte, error) {
	endpoint := f.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, &Error{Code: "fiskaly_network_error", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, &Error{Code: "fiskaly_network_error", Err: err}
	}
	return resp.StatusCode, respBody, nil
}

func (f *Fiskaly) tokenKey() string {
	return "fiskaly:" + f.cfg.APIKey
}

// token returns a cached bearer token, authenticating when it is missing or
// when force is set after a 401.
func (f *Fiskaly) token(ctx context.Context, force bool) (string, error) {
	if !force {
		if tok, ok, err := f.tokens.GetToken(ctx, f.tokenKey()); err == nil && ok {
			return tok, nil
		}
	}

	lock, err := f.locker.Obtain(ctx, "fiskaly-auth:"+f.cfg.APIKey, authLockTTL)
	if err != nil && !errors.Is(err, cache.ErrLockNotObtained) {
		return "", &Error{Code: "fiskaly_auth_failed", Err: err}
	}
	if lock != nil {
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
		if !force {
			// Another holder may have refreshed while we waited.
			if tok, ok, err := f.tokens.GetToken(ctx, f.tokenKey()); err == nil && ok {
				return tok, nil
			}
		}
	}

	status, respBody, err := f.send(ctx, http.MethodPost, "/auth", nil, map[string]string{
		"api_key":    f.cfg.APIKey,
		"api_secret": f.cfg.APISecret,
	}, "")
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &Error{Code: "fiskaly_auth_failed", Err: fmt.Errorf("status %d", status)}
	}

	var auth struct {
		AccessToken          string `json:"access_token"`
		AccessTokenExpiresIn int64  `json:"access_token_expires_in"`
	}
	if err := json.Unmarshal(respBody, &auth); err != nil || auth.AccessToken == "" {
		return "", &Error{Code: "fiskaly_auth_failed", Err: errors.New("missing access token")}
	}

	ttl := time.Duration(auth.AccessTokenExpiresIn)*time.Second - tokenRefreshMargin
	if ttl > 0 {
		_ = f.tokens.SetToken(ctx, f.tokenKey(), auth.AccessToken, ttl)
	}
	return auth.AccessToken, nil
}

func (f *Fiskaly) startSpan(ctx context.Context, name string, req Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pos.tx_id", req.TxID),
			attribute.Int64("pos.amount_cents", req.AmountCents),
		),
	)
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func fiskalyVATRate(rate int) string {
	switch rate {
	case 19:
		return "NORMAL"
	case 7:
		return "REDUCED_1"
	default:
		return "NULL"
	}
}

func buildReceipt(req Request) fiskalyReceipt {
	receipt := fiskalyReceipt{ReceiptType: "RECEIPT"}
	for _, v := range req.VATBreakdown {
		receipt.AmountsPerVATRate = append(receipt.AmountsPerVATRate, fiskalyAmount{
			VATRate: fiskalyVATRate(v.Rate),
			Amount:  pricing.FormatAmount(v.GrossCents),
		})
	}
	if len(receipt.AmountsPerVATRate) == 0 {
		receipt.AmountsPerVATRate = []fiskalyAmount{{VATRate: "NORMAL", Amount: pricing.FormatAmount(req.AmountCents)}}
	}
	paymentType := req.PaymentType
	if paymentType == "" {
		paymentType = PaymentTypeNonCash
	}
	receipt.AmountsPerPaymentType = []fiskalyAmount{{
		PaymentType: paymentType,
		Currency:    req.Currency,
		Amount:      pricing.FormatAmount(req.AmountCents),
	}}
	return receipt
}

func formatLogTime(ts any) string {
	switch v := ts.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC().Format(time.RFC3339)
	case string:
		return v
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
