package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"artmarket/pos/internal/cache"
	"artmarket/pos/internal/pricing"
)

type fakeFiskaly struct {
	mu        sync.Mutex
	authCalls atomic.Int32
	revisions map[string]int
	bodies    []map[string]any
	failAuth  bool
}

func newFakeFiskaly() *fakeFiskaly {
	return &fakeFiskaly{revisions: map[string]int{}}
}

func (f *fakeFiskaly) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/auth" {
			f.authCalls.Add(1)
			if f.failAuth {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "access_token_expires_in": 3600})
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/api/v2/tss/tss-1/tx/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		txID := strings.TrimPrefix(r.URL.Path, "/api/v2/tss/tss-1/tx/")

		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{"_id": txID, "latest_revision": f.revisions[txID]})
			return
		}

		rev, _ := strconv.Atoi(r.URL.Query().Get("tx_revision"))
		if rev != f.revisions[txID]+1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"E_TX_REVISION"}`))
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.bodies = append(f.bodies, body)
		f.revisions[txID] = rev

		resp := map[string]any{
			"_id":               txID,
			"state":             body["state"],
			"latest_revision":   rev,
			"tss_serial_number": "serial-xyz",
		}
		if body["state"] == "FINISHED" {
			resp["signature"] = map[string]any{"value": "sig-abc", "counter": 17}
			resp["log"] = map[string]any{"timestamp_format": "unixTime", "timestamp": 1700000000}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func newTestFiskaly(t *testing.T, fake *fakeFiskaly) *Fiskaly {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewFiskaly(FiskalyConfig{
		BaseURL:   srv.URL + "/api/v2",
		APIKey:    "key",
		APISecret: "secret",
		TSSID:     "tss-1",
		ClientID:  "client-1",
	}, cache.NewMemoryTokenCache(), cache.NewLocalLocker())
}

func TestFiskalyStartFinishLifecycle(t *testing.T) {
	fake := newFakeFiskaly()
	signer := newTestFiskaly(t, fake)
	ctx := context.Background()

	start, err := signer.StartTransaction(ctx, Request{TxID: "tx-1", AmountCents: 10000, Currency: "EUR"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Serial != "serial-xyz" || start.Revision != 1 || start.TSETxID == "" {
		t.Fatalf("unexpected start result %+v", start)
	}

	finish, err := signer.FinishTransaction(ctx, Request{
		TxID:         "tx-1",
		AmountCents:  10000,
		Currency:     "EUR",
		TSETxID:      start.TSETxID,
		VATBreakdown: []pricing.VATAmount{{Rate: 19, GrossCents: 10000}},
		PaymentType:  PaymentTypeNonCash,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finish.Signature != "sig-abc" || finish.SignatureCounter != 17 || finish.Revision != 2 {
		t.Fatalf("unexpected finish result %+v", finish)
	}
	if finish.LogTime != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected log time %s", finish.LogTime)
	}
	if got := fake.authCalls.Load(); got != 1 {
		t.Fatalf("expected one auth call, got %d", got)
	}

	last := fake.bodies[len(fake.bodies)-1]
	receipt := last["schema"].(map[string]any)["standard_v1"].(map[string]any)["receipt"].(map[string]any)
	vat := receipt["amounts_per_vat_rate"].([]any)[0].(map[string]any)
	if vat["vat_rate"] != "NORMAL" || vat["amount"] != "100.00" {
		t.Fatalf("unexpected vat amounts %+v", vat)
	}
}

func TestFiskalyCancelReadsRevisionWhenUnknown(t *testing.T) {
	fake := newFakeFiskaly()
	signer := newTestFiskaly(t, fake)
	ctx := context.Background()

	start, err := signer.StartTransaction(ctx, Request{TxID: "tx-2"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel, err := signer.CancelTransaction(ctx, Request{TxID: "tx-2", TSETxID: start.TSETxID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancel.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", cancel.Revision)
	}
}

func TestFiskalyStaleRevisionIsAPIError(t *testing.T) {
	fake := newFakeFiskaly()
	signer := newTestFiskaly(t, fake)
	ctx := context.Background()

	start, _ := signer.StartTransaction(ctx, Request{TxID: "tx-3"})
	_, err := signer.FinishTransaction(ctx, Request{TxID: "tx-3", TSETxID: start.TSETxID, Revision: 5})

	var fe *Error
	if !errors.As(err, &fe) || fe.Code != "fiskaly_api_error:409" {
		t.Fatalf("expected fiskaly_api_error:409, got %v", err)
	}
}

func TestFiskalyErrorsAreNamespaced(t *testing.T) {
	unconfigured := NewFiskaly(FiskalyConfig{}, nil, nil)
	_, err := unconfigured.StartTransaction(context.Background(), Request{TxID: "tx"})
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != "fiskaly_not_configured" || !fe.NotConfigured() {
		t.Fatalf("expected fiskaly_not_configured, got %v", err)
	}

	fake := newFakeFiskaly()
	fake.failAuth = true
	signer := newTestFiskaly(t, fake)
	_, err = signer.StartTransaction(context.Background(), Request{TxID: "tx"})
	if !errors.As(err, &fe) || fe.Code != "fiskaly_auth_failed" || fe.NotConfigured() {
		t.Fatalf("expected fiskaly_auth_failed, got %v", err)
	}
}

func TestFiskalyConcurrentCallsShareOneToken(t *testing.T) {
	fake := newFakeFiskaly()
	signer := newTestFiskaly(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := signer.StartTransaction(context.Background(), Request{TxID: "tx-c-" + strconv.Itoa(i)}); err != nil {
				t.Errorf("start: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if got := fake.authCalls.Load(); got != 1 {
		t.Fatalf("expected a single auth call, got %d", got)
	}
}
