package fiscal

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"artmarket/pos/internal/pricing"
)

const (
	PaymentTypeCash    = "CASH"
	PaymentTypeNonCash = "NON_CASH"
)

// Signer wraps a certified fiscal signing service. Implementations must be
// safe for concurrent use.
type Signer interface {
	Name() string
	StartTransaction(ctx context.Context, req Request) (StartResult, error)
	FinishTransaction(ctx context.Context, req Request) (FinishResult, error)
	CancelTransaction(ctx context.Context, req Request) (CancelResult, error)
}

type Request struct {
	TxID        string
	AmountCents int64
	Currency    string
	// TSETxID is the signer-side id returned by StartTransaction.
	TSETxID string
	// Revision is the last known revision; zero means unknown.
	Revision     int
	VATBreakdown []pricing.VATAmount
	PaymentType  string
}

type StartResult struct {
	TSETxID  string
	Serial   string
	Revision int
}

type FinishResult struct {
	Signature        string
	SignatureCounter int64
	LogTime          string
	Revision         int
}

type CancelResult struct {
	Revision int
}

// Error carries a namespaced code such as fiskaly_api_error:409.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NotConfigured reports configuration errors that need an operator, as
// opposed to transient network or API failures.
func (e *Error) NotConfigured() bool {
	return strings.HasSuffix(e.Code, "_not_configured")
}

// Noop signs nothing and returns deterministic placeholders for dev and tests.
type Noop struct {
	counter atomic.Int64
}

func (*Noop) Name() string { return "noop" }

func (n *Noop) StartTransaction(_ context.Context, req Request) (StartResult, error) {
	return StartResult{TSETxID: "noop-" + req.TxID, Serial: "noop-serial", Revision: 1}, nil
}

func (n *Noop) FinishTransaction(_ context.Context, req Request) (FinishResult, error) {
	counter := n.counter.Add(1)
	return FinishResult{
		Signature:        "noop-signature-" + req.TxID,
		SignatureCounter: counter,
		LogTime:          time.Now().UTC().Format(time.RFC3339),
		Revision:         req.Revision + 1,
	}, nil
}

func (n *Noop) CancelTransaction(_ context.Context, req Request) (CancelResult, error) {
	return CancelResult{Revision: req.Revision + 1}, nil
}
