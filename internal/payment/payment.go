package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"artmarket/pos/internal/domain"
)

var (
	// ErrMissingProviderTxID marks a cancel or refund without a prior payment.
	// Callers must check for a provider transaction id first.
	ErrMissingProviderTxID = errors.New("missing provider transaction id")
	ErrUnknownProvider     = errors.New("unknown payment provider")
)

type CreateRequest struct {
	AmountCents int64
	Currency    string
	// ReferenceID doubles as the idempotency key on the provider side.
	ReferenceID string
	TerminalRef string
	Metadata    map[string]string
}

type CreateResult struct {
	ProviderTxID string
	Status       string
	Method       string
	Raw          json.RawMessage
}

type StatusResult struct {
	Status string
	Method string
	Raw    json.RawMessage
}

// Provider is a synchronous terminal payment API. Returned statuses are
// already normalized to the closed payment status set.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error)
	GetPaymentStatus(ctx context.Context, providerTxID string) (StatusResult, error)
	CancelPayment(ctx context.Context, providerTxID string) error
	RefundPayment(ctx context.Context, providerTxID string, amountCents *int64) error
}

// Error carries a namespaced code such as terminal_api_error:502.
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

// Registry resolves providers by their configuration key.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// External records cash or out-of-band terminal payments. Nothing is charged;
// the transaction stays pending until someone marks it paid.
type External struct{}

func (External) Name() string { return domain.PaymentModeExternal }

func (External) CreatePayment(_ context.Context, req CreateRequest) (CreateResult, error) {
	return CreateResult{
		ProviderTxID: "ext-" + req.ReferenceID,
		Status:       domain.TxStatusPaymentPending,
	}, nil
}

func (External) GetPaymentStatus(_ context.Context, providerTxID string) (StatusResult, error) {
	if providerTxID == "" {
		return StatusResult{}, ErrMissingProviderTxID
	}
	return StatusResult{Status: domain.TxStatusPaymentPending}, nil
}

func (External) CancelPayment(_ context.Context, providerTxID string) error {
	if providerTxID == "" {
		return ErrMissingProviderTxID
	}
	return nil
}

func (External) RefundPayment(_ context.Context, providerTxID string, _ *int64) error {
	if providerTxID == "" {
		return ErrMissingProviderTxID
	}
	return nil
}
