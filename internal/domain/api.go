package domain

import (
	"encoding/json"
	"time"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CheckoutRequest struct {
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	LocationID     string           `json:"locationId"`
	TerminalID     string           `json:"terminalId,omitempty"`
	PaymentMode    string           `json:"paymentMode"`
	Currency       string           `json:"currency,omitempty"`
	Cart           []CartLine       `json:"cart"`
	Buyer          Buyer            `json:"buyer"`
	Contract       *ContractPayload `json:"contract,omitempty"`
}

type CheckoutResponse struct {
	TxID         string `json:"txId"`
	Status       string `json:"status"`
	Provider     string `json:"provider"`
	ProviderTxID string `json:"providerTxId,omitempty"`
	CommandID    string `json:"commandId,omitempty"`
	Totals       Totals `json:"totals"`
	Duplicate    bool   `json:"duplicate"`
}

type MarkPaidRequest struct {
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
}

type RefundRequest struct {
	Reason      string `json:"reason"`
	AmountCents *int64 `json:"amountCents,omitempty"`
	ManagerPIN  string `json:"managerPin"`
}

type StornoRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"managerPin"`
}

type TransactionActionResponse struct {
	TxID       string `json:"txId"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

type AgentCreateRequest struct {
	Name             string `json:"name"`
	LocationLabel    string `json:"locationLabel"`
	PairedTerminalID string `json:"pairedTerminalId,omitempty"`
}

type AgentCreateResponse struct {
	Agent BridgeAgent `json:"agent"`
	// AgentKey is only ever returned here; the store keeps a bcrypt hash.
	AgentKey string `json:"agentKey"`
}

type CommandEnvelope struct {
	Command CommandView `json:"command"`
}

type CommandView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

type CommandReportRequest struct {
	CommandID string          `json:"commandId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type CommandReportResponse struct {
	OK         bool   `json:"ok"`
	Idempotent bool   `json:"idempotent"`
	TxID       string `json:"txId,omitempty"`
	TxStatus   string `json:"txStatus,omitempty"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}
