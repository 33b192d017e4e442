package domain

import (
	"encoding/json"
	"time"
)

type Location struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Terminal struct {
	ID         string `json:"id"`
	LocationID string `json:"locationId"`
	Name       string `json:"name"`
	// Provider is the registry key of the payment provider driving this terminal.
	Provider string `json:"provider"`
	// ProviderRef is the terminal identifier on the provider side (reader id, serial).
	ProviderRef string `json:"providerRef"`
	Active      bool   `json:"active"`
}

type CatalogItem struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	UnitGrossCents int64  `json:"unitGrossCents"`
	VATRate        int    `json:"vatRate"`
	IsArtwork      bool   `json:"isArtwork"`
	Active         bool   `json:"active"`
}

type CartLine struct {
	ItemID string `json:"itemId"`
	Qty    int    `json:"qty"`
}

type TransactionLine struct {
	ItemID         string `json:"itemId"`
	Qty            int    `json:"qty"`
	UnitGrossCents int64  `json:"unitGrossCents"`
	VATRate        int    `json:"vatRate"`
	TitleSnapshot  string `json:"titleSnapshot"`
	IsArtwork      bool   `json:"isArtwork"`
}

type Totals struct {
	GrossCents int64 `json:"grossCents"`
	NetCents   int64 `json:"netCents"`
	VATCents   int64 `json:"vatCents"`
}

type Address struct {
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	City       string `json:"city" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
}

type Buyer struct {
	Type            string   `json:"type" validate:"oneof=b2c b2b"`
	Name            string   `json:"name"`
	Company         string   `json:"company,omitempty"`
	Email           string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone           string   `json:"phone,omitempty"`
	VATID           string   `json:"vatId,omitempty"`
	BillingAddress  *Address `json:"billingAddress,omitempty" validate:"omitempty"`
	ShippingAddress *Address `json:"shippingAddress,omitempty" validate:"omitempty"`
}

type Payment struct {
	Provider         string          `json:"provider,omitempty"`
	ProviderTxID     string          `json:"providerTxId,omitempty"`
	Method           string          `json:"method,omitempty"`
	ApprovedAt       *time.Time      `json:"approvedAt,omitempty"`
	ExternalRef      string          `json:"externalRef,omitempty"`
	RawStatusPayload json.RawMessage `json:"rawStatusPayload,omitempty"`
}

// TSEState is the fiscal proof attached to a transaction.
// not-started: StartedAt nil. started: StartedAt set. finished: FinishedAt and
// Signature set. cancelled: FinishedAt set without Signature.
type TSEState struct {
	Provider         string     `json:"provider,omitempty"`
	TxID             string     `json:"txId,omitempty"`
	Serial           string     `json:"serial,omitempty"`
	Signature        string     `json:"signature,omitempty"`
	SignatureCounter int64      `json:"signatureCounter,omitempty"`
	LogTime          string     `json:"logTime,omitempty"`
	Revision         int        `json:"revision,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

func (t TSEState) Started() bool   { return t.StartedAt != nil }
func (t TSEState) Finished() bool  { return t.FinishedAt != nil }
func (t TSEState) Signed() bool    { return t.Signature != "" }
func (t TSEState) Cancelled() bool { return t.FinishedAt != nil && t.Signature == "" }

type DocumentRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Documents struct {
	Receipt  *DocumentRef `json:"receipt,omitempty"`
	Invoice  *DocumentRef `json:"invoice,omitempty"`
	Contract *DocumentRef `json:"contract,omitempty"`
}

type Transaction struct {
	ID              string            `json:"id"`
	IdempotencyKey  string            `json:"idempotencyKey,omitempty"`
	LocationID      string            `json:"locationId"`
	TerminalID      string            `json:"terminalId,omitempty"`
	PaymentMode     string            `json:"paymentMode"`
	Currency        string            `json:"currency"`
	Status          string            `json:"status"`
	StatusReason    string            `json:"statusReason,omitempty"`
	Items           []TransactionLine `json:"items"`
	Totals          Totals            `json:"totals"`
	Buyer           Buyer             `json:"buyer"`
	InvoiceRequired bool              `json:"invoiceRequired"`
	ContractDraftID string            `json:"contractDraftId,omitempty"`
	RefundedCents   int64             `json:"refundedCents,omitempty"`
	Payment         Payment           `json:"payment"`
	TSE             TSEState          `json:"tse"`
	Documents
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusChange is a conditional status write: it applies only while the
// persisted status still equals From.
type StatusChange struct {
	From          string
	To            string
	Reason        string
	RefundedCents int64
	At            time.Time
}

type ContractPayload struct {
	BuyerName      string    `json:"buyerName" validate:"required"`
	SignatureImage string    `json:"signatureImage" validate:"required,startswith=data:image/"`
	SignedAt       time.Time `json:"signedAt" validate:"required"`
	AcceptedTerms  bool      `json:"acceptedTerms" validate:"eq=true"`
	Notes          string    `json:"notes,omitempty" validate:"max=2000"`
}

type ContractDraft struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	ArtworkItemIDs []string  `json:"artworkItemIds"`
	BuyerName      string    `json:"buyerName"`
	SignatureImage string    `json:"signatureImage"`
	SignedAt       time.Time `json:"signedAt"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type AuditEntry struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	ActorID   string          `json:"actorId"`
	Action    string          `json:"action"`
	TxID      string          `json:"txId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"createdAt"`
}

type AuditVerifyReport struct {
	OK       bool     `json:"ok"`
	Total    int      `json:"total"`
	LastHash string   `json:"lastHash"`
	Errors   []string `json:"errors"`
}

type BridgeAgent struct {
	ID               string     `json:"id"`
	AgentKeyHash     string     `json:"-"`
	Name             string     `json:"name"`
	LocationLabel    string     `json:"locationLabel"`
	PairedTerminalID string     `json:"pairedTerminalId,omitempty"`
	IsActive         bool       `json:"isActive"`
	LastSeenAt       *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (a BridgeAgent) OnlineAt(now time.Time, window time.Duration) bool {
	if !a.IsActive || a.LastSeenAt == nil {
		return false
	}
	return now.Sub(*a.LastSeenAt) <= window
}

type Command struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agentId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	SentAt     *time.Time      `json:"sentAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// PaymentCommandPayload is the payload of payment.* bridge commands.
type PaymentCommandPayload struct {
	TxID         string `json:"txId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	TerminalID   string `json:"terminalId"`
	TerminalRef  string `json:"terminalRef,omitempty"`
	ReferenceID  string `json:"referenceId"`
	ProviderTxID string `json:"providerTxId,omitempty"`
}

// PaymentCommandResult is what an agent reports back for payment.* commands.
type PaymentCommandResult struct {
	Status       string          `json:"status"`
	ProviderTxID string          `json:"providerTxId,omitempty"`
	Method       string          `json:"method,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	TxStatusCreated        = "created"
	TxStatusPaymentPending = "payment_pending"
	TxStatusPaid           = "paid"
	TxStatusFailed         = "failed"
	TxStatusCancelled      = "cancelled"
	TxStatusRefunded       = "refunded"
	TxStatusStorno         = "storno"
)

const (
	PaymentModeTerminalBridge = "terminal_bridge"
	PaymentModeTerminal       = "terminal"
	PaymentModeExternal       = "external"
	PaymentModeCash           = "cash"
)

const (
	BuyerTypeB2C = "b2c"
	BuyerTypeB2B = "b2b"
)

const (
	CommandStatusQueued = "queued"
	CommandStatusSent   = "sent"
	CommandStatusDone   = "done"
	CommandStatusFailed = "failed"
)

const (
	CommandPaymentStart  = "payment.start"
	CommandPaymentCancel = "payment.cancel"
	CommandPaymentRefund = "payment.refund"
)

const BridgeProvider = "bridge"
