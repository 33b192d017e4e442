package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/pricing"
	"artmarket/pos/internal/xid"
)

const (
	KindReceipt  = "receipt"
	KindInvoice  = "invoice"
	KindContract = "contract"
)

// Storage persists rendered documents and returns a retrievable URL.
type Storage interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Generator renders receipt, invoice and contract documents as JSON payloads.
type Generator struct {
	storage Storage
	now     func() time.Time
}

func NewGenerator(storage Storage) *Generator {
	return &Generator{storage: storage, now: func() time.Time { return time.Now().UTC() }}
}

type lineView struct {
	ItemID     string `json:"itemId"`
	Title      string `json:"title"`
	Qty        int    `json:"qty"`
	UnitGross  string `json:"unitGross"`
	LineGross  string `json:"lineGross"`
	VATRate    int    `json:"vatRate"`
	IsArtwork  bool   `json:"isArtwork,omitempty"`
	UnitCents  int64  `json:"unitGrossCents"`
	TotalCents int64  `json:"lineGrossCents"`
}

type document struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	TxID      string              `json:"txId"`
	IssuedAt  time.Time           `json:"issuedAt"`
	Currency  string              `json:"currency"`
	Lines     []lineView          `json:"lines"`
	Totals    domain.Totals       `json:"totals"`
	Gross     string              `json:"gross"`
	Net       string              `json:"net"`
	VAT       string              `json:"vat"`
	VATByRate []pricing.VATAmount `json:"vatByRate"`
	Payment   *domain.Payment     `json:"payment,omitempty"`
	TSE       *domain.TSEState    `json:"tse,omitempty"`
	Buyer     *domain.Buyer       `json:"buyer,omitempty"`
	Contract  *contractView       `json:"contract,omitempty"`
}

type contractView struct {
	DraftID        string    `json:"draftId"`
	BuyerName      string    `json:"buyerName"`
	ArtworkItemIDs []string  `json:"artworkItemIds"`
	SignedAt       time.Time `json:"signedAt"`
	SignatureImage string    `json:"signatureImage"`
	Notes          string    `json:"notes,omitempty"`
}

// Generate renders the documents a paid transaction is owed: always a
// receipt, an invoice when the invoice rule applied, and a contract when a
// draft exists. Documents already referenced on tx are skipped.
func (g *Generator) Generate(ctx context.Context, tx domain.Transaction, draft *domain.ContractDraft) (domain.Documents, error) {
	var out domain.Documents

	if tx.Receipt == nil {
		ref, err := g.render(ctx, KindReceipt, tx, nil)
		if err != nil {
			return out, err
		}
		out.Receipt = ref
	}
	if tx.InvoiceRequired && tx.Invoice == nil {
		ref, err := g.render(ctx, KindInvoice, tx, nil)
		if err != nil {
			return out, err
		}
		out.Invoice = ref
	}
	if draft != nil && tx.Contract == nil {
		ref, err := g.render(ctx, KindContract, tx, draft)
		if err != nil {
			return out, err
		}
		out.Contract = ref
	}
	return out, nil
}

func (g *Generator) render(ctx context.Context, kind string, tx domain.Transaction, draft *domain.ContractDraft) (*domain.DocumentRef, error) {
	doc := document{
		ID:        xid.New(kind),
		Kind:      kind,
		TxID:      tx.ID,
		IssuedAt:  g.now(),
		Currency:  tx.Currency,
		Totals:    tx.Totals,
		Gross:     pricing.FormatAmount(tx.Totals.GrossCents),
		Net:       pricing.FormatAmount(tx.Totals.NetCents),
		VAT:       pricing.FormatAmount(tx.Totals.VATCents),
		VATByRate: pricing.VATBreakdown(tx.Items),
	}
	for _, line := range tx.Items {
		lineGross := int64(line.Qty) * line.UnitGrossCents
		doc.Lines = append(doc.Lines, lineView{
			ItemID:     line.ItemID,
			Title:      line.TitleSnapshot,
			Qty:        line.Qty,
			UnitGross:  pricing.FormatAmount(line.UnitGrossCents),
			LineGross:  pricing.FormatAmount(lineGross),
			VATRate:    line.VATRate,
			IsArtwork:  line.IsArtwork,
			UnitCents:  line.UnitGrossCents,
			TotalCents: lineGross,
		})
	}

	switch kind {
	case KindReceipt:
		payment := tx.Payment
		tse := tx.TSE
		doc.Payment = &payment
		doc.TSE = &tse
	case KindInvoice:
		buyer := tx.Buyer
		tse := tx.TSE
		doc.Buyer = &buyer
		doc.TSE = &tse
	case KindContract:
		buyer := tx.Buyer
		doc.Buyer = &buyer
		doc.Contract = &contractView{
			DraftID:        draft.ID,
			BuyerName:      draft.BuyerName,
			ArtworkItemIDs: draft.ArtworkItemIDs,
			SignedAt:       draft.SignedAt,
			SignatureImage: draft.SignatureImage,
			Notes:          draft.Notes,
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("pos/%s/%s.json", tx.ID, kind)
	url, err := g.storage.Put(ctx, key, "application/json", data)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", kind, err)
	}
	return &domain.DocumentRef{ID: doc.ID, URL: url}, nil
}

// MemoryStorage keeps documents in process; used in dev mode and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string][]byte
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://documents"
	}
	return &MemoryStorage{baseURL: strings.TrimRight(baseURL, "/"), objects: map[string][]byte{}}
}

func (m *MemoryStorage) Put(_ context.Context, key string, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return m.baseURL + "/" + key, nil
}

func (m *MemoryStorage) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}
