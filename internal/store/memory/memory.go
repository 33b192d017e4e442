package memory

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	locations          map[string]domain.Location
	terminals          map[string]domain.Terminal
	catalog            map[string]domain.CatalogItem
	transactionsByID   map[string]*domain.Transaction
	transactionsByIdem map[string]string
	contractDrafts     map[string]domain.ContractDraft
	auditTip           string
	auditEntries       []domain.AuditEntry
	agentsByID         map[string]domain.BridgeAgent
	commandsByID       map[string]*domain.Command
	commandOrder       []string
	usersByUsername    map[string]domain.UserAccount
}

// New returns an empty store.
func New() *Store {
	return &Store{
		locations:          make(map[string]domain.Location),
		terminals:          make(map[string]domain.Terminal),
		catalog:            make(map[string]domain.CatalogItem),
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionsByIdem: make(map[string]string),
		contractDrafts:     make(map[string]domain.ContractDraft),
		auditTip:           store.GenesisHash,
		auditEntries:       make([]domain.AuditEntry, 0, 128),
		agentsByID:         make(map[string]domain.BridgeAgent),
		commandsByID:       make(map[string]*domain.Command),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD,
// falling back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logrus.WithError(err).Fatalf("failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a gallery location, terminals and a small
// catalog for dev mode and tests.
func NewSeeded() *Store {
	s := New()

	s.locations["loc-berlin"] = domain.Location{ID: "loc-berlin", Name: "Galerie Berlin", Active: true}
	s.locations["loc-closed"] = domain.Location{ID: "loc-closed", Name: "Pop-up Hamburg", Active: false}

	for _, t := range []domain.Terminal{
		{ID: "term-1", LocationID: "loc-berlin", Name: "Front desk", Provider: "terminal_rest", ProviderRef: "reader-001", Active: true},
		{ID: "term-2", LocationID: "loc-berlin", Name: "Back office", Provider: "terminal_rest", ProviderRef: "reader-002", Active: true},
		{ID: "term-off", LocationID: "loc-berlin", Name: "Retired", Provider: "terminal_rest", ProviderRef: "reader-000", Active: false},
	} {
		s.terminals[t.ID] = t
	}

	for _, item := range []domain.CatalogItem{
		{ID: "item-print-a", Title: "Giclée print A3", UnitGrossCents: 5000, VATRate: 19, Active: true},
		{ID: "item-book", Title: "Exhibition catalogue", UnitGrossCents: 3500, VATRate: 7, Active: true},
		{ID: "item-voucher", Title: "Gift voucher", UnitGrossCents: 2500, VATRate: 0, Active: true},
		{ID: "item-canvas", Title: "Oil on canvas, 80x60", UnitGrossCents: 180000, VATRate: 7, IsArtwork: true, Active: true},
		{ID: "item-sculpture", Title: "Bronze sculpture", UnitGrossCents: 450000, VATRate: 7, IsArtwork: true, Active: true},
		{ID: "item-retired", Title: "Sold-out poster", UnitGrossCents: 1500, VATRate: 19, Active: false},
	} {
		s.catalog[item.ID] = item
	}

	s.usersByUsername = seedUsers()
	return s
}

// PutCatalogItem adds or replaces a catalog entry.
func (s *Store) PutCatalogItem(item domain.CatalogItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[item.ID] = item
}

func (s *Store) GetLocation(_ context.Context, id string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &loc, nil
}

func (s *Store) GetTerminal(_ context.Context, id string) (*domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	term, ok := s.terminals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &term, nil
}

func (s *Store) GetCatalogItems(_ context.Context, ids []string) (map[string]domain.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.CatalogItem, len(ids))
	for _, id := range ids {
		if item, ok := s.catalog[id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrConflict
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.transactionsByIdem[tx.IdempotencyKey]; exists {
			return nil, store.ErrConflict
		}
		s.transactionsByIdem[tx.IdempotencyKey] = tx.ID
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}

	s.transactionsByID[tx.ID] = cloneTransaction(&tx)
	return cloneTransaction(&tx), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactionsByID[id]), nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, change domain.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tx.Status != change.From {
		return false, nil
	}
	tx.Status = change.To
	if change.Reason != "" {
		tx.StatusReason = change.Reason
	}
	if change.RefundedCents > 0 {
		tx.RefundedCents = change.RefundedCents
	}
	tx.UpdatedAt = change.At
	return true, nil
}

func (s *Store) SetPayment(_ context.Context, id string, payment domain.Payment, expectedStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tx.Status != expectedStatus {
		return false, nil
	}
	tx.Payment = clonePayment(payment)
	tx.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) SetDocuments(_ context.Context, id string, docs domain.Documents) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if docs.Receipt != nil {
		tx.Receipt = docs.Receipt
	}
	if docs.Invoice != nil {
		tx.Invoice = docs.Invoice
	}
	if docs.Contract != nil {
		tx.Contract = docs.Contract
	}
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkTSEStarted(_ context.Context, id string, tse domain.TSEState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tx.TSE.StartedAt != nil {
		return false, nil
	}
	tx.TSE = tse
	return true, nil
}

func (s *Store) MarkTSEFinished(_ context.Context, id string, tse domain.TSEState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tx.TSE.FinishedAt != nil || tx.TSE.Signature != "" {
		return false, nil
	}
	tx.TSE.Signature = tse.Signature
	tx.TSE.SignatureCounter = tse.SignatureCounter
	tx.TSE.LogTime = tse.LogTime
	tx.TSE.Revision = tse.Revision
	tx.TSE.FinishedAt = tse.FinishedAt
	return true, nil
}

func (s *Store) MarkTSECancelled(_ context.Context, id string, revision int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tx.TSE.FinishedAt != nil {
		return false, nil
	}
	tx.TSE.Revision = revision
	tx.TSE.FinishedAt = &at
	return true, nil
}

func (s *Store) CreateContractDraft(_ context.Context, draft domain.ContractDraft) (*domain.ContractDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.ID == "" {
		draft.ID = xid.New("contract")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	draft.ArtworkItemIDs = append([]string(nil), draft.ArtworkItemIDs...)
	s.contractDrafts[draft.ID] = draft
	return &draft, nil
}

func (s *Store) GetContractDraft(_ context.Context, id string) (*domain.ContractDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	draft, ok := s.contractDrafts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &draft, nil
}

func (s *Store) GetAuditTip(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auditTip, nil
}

func (s *Store) AppendAuditEntry(_ context.Context, entry domain.AuditEntry, prevHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auditTip != prevHash {
		return false, nil
	}
	entry.Seq = int64(len(s.auditEntries) + 1)
	entry.Payload = append(json.RawMessage(nil), entry.Payload...)
	s.auditEntries = append(s.auditEntries, entry)
	s.auditTip = entry.Hash
	return true, nil
}

func (s *Store) ListAuditEntries(_ context.Context, txID string, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEntry, 0, len(s.auditEntries))
	for _, entry := range s.auditEntries {
		if txID != "" && entry.TxID != txID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// TamperAuditPayload rewrites a stored payload in place. Tests use it to check
// that verification notices edits.
func (s *Store) TamperAuditPayload(seq int64, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.auditEntries {
		if s.auditEntries[i].Seq == seq {
			s.auditEntries[i].Payload = payload
		}
	}
}

func (s *Store) CreateAgent(_ context.Context, agent domain.BridgeAgent) (*domain.BridgeAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = xid.New("agent")
	}
	if _, exists := s.agentsByID[agent.ID]; exists {
		return nil, store.ErrConflict
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	s.agentsByID[agent.ID] = agent
	return &agent, nil
}

func (s *Store) FindAgentByID(_ context.Context, id string) (*domain.BridgeAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agentsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &agent, nil
}

func (s *Store) ListActiveAgents(_ context.Context) ([]domain.BridgeAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BridgeAgent, 0, len(s.agentsByID))
	for _, agent := range s.agentsByID {
		if agent.IsActive {
			result = append(result, agent)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.Compare(result[i].ID, result[j].ID) < 0
	})
	return result, nil
}

func (s *Store) TouchAgent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agentsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	agent.LastSeenAt = &at
	s.agentsByID[id] = agent
	return nil
}

func (s *Store) EnqueueCommand(_ context.Context, cmd domain.Command) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ID == "" {
		cmd.ID = xid.New("cmd")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	cmd.Status = domain.CommandStatusQueued
	s.commandsByID[cmd.ID] = cloneCommand(&cmd)
	s.commandOrder = append(s.commandOrder, cmd.ID)
	return cloneCommand(&cmd), nil
}

func (s *Store) FindCommand(_ context.Context, id string) (*domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cmd, ok := s.commandsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCommand(cmd), nil
}

func (s *Store) ClaimNextCommand(_ context.Context, agentID string, at time.Time) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.commandOrder {
		cmd := s.commandsByID[id]
		if cmd.AgentID != agentID || cmd.Status != domain.CommandStatusQueued {
			continue
		}
		cmd.Status = domain.CommandStatusSent
		sentAt := at
		cmd.SentAt = &sentAt
		return cloneCommand(cmd), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FinishCommand(_ context.Context, id string, from string, to string, result []byte, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commandsByID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if cmd.Status != from {
		return false, nil
	}
	cmd.Status = to
	cmd.Result = append(json.RawMessage(nil), result...)
	cmd.Error = errMsg
	finishedAt := at
	cmd.FinishedAt = &finishedAt
	return true, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result, nil
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = append([]domain.TransactionLine(nil), src.Items...)
	dup.Payment = clonePayment(src.Payment)
	if src.Buyer.BillingAddress != nil {
		addr := *src.Buyer.BillingAddress
		dup.Buyer.BillingAddress = &addr
	}
	if src.Buyer.ShippingAddress != nil {
		addr := *src.Buyer.ShippingAddress
		dup.Buyer.ShippingAddress = &addr
	}
	return &dup
}

func clonePayment(src domain.Payment) domain.Payment {
	dup := src
	if src.RawStatusPayload != nil {
		dup.RawStatusPayload = append(json.RawMessage(nil), src.RawStatusPayload...)
	}
	return dup
}

func cloneCommand(src *domain.Command) *domain.Command {
	dup := *src
	dup.Payload = append(json.RawMessage(nil), src.Payload...)
	if src.Result != nil {
		dup.Result = append(json.RawMessage(nil), src.Result...)
	}
	return &dup
}
