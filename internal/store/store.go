package store

import (
	"context"
	"errors"
	"time"

	"artmarket/pos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// GenesisHash is the audit chain tip before the first entry.
const GenesisHash = "genesis"

type Repository interface {
	CatalogRepository
	TransactionRepository
	AuditRepository
	BridgeRepository
	UserRepository
}

type CatalogRepository interface {
	GetLocation(ctx context.Context, id string) (*domain.Location, error)
	GetTerminal(ctx context.Context, id string) (*domain.Terminal, error)
	GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error)
}

type TransactionRepository interface {
	// CreateTransaction fails with ErrConflict when the idempotency key is taken.
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	// TransitionStatus applies change only while the stored status equals
	// change.From. It reports whether the write happened.
	TransitionStatus(ctx context.Context, id string, change domain.StatusChange) (bool, error)
	// SetPayment writes payment only while the stored status equals
	// expectedStatus.
	SetPayment(ctx context.Context, id string, payment domain.Payment, expectedStatus string) (bool, error)
	SetDocuments(ctx context.Context, id string, docs domain.Documents) error
	// MarkTSEStarted writes tse only where no start was recorded yet.
	MarkTSEStarted(ctx context.Context, id string, tse domain.TSEState) (bool, error)
	// MarkTSEFinished writes the signature only where no finish was recorded yet.
	MarkTSEFinished(ctx context.Context, id string, tse domain.TSEState) (bool, error)
	// MarkTSECancelled sets finishedAt without signature where no finish was recorded yet.
	MarkTSECancelled(ctx context.Context, id string, revision int, at time.Time) (bool, error)
	CreateContractDraft(ctx context.Context, draft domain.ContractDraft) (*domain.ContractDraft, error)
	GetContractDraft(ctx context.Context, id string) (*domain.ContractDraft, error)
}

type AuditRepository interface {
	GetAuditTip(ctx context.Context) (string, error)
	// AppendAuditEntry moves the chain tip from prevHash to entry.Hash and
	// stores entry in one atomic step. It returns false, without writing,
	// when the tip is no longer prevHash.
	AppendAuditEntry(ctx context.Context, entry domain.AuditEntry, prevHash string) (bool, error)
	// ListAuditEntries returns entries in chain order; txID filters when set.
	ListAuditEntries(ctx context.Context, txID string, limit int) ([]domain.AuditEntry, error)
}

type BridgeRepository interface {
	CreateAgent(ctx context.Context, agent domain.BridgeAgent) (*domain.BridgeAgent, error)
	FindAgentByID(ctx context.Context, id string) (*domain.BridgeAgent, error)
	ListActiveAgents(ctx context.Context) ([]domain.BridgeAgent, error)
	TouchAgent(ctx context.Context, id string, at time.Time) error
	EnqueueCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error)
	FindCommand(ctx context.Context, id string) (*domain.Command, error)
	// ClaimNextCommand atomically moves the oldest queued command of agentID to
	// sent. It returns ErrNotFound when nothing is queued.
	ClaimNextCommand(ctx context.Context, agentID string, at time.Time) (*domain.Command, error)
	// FinishCommand moves a command from `from` to `to`, reporting whether the
	// conditional write happened.
	FinishCommand(ctx context.Context, id string, from string, to string, result []byte, errMsg string, at time.Time) (bool, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
