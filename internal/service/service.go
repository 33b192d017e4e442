package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"artmarket/pos/internal/audit"
	"artmarket/pos/internal/documents"
	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/events"
	"artmarket/pos/internal/fiscal"
	"artmarket/pos/internal/payment"
	"artmarket/pos/internal/store"
)

const (
	defaultAgentOnlineWindow = 30 * time.Second
	defaultPollInterval      = time.Second
	maxClaimWait             = 25 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Signer    fiscal.Signer
	Payments  *payment.Registry
	Documents *documents.Generator
	Events    events.Publisher
	Logger    *logrus.Logger

	Currency string
	// TerminalProvider is used for terminals without their own provider key.
	TerminalProvider  string
	AgentOnlineWindow time.Duration
	AuditMaxAttempts  int
	PollInterval      time.Duration
}

type Service struct {
	repo              store.Repository
	audit             *audit.Recorder
	signer            fiscal.Signer
	payments          *payment.Registry
	docs              *documents.Generator
	events            events.Publisher
	logger            *logrus.Logger
	validate          *validator.Validate
	currency          string
	terminalProvider  string
	agentOnlineWindow time.Duration
	pollInterval      time.Duration
	now               func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Signer == nil {
		opts.Signer = &fiscal.Noop{}
	}
	if opts.Payments == nil {
		opts.Payments = payment.NewRegistry(payment.External{})
	}
	if opts.Documents == nil {
		opts.Documents = documents.NewGenerator(documents.NewMemoryStorage(""))
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Currency == "" {
		opts.Currency = "EUR"
	}
	if opts.TerminalProvider == "" {
		opts.TerminalProvider = payment.TerminalRESTName
	}
	if opts.AgentOnlineWindow <= 0 {
		opts.AgentOnlineWindow = defaultAgentOnlineWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	recorder := audit.NewRecorder(repo, opts.Logger)
	if opts.AuditMaxAttempts > 0 {
		recorder.MaxAttempts = opts.AuditMaxAttempts
	}

	return &Service{
		repo:              repo,
		audit:             recorder,
		signer:            opts.Signer,
		payments:          opts.Payments,
		docs:              opts.Documents,
		events:            opts.Events,
		logger:            opts.Logger,
		validate:          validate,
		currency:          strings.ToUpper(opts.Currency),
		terminalProvider:  opts.TerminalProvider,
		agentOnlineWindow: opts.AgentOnlineWindow,
		pollInterval:      opts.PollInterval,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetTransaction(ctx context.Context, txID string) (domain.Transaction, error) {
	tx, err := s.findTransaction(ctx, txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) ListAudit(ctx context.Context, txID string, limit int) ([]domain.AuditEntry, error) {
	if limit < 1 {
		limit = 200
	}
	return s.audit.List(ctx, strings.TrimSpace(txID), limit)
}

func (s *Service) VerifyAudit(ctx context.Context) (domain.AuditVerifyReport, error) {
	return s.audit.Verify(ctx)
}

func (s *Service) findTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundError("transaction_not_found")
		}
		return nil, err
	}
	return tx, nil
}

func actorID(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "system"
	}
	return actor.Username
}

// recordAudit appends one chain entry. The state change it describes is
// already committed; a failed append is logged for manual reconciliation and
// surfaced to the caller.
func (s *Service) recordAudit(ctx context.Context, action string, txID string, payload any) error {
	if _, err := s.audit.Append(ctx, actorID(ctx), action, txID, payload); err != nil {
		s.logger.WithFields(logrus.Fields{
			"tx_id":  txID,
			"action": action,
			"error":  err.Error(),
		}).Error("audit append failed; state left committed for manual audit reconciliation")
		return externalError(err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, tx *domain.Transaction) {
	err := s.events.Publish(ctx, events.Event{
		Type:          eventType,
		TxID:          tx.ID,
		Status:        tx.Status,
		GrossCents:    tx.Totals.GrossCents,
		RefundedCents: tx.RefundedCents,
		Currency:      tx.Currency,
		ActorID:       actorID(ctx),
		OccurredAt:    s.now(),
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"tx_id":  tx.ID,
			"action": eventType,
			"error":  err.Error(),
		}).Warn("failed to publish transaction event")
	}
}
