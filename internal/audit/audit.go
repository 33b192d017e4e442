package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/xid"
)

const defaultMaxAttempts = 10

// ErrAppendFailed is returned when every attempt lost the race for the chain tip.
var ErrAppendFailed = errors.New("audit_append_failed")

// Recorder appends hash-chained entries. Concurrent appenders race on the tip;
// the store refuses stale writes and the loser retries against the new tip.
type Recorder struct {
	repo        store.AuditRepository
	logger      *logrus.Logger
	MaxAttempts int
	now         func() time.Time
	backoff     func(attempt int) time.Duration
}

func NewRecorder(repo store.AuditRepository, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{
		repo:        repo,
		logger:      logger,
		MaxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		backoff:     jitter,
	}
}

func jitter(attempt int) time.Duration {
	base := time.Duration(attempt) * 2 * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(3*time.Millisecond)))
}

// ComputeHash chains an entry onto prevHash.
func ComputeHash(prevHash string, payload []byte, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Append records one entry. payload is marshalled once; the same bytes are
// hashed and stored so verification can recompute the digest.
func (r *Recorder) Append(ctx context.Context, actorID string, action string, txID string, payload any) (*domain.AuditEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}

	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		prevHash, err := r.repo.GetAuditTip(ctx)
		if err != nil {
			return nil, err
		}
		// Postgres keeps microseconds; hashing a finer timestamp would not verify.
		createdAt := r.now().Truncate(time.Microsecond)
		entry := domain.AuditEntry{
			ID:        xid.New("audit"),
			ActorID:   actorID,
			Action:    action,
			TxID:      txID,
			Payload:   raw,
			PrevHash:  prevHash,
			Hash:      ComputeHash(prevHash, raw, createdAt),
			CreatedAt: createdAt,
		}

		ok, err := r.repo.AppendAuditEntry(ctx, entry, prevHash)
		if err != nil {
			return nil, err
		}
		if ok {
			return &entry, nil
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoff(attempt)):
			}
		}
	}

	r.logger.WithFields(logrus.Fields{
		"module":   "audit",
		"funcName": "Append",
		"action":   action,
		"txId":     txID,
		"attempts": attempts,
	}).Error(ErrAppendFailed.Error())
	return nil, ErrAppendFailed
}

func (r *Recorder) List(ctx context.Context, txID string, limit int) ([]domain.AuditEntry, error) {
	return r.repo.ListAuditEntries(ctx, txID, limit)
}

// Verify walks the whole chain from genesis and recomputes every link.
func (r *Recorder) Verify(ctx context.Context) (domain.AuditVerifyReport, error) {
	entries, err := r.repo.ListAuditEntries(ctx, "", 0)
	if err != nil {
		return domain.AuditVerifyReport{}, err
	}
	return VerifyEntries(entries), nil
}

func VerifyEntries(entries []domain.AuditEntry) domain.AuditVerifyReport {
	report := domain.AuditVerifyReport{OK: true, Total: len(entries), LastHash: store.GenesisHash, Errors: []string{}}

	expectedPrev := store.GenesisHash
	for _, entry := range entries {
		if entry.PrevHash != expectedPrev {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %s: prevHash %s does not link to %s", entry.ID, entry.PrevHash, expectedPrev))
		}
		if got := ComputeHash(entry.PrevHash, entry.Payload, entry.CreatedAt); got != entry.Hash {
			report.Errors = append(report.Errors, fmt.Sprintf("entry %s: hash mismatch", entry.ID))
		}
		expectedPrev = entry.Hash
	}
	if len(entries) > 0 {
		report.LastHash = entries[len(entries)-1].Hash
	}
	report.OK = len(report.Errors) == 0
	return report
}
