package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"artmarket/pos/internal/domain"
	"artmarket/pos/internal/store"
	"artmarket/pos/internal/xid"
)

const auditChainID = "pos"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetLocation(ctx context.Context, id string) (*domain.Location, error) {
	var loc domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active
		FROM pos_locations
		WHERE id = $1
	`, id).Scan(&loc.ID, &loc.Name, &loc.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &loc, nil
}

func (s *Store) GetTerminal(ctx context.Context, id string) (*domain.Terminal, error) {
	var term domain.Terminal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, location_id, name, provider, provider_ref, active
		FROM pos_terminals
		WHERE id = $1
	`, id).Scan(&term.ID, &term.LocationID, &term.Name, &term.Provider, &term.ProviderRef, &term.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &term, nil
}

func (s *Store) GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error) {
	result := make(map[string]domain.CatalogItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, title, unit_gross_cents, vat_rate, is_artwork, active
		FROM pos_catalog_items
		WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.CatalogItem
		if err := rows.Scan(&item.ID, &item.Title, &item.UnitGrossCents, &item.VATRate, &item.IsArtwork, &item.Active); err != nil {
			return nil, err
		}
		result[item.ID] = item
	}
	return result, rows.Err()
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}

	items, err := json.Marshal(tx.Items)
	if err != nil {
		return nil, err
	}
	buyer, err := json.Marshal(tx.Buyer)
	if err != nil {
		return nil, err
	}
	payment, err := json.Marshal(tx.Payment)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pos_transactions (
			id, idempotency_key, location_id, terminal_id, payment_mode, currency,
			status, status_reason, items, gross_cents, net_cents, vat_cents, buyer,
			invoice_required, contract_draft_id, payment, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		tx.ID, nullIfEmpty(tx.IdempotencyKey), tx.LocationID, nullIfEmpty(tx.TerminalID), tx.PaymentMode, tx.Currency,
		tx.Status, nullIfEmpty(tx.StatusReason), items, tx.Totals.GrossCents, tx.Totals.NetCents, tx.Totals.VATCents, buyer,
		tx.InvoiceRequired, nullIfEmpty(tx.ContractDraftID), payment, tx.CreatedBy, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := tx
	return &created, nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "idempotency_key", key)
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", id)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var tx domain.Transaction
	var idempotencyKey, terminalID, statusReason, contractDraftID sql.NullString
	var items, buyer, payment, tse, documents []byte

	query := fmt.Sprintf(`
		SELECT id, idempotency_key, location_id, terminal_id, payment_mode, currency,
			status, status_reason, items, gross_cents, net_cents, vat_cents, buyer,
			invoice_required, contract_draft_id, refunded_cents, payment, tse, documents,
			created_by, created_at, updated_at
		FROM pos_transactions
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&tx.ID,
		&idempotencyKey,
		&tx.LocationID,
		&terminalID,
		&tx.PaymentMode,
		&tx.Currency,
		&tx.Status,
		&statusReason,
		&items,
		&tx.Totals.GrossCents,
		&tx.Totals.NetCents,
		&tx.Totals.VATCents,
		&buyer,
		&tx.InvoiceRequired,
		&contractDraftID,
		&tx.RefundedCents,
		&payment,
		&tse,
		&documents,
		&tx.CreatedBy,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.IdempotencyKey = idempotencyKey.String
	tx.TerminalID = terminalID.String
	tx.StatusReason = statusReason.String
	tx.ContractDraftID = contractDraftID.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	for _, part := range []struct {
		raw    []byte
		target any
	}{
		{items, &tx.Items},
		{buyer, &tx.Buyer},
		{payment, &tx.Payment},
		{tse, &tx.TSE},
		{documents, &tx.Documents},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.target); err != nil {
			return nil, err
		}
	}

	return &tx, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id string, change domain.StatusChange) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pos_transactions
		SET status = $3,
			status_reason = COALESCE($4::text, status_reason),
			refunded_cents = CASE WHEN $5::bigint > 0 THEN $5::bigint ELSE refunded_cents END,
			updated_at = $6
		WHERE id = $1 AND status = $2
	`, id, change.From, change.To, nullIfEmpty(change.Reason), change.RefundedCents, change.At)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, id)
}

func (s *Store) SetPayment(ctx context.Context, id string, payment domain.Payment, expectedStatus string) (bool, error) {
	raw, err := json.Marshal(payment)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pos_transactions
		SET payment = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, raw, expectedStatus)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, id)
}

func (s *Store) SetDocuments(ctx context.Context, id string, docs domain.Documents) error {
	raw, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	// jsonb || merges top-level keys so a later document does not drop earlier ones.
	return s.execExpectingRow(ctx, `
		UPDATE pos_transactions
		SET documents = documents || $2::jsonb, updated_at = now()
		WHERE id = $1
	`, id, raw)
}

func (s *Store) MarkTSEStarted(ctx context.Context, id string, tse domain.TSEState) (bool, error) {
	raw, err := json.Marshal(tse)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pos_transactions
		SET tse = $2, tse_started_at = $3, updated_at = now()
		WHERE id = $1 AND tse_started_at IS NULL
	`, id, raw, nullTime(tse.StartedAt))
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, id)
}

func (s *Store) MarkTSEFinished(ctx context.Context, id string, tse domain.TSEState) (bool, error) {
	patch, err := json.Marshal(map[string]any{
		"signature":        tse.Signature,
		"signatureCounter": tse.SignatureCounter,
		"logTime":          tse.LogTime,
		"revision":         tse.Revision,
		"finishedAt":       tse.FinishedAt,
	})
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pos_transactions
		SET tse = tse || $2::jsonb, tse_finished_at = $3, updated_at = now()
		WHERE id = $1 AND tse_finished_at IS NULL
	`, id, patch, nullTime(tse.FinishedAt))
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, id)
}

func (s *Store) MarkTSECancelled(ctx context.Context, id string, revision int, at time.Time) (bool, error) {
	patch, err := json.Marshal(map[string]any{"revision": revision, "finishedAt": at})
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pos_transactions
		SET tse = tse || $2::jsonb, tse_finished_at = $3, updated_at = now()
		WHERE id = $1 AND tse_finished_at IS NULL
	`, id, patch, at)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, id)
}

func (s *Store) CreateContractDraft(ctx context.Context, draft domain.ContractDraft) (*domain.ContractDraft, error) {
	if draft.ID == "" {
		draft.ID = xid.New("contract")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	itemIDs, err := json.Marshal(draft.ArtworkItemIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pos_contract_drafts (id, transaction_id, artwork_item_ids, buyer_name, signature_image, signed_at, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, draft.ID, draft.TransactionID, itemIDs, draft.BuyerName, draft.SignatureImage, draft.SignedAt, nullIfEmpty(draft.Notes), draft.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE pos_transactions SET contract_draft_id = $2 WHERE id = $1
	`, draft.TransactionID, draft.ID); err != nil {
		return nil, err
	}
	return &draft, nil
}

func (s *Store) GetContractDraft(ctx context.Context, id string) (*domain.ContractDraft, error) {
	var draft domain.ContractDraft
	var itemIDs []byte
	var notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, artwork_item_ids, buyer_name, signature_image, signed_at, notes, created_at
		FROM pos_contract_drafts
		WHERE id = $1
	`, id).Scan(&draft.ID, &draft.TransactionID, &itemIDs, &draft.BuyerName, &draft.SignatureImage, &draft.SignedAt, &notes, &draft.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(itemIDs, &draft.ArtworkItemIDs); err != nil {
		return nil, err
	}
	draft.Notes = notes.String
	return &draft, nil
}

func (s *Store) GetAuditTip(ctx context.Context) (string, error) {
	var tip string
	err := s.db.QueryRowContext(ctx, `SELECT tip_hash FROM pos_audit_chain WHERE id = $1`, auditChainID).Scan(&tip)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.GenesisHash, nil
		}
		return "", err
	}
	return tip, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry domain.AuditEntry, prevHash string) (bool, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	res, err := pgTx.ExecContext(ctx, `
		UPDATE pos_audit_chain
		SET tip_hash = $3
		WHERE id = $1 AND tip_hash = $2
	`, auditChainID, prevHash, entry.Hash)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO pos_audit_log (id, actor_id, action, tx_id, payload, prev_hash, hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.Action, nullIfEmpty(entry.TxID), string(entry.Payload), entry.PrevHash, entry.Hash, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	if err := pgTx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, txID string, limit int) ([]domain.AuditEntry, error) {
	query := `
		SELECT seq, id, actor_id, action, COALESCE(tx_id,''), payload, prev_hash, hash, created_at
		FROM pos_audit_log
		WHERE ($1::text = '' OR tx_id = $1::text)
		ORDER BY seq ASC
	`
	args := []any{txID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, 64)
	for rows.Next() {
		var entry domain.AuditEntry
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.ActorID, &entry.Action, &entry.TxID, &payload, &entry.PrevHash, &entry.Hash, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Payload = json.RawMessage(payload)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) CreateAgent(ctx context.Context, agent domain.BridgeAgent) (*domain.BridgeAgent, error) {
	if agent.ID == "" {
		agent.ID = xid.New("agent")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_agents (id, agent_key_hash, name, location_label, paired_terminal_id, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, agent.ID, agent.AgentKeyHash, agent.Name, agent.LocationLabel, nullIfEmpty(agent.PairedTerminalID), agent.IsActive, agent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &agent, nil
}

const agentColumns = `id, agent_key_hash, name, location_label, COALESCE(paired_terminal_id,''), is_active, last_seen_at, created_at`

func scanAgent(row interface{ Scan(...any) error }) (domain.BridgeAgent, error) {
	var agent domain.BridgeAgent
	var lastSeen sql.NullTime
	err := row.Scan(&agent.ID, &agent.AgentKeyHash, &agent.Name, &agent.LocationLabel, &agent.PairedTerminalID, &agent.IsActive, &lastSeen, &agent.CreatedAt)
	if err != nil {
		return agent, err
	}
	if lastSeen.Valid {
		at := lastSeen.Time.UTC()
		agent.LastSeenAt = &at
	}
	return agent, nil
}

func (s *Store) FindAgentByID(ctx context.Context, id string) (*domain.BridgeAgent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM bridge_agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (s *Store) ListActiveAgents(ctx context.Context) ([]domain.BridgeAgent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM bridge_agents WHERE is_active = true ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]domain.BridgeAgent, 0, 8)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.execExpectingRow(ctx, `UPDATE bridge_agents SET last_seen_at = $2 WHERE id = $1`, id, at)
}

func (s *Store) EnqueueCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error) {
	if cmd.ID == "" {
		cmd.ID = xid.New("cmd")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	cmd.Status = domain.CommandStatusQueued
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_commands (id, agent_id, type, payload, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, cmd.ID, cmd.AgentID, cmd.Type, []byte(cmd.Payload), cmd.Status, cmd.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

const commandColumns = `id, agent_id, type, payload, status, result, COALESCE(error,''), created_at, sent_at, finished_at`

func scanCommand(row interface{ Scan(...any) error }) (*domain.Command, error) {
	var cmd domain.Command
	var payload, result []byte
	var sentAt, finishedAt sql.NullTime
	if err := row.Scan(&cmd.ID, &cmd.AgentID, &cmd.Type, &payload, &cmd.Status, &result, &cmd.Error, &cmd.CreatedAt, &sentAt, &finishedAt); err != nil {
		return nil, err
	}
	cmd.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		cmd.Result = json.RawMessage(result)
	}
	if sentAt.Valid {
		at := sentAt.Time.UTC()
		cmd.SentAt = &at
	}
	if finishedAt.Valid {
		at := finishedAt.Time.UTC()
		cmd.FinishedAt = &at
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	return &cmd, nil
}

func (s *Store) FindCommand(ctx context.Context, id string) (*domain.Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM bridge_commands WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return cmd, nil
}

func (s *Store) ClaimNextCommand(ctx context.Context, agentID string, at time.Time) (*domain.Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, `
		UPDATE bridge_commands
		SET status = $3, sent_at = $4
		WHERE id = (
			SELECT id FROM bridge_commands
			WHERE agent_id = $1 AND status = $2
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns,
		agentID, domain.CommandStatusQueued, domain.CommandStatusSent, at,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return cmd, nil
}

func (s *Store) FinishCommand(ctx context.Context, id string, from string, to string, result []byte, errMsg string, at time.Time) (bool, error) {
	var resultArg any
	if len(result) > 0 {
		resultArg = result
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_commands
		SET status = $3, result = $4, error = $5, finished_at = $6
		WHERE id = $1 AND status = $2
	`, id, from, to, resultArg, nullIfEmpty(errMsg), at)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.FindCommand(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

// conditionalResult separates "row exists but the guard did not match" from
// "row does not exist".
func (s *Store) conditionalResult(ctx context.Context, res sql.Result, id string) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pos_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) execExpectingRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
