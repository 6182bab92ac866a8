package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vyapaar/backend/internal/domain"
)

// migrations run in order at startup; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agent_policies (
		agent_id TEXT PRIMARY KEY,
		daily_limit_paise BIGINT NOT NULL DEFAULT 500000,
		per_txn_limit_paise BIGINT,
		require_approval_above_paise BIGINT,
		allowed_domains TEXT[],
		blocked_domains TEXT[],
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		payout_id TEXT UNIQUE NOT NULL,
		agent_id TEXT,
		amount_paise BIGINT,
		decision TEXT,
		reason_code TEXT,
		reason_detail TEXT,
		vendor_name TEXT,
		vendor_url TEXT,
		threat_types TEXT[],
		processing_ms INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_logs (agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs (created_at)`,
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// PostgresStore persists agent policies and the audit trail.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresStore opens the pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	slog.Info("postgres connected", "component", "store")
	return NewPostgresStoreWithDB(db), nil
}

// NewPostgresStoreWithDB wraps an existing handle (used by tests).
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: slog.With("component", "postgres_store"),
	}
}

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ============================================================================
// AGENT POLICIES
// ============================================================================

// GetPolicy returns the agent's policy, or nil when none exists.
func (s *PostgresStore) GetPolicy(ctx context.Context, agentID string) (*domain.AgentPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, daily_limit_paise, per_txn_limit_paise,
		       require_approval_above_paise, allowed_domains, blocked_domains,
		       created_at, updated_at
		FROM agent_policies WHERE agent_id = $1`, agentID)

	var (
		p           domain.AgentPolicy
		perTxn      sql.NullInt64
		approvalAbv sql.NullInt64
	)
	err := row.Scan(
		&p.AgentID, &p.DailyLimitPaise, &perTxn, &approvalAbv,
		pq.Array(&p.AllowedDomains), pq.Array(&p.BlockedDomains),
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_policy %s: %w", agentID, err)
	}
	if perTxn.Valid {
		p.PerTxnLimitPaise = &perTxn.Int64
	}
	if approvalAbv.Valid {
		p.RequireApprovalAbovePaise = &approvalAbv.Int64
	}
	return &p, nil
}

// UpsertPolicy inserts or replaces the agent's policy and returns the stored
// row.
func (s *PostgresStore) UpsertPolicy(ctx context.Context, p domain.AgentPolicy) (*domain.AgentPolicy, error) {
	if p.DailyLimitPaise <= 0 {
		p.DailyLimitPaise = domain.DefaultDailyLimitPaise
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_policies
			(agent_id, daily_limit_paise, per_txn_limit_paise,
			 require_approval_above_paise, allowed_domains, blocked_domains)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			daily_limit_paise = EXCLUDED.daily_limit_paise,
			per_txn_limit_paise = EXCLUDED.per_txn_limit_paise,
			require_approval_above_paise = EXCLUDED.require_approval_above_paise,
			allowed_domains = EXCLUDED.allowed_domains,
			blocked_domains = EXCLUDED.blocked_domains,
			updated_at = NOW()`,
		p.AgentID, p.DailyLimitPaise, nullableInt(p.PerTxnLimitPaise),
		nullableInt(p.RequireApprovalAbovePaise),
		pq.Array(p.AllowedDomains), pq.Array(p.BlockedDomains),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert_policy %s: %w", p.AgentID, err)
	}
	return s.GetPolicy(ctx, p.AgentID)
}

// ============================================================================
// AUDIT LOG
// ============================================================================

// InsertAudit persists one decision. Duplicate payout ids are silently
// absorbed so webhook retries never error.
func (s *PostgresStore) InsertAudit(ctx context.Context, e domain.AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs
			(payout_id, agent_id, amount_paise, decision, reason_code,
			 reason_detail, vendor_name, vendor_url, threat_types, processing_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (payout_id) DO NOTHING`,
		e.PayoutID, e.AgentID, e.AmountPaise, string(e.Decision),
		string(e.ReasonCode), e.ReasonDetail, e.VendorName, e.VendorURL,
		pq.Array(e.ThreatTypes), e.ProcessingMS,
	)
	if err != nil {
		return fmt.Errorf("insert_audit %s: %w", e.PayoutID, err)
	}
	return nil
}

// UpdateAuditDecision rewrites the decision for a payout after a human acts
// on a held payout.
func (s *PostgresStore) UpdateAuditDecision(ctx context.Context, payoutID string, decision domain.Decision, reasonCode domain.ReasonCode, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs
		SET decision = $2, reason_code = $3, reason_detail = $4
		WHERE payout_id = $1`,
		payoutID, string(decision), string(reasonCode), detail,
	)
	if err != nil {
		return fmt.Errorf("update_audit %s: %w", payoutID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update_audit %s: no such payout", payoutID)
	}
	return nil
}

// GetAuditByPayoutID returns the audit row for one payout, nil when absent.
func (s *PostgresStore) GetAuditByPayoutID(ctx context.Context, payoutID string) (*domain.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+` WHERE payout_id = $1`, payoutID)
	if err != nil {
		return nil, fmt.Errorf("get_audit %s: %w", payoutID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanAudit(rows)
	if err != nil {
		return nil, fmt.Errorf("get_audit %s: %w", payoutID, err)
	}
	return e, nil
}

const auditSelect = `
	SELECT id, payout_id, agent_id, amount_paise, decision, reason_code,
	       reason_detail, vendor_name, vendor_url, threat_types,
	       processing_ms, created_at
	FROM audit_logs`

// AuditFilter narrows ListAudits. Zero values mean no filtering.
type AuditFilter struct {
	AgentID  string
	Decision domain.Decision
	Limit    int
}

// ListAudits returns recent decisions, newest first.
func (s *PostgresStore) ListAudits(ctx context.Context, f AuditFilter) ([]domain.AuditLogEntry, error) {
	query := auditSelect
	var (
		conds []string
		args  []any
	)
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Decision != "" {
		args = append(args, string(f.Decision))
		conds = append(conds, fmt.Sprintf("decision = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list_audits: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("list_audits: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanAudit(rows *sql.Rows) (*domain.AuditLogEntry, error) {
	var (
		e          domain.AuditLogEntry
		vendorName sql.NullString
		vendorURL  sql.NullString
		detail     sql.NullString
	)
	if err := rows.Scan(
		&e.ID, &e.PayoutID, &e.AgentID, &e.AmountPaise,
		(*string)(&e.Decision), (*string)(&e.ReasonCode), &detail,
		&vendorName, &vendorURL, pq.Array(&e.ThreatTypes),
		&e.ProcessingMS, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.ReasonDetail = detail.String
	e.VendorName = vendorName.String
	e.VendorURL = vendorURL.String
	return &e, nil
}

// Ping verifies the pool for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
