package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyapaar/backend/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(db), mock
}

var policyColumns = []string{
	"agent_id", "daily_limit_paise", "per_txn_limit_paise",
	"require_approval_above_paise", "allowed_domains", "blocked_domains",
	"created_at", "updated_at",
}

var auditColumns = []string{
	"id", "payout_id", "agent_id", "amount_paise", "decision", "reason_code",
	"reason_detail", "vendor_name", "vendor_url", "threat_types",
	"processing_ms", "created_at",
}

func TestGetPolicyFound(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM agent_policies WHERE agent_id = \$1`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(policyColumns).
			AddRow("agent-1", int64(100000), int64(25000), nil,
				"{vendor.example.com}", "{}", now, now))

	p, err := s.GetPolicy(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(100000), p.DailyLimitPaise)
	require.NotNil(t, p.PerTxnLimitPaise)
	assert.Equal(t, int64(25000), *p.PerTxnLimitPaise)
	assert.Nil(t, p.RequireApprovalAbovePaise)
	assert.Equal(t, []string{"vendor.example.com"}, p.AllowedDomains)
	assert.Empty(t, p.BlockedDomains)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPolicyAbsentReturnsNilNil(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM agent_policies`).
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	p, err := s.GetPolicy(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestUpsertPolicyAppliesDefaultDailyLimit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO agent_policies`).
		WithArgs("agent-1", int64(domain.DefaultDailyLimitPaise), nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM agent_policies WHERE agent_id = \$1`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(policyColumns).
			AddRow("agent-1", int64(domain.DefaultDailyLimitPaise), nil, nil, "{}", "{}", now, now))

	p, err := s.UpsertPolicy(context.Background(), domain.AgentPolicy{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(domain.DefaultDailyLimitPaise), p.DailyLimitPaise)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAuditAbsorbsDuplicates(t *testing.T) {
	s, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING reports zero rows on a duplicate; that is not
	// an error.
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs("pout_1", "agent-1", int64(5000), "REJECTED", "LIMIT_EXCEEDED",
			"Daily budget exceeded", "Acme", "https://acme.example", sqlmock.AnyArg(), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.InsertAudit(context.Background(), domain.AuditLogEntry{
		PayoutID:     "pout_1",
		AgentID:      "agent-1",
		AmountPaise:  5000,
		Decision:     domain.DecisionRejected,
		ReasonCode:   domain.ReasonLimitExceeded,
		ReasonDetail: "Daily budget exceeded",
		VendorName:   "Acme",
		VendorURL:    "https://acme.example",
		ProcessingMS: 12,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAuditDecisionUnknownPayout(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE audit_logs`).
		WithArgs("pout_missing", "APPROVED", "POLICY_OK", "Approved by ops via Slack").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateAuditDecision(context.Background(), "pout_missing",
		domain.DecisionApproved, domain.ReasonPolicyOK, "Approved by ops via Slack")
	assert.ErrorContains(t, err, "no such payout")
}

func TestGetAuditByPayoutIDAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM audit_logs`).
		WithArgs("pout_missing").
		WillReturnRows(sqlmock.NewRows(auditColumns))

	e, err := s.GetAuditByPayoutID(context.Background(), "pout_missing")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestListAuditsBuildsFilters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM audit_logs WHERE agent_id = \$1 AND decision = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("agent-1", "HELD", 10).
		WillReturnRows(sqlmock.NewRows(auditColumns).
			AddRow(int64(1), "pout_1", "agent-1", int64(75000), "HELD",
				"APPROVAL_REQUIRED", "awaiting review", nil, nil, "{}", 8, now))

	entries, err := s.ListAudits(context.Background(), AuditFilter{
		AgentID:  "agent-1",
		Decision: domain.DecisionHeld,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.DecisionHeld, entries[0].Decision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditsClampsLimit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM audit_logs ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(maxAuditLimit).
		WillReturnRows(sqlmock.NewRows(auditColumns))

	_, err := s.ListAudits(context.Background(), AuditFilter{Limit: 99999})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM audit_logs ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(defaultAuditLimit).
		WillReturnRows(sqlmock.NewRows(auditColumns))

	_, err = s.ListAudits(context.Background(), AuditFilter{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsAllStatements(t *testing.T) {
	s, mock := newMockStore(t)

	for range migrations {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
