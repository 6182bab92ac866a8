package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyapaar/backend/internal/domain"
)

type fakeInserter struct {
	err     error
	entries []domain.AuditLogEntry
}

func (f *fakeInserter) InsertAudit(ctx context.Context, e domain.AuditLogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func testResult() domain.GovernanceResult {
	return domain.GovernanceResult{
		PayoutID:     "pout_1",
		AgentID:      "agent-1",
		AmountPaise:  50000,
		Decision:     domain.DecisionRejected,
		ReasonCode:   domain.ReasonRiskHigh,
		ReasonDetail: "URL flagged: MALWARE",
		ThreatTypes:  []string{"MALWARE"},
		ProcessingMS: 17,
	}
}

func TestWritePersistsToDatabase(t *testing.T) {
	db := &fakeInserter{}
	dir := t.TempDir()
	w := NewWriter(db, dir)

	w.Write(context.Background(), testResult(), "Acme Corp", "https://acme.example")

	require.Len(t, db.entries, 1)
	entry := db.entries[0]
	assert.Equal(t, "pout_1", entry.PayoutID)
	assert.Equal(t, "Acme Corp", entry.VendorName)
	assert.Equal(t, []string{"MALWARE"}, entry.ThreatTypes)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files, "no fallback file when the database works")
}

func TestWriteFallsBackToFilesystem(t *testing.T) {
	db := &fakeInserter{err: errors.New("connection refused")}
	dir := filepath.Join(t.TempDir(), "audit_logs")
	w := NewWriter(db, dir)
	w.now = func() time.Time {
		return time.Date(2026, 8, 24, 15, 4, 5, 0, time.UTC)
	}

	w.Write(context.Background(), testResult(), "Acme Corp", "https://acme.example")

	path := filepath.Join(dir, "pout_1_20260824T150405.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err, "fallback file must exist with the payout id and timestamp in the name")

	var entry fallbackEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "pout_1", entry.PayoutID)
	assert.Equal(t, domain.DecisionRejected, entry.Decision)
	assert.Equal(t, "20260824T150405", entry.Timestamp)
}

func TestWriteNeverReturnsErrors(t *testing.T) {
	// An unwritable fallback dir on top of a broken database still must not
	// disturb the caller.
	db := &fakeInserter{err: errors.New("down")}
	w := NewWriter(db, filepath.Join(string(os.PathSeparator), "dev", "null", "impossible"))

	assert.NotPanics(t, func() {
		w.Write(context.Background(), testResult(), "", "")
	})
}
