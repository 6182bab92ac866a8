// Package audit persists every governance decision. Postgres is the system
// of record; an unreachable database degrades to local JSON files rather
// than losing the trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vyapaar/backend/internal/domain"
)

// Inserter is the slice of the Postgres store the writer needs.
type Inserter interface {
	InsertAudit(ctx context.Context, e domain.AuditLogEntry) error
}

// Writer records decisions and never fails the caller.
type Writer struct {
	db          Inserter
	fallbackDir string
	log         *slog.Logger
	now         func() time.Time
}

// NewWriter builds the writer with the configured fallback directory.
func NewWriter(db Inserter, fallbackDir string) *Writer {
	return &Writer{
		db:          db,
		fallbackDir: fallbackDir,
		log:         slog.With("component", "audit"),
		now:         time.Now,
	}
}

// Write persists one decision. On database failure the entry lands in the
// fallback directory instead; errors are logged, not returned.
func (w *Writer) Write(ctx context.Context, result domain.GovernanceResult, vendorName, vendorURL string) {
	entry := domain.AuditLogEntry{
		PayoutID:     result.PayoutID,
		AgentID:      result.AgentID,
		AmountPaise:  result.AmountPaise,
		Decision:     result.Decision,
		ReasonCode:   result.ReasonCode,
		ReasonDetail: result.ReasonDetail,
		VendorName:   vendorName,
		VendorURL:    vendorURL,
		ThreatTypes:  result.ThreatTypes,
		ProcessingMS: result.ProcessingMS,
	}

	if err := w.db.InsertAudit(ctx, entry); err != nil {
		w.log.Error("postgres audit write failed, falling back to filesystem",
			"payout_id", result.PayoutID, "error", err)
		w.writeFallback(entry)
	}
}

type fallbackEntry struct {
	domain.AuditLogEntry
	Timestamp string `json:"timestamp"`
}

func (w *Writer) writeFallback(entry domain.AuditLogEntry) {
	if err := os.MkdirAll(w.fallbackDir, 0o755); err != nil {
		w.log.Error("audit fallback dir creation failed", "dir", w.fallbackDir, "error", err)
		return
	}

	timestamp := w.now().UTC().Format("20060102T150405")
	path := filepath.Join(w.fallbackDir, fmt.Sprintf("%s_%s.json", entry.PayoutID, timestamp))

	data, err := json.MarshalIndent(fallbackEntry{AuditLogEntry: entry, Timestamp: timestamp}, "", "  ")
	if err != nil {
		w.log.Error("audit fallback marshal failed", "payout_id", entry.PayoutID, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		w.log.Error("audit fallback write failed", "path", path, "error", err)
		return
	}
	w.log.Warn("audit fallback written", "path", path)
}
