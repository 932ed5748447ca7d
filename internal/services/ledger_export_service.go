// internal/services/ledger_export_service.go
package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/affiliate-backend/internal/models"
)

type LedgerExportService struct {
	ledger  *LedgerService
	storage *StorageService
}

type ExportResult struct {
	Upload       *UploadResult      `json:"upload"`
	Verification *ChainVerification `json:"verification"`
	Entries      int                `json:"entries"`
}

func NewLedgerExportService(ledger *LedgerService, storage *StorageService) *LedgerExportService {
	return &LedgerExportService{ledger: ledger, storage: storage}
}

var statementHeader = []string{
	"sequence", "created_at", "kind", "source_bucket", "amount", "order_id", "withdrawal_id",
	"pending_balance", "available_balance", "withdrawn_total", "hash",
}

// Export uploads a CSV statement of every entry with running balances. The
// chain is verified first so a statement is never produced from a broken
// ledger.
func (s *LedgerExportService) Export(ctx context.Context, affiliateID uuid.UUID) (*ExportResult, error) {
	if !s.storage.Enabled() {
		return nil, ErrStorageNotConfigured
	}

	verification, err := s.ledger.VerifyChain(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	if !verification.Valid {
		return nil, fmt.Errorf("%w: ledger chain for affiliate %s is broken at sequence %d (%s)",
			ErrReconciliationRequired, affiliateID, verification.BrokenAt, verification.Reason)
	}

	entries, err := s.ledger.AllEntries(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	data, err := BuildStatement(affiliateID, entries)
	if err != nil {
		return nil, err
	}

	upload, err := s.storage.Upload(ctx, s.storage.StatementKey(affiliateID, ".csv"), data, "text/csv")
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"affiliate_id": affiliateID,
		"key":          upload.Key,
		"entries":      len(entries),
	}).Info("Ledger statement exported")
	return &ExportResult{Upload: upload, Verification: verification, Entries: len(entries)}, nil
}

// BuildStatement renders entries in sequence order with the balance after
// each one.
func BuildStatement(affiliateID uuid.UUID, entries []models.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(statementHeader); err != nil {
		return nil, fmt.Errorf("failed to write statement header: %w", err)
	}

	balance := models.WalletBalance{AffiliateID: affiliateID}
	for _, entry := range entries {
		balance.Apply(entry)
		row := []string{
			strconv.FormatInt(entry.Sequence, 10),
			entry.CreatedAt.UTC().Format(time.RFC3339),
			string(entry.Kind),
			string(entry.SourceBucket),
			strconv.FormatInt(entry.Amount, 10),
			optionalID(entry.OrderID),
			optionalID(entry.WithdrawalID),
			strconv.FormatInt(balance.PendingBalance, 10),
			strconv.FormatInt(balance.AvailableBalance, 10),
			strconv.FormatInt(balance.WithdrawnTotal, 10),
			entry.Hash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write statement row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush statement: %w", err)
	}
	return buf.Bytes(), nil
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
