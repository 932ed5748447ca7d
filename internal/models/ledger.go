// internal/models/ledger.go
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is an immutable record of one money movement for an affiliate.
// Rows are never updated or deleted; Sequence is gapless per affiliate and
// Hash chains every entry to its predecessor.
//
// Amount sign convention: credit_pending, confirm and withdraw carry the
// positive amount moved; reverse carries the negative amount removed from
// SourceBucket.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	AffiliateID  uuid.UUID  `json:"affiliate_id" gorm:"type:uuid;not null;uniqueIndex:idx_ledger_affiliate_seq,priority:1"`
	Sequence     int64      `json:"sequence" gorm:"not null;uniqueIndex:idx_ledger_affiliate_seq,priority:2"`
	OrderID      *uuid.UUID `json:"order_id,omitempty" gorm:"type:uuid;index"`
	WithdrawalID *uuid.UUID `json:"withdrawal_id,omitempty" gorm:"type:uuid;index"`
	Kind         EntryKind  `json:"kind" gorm:"type:varchar(20);not null;index"`
	SourceBucket Bucket     `json:"source_bucket,omitempty" gorm:"type:varchar(20)"`
	Amount       int64      `json:"amount" gorm:"not null"`
	PrevHash     string     `json:"prev_hash" gorm:"size:64"`
	Hash         string     `json:"hash" gorm:"size:64;not null"`
	CreatedAt    time.Time  `json:"created_at" gorm:"index"`
}

// NetAmount is the entry's effect on the affiliate's total earnings. Moves
// between buckets are net zero.
func (e LedgerEntry) NetAmount() int64 {
	switch e.Kind {
	case EntryKindCreditPending, EntryKindReverse:
		return e.Amount
	default:
		return 0
	}
}

// ComputeHash derives the chain hash from the entry's identity, its money
// fields and the previous entry's hash.
func (e LedgerEntry) ComputeHash() string {
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%d|%s",
		e.ID, e.AffiliateID, e.Sequence, uuidOrEmpty(e.OrderID), uuidOrEmpty(e.WithdrawalID),
		e.Kind, e.SourceBucket, e.Amount, e.PrevHash)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func uuidOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// WalletBalance is derived from ledger entries and never written directly.
type WalletBalance struct {
	AffiliateID      uuid.UUID `json:"affiliate_id"`
	PendingBalance   int64     `json:"pending_balance"`
	AvailableBalance int64     `json:"available_balance"`
	WithdrawnTotal   int64     `json:"withdrawn_total"`
	EntryCount       int64     `json:"entry_count"`
	LastSequence     int64     `json:"last_sequence"`
}

func (b WalletBalance) Total() int64 {
	return b.PendingBalance + b.AvailableBalance + b.WithdrawnTotal
}

// Apply folds a single entry into the balance.
func (b *WalletBalance) Apply(e LedgerEntry) {
	switch e.Kind {
	case EntryKindCreditPending:
		b.PendingBalance += e.Amount
	case EntryKindConfirm:
		b.PendingBalance -= e.Amount
		b.AvailableBalance += e.Amount
	case EntryKindReverse:
		if e.SourceBucket == BucketAvailable {
			b.AvailableBalance += e.Amount
		} else {
			b.PendingBalance += e.Amount
		}
	case EntryKindWithdraw:
		b.AvailableBalance -= e.Amount
		b.WithdrawnTotal += e.Amount
	}
	b.EntryCount++
	if e.Sequence > b.LastSequence {
		b.LastSequence = e.Sequence
	}
}

// FoldEntries computes a balance from entries given in sequence order.
func FoldEntries(affiliateID uuid.UUID, entries []LedgerEntry) WalletBalance {
	balance := WalletBalance{AffiliateID: affiliateID}
	for _, e := range entries {
		balance.Apply(e)
	}
	return balance
}
