// internal/services/commission_lifecycle.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/models"
)

// CommissionLifecycle moves commission records through their states. Every
// transition that touches money appends a ledger entry under the affiliate's
// lock; the state column and the entry commit together.
type CommissionLifecycle struct {
	db        *gorm.DB
	ledger    *LedgerService
	publisher EventPublisher
}

func NewCommissionLifecycle(db *gorm.DB, ledger *LedgerService, publisher EventPublisher) *CommissionLifecycle {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &CommissionLifecycle{db: db, ledger: ledger, publisher: publisher}
}

// Confirm moves a pending commission to confirmed and its amount from the
// pending to the available bucket.
func (c *CommissionLifecycle) Confirm(ctx context.Context, orderID uuid.UUID) (*models.CommissionRecord, error) {
	record, err := c.lookup(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var confirmed *models.CommissionRecord
	err = c.ledger.WithAffiliate(ctx, record.AffiliateID, func(ltx *LedgerTx) error {
		confirmed, err = c.ConfirmTx(ltx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	publishQuietly(ctx, c.publisher, newEvent(EventCommissionConfirmed, confirmed.AffiliateID.String(), confirmed))
	return confirmed, nil
}

// Reverse removes a pending or confirmed commission from whichever bucket
// holds it. Paid commissions need manual reconciliation.
func (c *CommissionLifecycle) Reverse(ctx context.Context, orderID uuid.UUID) (*models.CommissionRecord, error) {
	record, err := c.lookup(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var reversed *models.CommissionRecord
	err = c.ledger.WithAffiliate(ctx, record.AffiliateID, func(ltx *LedgerTx) error {
		reversed, err = c.ReverseTx(ltx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	publishQuietly(ctx, c.publisher, newEvent(EventCommissionReversed, reversed.AffiliateID.String(), reversed))
	return reversed, nil
}

// ConfirmTx is Confirm for callers already holding the affiliate's LedgerTx.
// State is re-read inside the transaction so replays cannot double apply.
func (c *CommissionLifecycle) ConfirmTx(ltx *LedgerTx, orderID uuid.UUID) (*models.CommissionRecord, error) {
	record, err := loadCommissionTx(ltx, orderID)
	if err != nil {
		return nil, err
	}
	if !record.State.CanTransitionTo(models.CommissionStateConfirmed) {
		return nil, fmt.Errorf("%w: cannot confirm %s commission for order %s", ErrInvalidTransition, record.State, orderID)
	}

	if err := ltx.Append(&models.LedgerEntry{
		AffiliateID: record.AffiliateID,
		OrderID:     &record.OrderID,
		Kind:        models.EntryKindConfirm,
		Amount:      record.Amount,
	}); err != nil {
		return nil, err
	}
	if err := transitionCommission(ltx.DB(), record, models.CommissionStateConfirmed); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_id":     orderID,
		"affiliate_id": record.AffiliateID,
		"amount":       record.Amount,
	}).Info("Commission confirmed")
	return record, nil
}

func (c *CommissionLifecycle) ReverseTx(ltx *LedgerTx, orderID uuid.UUID) (*models.CommissionRecord, error) {
	record, err := loadCommissionTx(ltx, orderID)
	if err != nil {
		return nil, err
	}

	var bucket models.Bucket
	switch record.State {
	case models.CommissionStatePending:
		bucket = models.BucketPending
	case models.CommissionStateConfirmed:
		bucket = models.BucketAvailable
	case models.CommissionStatePaid:
		return nil, fmt.Errorf("%w: commission for order %s was already paid out", ErrReconciliationRequired, orderID)
	default:
		return nil, fmt.Errorf("%w: cannot reverse %s commission for order %s", ErrInvalidTransition, record.State, orderID)
	}

	err = ltx.Append(&models.LedgerEntry{
		AffiliateID:  record.AffiliateID,
		OrderID:      &record.OrderID,
		Kind:         models.EntryKindReverse,
		SourceBucket: bucket,
		Amount:       -record.Amount,
	})
	if errors.Is(err, ErrInsufficientBalance) {
		// Part of the confirmed amount has already been withdrawn.
		return nil, fmt.Errorf("%w: available balance no longer covers commission for order %s", ErrReconciliationRequired, orderID)
	}
	if err != nil {
		return nil, err
	}
	if err := transitionCommission(ltx.DB(), record, models.CommissionStateReversed); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_id":     orderID,
		"affiliate_id": record.AffiliateID,
		"amount":       record.Amount,
		"bucket":       bucket,
	}).Info("Commission reversed")
	return record, nil
}

// markCoveredPaid walks confirmed commissions oldest first and marks each
// one paid while the affiliate's withdrawn total still covers it. It runs in
// the same transaction as the withdraw entry.
func markCoveredPaid(ltx *LedgerTx, withdrawalID uuid.UUID, withdrawnTotal int64) (int, error) {
	tx := ltx.DB()

	var alreadyPaid int64
	if err := tx.Model(&models.CommissionRecord{}).
		Where("affiliate_id = ? AND state = ?", ltx.AffiliateID(), models.CommissionStatePaid).
		Select("COALESCE(SUM(amount), 0)").Scan(&alreadyPaid).Error; err != nil {
		return 0, storageUnavailable("sum paid commissions", err)
	}
	uncovered := withdrawnTotal - alreadyPaid

	var confirmed []models.CommissionRecord
	if err := tx.Where("affiliate_id = ? AND state = ?", ltx.AffiliateID(), models.CommissionStateConfirmed).
		Order("created_at ASC, id ASC").Find(&confirmed).Error; err != nil {
		return 0, storageUnavailable("load confirmed commissions", err)
	}

	marked := 0
	for i := range confirmed {
		record := &confirmed[i]
		if record.Amount > uncovered {
			break
		}
		record.WithdrawalID = &withdrawalID
		if err := transitionCommission(tx, record, models.CommissionStatePaid); err != nil {
			return marked, err
		}
		uncovered -= record.Amount
		marked++
	}
	return marked, nil
}

func (c *CommissionLifecycle) GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.CommissionRecord, error) {
	return c.lookup(ctx, orderID)
}

func (c *CommissionLifecycle) lookup(ctx context.Context, orderID uuid.UUID) (*models.CommissionRecord, error) {
	var record models.CommissionRecord
	if err := c.db.WithContext(ctx).Where("order_id = ?", orderID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no commission for order %s", ErrNotFound, orderID)
		}
		return nil, storageUnavailable("load commission", err)
	}
	return &record, nil
}

func loadCommissionTx(ltx *LedgerTx, orderID uuid.UUID) (*models.CommissionRecord, error) {
	var record models.CommissionRecord
	if err := ltx.DB().Where("order_id = ?", orderID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no commission for order %s", ErrNotFound, orderID)
		}
		return nil, storageUnavailable("load commission", err)
	}
	if record.AffiliateID != ltx.AffiliateID() {
		return nil, fmt.Errorf("commission for order %s belongs to affiliate %s, not %s", orderID, record.AffiliateID, ltx.AffiliateID())
	}
	return &record, nil
}

// transitionCommission updates the state only if the row still holds the
// state that was checked.
func transitionCommission(tx *gorm.DB, record *models.CommissionRecord, next models.CommissionState) error {
	if !record.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, next)
	}

	updates := map[string]interface{}{"state": next}
	if record.WithdrawalID != nil {
		updates["withdrawal_id"] = *record.WithdrawalID
	}
	result := tx.Model(&models.CommissionRecord{}).
		Where("id = ? AND state = ?", record.ID, record.State).
		Updates(updates)
	if result.Error != nil {
		return storageUnavailable("update commission state", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: commission %s changed concurrently", ErrInvalidTransition, record.ID)
	}
	record.State = next
	return nil
}
