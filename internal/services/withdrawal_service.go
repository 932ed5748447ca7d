// internal/services/withdrawal_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

type WithdrawalService struct {
	db        *gorm.DB
	ledger    *LedgerService
	publisher EventPublisher
	cfg       config.PaymentConfig
}

type WithdrawalRequest struct {
	AffiliateID uuid.UUID `json:"affiliate_id" validate:"required"`
	Amount      int64     `json:"amount" validate:"required,min=1"`
}

type SettlementResult struct {
	Withdrawal      *models.Withdrawal   `json:"withdrawal"`
	Balance         models.WalletBalance `json:"balance"`
	CommissionsPaid int                  `json:"commissions_paid"`
}

func NewWithdrawalService(db *gorm.DB, ledger *LedgerService, publisher EventPublisher, cfg config.PaymentConfig) *WithdrawalService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &WithdrawalService{db: db, ledger: ledger, publisher: publisher, cfg: cfg}
}

// Request reserves part of the available balance. Nothing moves in the
// ledger until the withdrawal is settled.
func (s *WithdrawalService) Request(ctx context.Context, req *WithdrawalRequest) (*models.Withdrawal, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, validationError("%v", err)
	}
	if req.Amount < s.cfg.MinimumPayout {
		return nil, validationErrorFor(ErrBelowMinimumPayout, fmt.Sprintf("minimum payout is %d", s.cfg.MinimumPayout))
	}

	var withdrawal *models.Withdrawal
	err := s.ledger.WithAffiliate(ctx, req.AffiliateID, func(ltx *LedgerTx) error {
		balance, err := ltx.Balance()
		if err != nil {
			return err
		}
		outstanding, err := outstandingRequested(ltx.DB(), req.AffiliateID)
		if err != nil {
			return err
		}
		if balance.AvailableBalance-outstanding < req.Amount {
			return fmt.Errorf("%w: available %d, already requested %d, asked %d",
				ErrInsufficientBalance, balance.AvailableBalance, outstanding, req.Amount)
		}

		withdrawal = &models.Withdrawal{
			AffiliateID: req.AffiliateID,
			Amount:      req.Amount,
			Status:      models.WithdrawalStatusRequested,
		}
		if err := ltx.DB().Create(withdrawal).Error; err != nil {
			return storageUnavailable("create withdrawal", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"withdrawal_id": withdrawal.ID,
		"affiliate_id":  withdrawal.AffiliateID,
		"amount":        withdrawal.Amount,
	}).Info("Withdrawal requested")
	return withdrawal, nil
}

// Cancel is only possible before the withdraw entry is appended.
func (s *WithdrawalService) Cancel(ctx context.Context, affiliateID, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	current, err := s.Get(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if current.AffiliateID != affiliateID {
		return nil, fmt.Errorf("%w: withdrawal %s belongs to another affiliate", ErrForbidden, withdrawalID)
	}

	var withdrawal *models.Withdrawal
	err = s.ledger.WithAffiliate(ctx, affiliateID, func(ltx *LedgerTx) error {
		withdrawal, err = loadWithdrawalTx(ltx.DB(), withdrawalID)
		if err != nil {
			return err
		}
		if withdrawal.Status != models.WithdrawalStatusRequested {
			return fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidTransition, withdrawalID, withdrawal.Status)
		}

		now := time.Now().UTC()
		if err := updateWithdrawalStatus(ltx.DB(), withdrawal, models.WithdrawalStatusCancelled, map[string]interface{}{
			"cancelled_at": now,
		}); err != nil {
			return err
		}
		withdrawal.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return withdrawal, nil
}

// Settle pays out a requested withdrawal. The available balance is re-folded
// under the affiliate lock; if it no longer covers the amount the withdrawal
// is marked failed and ErrInsufficientBalance is returned.
func (s *WithdrawalService) Settle(ctx context.Context, withdrawalID uuid.UUID) (*SettlementResult, error) {
	current, err := s.Get(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	result := &SettlementResult{}
	var shortfall error
	err = s.ledger.WithAffiliate(ctx, current.AffiliateID, func(ltx *LedgerTx) error {
		shortfall = nil
		withdrawal, err := loadWithdrawalTx(ltx.DB(), withdrawalID)
		if err != nil {
			return err
		}
		if withdrawal.Status != models.WithdrawalStatusRequested {
			return fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidTransition, withdrawalID, withdrawal.Status)
		}

		balance, err := ltx.Balance()
		if err != nil {
			return err
		}
		if balance.AvailableBalance < withdrawal.Amount {
			shortfall = fmt.Errorf("%w: available %d, withdrawal %d", ErrInsufficientBalance, balance.AvailableBalance, withdrawal.Amount)
			result.Withdrawal, result.Balance = withdrawal, balance
			return updateWithdrawalStatus(ltx.DB(), withdrawal, models.WithdrawalStatusFailed, map[string]interface{}{
				"failure_reason": shortfall.Error(),
			})
		}

		if err := ltx.Append(&models.LedgerEntry{
			AffiliateID:  withdrawal.AffiliateID,
			WithdrawalID: &withdrawal.ID,
			Kind:         models.EntryKindWithdraw,
			Amount:       withdrawal.Amount,
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := updateWithdrawalStatus(ltx.DB(), withdrawal, models.WithdrawalStatusPaid, map[string]interface{}{
			"settled_at": now,
		}); err != nil {
			return err
		}
		withdrawal.SettledAt = &now

		balance, err = ltx.Balance()
		if err != nil {
			return err
		}
		paid, err := markCoveredPaid(ltx, withdrawal.ID, balance.WithdrawnTotal)
		if err != nil {
			return err
		}

		result.Withdrawal, result.Balance, result.CommissionsPaid = withdrawal, balance, paid
		return nil
	})
	if err != nil {
		return nil, err
	}
	if shortfall != nil {
		logrus.WithError(shortfall).WithField("withdrawal_id", withdrawalID).Warn("Withdrawal settlement failed")
		return result, shortfall
	}

	logrus.WithFields(logrus.Fields{
		"withdrawal_id":    withdrawalID,
		"affiliate_id":     result.Withdrawal.AffiliateID,
		"amount":           result.Withdrawal.Amount,
		"commissions_paid": result.CommissionsPaid,
	}).Info("Withdrawal settled")
	publishQuietly(ctx, s.publisher, newEvent(EventWithdrawalSettled, result.Withdrawal.AffiliateID.String(), result.Withdrawal))
	return result, nil
}

func (s *WithdrawalService) Get(ctx context.Context, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	return loadWithdrawalTx(s.db.WithContext(ctx), withdrawalID)
}

func (s *WithdrawalService) List(ctx context.Context, affiliateID uuid.UUID, params utils.PaginationParams) ([]models.Withdrawal, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Withdrawal{}).Where("affiliate_id = ?", affiliateID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageUnavailable("count withdrawals", err)
	}

	query = utils.ApplySort(query, params, []string{"created_at", "amount", "status"})
	query = utils.ApplyPagination(query, params)

	var withdrawals []models.Withdrawal
	if err := query.Find(&withdrawals).Error; err != nil {
		return nil, 0, storageUnavailable("list withdrawals", err)
	}
	return withdrawals, total, nil
}

func outstandingRequested(tx *gorm.DB, affiliateID uuid.UUID) (int64, error) {
	var total int64
	if err := tx.Model(&models.Withdrawal{}).
		Where("affiliate_id = ? AND status = ?", affiliateID, models.WithdrawalStatusRequested).
		Select("COALESCE(SUM(amount), 0)").Scan(&total).Error; err != nil {
		return 0, storageUnavailable("sum requested withdrawals", err)
	}
	return total, nil
}

func loadWithdrawalTx(tx *gorm.DB, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	if err := tx.First(&withdrawal, "id = ?", withdrawalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: withdrawal %s", ErrNotFound, withdrawalID)
		}
		return nil, storageUnavailable("load withdrawal", err)
	}
	return &withdrawal, nil
}

func updateWithdrawalStatus(tx *gorm.DB, withdrawal *models.Withdrawal, next models.WithdrawalStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": next}
	for k, v := range extra {
		updates[k] = v
	}
	result := tx.Model(&models.Withdrawal{}).
		Where("id = ? AND status = ?", withdrawal.ID, withdrawal.Status).
		Updates(updates)
	if result.Error != nil {
		return storageUnavailable("update withdrawal", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: withdrawal %s changed concurrently", ErrInvalidTransition, withdrawal.ID)
	}
	withdrawal.Status = next
	if reason, ok := extra["failure_reason"].(string); ok {
		withdrawal.FailureReason = reason
	}
	return nil
}
