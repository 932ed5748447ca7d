// internal/models/withdrawal.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Withdrawal struct {
	BaseModel
	AffiliateID   uuid.UUID        `json:"affiliate_id" gorm:"type:uuid;not null;index"`
	Amount        int64            `json:"amount" gorm:"not null"`
	Status        WithdrawalStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	FailureReason string           `json:"failure_reason,omitempty" gorm:"type:text"`
	SettledAt     *time.Time       `json:"settled_at,omitempty"`
	CancelledAt   *time.Time       `json:"cancelled_at,omitempty"`
}
