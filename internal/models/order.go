// internal/models/order.go
package models

import (
	"github.com/google/uuid"
)

type Order struct {
	BaseModel
	ProductID      uuid.UUID   `json:"product_id" gorm:"type:uuid;not null;index"`
	VendorID       uuid.UUID   `json:"vendor_id" gorm:"type:uuid;not null;index"`
	AffiliateCode  *string     `json:"affiliate_code,omitempty" gorm:"size:32;index"`
	AffiliateID    *uuid.UUID  `json:"affiliate_id,omitempty" gorm:"type:uuid;index"`
	CustomerInfo   JSONB       `json:"customer_info" gorm:"type:jsonb"`
	Quantity       int64       `json:"quantity" gorm:"not null"`
	UnitPrice      int64       `json:"unit_price" gorm:"not null"`
	TotalAmount    int64       `json:"total_amount" gorm:"not null"`
	Status         OrderStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	IdempotencyKey string      `json:"idempotency_key" gorm:"size:255;not null;uniqueIndex"`

	Commission *CommissionRecord `json:"commission,omitempty" gorm:"foreignKey:OrderID"`
}

// CommissionRecord is the money obligation created for an attributed order.
type CommissionRecord struct {
	BaseModel
	OrderID      uuid.UUID       `json:"order_id" gorm:"type:uuid;not null;uniqueIndex"`
	AffiliateID  uuid.UUID       `json:"affiliate_id" gorm:"type:uuid;not null;index"`
	Amount       int64           `json:"amount" gorm:"not null"`
	State        CommissionState `json:"state" gorm:"type:varchar(20);not null;default:'pending';index"`
	WithdrawalID *uuid.UUID      `json:"withdrawal_id,omitempty" gorm:"type:uuid;index"`
}
