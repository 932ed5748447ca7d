// internal/models/affiliate_link.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// AffiliateLink binds a referral code to one affiliate and one product.
// Only Active/DeactivatedAt ever change after creation.
type AffiliateLink struct {
	BaseModel
	Code          string     `json:"code" gorm:"size:32;not null;uniqueIndex"`
	AffiliateID   uuid.UUID  `json:"affiliate_id" gorm:"type:uuid;not null;index"`
	ProductID     uuid.UUID  `json:"product_id" gorm:"type:uuid;not null;index"`
	VendorID      uuid.UUID  `json:"vendor_id" gorm:"type:uuid;not null;index"`
	Active        bool       `json:"active" gorm:"not null"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}
