// internal/models/product.go
package models

import (
	"github.com/google/uuid"
)

// Product is the local mirror of the catalog entry an order is priced from.
// Prices are held in minor currency units.
type Product struct {
	BaseModel
	VendorID      uuid.UUID `json:"vendor_id" gorm:"type:uuid;not null;index"`
	Title         string    `json:"title" gorm:"size:255;not null"`
	Price         int64     `json:"price" gorm:"not null"`
	CommissionPct int64     `json:"commission_pct" gorm:"not null;default:0"`
	IsActive      bool      `json:"is_active" gorm:"not null"`
}
