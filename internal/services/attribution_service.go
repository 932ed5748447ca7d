// internal/services/attribution_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/models"
)

type Attribution struct {
	Code        string    `json:"code"`
	AffiliateID uuid.UUID `json:"affiliate_id"`
	ProductID   uuid.UUID `json:"product_id"`
}

// AttributionResolver maps a referral code to its affiliate/product pairing.
// It never writes.
type AttributionResolver struct {
	db *gorm.DB
}

func NewAttributionResolver(db *gorm.DB) *AttributionResolver {
	return &AttributionResolver{db: db}
}

// Resolve returns ErrAttributionNotFound for unknown or inactive codes.
// Callers decide whether that blocks anything; for orders it never does.
func (r *AttributionResolver) Resolve(ctx context.Context, code string) (*Attribution, error) {
	return resolveWith(r.db.WithContext(ctx), code)
}

// ResolveFor additionally requires the link to point at productID. A code
// for another product is treated as unknown.
func (r *AttributionResolver) ResolveFor(ctx context.Context, code string, productID uuid.UUID) (*Attribution, error) {
	attribution, err := r.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if attribution.ProductID != productID {
		return nil, fmt.Errorf("%w: code %q is for another product", ErrAttributionNotFound, code)
	}
	return attribution, nil
}

func resolveWith(db *gorm.DB, code string) (*Attribution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrAttributionNotFound)
	}

	var link models.AffiliateLink
	err := db.Where("code = ?", code).First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: code %q", ErrAttributionNotFound, code)
		}
		return nil, storageUnavailable("resolve attribution", err)
	}
	if !link.Active {
		return nil, fmt.Errorf("%w: code %q is inactive", ErrAttributionNotFound, code)
	}

	return &Attribution{
		Code:        link.Code,
		AffiliateID: link.AffiliateID,
		ProductID:   link.ProductID,
	}, nil
}
