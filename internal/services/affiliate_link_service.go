// internal/services/affiliate_link_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

const (
	referralCodeLength   = 8
	maxCodeGenerateTries = 5
)

type AffiliateLinkService struct {
	db      *gorm.DB
	catalog *CatalogService
}

type CreateAffiliateLinkRequest struct {
	AffiliateID uuid.UUID `json:"affiliate_id" validate:"required"`
	ProductID   uuid.UUID `json:"product_id" validate:"required"`
}

func NewAffiliateLinkService(db *gorm.DB, catalog *CatalogService) *AffiliateLinkService {
	return &AffiliateLinkService{db: db, catalog: catalog}
}

// CreateLink issues a fresh code for the pair. Codes are never reassigned, so
// a collision simply draws another code.
func (s *AffiliateLinkService) CreateLink(ctx context.Context, vendorID uuid.UUID, req *CreateAffiliateLinkRequest) (*models.AffiliateLink, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, validationError("%v", err)
	}

	product, err := s.catalog.GetOrderableProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.VendorID != vendorID {
		return nil, fmt.Errorf("%w: product %s belongs to another vendor", ErrForbidden, product.ID)
	}

	for attempt := 0; attempt < maxCodeGenerateTries; attempt++ {
		code, err := utils.GenerateReferralCode(referralCodeLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate referral code: %w", err)
		}

		link := &models.AffiliateLink{
			Code:        code,
			AffiliateID: req.AffiliateID,
			ProductID:   product.ID,
			VendorID:    vendorID,
			Active:      true,
		}
		err = s.db.WithContext(ctx).Create(link).Error
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"code":         link.Code,
				"affiliate_id": link.AffiliateID,
				"product_id":   link.ProductID,
			}).Info("Affiliate link created")
			return link, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, storageUnavailable("create affiliate link", err)
		}
	}

	return nil, fmt.Errorf("%w: could not allocate a unique referral code", ErrConcurrencyConflict)
}

func (s *AffiliateLinkService) GetLink(ctx context.Context, code string) (*models.AffiliateLink, error) {
	var link models.AffiliateLink
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: affiliate link %q", ErrNotFound, code)
		}
		return nil, storageUnavailable("load affiliate link", err)
	}
	return &link, nil
}

func (s *AffiliateLinkService) ListByAffiliate(ctx context.Context, affiliateID uuid.UUID, params utils.PaginationParams) ([]models.AffiliateLink, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AffiliateLink{}).Where("affiliate_id = ?", affiliateID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageUnavailable("count affiliate links", err)
	}

	query = utils.ApplySort(query, params, []string{"created_at", "code"})
	query = utils.ApplyPagination(query, params)

	var links []models.AffiliateLink
	if err := query.Find(&links).Error; err != nil {
		return nil, 0, storageUnavailable("list affiliate links", err)
	}
	return links, total, nil
}

// Deactivate stops a code from attributing new orders. Commissions already
// created through it are unaffected.
func (s *AffiliateLinkService) Deactivate(ctx context.Context, vendorID uuid.UUID, code string) (*models.AffiliateLink, error) {
	link, err := s.GetLink(ctx, code)
	if err != nil {
		return nil, err
	}
	if link.VendorID != vendorID {
		return nil, fmt.Errorf("%w: link %q belongs to another vendor", ErrForbidden, code)
	}
	if !link.Active {
		return link, nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(link).Updates(map[string]interface{}{
		"active":         false,
		"deactivated_at": now,
	}).Error; err != nil {
		return nil, storageUnavailable("deactivate affiliate link", err)
	}
	link.Active = false
	link.DeactivatedAt = &now
	return link, nil
}
