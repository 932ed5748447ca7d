// internal/services/catalog_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

// CatalogService reads the local mirror of the vendor catalog. Orders are
// priced from it and rejected when the product is missing or inactive.
type CatalogService struct {
	db *gorm.DB
}

type CreateProductRequest struct {
	VendorID      uuid.UUID `json:"vendor_id" validate:"required"`
	Title         string    `json:"title" validate:"required,min=3,max=255"`
	Price         int64     `json:"price" validate:"min=0"`
	CommissionPct int64     `json:"commission_pct" validate:"min=0,max=100"`
}

func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{db: db}
}

func (s *CatalogService) GetProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := s.db.WithContext(ctx).First(&product, "id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationErrorFor(ErrProductNotFound, productID.String())
		}
		return nil, storageUnavailable("load product", err)
	}
	return &product, nil
}

// GetOrderableProduct additionally rejects inactive products.
func (s *CatalogService) GetOrderableProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.IsActive {
		return nil, validationErrorFor(ErrProductInactive, productID.String())
	}
	return product, nil
}

// CreateProduct mirrors a catalog entry pushed by the vendor catalog.
func (s *CatalogService) CreateProduct(ctx context.Context, req *CreateProductRequest) (*models.Product, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, validationError("%v", err)
	}

	product := &models.Product{
		VendorID:      req.VendorID,
		Title:         req.Title,
		Price:         req.Price,
		CommissionPct: req.CommissionPct,
		IsActive:      true,
	}
	if err := s.db.WithContext(ctx).Create(product).Error; err != nil {
		return nil, storageUnavailable("create product", err)
	}
	return product, nil
}

func (s *CatalogService) SetActive(ctx context.Context, productID uuid.UUID, active bool) (*models.Product, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
		}
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(product).Update("is_active", active).Error; err != nil {
		return nil, storageUnavailable("update product", err)
	}
	product.IsActive = active
	return product, nil
}
