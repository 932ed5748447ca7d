// internal/services/order_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

// OrderStage tracks how far a submission got through the pipeline.
type OrderStage string

const (
	StageReceived           OrderStage = "received"
	StageValidated          OrderStage = "validated"
	StageAttributed         OrderStage = "attributed"
	StageCommissionComputed OrderStage = "commission_computed"
	StageCommitted          OrderStage = "committed"
	StageRejected           OrderStage = "rejected"
)

var errDuplicateOrder = errors.New("duplicate idempotency key")

type CreateOrderRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	// AffiliateCode is not format checked. A malformed code is an unknown
	// code and must not block the sale.
	AffiliateCode  *string                `json:"affiliate_code,omitempty"`
	CustomerInfo   map[string]interface{} `json:"customer_info" validate:"required"`
	Quantity       int64                  `json:"quantity" validate:"required,min=1"`
	IdempotencyKey string                 `json:"idempotency_key" validate:"required,idempotency_key"`
}

type OrderResult struct {
	Order      *models.Order            `json:"order"`
	Commission *models.CommissionRecord `json:"commission,omitempty"`
	// Duplicate is set when the idempotency key matched an earlier order.
	Duplicate bool       `json:"duplicate"`
	Stage     OrderStage `json:"-"`
}

// OrderService is the ingestion pipeline. An order, its commission record and
// the matching credit_pending entry are committed together or not at all.
type OrderService struct {
	db        *gorm.DB
	catalog   *CatalogService
	resolver  *AttributionResolver
	ledger    *LedgerService
	stats     *StatsRecorder
	publisher EventPublisher
}

func NewOrderService(db *gorm.DB, catalog *CatalogService, resolver *AttributionResolver, ledger *LedgerService, stats *StatsRecorder, publisher EventPublisher) *OrderService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &OrderService{
		db:        db,
		catalog:   catalog,
		resolver:  resolver,
		ledger:    ledger,
		stats:     stats,
		publisher: publisher,
	}
}

func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResult, error) {
	log := logrus.WithField("idempotency_key", req.IdempotencyKey)
	stage := StageReceived

	reject := func(err error) (*OrderResult, error) {
		log.WithError(err).WithField("stage", stage).Info("Order rejected")
		return &OrderResult{Stage: StageRejected}, err
	}

	// Received -> Validated
	if err := utils.ValidateStruct(req); err != nil {
		return reject(validationError("%v", err))
	}

	if existing, err := s.findByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return reject(err)
	} else if existing != nil {
		return s.duplicateResult(existing), nil
	}

	product, err := s.catalog.GetOrderableProduct(ctx, req.ProductID)
	if err != nil {
		return reject(err)
	}
	total, err := OrderTotal(product.Price, req.Quantity)
	if err != nil {
		return reject(err)
	}
	stage = StageValidated

	order := &models.Order{
		ProductID:      product.ID,
		VendorID:       product.VendorID,
		CustomerInfo:   models.JSONB(req.CustomerInfo),
		Quantity:       req.Quantity,
		UnitPrice:      product.Price,
		TotalAmount:    total,
		Status:         models.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
	}

	// Validated -> Attributed
	var attribution *Attribution
	if code := normalizeCode(req.AffiliateCode); code != "" {
		order.AffiliateCode = &code
		attribution, err = s.resolver.ResolveFor(ctx, code, product.ID)
		switch {
		case errors.Is(err, ErrAttributionNotFound):
			log.WithError(err).Warn("Order proceeds without attribution")
			attribution = nil
		case err != nil:
			return reject(err)
		default:
			order.AffiliateID = &attribution.AffiliateID
		}
	}
	stage = StageAttributed

	// Attributed -> CommissionComputed
	var commission *models.CommissionRecord
	if attribution != nil {
		amount, err := ComputeCommission(product.Price, req.Quantity, product.CommissionPct)
		if err != nil {
			return reject(err)
		}
		if amount > 0 {
			commission = &models.CommissionRecord{
				AffiliateID: attribution.AffiliateID,
				Amount:      amount,
				State:       models.CommissionStatePending,
			}
		}
	}
	stage = StageCommissionComputed

	// CommissionComputed -> Committed
	if err := s.commit(ctx, order, commission); err != nil {
		if errors.Is(err, errDuplicateOrder) {
			existing, lookupErr := s.findByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return reject(lookupErr)
			}
			if existing != nil {
				return s.duplicateResult(existing), nil
			}
			return reject(storageUnavailable("resolve duplicate order", err))
		}
		return reject(err)
	}
	stage = StageCommitted

	log.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"attributed": attribution != nil,
		"commission": commission != nil,
	}).Info("Order committed")

	if attribution != nil && s.stats != nil {
		s.stats.Record(attribution.Code, models.StatEventConversion, order.ID.String())
	}
	publishQuietly(ctx, s.publisher, newEvent(EventOrderCommitted, eventKey(order), order))

	order.Commission = commission
	return &OrderResult{Order: order, Commission: commission, Stage: stage}, nil
}

func (s *OrderService) commit(ctx context.Context, order *models.Order, commission *models.CommissionRecord) error {
	if commission == nil {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return insertOrder(tx, order)
		})
	}

	return s.ledger.WithAffiliate(ctx, commission.AffiliateID, func(ltx *LedgerTx) error {
		tx := ltx.DB()
		if err := insertOrder(tx, order); err != nil {
			return err
		}

		commission.ID = uuid.Nil
		commission.OrderID = order.ID
		if err := tx.Create(commission).Error; err != nil {
			return storageUnavailable("create commission record", err)
		}

		orderID := order.ID
		return ltx.Append(&models.LedgerEntry{
			AffiliateID: commission.AffiliateID,
			OrderID:     &orderID,
			Kind:        models.EntryKindCreditPending,
			Amount:      commission.Amount,
		})
	})
}

func insertOrder(tx *gorm.DB, order *models.Order) error {
	// A retried attempt must not reuse the id from a rolled back insert.
	order.ID = uuid.Nil
	if err := tx.Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errDuplicateOrder
		}
		return storageUnavailable("create order", err)
	}
	return nil
}

func (s *OrderService) findByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Preload("Commission").Where("idempotency_key = ?", key).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageUnavailable("lookup idempotency key", err)
	}
	return &order, nil
}

func (s *OrderService) duplicateResult(order *models.Order) *OrderResult {
	logrus.WithFields(logrus.Fields{
		"order_id":        order.ID,
		"idempotency_key": order.IdempotencyKey,
	}).Info("Duplicate order submission, returning existing order")
	return &OrderResult{Order: order, Commission: order.Commission, Duplicate: true, Stage: StageCommitted}
}

func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Preload("Commission").First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return nil, storageUnavailable("load order", err)
	}
	return &order, nil
}

func normalizeCode(code *string) string {
	if code == nil {
		return ""
	}
	return strings.TrimSpace(*code)
}

func eventKey(order *models.Order) string {
	if order.AffiliateID != nil {
		return order.AffiliateID.String()
	}
	return order.ID.String()
}
