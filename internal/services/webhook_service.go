// internal/services/webhook_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

var errWebhookReplay = errors.New("webhook already applied")

type DeliveryWebhookRequest struct {
	EventID   string                   `json:"event_id" validate:"omitempty,max=128"`
	OrderID   uuid.UUID                `json:"order_id" validate:"required"`
	EventType models.DeliveryEventType `json:"event_type" validate:"required,oneof=delivered cancelled refunded"`
	Signature string                   `json:"signature"`
}

type WebhookResult struct {
	OrderID     uuid.UUID                `json:"order_id"`
	EventType   models.DeliveryEventType `json:"event_type"`
	OrderStatus models.OrderStatus       `json:"order_status"`
	Commission  *models.CommissionRecord `json:"commission,omitempty"`
	Replayed    bool                     `json:"replayed"`
}

// WebhookService applies signed delivery notifications from fulfilment.
// Order status and commission state change in one transaction; replays are
// acknowledged without effect.
type WebhookService struct {
	db        *gorm.DB
	ledger    *LedgerService
	lifecycle *CommissionLifecycle
	publisher EventPublisher
	secret    string
}

func NewWebhookService(db *gorm.DB, ledger *LedgerService, lifecycle *CommissionLifecycle, publisher EventPublisher, cfg config.WebhookConfig) *WebhookService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &WebhookService{
		db:        db,
		ledger:    ledger,
		lifecycle: lifecycle,
		publisher: publisher,
		secret:    cfg.Secret,
	}
}

// SignaturePayload is the canonical string a delivery webhook is signed over.
// Senders without event ids sign over order_id.event_type.
func SignaturePayload(orderID uuid.UUID, eventType models.DeliveryEventType, eventID string) string {
	if eventID == "" {
		return fmt.Sprintf("%s.%s", orderID, eventType)
	}
	return fmt.Sprintf("%s.%s.%s", orderID, eventType, eventID)
}

// DedupeKey identifies the notification in webhook_events. Without an event
// id a signal is applied at most once per order.
func (r *DeliveryWebhookRequest) DedupeKey() string {
	if r.EventID != "" {
		return r.EventID
	}
	return fmt.Sprintf("%s.%s", r.OrderID, r.EventType)
}

func (s *WebhookService) VerifySignature(req *DeliveryWebhookRequest) bool {
	return utils.VerifyHMAC(s.secret, SignaturePayload(req.OrderID, req.EventType, req.EventID), req.Signature)
}

func (s *WebhookService) HandleDelivery(ctx context.Context, req *DeliveryWebhookRequest) (*WebhookResult, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, validationError("%v", err)
	}
	if !s.VerifySignature(req) {
		return nil, fmt.Errorf("%w: delivery event %s", ErrInvalidSignature, req.DedupeKey())
	}

	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", req.OrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, req.OrderID)
		}
		return nil, storageUnavailable("load order", err)
	}

	target := orderStatusFor(req.EventType)
	result := &WebhookResult{OrderID: order.ID, EventType: req.EventType}

	var err error
	if order.AffiliateID != nil {
		err = s.ledger.WithAffiliate(ctx, *order.AffiliateID, func(ltx *LedgerTx) error {
			return s.apply(ltx.DB(), ltx, req, target, result)
		})
	} else {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.apply(tx, nil, req, target, result)
		})
	}

	log := logrus.WithFields(logrus.Fields{
		"event_id":   req.DedupeKey(),
		"order_id":   req.OrderID,
		"event_type": req.EventType,
	})
	if errors.Is(err, errWebhookReplay) {
		log.Info("Delivery webhook replay ignored")
		return &WebhookResult{OrderID: order.ID, EventType: req.EventType, OrderStatus: target, Replayed: true}, nil
	}
	if err != nil {
		log.WithError(err).Warn("Delivery webhook rejected")
		return nil, err
	}

	log.WithField("order_status", result.OrderStatus).Info("Delivery webhook applied")
	if result.Commission != nil {
		eventType := EventCommissionConfirmed
		if result.Commission.State == models.CommissionStateReversed {
			eventType = EventCommissionReversed
		}
		publishQuietly(ctx, s.publisher, newEvent(eventType, result.Commission.AffiliateID.String(), result.Commission))
	}
	return result, nil
}

func (s *WebhookService) apply(tx *gorm.DB, ltx *LedgerTx, req *DeliveryWebhookRequest, target models.OrderStatus, result *WebhookResult) error {
	result.Commission = nil

	event := &models.WebhookEvent{EventID: req.DedupeKey(), OrderID: req.OrderID, EventType: req.EventType}
	if err := tx.Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errWebhookReplay
		}
		return storageUnavailable("record webhook event", err)
	}

	var order models.Order
	if err := tx.First(&order, "id = ?", req.OrderID).Error; err != nil {
		return storageUnavailable("reload order", err)
	}
	if order.Status == target {
		// Same signal for the same order under a new event id.
		return errWebhookReplay
	}
	if !order.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, order.ID, order.Status, target)
	}

	update := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, order.Status).
		Update("status", target)
	if update.Error != nil {
		return storageUnavailable("update order status", update.Error)
	}
	if update.RowsAffected != 1 {
		return fmt.Errorf("%w: order %s changed concurrently", ErrInvalidTransition, order.ID)
	}
	result.OrderStatus = target

	if ltx == nil {
		return nil
	}

	var record models.CommissionRecord
	err := tx.Where("order_id = ?", order.ID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return storageUnavailable("load commission", err)
	}

	switch target {
	case models.OrderStatusConfirmed:
		if record.State != models.CommissionStatePending {
			return nil
		}
		result.Commission, err = s.lifecycle.ConfirmTx(ltx, order.ID)
	default:
		if record.State == models.CommissionStateReversed {
			return nil
		}
		result.Commission, err = s.lifecycle.ReverseTx(ltx, order.ID)
	}
	return err
}

func orderStatusFor(eventType models.DeliveryEventType) models.OrderStatus {
	switch eventType {
	case models.DeliveryEventDelivered:
		return models.OrderStatusConfirmed
	case models.DeliveryEventCancelled:
		return models.OrderStatusCancelled
	default:
		return models.OrderStatusRefunded
	}
}
