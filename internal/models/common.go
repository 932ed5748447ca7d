// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns the primary key client side so rows are addressable
// before the insert returns, independent of the database dialect.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type UserType string

const (
	UserTypeAffiliate UserType = "affiliate"
	UserTypeVendor    UserType = "vendor"
	UserTypeAdmin     UserType = "admin"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusConfirmed: {OrderStatusRefunded},
	OrderStatusCancelled: {},
	OrderStatusRefunded:  {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type CommissionState string

const (
	CommissionStatePending   CommissionState = "pending"
	CommissionStateConfirmed CommissionState = "confirmed"
	CommissionStateReversed  CommissionState = "reversed"
	CommissionStatePaid      CommissionState = "paid"
)

var commissionTransitions = map[CommissionState][]CommissionState{
	CommissionStatePending:   {CommissionStateConfirmed, CommissionStateReversed},
	CommissionStateConfirmed: {CommissionStateReversed, CommissionStatePaid},
	CommissionStateReversed:  {},
	CommissionStatePaid:      {},
}

func (s CommissionState) Valid() bool {
	_, ok := commissionTransitions[s]
	return ok
}

func (s CommissionState) CanTransitionTo(next CommissionState) bool {
	for _, allowed := range commissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type EntryKind string

const (
	EntryKindCreditPending EntryKind = "credit_pending"
	EntryKindConfirm       EntryKind = "confirm"
	EntryKindReverse       EntryKind = "reverse"
	EntryKindWithdraw      EntryKind = "withdraw"
)

// Bucket names the slice of a wallet an entry draws from or lands in.
type Bucket string

const (
	BucketNone      Bucket = ""
	BucketPending   Bucket = "pending"
	BucketAvailable Bucket = "available"
	BucketWithdrawn Bucket = "withdrawn"
)

type WithdrawalStatus string

const (
	WithdrawalStatusRequested WithdrawalStatus = "requested"
	WithdrawalStatusCancelled WithdrawalStatus = "cancelled"
	WithdrawalStatusPaid      WithdrawalStatus = "paid"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

type StatEventType string

const (
	StatEventClick      StatEventType = "click"
	StatEventConversion StatEventType = "conversion"
)

func (t StatEventType) Valid() bool {
	return t == StatEventClick || t == StatEventConversion
}

type DeliveryEventType string

const (
	DeliveryEventDelivered DeliveryEventType = "delivered"
	DeliveryEventCancelled DeliveryEventType = "cancelled"
	DeliveryEventRefunded  DeliveryEventType = "refunded"
)

func (t DeliveryEventType) Valid() bool {
	switch t {
	case DeliveryEventDelivered, DeliveryEventCancelled, DeliveryEventRefunded:
		return true
	}
	return false
}
