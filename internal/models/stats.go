// internal/models/stats.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// AffiliateStat is a daily counter per link code and event type. It feeds
// analytics only and never participates in money movement.
type AffiliateStat struct {
	ID         uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	Code       string        `json:"code" gorm:"size:32;not null;uniqueIndex:idx_stats_code_type_day,priority:1"`
	EventType  StatEventType `json:"event_type" gorm:"type:varchar(20);not null;uniqueIndex:idx_stats_code_type_day,priority:2"`
	Day        string        `json:"day" gorm:"size:10;not null;uniqueIndex:idx_stats_code_type_day,priority:3"`
	EventCount int64         `json:"event_count" gorm:"not null"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// WebhookEvent records processed delivery webhook ids so replays are no-ops.
type WebhookEvent struct {
	BaseModel
	EventID   string            `json:"event_id" gorm:"size:128;not null;uniqueIndex"`
	OrderID   uuid.UUID         `json:"order_id" gorm:"type:uuid;not null;index"`
	EventType DeliveryEventType `json:"event_type" gorm:"type:varchar(20);not null"`
}

type AuditLog struct {
	BaseModel
	UserID       *uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Action       string     `json:"action" gorm:"size:100;not null;index"`
	ResourceType string     `json:"resource_type" gorm:"size:50;not null;index"`
	ResourceID   *uuid.UUID `json:"resource_id" gorm:"type:uuid;index"`
	NewValues    JSONB      `json:"new_values" gorm:"type:jsonb"`
	StatusCode   int        `json:"status_code"`
	IPAddress    string     `json:"ip_address" gorm:"size:45"`
	UserAgent    string     `json:"user_agent" gorm:"type:text"`
}
