package model

import "time"

// OutboxStatus publication state of an outbox row
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
)

// OutboxEvent is a domain event written in the same transaction as the change
// it describes and published to the event log afterwards.
type OutboxEvent struct {
	ID          uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"eventId"`
	EventType   string       `gorm:"type:varchar(64);not null" json:"eventType"`
	AggregateID string       `gorm:"type:varchar(64);not null" json:"aggregateId"`
	Topic       string       `gorm:"type:varchar(128);not null" json:"topic"`
	Payload     []byte       `gorm:"not null" json:"payload"`
	Status      OutboxStatus `gorm:"type:varchar(20);not null;index:idx_outbox_status_id,priority:1" json:"status"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"createdAt"`
	PublishedAt *time.Time   `json:"publishedAt,omitempty"`
}

// TableName set name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
