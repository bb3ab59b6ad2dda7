package model

import "time"

// Wallet event types written to the outbox alongside each committed mutation.
const (
	EventTransactionApplied = "transaction.applied"
	EventHoldCreated        = "hold.created"
	EventHoldSettled        = "hold.settled"
	EventHoldReleased       = "hold.released"
)

// OutboxEvent is written in the same database transaction as the mutation it
// describes and relayed to Kafka by cmd/poller (at-least-once; consumers
// dedupe on ID).
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
