package model

import "time"

// Transaction types. Debits carry negative amounts regardless of type.
const (
	TypePurchase      = "purchase"
	TypeGift          = "gift"
	TypeCallCharge    = "call_charge"
	TypeStreamTip     = "stream_tip"
	TypePPVUnlock     = "ppv_unlock"
	TypeCreatorPayout = "creator_payout"
	TypeRefund        = "refund"
)

// StatusCompleted is the only transaction status modeled at this layer;
// pending/partial states live upstream of the ledger.
const StatusCompleted = "completed"

var validTypes = map[string]bool{
	TypePurchase:      true,
	TypeGift:          true,
	TypeCallCharge:    true,
	TypeStreamTip:     true,
	TypePPVUnlock:     true,
	TypeCreatorPayout: true,
	TypeRefund:        true,
}

// ValidType reports whether t is one of the enumerated transaction types.
func ValidType(t string) bool { return validTypes[t] }

// Transaction is one immutable ledger entry: a signed coin movement applied
// to a user's wallet. Amount > 0 credits, < 0 debits. Rows are never updated
// or deleted; the unique idempotency key is what makes retried submissions
// collapse into a single row.
type Transaction struct {
	ID             uint64    `gorm:"primaryKey"`
	UserID         uint64    `gorm:"not null;index"`
	Amount         int64     `gorm:"not null"`
	Type           string    `gorm:"size:32;not null"`
	Status         string    `gorm:"size:16;not null;default:'completed'"`
	Description    string    `gorm:"size:255"`
	IdempotencyKey string    `gorm:"size:64;not null;uniqueIndex"`
	Metadata       string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "transaction" }
