package model

import "time"

// Wallet holds a user's coin balance. HeldBalance is the portion reserved by
// active holds; Available is what new debits and holds may draw on.
// Invariant after every committed operation: 0 <= HeldBalance <= Balance.
type Wallet struct {
	ID               uint64    `gorm:"primaryKey"`
	UserID           uint64    `gorm:"not null;uniqueIndex"`
	Balance          int64     `gorm:"not null;default:0"`
	HeldBalance      int64     `gorm:"not null;default:0"`
	Version          uint64    `gorm:"not null;default:0"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
	LastReconciledAt *time.Time
}

func (Wallet) TableName() string { return "wallet" }

// Available is the balance free for new spending or holds.
func (w *Wallet) Available() int64 { return w.Balance - w.HeldBalance }
