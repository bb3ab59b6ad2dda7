package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/digisapp/wallet-engine/internal/model"
)

// Domain errors surfaced to callers as typed failures.
var (
	// ErrInsufficientBalance is returned when a debit or hold would drive
	// available balance (balance - held) below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrHoldNotFound is returned when the referenced hold does not exist.
	ErrHoldNotFound = errors.New("hold not found")
	// ErrHoldNotActive is returned when settling or releasing a hold that
	// already reached a terminal state.
	ErrHoldNotActive = errors.New("hold not active")
)

// balanceTTL bounds cache staleness for the read path. Writes invalidate
// eagerly, so the TTL only matters for mutations the engine never saw
// (manual DB surgery, replicas).
const balanceTTL = 60 * time.Second

// RepositoryInterface restricts repo methods so the service can be unit
// tested against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	LockWallet(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error)
	GetWallet(ctx context.Context, userID uint64) (*model.Wallet, error)
	GetOrCreateWallet(ctx context.Context, userID uint64) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, balance, heldBalance int64) error
	TouchReconciled(ctx context.Context, userID uint64, at time.Time) error
	ListWalletUserIDs(ctx context.Context) ([]uint64, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TxByKey(ctx context.Context, key string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, userID uint64, limit int) ([]model.Transaction, error)
	SumTransactions(ctx context.Context, userID uint64) (int64, error)

	CreateHold(ctx context.Context, tx *gorm.DB, h *model.Hold) error
	GetHoldForUpdate(ctx context.Context, tx *gorm.DB, holdID string) (*model.Hold, error)
	MarkHoldTerminal(ctx context.Context, tx *gorm.DB, holdID, status string, at time.Time) error

	GetOrCreateUser(ctx context.Context, tx *gorm.DB, userID uint64) (*model.User, error)
	UpdateUserSpend(ctx context.Context, tx *gorm.DB, userID uint64, lifetimeSpend int64, tier string) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, userID uint64, balance int64) error
	GetCachedBalance(ctx context.Context, userID uint64) (int64, error)
	InvalidateBalance(ctx context.Context, userID uint64) error
}

// Repository implements RepositoryInterface over gorm, Redis and Kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs the repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns the underlying *gorm.DB bound to ctx.
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// LockWallet takes the exclusive row lock on the user's wallet, lazily
// creating the row first if absent. The insert uses ON CONFLICT DO NOTHING on
// user_id so two first-touch callers cannot create duplicate wallets; the
// loser's re-select blocks on the winner's lock.
func (r *Repository) LockWallet(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model.Wallet{UserID: userID}).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet reads the wallet without locking. Returns gorm.ErrRecordNotFound
// if the user has none.
func (r *Repository) GetWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetOrCreateWallet materializes the wallet outside any caller transaction,
// for read paths (balance queries create lazily per the wallet lifecycle).
func (r *Repository) GetOrCreateWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	w, err := r.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model.Wallet{UserID: userID}).Error; err != nil {
		return nil, err
	}
	return r.GetWallet(ctx, userID)
}

// UpdateWallet writes new balances guarded by the optimistic version column.
// Under the row lock the guard never fires; it exists to keep the method safe
// if a caller ever skips LockWallet.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, balance, heldBalance int64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]interface{}{
			"balance":      balance,
			"held_balance": heldBalance,
			"version":      w.Version + 1,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("wallet version conflict")
	}
	return nil
}

// TouchReconciled stamps a successful reconciliation. Deliberately lock-free:
// reconcile reads a snapshot and never contends with live traffic.
func (r *Repository) TouchReconciled(ctx context.Context, userID uint64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Update("last_reconciled_at", at).Error
}

// ListWalletUserIDs returns every wallet owner, for the reconcile sweep.
func (r *Repository) ListWalletUserIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&model.Wallet{}).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

// CreateTransaction appends one ledger row. The unique index on
// idempotency_key is the real duplicate guard; a conflicting insert surfaces
// as gorm.ErrDuplicatedKey for the caller to resolve.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// TxByKey fetches a committed ledger row by idempotency key; (nil, nil) when
// no such row exists.
func (r *Repository) TxByKey(ctx context.Context, key string) (*model.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// ListTransactions returns the user's ledger, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID uint64, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// SumTransactions computes the ledger total for reconciliation. Snapshot
// read, no lock.
func (r *Repository) SumTransactions(ctx context.Context, userID uint64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("user_id = ? AND status = ?", userID, model.StatusCompleted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// CreateHold inserts an active hold row.
func (r *Repository) CreateHold(ctx context.Context, tx *gorm.DB, h *model.Hold) error {
	return tx.WithContext(ctx).Create(h).Error
}

// GetHoldForUpdate locks the hold row so concurrent settle/release attempts
// serialize. Maps the missing row to ErrHoldNotFound.
func (r *Repository) GetHoldForUpdate(ctx context.Context, tx *gorm.DB, holdID string) (*model.Hold, error) {
	var h model.Hold
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", holdID).First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &h, nil
}

// MarkHoldTerminal moves an active hold to settled or released. The status
// guard in the WHERE clause makes the transition single-shot even without
// the row lock.
func (r *Repository) MarkHoldTerminal(ctx context.Context, tx *gorm.DB, holdID, status string, at time.Time) error {
	stampCol := "settled_at"
	if status == model.HoldStatusReleased {
		stampCol = "released_at"
	}
	res := tx.WithContext(ctx).
		Model(&model.Hold{}).
		Where("id = ? AND status = ?", holdID, model.HoldStatusActive).
		Updates(map[string]interface{}{"status": status, stampCol: at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrHoldNotActive
	}
	return nil
}

// GetOrCreateUser materializes the user spend record inside the caller's
// transaction. Serialized per user by the wallet row lock held above it.
func (r *Repository) GetOrCreateUser(ctx context.Context, tx *gorm.DB, userID uint64) (*model.User, error) {
	var u model.User
	err := tx.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&model.User{ID: userID}).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Where("id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserSpend stores the new lifetime spend and tier.
func (r *Repository) UpdateUserSpend(ctx context.Context, tx *gorm.DB, userID uint64, lifetimeSpend int64, tier string) error {
	return tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"lifetime_spend": lifetimeSpend, "tier": tier}).Error
}

// CreateOutboxEvent writes the event in the caller's transaction.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets the processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends one outbox event to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

func balanceKey(userID uint64) string { return fmt.Sprintf("balance:%d", userID) }

// CacheBalance writes the balance to Redis with the staleness TTL.
func (r *Repository) CacheBalance(ctx context.Context, userID uint64, balance int64) error {
	return r.rdb.Set(ctx, balanceKey(userID), balance, balanceTTL).Err()
}

// GetCachedBalance reads Redis; redis.Nil signals a miss.
func (r *Repository) GetCachedBalance(ctx context.Context, userID uint64) (int64, error) {
	return r.rdb.Get(ctx, balanceKey(userID)).Int64()
}

// InvalidateBalance drops the cached balance after a committed mutation.
func (r *Repository) InvalidateBalance(ctx context.Context, userID uint64) error {
	return r.rdb.Del(ctx, balanceKey(userID)).Err()
}
