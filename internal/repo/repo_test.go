package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/digisapp/wallet-engine/internal/logger"
	"github.com/digisapp/wallet-engine/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Wallet{}, &model.Transaction{}, &model.Hold{}, &model.User{}, &model.OutboxEvent{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	log, _ := logger.NewLogger()
	return NewRepository(db, nil, &kafka.Writer{}, log), context.Background()
}

func TestIdempotencyKey_UniqueIndexClosesRace(t *testing.T) {
	r, ctx := newTestRepo(t)

	err := r.CreateTransaction(ctx, r.DB(ctx), &model.Transaction{
		UserID: 1, Amount: 100, Type: model.TypePurchase,
		Status: model.StatusCompleted, IdempotencyKey: "dup",
	})
	require.NoError(t, err)

	// the database, not a pre-check, rejects the second insert
	err = r.CreateTransaction(ctx, r.DB(ctx), &model.Transaction{
		UserID: 1, Amount: 100, Type: model.TypePurchase,
		Status: model.StatusCompleted, IdempotencyKey: "dup",
	})
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	winner, err := r.TxByKey(ctx, "dup")
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, int64(100), winner.Amount)
}

func TestTxByKey_BlankKeyNeverMatches(t *testing.T) {
	r, ctx := newTestRepo(t)

	got, err := r.TxByKey(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLockWallet_LazyCreate(t *testing.T) {
	r, ctx := newTestRepo(t)

	var firstID uint64
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := r.LockWallet(ctx, tx, 42)
		if err != nil {
			return err
		}
		firstID = w.ID
		assert.Equal(t, int64(0), w.Balance)
		assert.Equal(t, int64(0), w.HeldBalance)
		return nil
	})
	require.NoError(t, err)

	err = r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := r.LockWallet(ctx, tx, 42)
		if err != nil {
			return err
		}
		assert.Equal(t, firstID, w.ID, "second lock must find the same wallet, not create another")
		return nil
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, r.DB(ctx).Model(&model.Wallet{}).Where("user_id = ?", 42).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpdateWallet_StaleVersionRejected(t *testing.T) {
	r, ctx := newTestRepo(t)

	w, err := r.GetOrCreateWallet(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, r.UpdateWallet(ctx, r.DB(ctx), w, 500, 0))

	// w still carries the old version
	err = r.UpdateWallet(ctx, r.DB(ctx), w, 900, 0)
	assert.Error(t, err)

	fresh, err := r.GetWallet(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(500), fresh.Balance)
}

func TestMarkHoldTerminal_SingleShot(t *testing.T) {
	r, ctx := newTestRepo(t)

	h := &model.Hold{ID: "h-1", UserID: 3, Amount: 100, Purpose: "video_call", Status: model.HoldStatusActive}
	require.NoError(t, r.CreateHold(ctx, r.DB(ctx), h))

	require.NoError(t, r.MarkHoldTerminal(ctx, r.DB(ctx), "h-1", model.HoldStatusSettled, time.Now()))
	assert.ErrorIs(t,
		r.MarkHoldTerminal(ctx, r.DB(ctx), "h-1", model.HoldStatusReleased, time.Now()),
		ErrHoldNotActive)

	got, err := r.GetHoldForUpdate(ctx, r.DB(ctx), "h-1")
	require.NoError(t, err)
	assert.Equal(t, model.HoldStatusSettled, got.Status)
	assert.NotNil(t, got.SettledAt)
	assert.Nil(t, got.ReleasedAt)
}

func TestGetHoldForUpdate_NotFound(t *testing.T) {
	r, ctx := newTestRepo(t)

	_, err := r.GetHoldForUpdate(ctx, r.DB(ctx), "missing")
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestSumTransactions_OnlyCompleted(t *testing.T) {
	r, ctx := newTestRepo(t)

	rows := []model.Transaction{
		{UserID: 8, Amount: 100, Type: model.TypePurchase, Status: model.StatusCompleted, IdempotencyKey: "a"},
		{UserID: 8, Amount: -30, Type: model.TypeGift, Status: model.StatusCompleted, IdempotencyKey: "b"},
		{UserID: 9, Amount: 999, Type: model.TypePurchase, Status: model.StatusCompleted, IdempotencyKey: "c"},
	}
	for i := range rows {
		require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), &rows[i]))
	}

	sum, err := r.SumTransactions(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(70), sum)

	sum, err = r.SumTransactions(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func TestOutbox_PollAndMark(t *testing.T) {
	r, ctx := newTestRepo(t)

	evt := &model.OutboxEvent{
		Aggregate: "wallet", AggregateID: 1,
		EventType: model.EventTransactionApplied, Payload: `{"user_id":1}`,
	}
	require.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), evt))

	pending, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.EventTransactionApplied, pending[0].EventType)

	require.NoError(t, r.MarkOutboxProcessed(ctx, pending[0].ID))

	pending, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListTransactions_NewestFirst(t *testing.T) {
	r, ctx := newTestRepo(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), &model.Transaction{
			UserID: 4, Amount: int64(i + 1), Type: model.TypePurchase,
			Status: model.StatusCompleted, IdempotencyKey: fmt.Sprintf("k%d", i),
		}))
	}

	txs, err := r.ListTransactions(ctx, 4, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(3), txs[0].Amount)
	assert.Equal(t, int64(2), txs[1].Amount)
}
