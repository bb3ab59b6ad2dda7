package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/digisapp/wallet-engine/internal/model"
	"github.com/digisapp/wallet-engine/internal/repo"
	"github.com/digisapp/wallet-engine/internal/tier"
)

// ErrInvalidAmount means a zero transaction amount or non-positive hold amount.
var ErrInvalidAmount = errors.New("amount must be a non-zero integer")

// ErrInvalidType means the transaction type is not one of the enumerated kinds.
var ErrInvalidType = errors.New("unknown transaction type")

// Reconcile outcomes.
const (
	ReconcileOK          = "ok"
	ReconcileDiscrepancy = "discrepancy"
	ReconcileNoWallet    = "no_wallet"
)

// ReconcileResult reports a ledger-vs-balance comparison. Discrepancy is the
// signed difference (stored balance minus ledger sum) and is only meaningful
// when Status is ReconcileDiscrepancy. No automatic repair is attempted.
type ReconcileResult struct {
	Status      string `json:"status"`
	Discrepancy int64  `json:"discrepancy,omitempty"`
}

// TransactionInput is one requested coin movement. A blank IdempotencyKey is
// replaced with a fresh random one, which by construction provides no
// duplicate protection: omitting the key forfeits idempotency.
type TransactionInput struct {
	UserID         uint64
	Amount         int64
	Type           string
	Description    string
	Metadata       string
	IdempotencyKey string
}

// HoldInput is a requested reservation of funds for a metered activity.
type HoldInput struct {
	UserID    uint64
	Amount    int64
	Purpose   string
	RelatedID string
}

// WalletService is the wallet engine: it applies coin movements and hold
// lifecycles to wallets under a per-wallet row lock, with idempotency
// enforced by the ledger's unique key index.
type WalletService struct {
	repo   repo.RepositoryInterface
	log    *zap.SugaredLogger
	flight singleflight.Group
}

// NewWalletService returns the engine.
func NewWalletService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, log: logger}
}

// CreateTransaction applies one signed coin movement. Debits fail with
// repo.ErrInsufficientBalance when available balance (balance minus held)
// cannot cover them; the check runs under the wallet row lock, so concurrent
// debits are totally ordered and cannot jointly overdraw. A duplicate
// idempotency key returns the previously committed row, whether the
// duplicate arrives before, during or after this call.
func (s *WalletService) CreateTransaction(ctx context.Context, in TransactionInput) (*model.Transaction, error) {
	if in.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if !model.ValidType(in.Type) {
		return nil, ErrInvalidType
	}
	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	if prior, err := s.repo.TxByKey(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	t := &model.Transaction{
		UserID:         in.UserID,
		Amount:         in.Amount,
		Type:           in.Type,
		Status:         model.StatusCompleted,
		Description:    in.Description,
		Metadata:       in.Metadata,
		IdempotencyKey: key,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.LockWallet(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		if in.Amount < 0 && w.Available() < -in.Amount {
			return repo.ErrInsufficientBalance
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.repo.UpdateWallet(ctx, tx, w, w.Balance+in.Amount, w.HeldBalance); err != nil {
			return err
		}
		if in.Amount < 0 {
			if err := s.applySpend(ctx, tx, in.UserID, -in.Amount); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, in.UserID, model.EventTransactionApplied, map[string]interface{}{
			"user_id":         in.UserID,
			"amount":          in.Amount,
			"type":            in.Type,
			"idempotency_key": key,
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the key race; the winner's row is committed by now.
			if prior, perr := s.repo.TxByKey(ctx, key); perr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}
	s.invalidate(ctx, in.UserID)
	return t, nil
}

// CreateHold reserves funds for an in-progress activity. The reservation
// raises HeldBalance only; Balance moves at settlement. Fails with
// repo.ErrInsufficientBalance when available balance cannot cover the ceiling.
func (s *WalletService) CreateHold(ctx context.Context, in HoldInput) (*model.Hold, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	h := &model.Hold{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Amount:    in.Amount,
		Purpose:   in.Purpose,
		RelatedID: in.RelatedID,
		Status:    model.HoldStatusActive,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.LockWallet(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		if w.Available() < in.Amount {
			return repo.ErrInsufficientBalance
		}
		if err := s.repo.CreateHold(ctx, tx, h); err != nil {
			return err
		}
		if err := s.repo.UpdateWallet(ctx, tx, w, w.Balance, w.HeldBalance+in.Amount); err != nil {
			return err
		}
		return s.emit(ctx, tx, in.UserID, model.EventHoldCreated, map[string]interface{}{
			"hold_id":    h.ID,
			"user_id":    in.UserID,
			"amount":     in.Amount,
			"purpose":    in.Purpose,
			"related_id": in.RelatedID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, in.UserID)
	return h, nil
}

// SettleHold converts a hold into a real charge. The charge is actualAmount
// when given (the full hold amount otherwise), capped to the wallet's current
// balance and floored at zero; the full reserved amount leaves HeldBalance,
// so any unused portion returns to available balance with no extra ledger
// row. The derived idempotency key makes replays return the original
// settlement transaction.
func (s *WalletService) SettleHold(ctx context.Context, holdID string, actualAmount *int64) (*model.Transaction, error) {
	key := "settle_" + holdID
	if prior, err := s.repo.TxByKey(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	var t *model.Transaction
	var userID uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := s.repo.GetHoldForUpdate(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if h.Status != model.HoldStatusActive {
			return repo.ErrHoldNotActive
		}
		userID = h.UserID
		w, err := s.repo.LockWallet(ctx, tx, h.UserID)
		if err != nil {
			return err
		}
		charge := h.Amount
		if actualAmount != nil {
			charge = *actualAmount
		}
		if charge > w.Balance {
			// Holds are sized for the worst case, but unrelated concurrent
			// debits can drain the wallet in between. Cap instead of failing:
			// billing for a completed activity must always land.
			s.log.Warnf("settlement capped: hold=%s requested=%d balance=%d", h.ID, charge, w.Balance)
			charge = w.Balance
		}
		if charge < 0 {
			charge = 0
		}
		t = &model.Transaction{
			UserID:         h.UserID,
			Amount:         -charge,
			Type:           h.SettlementType(),
			Status:         model.StatusCompleted,
			Description:    fmt.Sprintf("settlement of %s hold %s", h.Purpose, h.ID),
			IdempotencyKey: key,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		newHeld := w.HeldBalance - h.Amount
		if newHeld < 0 {
			newHeld = 0
		}
		if err := s.repo.UpdateWallet(ctx, tx, w, w.Balance-charge, newHeld); err != nil {
			return err
		}
		if err := s.repo.MarkHoldTerminal(ctx, tx, h.ID, model.HoldStatusSettled, time.Now()); err != nil {
			return err
		}
		if charge > 0 {
			if err := s.applySpend(ctx, tx, h.UserID, charge); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, h.UserID, model.EventHoldSettled, map[string]interface{}{
			"hold_id":  h.ID,
			"user_id":  h.UserID,
			"charged":  charge,
			"reserved": h.Amount,
		})
	})
	if err != nil {
		// A racing duplicate settle loses on the status check rather than
		// the key index: the winner flipped the hold before this call's
		// insert ran. Either way the winner's settlement row carries our
		// derived key; return it. Released holds have no such row and keep
		// the ErrHoldNotActive.
		if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, repo.ErrHoldNotActive) {
			if prior, perr := s.repo.TxByKey(ctx, key); perr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}
	s.invalidate(ctx, userID)
	return t, nil
}

// ReleaseHold cancels an active hold: the reservation returns to available
// balance and no ledger row is written. Release is not a financial event.
func (s *WalletService) ReleaseHold(ctx context.Context, holdID string) error {
	var userID uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := s.repo.GetHoldForUpdate(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if h.Status != model.HoldStatusActive {
			return repo.ErrHoldNotActive
		}
		userID = h.UserID
		w, err := s.repo.LockWallet(ctx, tx, h.UserID)
		if err != nil {
			return err
		}
		newHeld := w.HeldBalance - h.Amount
		if newHeld < 0 {
			newHeld = 0
		}
		if err := s.repo.UpdateWallet(ctx, tx, w, w.Balance, newHeld); err != nil {
			return err
		}
		if err := s.repo.MarkHoldTerminal(ctx, tx, h.ID, model.HoldStatusReleased, time.Now()); err != nil {
			return err
		}
		return s.emit(ctx, tx, h.UserID, model.EventHoldReleased, map[string]interface{}{
			"hold_id": h.ID,
			"user_id": h.UserID,
			"amount":  h.Amount,
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// GetBalance returns the cached balance, at most balanceTTL stale. On a miss
// the refill is singleflighted so an expiry burst issues one store read, not
// one per waiting caller. Not for financial decisions: the insufficient-
// balance checks always read the store under lock.
func (s *WalletService) GetBalance(ctx context.Context, userID uint64) (int64, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	v, err, _ := s.flight.Do(strconv.FormatUint(userID, 10), func() (interface{}, error) {
		// Another flight member may have refilled while we queued.
		if bal, err := s.repo.GetCachedBalance(ctx, userID); err == nil {
			return bal, nil
		}
		w, err := s.repo.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := s.repo.CacheBalance(ctx, userID, w.Balance); err != nil {
			s.log.Warnf("cache balance user=%d: %v", userID, err)
		}
		return w.Balance, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetAvailableBalance reads balance minus held live from the store, never the
// cache.
func (s *WalletService) GetAvailableBalance(ctx context.Context, userID uint64) (int64, error) {
	w, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Available(), nil
}

// GetTransactions returns the user's ledger, newest first.
func (s *WalletService) GetTransactions(ctx context.Context, userID uint64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}

// Reconcile compares the ledger sum against the stored balance from a
// snapshot read, with no locking; it tolerates running alongside live
// traffic. Discrepancies are reported, never repaired: fixing financial
// drift automatically is unsafe.
func (s *WalletService) Reconcile(ctx context.Context, userID uint64) (*ReconcileResult, error) {
	w, err := s.repo.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ReconcileResult{Status: ReconcileNoWallet}, nil
		}
		return nil, err
	}
	sum, err := s.repo.SumTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sum != w.Balance {
		return &ReconcileResult{Status: ReconcileDiscrepancy, Discrepancy: w.Balance - sum}, nil
	}
	if err := s.repo.TouchReconciled(ctx, userID, time.Now()); err != nil {
		return nil, err
	}
	return &ReconcileResult{Status: ReconcileOK}, nil
}

// applySpend adds a debit to the user's lifetime spend and stores the tier
// recomputed from the policy table. Runs inside the caller's transaction,
// already serialized per user by the wallet lock.
func (s *WalletService) applySpend(ctx context.Context, tx *gorm.DB, userID uint64, spent int64) error {
	u, err := s.repo.GetOrCreateUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	newSpend := u.LifetimeSpend + spent
	return s.repo.UpdateUserSpend(ctx, tx, userID, newSpend, tier.ForSpend(newSpend))
}

// emit appends an outbox event inside the caller's transaction.
func (s *WalletService) emit(ctx context.Context, tx *gorm.DB, userID uint64, eventType string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "wallet",
		AggregateID: userID,
		EventType:   eventType,
		Payload:     string(body),
	})
}

// invalidate drops the cached balance post-commit. Best effort: a failed
// invalidation is bounded by the TTL.
func (s *WalletService) invalidate(ctx context.Context, userID uint64) {
	if err := s.repo.InvalidateBalance(ctx, userID); err != nil {
		s.log.Warnf("invalidate balance user=%d: %v", userID, err)
	}
}

// Repo exposes the underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}
