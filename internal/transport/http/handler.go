package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/digisapp/wallet-engine/internal/repo"
	"github.com/digisapp/wallet-engine/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.WalletService) {
	v1 := r.Group("/v1")
	{
		v1.GET("/users/:id/balance", balanceHandler(svc))
		v1.GET("/users/:id/balance/available", availableBalanceHandler(svc))
		v1.GET("/users/:id/transactions", transactionsHandler(svc))
		v1.POST("/users/:id/transactions", createTransactionHandler(svc))
		v1.POST("/users/:id/holds", createHoldHandler(svc))
		v1.POST("/users/:id/reconcile", reconcileHandler(svc))
		v1.POST("/holds/:holdId/settle", settleHoldHandler(svc))
		v1.POST("/holds/:holdId/release", releaseHoldHandler(svc))
	}
}

// writeError maps engine errors to HTTP statuses with stable codes.
// InsufficientBalance is the one caller-actionable failure; the rest are
// operational.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"code": "insufficient_balance", "error": err.Error()})
	case errors.Is(err, repo.ErrHoldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "hold_not_found", "error": err.Error()})
	case errors.Is(err, repo.ErrHoldNotActive):
		c.JSON(http.StatusConflict, gin.H{"code": "hold_not_active", "error": err.Error()})
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidType):
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": err.Error()})
	}
}

func userIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": "invalid user id"})
		return 0, false
	}
	return id, true
}

type createTransactionReq struct {
	Amount         int64           `json:"amount" binding:"required"`
	Type           string          `json:"type" binding:"required"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func createTransactionHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		var req createTransactionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
			return
		}
		t, err := svc.CreateTransaction(c, service.TransactionInput{
			UserID:         id,
			Amount:         req.Amount,
			Type:           req.Type,
			Description:    req.Description,
			Metadata:       string(req.Metadata),
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type createHoldReq struct {
	Amount    int64  `json:"amount" binding:"required"`
	Purpose   string `json:"purpose" binding:"required"`
	RelatedID string `json:"related_id"`
}

func createHoldHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		var req createHoldReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
			return
		}
		h, err := svc.CreateHold(c, service.HoldInput{
			UserID:    id,
			Amount:    req.Amount,
			Purpose:   req.Purpose,
			RelatedID: req.RelatedID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, h)
	}
}

type settleHoldReq struct {
	ActualAmount *int64 `json:"actual_amount"`
}

func settleHoldHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settleHoldReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
				return
			}
		}
		t, err := svc.SettleHold(c, c.Param("holdId"), req.ActualAmount)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func releaseHoldHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.ReleaseHold(c, c.Param("holdId")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "released"})
	}
}

func balanceHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		bal, err := svc.GetBalance(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func availableBalanceHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		bal, err := svc.GetAvailableBalance(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"available": bal})
	}
}

func transactionsHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		txs, err := svc.GetTransactions(c, id, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func reconcileHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userIDParam(c)
		if !ok {
			return
		}
		res, err := svc.Reconcile(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
