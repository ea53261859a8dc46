package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradesim-core/internal/ledger"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/position"
	"tradesim-core/internal/risk"
	"tradesim-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// writeDomainError maps typed domain errors onto HTTP responses.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	var (
		vErr    *ledger.ValidationError
		insuff  *ledger.InsufficientFundsError
		aml     *ledger.AmlThresholdError
		capErr  *risk.LossCapError
		settled *ledger.AlreadySettledError
	)
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": vErr.Error(),
			"field": vErr.Field,
		})
	case errors.As(err, &insuff):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":      "INSUFFICIENT_FUNDS",
			"error":     insuff.Error(),
			"available": insuff.Available,
		})
	case errors.As(err, &aml):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":            "AML_THRESHOLD_NOT_MET",
			"error":           aml.Error(),
			"required_profit": aml.Required,
			"current_profit":  aml.Actual,
		})
	case errors.As(err, &capErr):
		if s.Metrics != nil {
			s.Metrics.IncrementSettlementsCapped()
		}
		c.JSON(http.StatusForbidden, gin.H{
			"code":               "LOSS_CAP_REACHED",
			"error":              capErr.Error(),
			"consecutive_losses": capErr.Consecutive,
			"max_allowed":        capErr.MaxAllowed,
		})
	case errors.As(err, &settled):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "ALREADY_SETTLED",
			"error": settled.Error(),
		})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NOT_FOUND",
			"error": "record not found",
		})
	default:
		s.internalError(c, err)
	}
}

func accountMode(raw string) (string, bool) {
	switch raw {
	case db.ModeDemo, db.ModeReal:
		return raw, true
	case "":
		return db.ModeDemo, true
	}
	return "", false
}

// ----------------------------------------
// Trades
// ----------------------------------------

func (s *Server) openTrade(c *gin.Context) {
	username := CurrentUsername(c)

	var req struct {
		Pair            string  `json:"pair"`
		Direction       string  `json:"direction"`
		Volume          float64 `json:"volume"`
		StopLossPips    float64 `json:"stopLossPips"`
		TakeProfitPips  float64 `json:"takeProfitPips"`
		HoldTimeSeconds float64 `json:"holdTimeSeconds"`
		AccountMode     string  `json:"accountMode"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	mode, ok := accountMode(req.AccountMode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "account mode must be demo or real",
		})
		return
	}

	t, err := s.Positions.Open(c.Request.Context(), username, position.OpenRequest{
		Pair:           req.Pair,
		Direction:      strings.ToUpper(req.Direction),
		Volume:         req.Volume,
		StopLossPips:   req.StopLossPips,
		TakeProfitPips: req.TakeProfitPips,
		HoldTime:       time.Duration(req.HoldTimeSeconds * float64(time.Second)),
		AccountMode:    mode,
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	s.Scheduler.Arm(*t)
	if s.Metrics != nil {
		s.Metrics.IncrementTradesOpened()
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

func (s *Server) listTrades(c *gin.Context) {
	username := CurrentUsername(c)

	mode, ok := accountMode(c.Query("accountMode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "account mode must be demo or real",
		})
		return
	}
	status := c.Query("status")
	limit := parseLimit(c.Query("limit"), s.Meta.TradeHistoryCap)

	trades, err := s.DB.Queries().ListTrades(c.Request.Context(), username, mode, status, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) settleTrade(c *gin.Context) {
	username := CurrentUsername(c)
	tradeID := c.Param("id")

	var timer *monitor.Timer
	if s.Metrics != nil {
		timer = monitor.NewTimer(s.Metrics.SettlementLatency)
	}

	t, acct, rec, err := s.Engine.Settle(c.Request.Context(), username, tradeID)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	if s.Metrics != nil {
		s.Metrics.IncrementTradesSettled()
	}
	c.JSON(http.StatusOK, gin.H{
		"trade":       t,
		"transaction": rec,
		"newBalance":  acct.Balance,
	})
}

func (s *Server) tradeStats(c *gin.Context) {
	username := CurrentUsername(c)
	mode, ok := accountMode(c.Query("accountMode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "account mode must be demo or real",
		})
		return
	}

	stats, err := s.Positions.UserStats(c.Request.Context(), username, mode)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ----------------------------------------
// Accounts
// ----------------------------------------

func (s *Server) getAccount(c *gin.Context) {
	username := CurrentUsername(c)
	mode, ok := accountMode(c.Param("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "account mode must be demo or real",
		})
		return
	}

	acct, err := s.Ledger.GetAccount(c.Request.Context(), username, mode)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	openCount, err := s.DB.Queries().CountOpenTrades(c.Request.Context(), username, mode)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "open_position_count": openCount})
}

func (s *Server) deposit(c *gin.Context) {
	username := CurrentUsername(c)
	mode, ok := accountMode(c.Param("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "account mode must be demo or real",
		})
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
		Method string  `json:"method"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	acct, rec, err := s.Ledger.Deposit(c.Request.Context(), username, mode, req.Amount, req.Method)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "transaction": rec})
}

func (s *Server) withdraw(c *gin.Context) {
	username := CurrentUsername(c)
	mode, ok := accountMode(c.Param("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "account mode must be demo or real",
		})
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
		Method string  `json:"method"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	tier, err := s.Registry.TierFor(c.Request.Context(), username)
	if err != nil {
		s.internalError(c, err)
		return
	}

	acct, w, err := s.Ledger.Withdraw(c.Request.Context(), username, mode, req.Amount, req.Method, tier.Privileged)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "withdrawal": w})
}

func (s *Server) listTransactions(c *gin.Context) {
	username := CurrentUsername(c)
	limit := parseLimit(c.Query("limit"), s.Meta.TransactionHistoryCap)

	txs, err := s.DB.Queries().ListTransactions(c.Request.Context(), username, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if txs == nil {
		txs = []db.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// marketerAccount exposes the marketer's balance as a view over the real
// account; there is no separate marketer balance to keep in sync.
func (s *Server) marketerAccount(c *gin.Context) {
	username := CurrentUsername(c)

	tier, err := s.Registry.TierFor(c.Request.Context(), username)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !tier.Marketer {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "NOT_A_MARKETER",
			"error": "user is not a registered marketer",
		})
		return
	}

	acct, err := s.Ledger.GetAccount(c.Request.Context(), username, db.ModeReal)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"marketer": username,
		"account":  acct,
	})
}

// ----------------------------------------
// Admin
// ----------------------------------------

func (s *Server) listPrivileged(c *gin.Context) {
	names, err := s.Registry.ListPrivileged(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"privileged_traders": names})
}

func (s *Server) addPrivileged(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.BindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": "username is required",
		})
		return
	}

	if err := s.Registry.AddPrivileged(c.Request.Context(), strings.TrimSpace(req.Username)); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": req.Username, "privileged": true})
}

func (s *Server) removePrivileged(c *gin.Context) {
	username := c.Param("username")
	if err := s.Registry.RemovePrivileged(c.Request.Context(), username); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "privileged": false})
}

func (s *Server) listPendingWithdrawals(c *gin.Context) {
	ws, err := s.DB.Queries().ListPendingWithdrawals(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if ws == nil {
		ws = []db.Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

func (s *Server) approveWithdrawal(c *gin.Context) {
	w, err := s.Ledger.ApproveWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ----------------------------------------
// Payments webhook
// ----------------------------------------

// paymentsWebhook receives deposit status callbacks from the payment
// gateway. The request is authenticated with HMAC-SHA256 over the raw
// body when a webhook secret is configured.
func (s *Server) paymentsWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "unreadable body",
		})
		return
	}

	if s.Meta.WebhookSecret != "" {
		sig := c.GetHeader("X-Webhook-Signature")
		if !verifySignature(body, sig, s.Meta.WebhookSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_SIGNATURE",
				"error": "webhook signature mismatch",
			})
			return
		}
	}

	var payload struct {
		Event       string  `json:"event"`
		Username    string  `json:"username"`
		Amount      float64 `json:"amount"`
		AccountMode string  `json:"account_mode"`
		PaymentID   string  `json:"payment_id"`
		Method      string  `json:"method"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid webhook payload",
		})
		return
	}
	// Gateway callbacks concern real money unless stated otherwise.
	mode := db.ModeReal
	if payload.AccountMode == db.ModeDemo {
		mode = db.ModeDemo
	}

	ctx := c.Request.Context()
	switch payload.Event {
	case "deposit_completed":
		acct, rec, err := s.Ledger.Deposit(ctx, payload.Username, mode, payload.Amount, payload.Method)
		if err != nil {
			s.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "account": acct, "transaction": rec})
	case "deposit_failed":
		rec, err := s.Ledger.RecordPaymentEvent(ctx, payload.Username, mode, payload.Amount,
			db.TxDepositFailed, db.StatusFailed, payload.PaymentID)
		if err != nil {
			s.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "transaction": rec})
	case "deposit_cancelled":
		rec, err := s.Ledger.RecordPaymentEvent(ctx, payload.Username, mode, payload.Amount,
			db.TxDepositCancelled, db.StatusCancelled, payload.PaymentID)
		if err != nil {
			s.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "transaction": rec})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "UNKNOWN_EVENT",
			"error": "unsupported webhook event",
		})
	}
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func parseLimit(raw string, maxLimit int) int {
	limit := maxLimit
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	return limit
}
