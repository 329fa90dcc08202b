package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/R3E-Network/mixer_core/internal/domain"
)

// walletView is the operator-facing wallet projection. Key material
// never crosses this boundary.
type walletView struct {
	ID         string    `json:"id"`
	Currency   string    `json:"currency"`
	Type       string    `json:"type"`
	Address    string    `json:"address"`
	Balance    string    `json:"balance"`
	IsActive   bool      `json:"is_active"`
	IsLocked   bool      `json:"is_locked"`
	Status     string    `json:"status"`
	LastUsedAt time.Time `json:"last_used_at"`
	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func walletViewOf(w domain.Wallet) walletView {
	return walletView{
		ID:         w.ID,
		Currency:   string(w.Currency),
		Type:       string(w.Type),
		Address:    w.Address,
		Balance:    w.Balance.String(),
		IsActive:   w.IsActive,
		IsLocked:   w.IsLocked,
		Status:     string(w.Status),
		LastUsedAt: w.LastUsedAt,
		UsageCount: w.UsageCount,
		CreatedAt:  w.CreatedAt,
	}
}

// handleListWallets lists custody wallets, optionally filtered by
// ?currency=.
func (s *Server) handleListWallets(c *gin.Context) {
	var currencies []domain.Currency
	if raw := c.Query("currency"); raw != "" {
		currency, ok := domain.ParseCurrency(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported currency " + raw})
			return
		}
		currencies = []domain.Currency{currency}
	} else {
		currencies = domain.Currencies()
	}

	var views []walletView
	for _, currency := range currencies {
		wallets, err := s.wallets.ListByCurrency(c.Request.Context(), currency)
		if err != nil {
			respondError(c, err)
			return
		}
		for _, w := range wallets {
			views = append(views, walletViewOf(w))
		}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": views, "count": len(views)})
}

type provisionWalletRequest struct {
	Currency string `json:"currency" binding:"required"`
	Type     string `json:"type" binding:"required"`
}

// handleProvisionWallet creates a fresh custody wallet with a newly
// generated, vault-sealed key.
func (s *Server) handleProvisionWallet(c *gin.Context) {
	var body provisionWalletRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	currency, ok := domain.ParseCurrency(body.Currency)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported currency " + body.Currency})
		return
	}
	typ := domain.WalletType(body.Type)
	switch typ {
	case domain.WalletHot, domain.WalletCold, domain.WalletPool, domain.WalletMultisig:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported wallet type " + body.Type})
		return
	}

	w, err := s.wallets.Provision(c.Request.Context(), currency, typ)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, walletViewOf(w))
}

// handleGetWallet returns one wallet by id.
func (s *Server) handleGetWallet(c *gin.Context) {
	w, err := s.wallets.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, walletViewOf(w))
}

// handleRotateWallets runs one rotation pass immediately instead of
// waiting for the maintenance schedule.
func (s *Server) handleRotateWallets(c *gin.Context) {
	rotated, err := s.wallets.Rotate(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotated": rotated})
}

// handleActiveSessions lists the live coinjoin sessions.
func (s *Server) handleActiveSessions(c *gin.Context) {
	ids := s.sessions.ActiveSessions()
	views := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		v, err := s.sessions.View(c.Request.Context(), id)
		if err != nil {
			continue // closed between list and view
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

// handleAlerts returns active alerts plus recent history.
func (s *Server) handleAlerts(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"active": []interface{}{}, "history": []interface{}{}})
		return
	}
	alerts := s.monitor.Alerts()
	c.JSON(http.StatusOK, gin.H{
		"active":  alerts.Active(),
		"history": alerts.History(50),
		"stats":   alerts.Stats(),
	})
}

// handleAckAlert marks an active alert acknowledged by the caller.
func (s *Server) handleAckAlert(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitoring disabled"})
		return
	}
	a, err := s.monitor.Alerts().Acknowledge(c.Param("id"), currentUserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// handleResolveAlert resolves an active alert by id.
func (s *Server) handleResolveAlert(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitoring disabled"})
		return
	}
	a, err := s.monitor.Alerts().ResolveID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// handleSnapshot serves the latest sample of every telemetry board.
func (s *Server) handleSnapshot(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.monitor.Snapshot())
}
