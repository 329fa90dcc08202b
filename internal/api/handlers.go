package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/monitoring"
	"github.com/R3E-Network/mixer_core/internal/storage"
)

// createMixRequest is the POST /api/v1/mix body. Amounts travel as
// decimal coin strings, never floats.
type createMixRequest struct {
	UserID    string              `json:"user_id"`
	Currency  string              `json:"currency" binding:"required"`
	Amount    string              `json:"amount" binding:"required"`
	Outputs   []domain.OutputSpec `json:"outputs" binding:"required"`
	Algorithm string              `json:"algorithm"`
}

// mixView is the wire form of a mix request.
type mixView struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id,omitempty"`
	Currency       string              `json:"currency"`
	Amount         string              `json:"amount"`
	Outputs        []domain.OutputSpec `json:"outputs"`
	Status         string              `json:"status"`
	Algorithm      string              `json:"algorithm,omitempty"`
	DepositAddress string              `json:"deposit_address,omitempty"`
	DepositTxid    string              `json:"deposit_txid,omitempty"`
	PendingReview  bool                `json:"pending_review,omitempty"`
	FeeBps         int64               `json:"fee_bps"`
	Error          string              `json:"error,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

func viewOf(r domain.MixRequest) mixView {
	return mixView{
		ID:             r.ID,
		UserID:         r.UserID,
		Currency:       string(r.Currency),
		Amount:         r.InputAmount.String(),
		Outputs:        r.Outputs,
		Status:         string(r.Status),
		Algorithm:      string(r.Algorithm),
		DepositAddress: r.DepositAddress,
		DepositTxid:    r.DepositTxid,
		PendingReview:  r.PendingReview,
		FeeBps:         r.FeeBps,
		Error:          r.ErrorMessage,
		SessionID:      r.SessionID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
		CompletedAt:    r.CompletedAt,
	}
}

// outputView is the wire form of one payout transaction.
type outputView struct {
	ID          string     `json:"id"`
	OutputIndex int        `json:"output_index"`
	Address     string     `json:"address"`
	Amount      string     `json:"amount"`
	Status      string     `json:"status"`
	Txid        string     `json:"txid,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	BroadcastAt *time.Time `json:"broadcast_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// statsView is the wire form of per-currency aggregates.
type statsView struct {
	Currency          string `json:"currency"`
	TotalRequests     int64  `json:"total_requests"`
	CompletedRequests int64  `json:"completed_requests"`
	FailedRequests    int64  `json:"failed_requests"`
	BlockedRequests   int64  `json:"blocked_requests"`
	TotalVolume       string `json:"total_volume"`
	TotalFees         string `json:"total_fees"`
	AvgDurationMs     int64  `json:"avg_duration_ms"`
}

// respondError maps a failure through the taxonomy. Not-found
// sentinels override the kind mapping so lookups read as 404, not as
// caller faults.
func respondError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	body := gin.H{"error": err.Error()}
	if e, ok := errors.AsError(err); ok {
		body["kind"] = string(e.Kind)
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
	}
	c.JSON(status, body)
}

// handleCreateMix accepts a new mix request. A security auto-reject
// still returns the persisted BLOCKED record alongside the refusal.
func (s *Server) handleCreateMix(c *gin.Context) {
	var body createMixRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	currency, ok := domain.ParseCurrency(body.Currency)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported currency " + body.Currency})
		return
	}
	amount, err := domain.ParseAmount(body.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := currentUserID(c)
	if userID == "" {
		userID = body.UserID
	}

	req := domain.MixRequest{
		UserID:      userID,
		Currency:    currency,
		InputAmount: amount,
		Outputs:     body.Outputs,
		Algorithm:   domain.MixAlgorithm(strings.ToLower(strings.TrimSpace(body.Algorithm))),
	}

	created, err := s.engine.Create(c.Request.Context(), req)
	if err != nil {
		if created.ID != "" {
			// Blocked by screening: expose the persisted record.
			c.JSON(errors.HTTPStatus(err), gin.H{
				"error":   err.Error(),
				"request": viewOf(created),
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(created))
}

// handleGetMix returns one request by id.
func (s *Server) handleGetMix(c *gin.Context) {
	req, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(req))
}

// handleCancelMix cancels a request that has not passed the point of
// no return.
func (s *Server) handleCancelMix(c *gin.Context) {
	req, err := s.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(req))
}

// handleListMix lists the caller's requests, newest first. Admins may
// list any user via ?user_id=.
func (s *Server) handleListMix(c *gin.Context) {
	userID := currentUserID(c)
	if override := c.Query("user_id"); override != "" {
		if userID != "" && override != userID && currentRole(c) != roleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot list another user's requests"})
			return
		}
		userID = override
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	reqs, err := s.engine.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]mixView, len(reqs))
	for i, r := range reqs {
		views[i] = viewOf(r)
	}
	c.JSON(http.StatusOK, gin.H{"requests": views, "count": len(views)})
}

// handleMixOutputs returns the payout transactions of one request.
func (s *Server) handleMixOutputs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	outs, err := s.engine.Outputs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]outputView, len(outs))
	for i, o := range outs {
		views[i] = outputView{
			ID:          o.ID,
			OutputIndex: o.OutputIndex,
			Address:     o.Address,
			Amount:      o.Amount.String(),
			Status:      string(o.Status),
			Txid:        o.Txid,
			Attempts:    o.Attempts,
			LastError:   o.LastError,
			BroadcastAt: o.BroadcastAt,
			ConfirmedAt: o.ConfirmedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"outputs": views, "count": len(views)})
}

// handleGetSession returns the caller-facing session summary.
func (s *Server) handleGetSession(c *gin.Context) {
	view, err := s.sessions.View(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleStats serves per-currency business aggregates.
func (s *Server) handleStats(c *gin.Context) {
	currency, ok := domain.ParseCurrency(c.Param("currency"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported currency " + c.Param("currency")})
		return
	}
	stats, err := s.engine.Stats(c.Request.Context(), currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsView{
		Currency:          string(stats.Currency),
		TotalRequests:     stats.TotalRequests,
		CompletedRequests: stats.CompletedRequests,
		FailedRequests:    stats.FailedRequests,
		BlockedRequests:   stats.BlockedRequests,
		TotalVolume:       stats.TotalVolume.String(),
		TotalFees:         stats.TotalFees.String(),
		AvgDurationMs:     stats.AvgDurationMs,
	})
}

// handleHealth serves liveness plus the monitor's view of the process.
// Critical alerts turn the status code, so load balancers can rotate
// the node out.
func (s *Server) handleHealth(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	h := s.monitor.Health()
	status := http.StatusOK
	if h.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func promHandler(mon *monitoring.Monitor) http.Handler {
	return promhttp.HandlerFor(mon.Registry(), promhttp.HandlerOpts{})
}
