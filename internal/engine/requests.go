package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/storage"
)

// Create validates, screens and persists a new mix request, issues its
// deposit address and starts watching the chain for the deposit.
//
// Limit violations reject deterministically before the risk pipeline
// runs. A security auto-reject persists the request as BLOCKED and
// returns it alongside the rejection, so callers can expose the
// blocked record.
func (e *Engine) Create(ctx context.Context, req domain.MixRequest) (domain.MixRequest, error) {
	if err := req.Validate(); err != nil {
		return domain.MixRequest{}, errors.InputValidation(err.Error())
	}
	if req.Algorithm != "" && !req.Algorithm.Valid() {
		return domain.MixRequest{}, errors.InputValidationf("unknown algorithm %q", req.Algorithm)
	}

	limits := domain.LimitsFor(req.Currency)
	if req.InputAmount < limits.Min {
		return domain.MixRequest{}, errors.InputValidationf(
			"amount %s below minimum %s %s", req.InputAmount, limits.Min, req.Currency)
	}
	if req.InputAmount > limits.Max {
		return domain.MixRequest{}, errors.PolicyRejection(
			fmt.Sprintf("amount %s above maximum %s %s", req.InputAmount, limits.Max, req.Currency)).
			WithDetails("reason", "AmountLimit")
	}
	if req.UserID != "" {
		since := time.Now().UTC().Add(-24 * time.Hour)
		count, err := e.store.CountUserRequestsSince(ctx, req.UserID, req.Currency, since)
		if err != nil {
			return domain.MixRequest{}, errors.Transient("count user requests", err)
		}
		if count >= limits.DailyCount {
			return domain.MixRequest{}, errors.PolicyRejection(
				fmt.Sprintf("daily cap reached: %d %s requests in 24h", count, req.Currency)).
				WithDetails("reason", "DailyCap")
		}
	}

	now := time.Now().UTC()
	req.ID = uuid.NewString()
	req.Status = domain.StatusPending
	req.FeeBps = e.cfg.ServiceFeeBps
	req.CreatedAt = now
	req.UpdatedAt = now
	req.ExpiresAt = now.Add(e.cfg.DepositExpiry)

	if e.security != nil {
		assessment, err := e.security.Assess(ctx, &req)
		if err != nil {
			return domain.MixRequest{}, errors.Transient("risk assessment", err)
		}
		req.RiskScore = assessment.Score
		req.PendingReview = assessment.ManualReview
		if assessment.AutoReject {
			req.Status = domain.StatusBlocked
			req.ErrorMessage = "rejected by security screening"
			blocked, err := e.store.CreateMixRequest(ctx, req)
			if err != nil {
				return domain.MixRequest{}, errors.Transient("persist blocked request", err)
			}
			e.audit.Critical("request.blocked", "mix_request", blocked.ID, map[string]interface{}{
				"score": assessment.Score,
				"flags": assessment.Flags,
			})
			return blocked, errors.PolicyRejection("request rejected by security screening").
				WithDetails("reason", "SecurityRejected").
				WithDetails("score", assessment.Score)
		}
	}

	created, err := e.store.CreateMixRequest(ctx, req)
	if err != nil {
		return domain.MixRequest{}, errors.Transient("persist request", err)
	}

	addr, err := e.wallets.IssueDepositAddress(ctx, created.ID, created.Currency)
	if err != nil {
		created.ErrorMessage = "deposit address issuance failed"
		e.failRequest(ctx, &created, errors.Fatal("issue deposit address", err))
		return domain.MixRequest{}, errors.Fatal("issue deposit address", err)
	}
	created.DepositAddress = addr.Address
	created.UpdatedAt = time.Now().UTC()
	created, err = e.store.UpdateMixRequestIf(ctx, created, domain.StatusPending)
	if err != nil {
		return domain.MixRequest{}, errors.Transient("record deposit address", err)
	}

	e.startWatcher(created)

	events.New(events.EventRequestCreated).
		Entity("request", created.ID).
		Status(string(created.Status)).
		Message("mix request created").
		Metadata("currency", string(created.Currency)).
		Metadata("algorithm", string(created.Algorithm)).
		Metadata("amount", created.InputAmount.String()).
		LogTo(e.events)
	e.audit.Info("request.created", "mix_request", created.ID, map[string]interface{}{
		"currency":   string(created.Currency),
		"amount":     created.InputAmount.String(),
		"outputs":    len(created.Outputs),
		"risk_score": created.RiskScore,
	})
	e.log.Info("request created",
		"request_id", created.ID,
		"currency", string(created.Currency),
		"amount", created.InputAmount.String(),
		"deposit_address", created.DepositAddress)
	return created, nil
}

// OnDepositConfirmed records the funding deposit and moves the request
// to DEPOSITED. Idempotent: replays with the same txid return nil, a
// different txid after the first is a protocol violation. The observed
// amount may undershoot the requested amount by at most the balance
// tolerance.
func (e *Engine) OnDepositConfirmed(ctx context.Context, id, txid string, amount domain.Amount, blockHeight int64) error {
	req, err := e.store.GetMixRequest(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.Wrap(errors.KindInputValidation,
				fmt.Sprintf("mix request %s not found", id), err)
		}
		return errors.Transient("load request", err)
	}
	if req.DepositTxid == txid && req.Status != domain.StatusPending {
		return nil
	}
	if req.Status != domain.StatusPending {
		return errors.ProtocolViolation(
			fmt.Sprintf("deposit for request in status %s", req.Status)).
			WithDetails("request", id)
	}
	if !domain.ValidTxid(req.Currency, txid) {
		return errors.InputValidationf("malformed %s txid %q", req.Currency, txid)
	}
	if short := req.InputAmount - amount; short >= domain.BalanceTolerance {
		return errors.InsufficientFunds(
			fmt.Sprintf("deposit %s short of requested %s", amount, req.InputAmount))
	}

	// Custody: the deposit address becomes a pool wallet holding the
	// observed funds. Replays after a crash find it already registered.
	if _, err := e.ensureCustodyWallet(ctx, req.Currency, req.DepositAddress, amount); err != nil {
		return err
	}

	now := time.Now().UTC()
	req.DepositTxid = txid
	req.DepositBlockHeight = blockHeight
	req.DepositConfirmedAt = &now
	if err := e.transition(ctx, &req, domain.StatusPending, domain.StatusDeposited); err != nil {
		// A racing watcher may have recorded the same deposit first.
		if cur, gerr := e.store.GetMixRequest(ctx, id); gerr == nil && cur.DepositTxid == txid {
			return nil
		}
		return err
	}

	if addr, err := e.store.GetDepositAddressByRequest(ctx, id); err == nil {
		if err := e.store.MarkDepositAddressUsed(ctx, addr.ID, now); err != nil {
			e.log.WithError(err).Warn("mark deposit address used", "request_id", id)
		}
	}
	e.stopWatcher(id)

	events.New(events.EventDepositConfirmed).
		Entity("request", id).
		Status(string(domain.StatusDeposited)).
		Message("deposit confirmed").
		Metadata("txid", txid).
		Metadata("amount", amount.String()).
		LogTo(e.events)
	e.audit.Info("request.deposit_confirmed", "mix_request", id, map[string]interface{}{
		"txid":   txid,
		"amount": amount.String(),
		"height": blockHeight,
	})
	return nil
}

// Cancel aborts a request that has not started mixing. PENDING
// requests just close; DEPOSITED requests additionally schedule a
// refund of the deposit, less the service fee, to the first output
// address. Repeat cancels return the already-cancelled request.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.MixRequest, error) {
	req, err := e.store.GetMixRequest(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return domain.MixRequest{}, errors.Wrap(errors.KindInputValidation,
				fmt.Sprintf("mix request %s not found", id), err)
		}
		return domain.MixRequest{}, errors.Transient("load request", err)
	}

	before := req.Status
	switch req.Status {
	case domain.StatusCancelled:
		return req, nil
	case domain.StatusPending:
		if err := e.transition(ctx, &req, domain.StatusPending, domain.StatusCancelled); err != nil {
			return domain.MixRequest{}, err
		}
		e.stopWatcher(id)
	case domain.StatusDeposited:
		if err := e.transition(ctx, &req, domain.StatusDeposited, domain.StatusCancelled); err != nil {
			return domain.MixRequest{}, err
		}
		refund := req.InputAmount - req.InputAmount.BasisPoints(req.FeeBps)
		now := time.Now().UTC()
		out := domain.OutputTransaction{
			ID:           uuid.NewString(),
			MixRequestID: req.ID,
			OutputIndex:  0,
			Address:      req.Outputs[0].Address,
			Amount:       refund,
			ScheduledAt:  now,
			Status:       domain.OutputPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.CreateOutputTransactions(ctx, []domain.OutputTransaction{out}); err != nil {
			e.log.WithError(err).Error("schedule refund", "request_id", id)
		}
	default:
		return domain.MixRequest{}, errors.ProtocolViolation(
			fmt.Sprintf("cannot cancel request in status %s", req.Status)).
			WithDetails("request", id)
	}

	e.audit.Info("request.cancelled", "mix_request", id, map[string]interface{}{
		"status_before": string(before),
	})
	e.log.Info("request cancelled", "request_id", id)
	return req, nil
}

// Get reads one request.
func (e *Engine) Get(ctx context.Context, id string) (domain.MixRequest, error) {
	req, err := e.store.GetMixRequest(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return domain.MixRequest{}, errors.Wrap(errors.KindInputValidation,
				fmt.Sprintf("mix request %s not found", id), err)
		}
		return domain.MixRequest{}, errors.Transient("load request", err)
	}
	return req, nil
}

// List returns a user's requests, newest first.
func (e *Engine) List(ctx context.Context, userID string, limit int) ([]domain.MixRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.ListMixRequestsByUser(ctx, userID, limit)
}

// Outputs returns the payout transactions of one request.
func (e *Engine) Outputs(ctx context.Context, id string) ([]domain.OutputTransaction, error) {
	return e.store.ListOutputsByRequest(ctx, id)
}

// Stats aggregates business metrics for one currency.
func (e *Engine) Stats(ctx context.Context, currency domain.Currency) (domain.MixStats, error) {
	return e.store.GetMixStats(ctx, currency)
}

// ensureCustodyWallet registers address as a pool wallet with the
// given starting balance, returning the wallet ID. Finding it already
// registered is the idempotent success path.
func (e *Engine) ensureCustodyWallet(ctx context.Context, currency domain.Currency, address string, balance domain.Amount) (string, error) {
	existing, err := e.wallets.ListByCurrency(ctx, currency)
	if err != nil {
		return "", errors.Transient("list custody wallets", err)
	}
	for _, w := range existing {
		if w.Address == address {
			return w.ID, nil
		}
	}
	w, err := e.wallets.Create(ctx, domain.Wallet{
		Currency: currency,
		Type:     domain.WalletPool,
		Address:  address,
		Balance:  balance,
	})
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// startWatcher subscribes to the request's deposit address and feeds
// confirmed deposits into OnDepositConfirmed.
func (e *Engine) startWatcher(req domain.MixRequest) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if _, dup := e.watchers[req.ID]; dup {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	e.watchers[req.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.watchDeposits(ctx, req)
}

func (e *Engine) stopWatcher(id string) {
	e.mu.Lock()
	cancel, ok := e.watchers[id]
	if ok {
		delete(e.watchers, id)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) watchDeposits(ctx context.Context, req domain.MixRequest) {
	defer e.wg.Done()

	client, err := e.chains.Client(req.Currency)
	if err != nil {
		e.log.WithError(err).Error("deposit watcher", "request_id", req.ID)
		return
	}
	deposits, err := client.SubscribeAddress(ctx, req.DepositAddress)
	if err != nil {
		e.log.WithError(err).Error("subscribe deposit address",
			"request_id", req.ID, "address", req.DepositAddress)
		return
	}
	need := int64(e.chainCfg.For(string(req.Currency)).MinConfirmations)
	if need < 1 {
		need = 1
	}

	for {
		select {
		case dep, ok := <-deposits:
			if !ok {
				return
			}
			if dep.Confirmations < need {
				continue
			}
			if short := req.InputAmount - dep.Amount; short >= domain.BalanceTolerance {
				e.log.Warn("underfunded deposit ignored",
					"request_id", req.ID,
					"expected", req.InputAmount.String(),
					"observed", dep.Amount.String(),
					"txid", dep.TxID)
				continue
			}
			height := e.depositHeight(ctx, client, dep.TxID)
			if err := e.OnDepositConfirmed(ctx, req.ID, dep.TxID, dep.Amount, height); err != nil {
				e.log.WithError(err).Warn("record deposit",
					"request_id", req.ID, "txid", dep.TxID)
				continue
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) depositHeight(ctx context.Context, client chain.Client, txid string) int64 {
	tx, err := client.GetTransaction(ctx, txid)
	if err != nil {
		return 0
	}
	return tx.BlockHeight
}

// StatusCounts exposes the request population by status, for the
// business metrics collector.
func (e *Engine) StatusCounts(ctx context.Context) (map[domain.RequestStatus]int64, error) {
	return e.store.CountRequestsByStatus(ctx)
}

// InFlight reports how many requests are currently being driven.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// buildPayouts splits the net amount across the request outputs by
// percentage and schedules them immediately. The integer remainder
// lands on the last output.
func (e *Engine) buildPayouts(req *domain.MixRequest, payout domain.Amount) []domain.OutputTransaction {
	amounts := req.SplitAmount(payout)
	now := time.Now().UTC()
	outs := make([]domain.OutputTransaction, len(amounts))
	for i, spec := range req.Outputs {
		outs[i] = domain.OutputTransaction{
			ID:           uuid.NewString(),
			MixRequestID: req.ID,
			OutputIndex:  i,
			Address:      spec.Address,
			Amount:       amounts[i],
			ScheduledAt:  now,
			Status:       domain.OutputPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	return outs
}

// payoutKey names one payout in logs and audit details.
func payoutKey(out domain.OutputTransaction) string {
	return out.MixRequestID + "/" + strconv.Itoa(out.OutputIndex)
}
