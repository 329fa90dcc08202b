package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
)

const (
	outputBatchSize        = 256
	outputBroadcastWorkers = 8
)

// payoutWire is the broadcast form of one payout. The nonce keeps
// byte-identical payouts from colliding at the chain layer; it carries
// no link back to the mix request.
type payoutWire struct {
	Version     int    `json:"version"`
	Currency    string `json:"currency"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Nonce       string `json:"nonce"`
}

func encodePayout(currency domain.Currency, source string, out domain.OutputTransaction) ([]byte, error) {
	return json.Marshal(payoutWire{
		Version:     1,
		Currency:    string(currency),
		Source:      source,
		Destination: out.Address,
		Amount:      int64(out.Amount),
		Nonce:       out.ID,
	})
}

// processOutputs runs one confirmer pass: due PENDING payouts are
// broadcast and BROADCAST payouts have their confirmations polled,
// each fanned out over a bounded worker group.
func (e *Engine) processOutputs(ctx context.Context) {
	now := time.Now().UTC()

	pending, err := e.store.ListOutputsByStatus(ctx, domain.OutputPending, outputBatchSize)
	if err != nil {
		e.log.WithError(err).Error("list pending payouts")
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(outputBroadcastWorkers)
	for _, out := range pending {
		out := out
		if out.ScheduledAt.After(now) || !e.outputDue(out, now) {
			continue
		}
		g.Go(func() error {
			e.broadcastOutput(gctx, out)
			return nil
		})
	}
	_ = g.Wait()

	inflight, err := e.store.ListOutputsByStatus(ctx, domain.OutputBroadcast, outputBatchSize)
	if err != nil {
		e.log.WithError(err).Error("list broadcast payouts")
		return
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(outputBroadcastWorkers)
	for _, out := range inflight {
		out := out
		g.Go(func() error {
			e.checkConfirmation(gctx, out)
			return nil
		})
	}
	_ = g.Wait()
}

// outputDue applies the retry backoff: attempt n waits base×2^(n−1)
// after the previous failure.
func (e *Engine) outputDue(out domain.OutputTransaction, now time.Time) bool {
	if out.Attempts == 0 {
		return true
	}
	return !now.Before(out.UpdatedAt.Add(e.backoff(out.Attempts - 1)))
}

// broadcastOutput funds one payout from the best pool wallet and
// pushes it to the chain. The debit happens first; a failed broadcast
// credits it straight back.
func (e *Engine) broadcastOutput(ctx context.Context, out domain.OutputTransaction) {
	req, err := e.store.GetMixRequest(ctx, out.MixRequestID)
	if err != nil {
		e.log.WithError(err).Error("load request for payout", "output_id", out.ID)
		return
	}
	client, err := e.chains.Client(req.Currency)
	if err != nil {
		e.recordOutputFailure(ctx, out, req, errors.Fatal("no chain client for payout", err))
		return
	}

	source, err := e.wallets.FindOptimalForWithdrawal(ctx, req.Currency, out.Amount)
	if err != nil {
		e.recordOutputFailure(ctx, out, req,
			errors.Transient(fmt.Sprintf("no %s pool wallet can fund %s", req.Currency, out.Amount), err))
		return
	}
	if _, err := e.wallets.AtomicSubtract(ctx, source.ID, out.Amount); err != nil {
		e.recordOutputFailure(ctx, out, req, errors.Transient("debit payout source", err))
		return
	}

	raw, err := encodePayout(req.Currency, source.Address, out)
	if err != nil {
		e.refundDebit(ctx, source.ID, out.Amount)
		e.recordOutputFailure(ctx, out, req, errors.Fatal("encode payout", err))
		return
	}
	broadcastStart := time.Now()
	txid, err := client.Broadcast(ctx, raw)
	e.audit.Timing("payout.broadcast", time.Since(broadcastStart), err == nil)
	if err != nil {
		e.refundDebit(ctx, source.ID, out.Amount)
		e.recordOutputFailure(ctx, out, req, errors.Transient("broadcast payout", err))
		return
	}

	now := time.Now().UTC()
	out.Status = domain.OutputBroadcast
	out.Txid = txid
	out.Attempts++
	out.LastError = ""
	out.BroadcastAt = &now
	out.UpdatedAt = now
	if _, err := e.store.UpdateOutputTransaction(ctx, out); err != nil {
		e.log.WithError(err).Error("record broadcast payout",
			"output_id", out.ID, "txid", txid)
		return
	}

	events.New(events.EventOutputBroadcast).
		Entity("output", out.ID).
		Status(string(domain.OutputBroadcast)).
		Message("payout broadcast").
		Duration(time.Since(broadcastStart)).
		Metadata("txid", txid).
		Metadata("amount", out.Amount.String()).
		Metadata("currency", string(req.Currency)).
		LogTo(e.events)
	e.audit.Info("output.broadcast", "output_transaction", out.ID, map[string]interface{}{
		"payout": payoutKey(out),
		"txid":   txid,
		"amount": out.Amount.String(),
		"source": source.ID,
	})
	e.log.Info("payout broadcast",
		"output_id", out.ID, "txid", txid, "amount", out.Amount.String())
}

func (e *Engine) refundDebit(ctx context.Context, walletID string, amount domain.Amount) {
	if _, err := e.wallets.Credit(ctx, walletID, amount); err != nil {
		e.log.WithError(err).Error("re-credit failed payout debit",
			"wallet_id", walletID, "amount", amount.String())
	}
}

// recordOutputFailure bumps the attempt counter and, once the budget
// is spent or the cause is terminal, fails the payout and its request.
func (e *Engine) recordOutputFailure(ctx context.Context, out domain.OutputTransaction, req domain.MixRequest, cause error) {
	out.Attempts++
	out.LastError = cause.Error()
	out.UpdatedAt = time.Now().UTC()
	terminal := out.Attempts >= e.cfg.MaxRetries || errors.IsTerminal(cause)
	if terminal {
		out.Status = domain.OutputFailed
	}
	if _, err := e.store.UpdateOutputTransaction(ctx, out); err != nil {
		e.log.WithError(err).Error("record payout failure", "output_id", out.ID)
		return
	}
	if !terminal {
		e.log.Warn("payout attempt failed",
			"output_id", out.ID, "attempt", out.Attempts, "error", cause.Error())
		return
	}

	events.New(events.EventOutputFailed).
		Entity("output", out.ID).
		Severity(events.SeverityError).
		Status(string(domain.OutputFailed)).
		Message("payout failed").
		Metadata("error", cause.Error()).
		Metadata("currency", string(req.Currency)).
		LogTo(e.events)
	e.audit.Critical("output.failed", "output_transaction", out.ID, map[string]interface{}{
		"payout":   payoutKey(out),
		"attempts": out.Attempts,
		"error":    cause.Error(),
	})
	if req.Status == domain.StatusCompleting {
		r := req
		e.failRequest(ctx, &r, errors.Fatal("payout "+payoutKey(out)+" failed", cause))
	}
}

// checkConfirmation polls one broadcast payout and confirms it at the
// chain's confirmation threshold, completing the request when it was
// the last one out.
func (e *Engine) checkConfirmation(ctx context.Context, out domain.OutputTransaction) {
	req, err := e.store.GetMixRequest(ctx, out.MixRequestID)
	if err != nil {
		e.log.WithError(err).Error("load request for confirmation", "output_id", out.ID)
		return
	}
	client, err := e.chains.Client(req.Currency)
	if err != nil {
		e.log.WithError(err).Error("chain client for confirmation", "output_id", out.ID)
		return
	}
	conf, err := client.GetConfirmations(ctx, out.Txid)
	if err != nil {
		if err == chain.ErrTxNotFound {
			e.log.Warn("broadcast payout not found on chain",
				"output_id", out.ID, "txid", out.Txid)
		} else {
			e.log.WithError(err).Warn("poll payout confirmations", "output_id", out.ID)
		}
		return
	}
	need := int64(e.chainCfg.For(string(req.Currency)).MinConfirmations)
	if need < 1 {
		need = 1
	}
	if conf < need {
		return
	}

	now := time.Now().UTC()
	out.Status = domain.OutputConfirmed
	out.ConfirmedAt = &now
	out.UpdatedAt = now
	if _, err := e.store.UpdateOutputTransaction(ctx, out); err != nil {
		e.log.WithError(err).Error("record confirmed payout", "output_id", out.ID)
		return
	}

	events.New(events.EventOutputConfirmed).
		Entity("output", out.ID).
		Status(string(domain.OutputConfirmed)).
		Message("payout confirmed").
		Metadata("txid", out.Txid).
		Metadata("confirmations", fmt.Sprintf("%d", conf)).
		LogTo(e.events)
	e.log.Info("payout confirmed",
		"output_id", out.ID, "txid", out.Txid, "confirmations", conf)

	e.maybeComplete(ctx, out.MixRequestID)
}

// maybeComplete finishes a COMPLETING request once every payout is
// confirmed.
func (e *Engine) maybeComplete(ctx context.Context, requestID string) {
	req, err := e.store.GetMixRequest(ctx, requestID)
	if err != nil || req.Status != domain.StatusCompleting {
		return
	}
	outs, err := e.store.ListOutputsByRequest(ctx, requestID)
	if err != nil || len(outs) == 0 {
		return
	}
	for _, o := range outs {
		if o.Status != domain.OutputConfirmed {
			return
		}
	}
	if err := e.transition(ctx, &req, domain.StatusCompleting, domain.StatusCompleted); err != nil {
		return
	}
	e.audit.Info("request.completed", "mix_request", req.ID, map[string]interface{}{
		"payouts":     len(outs),
		"duration_ms": time.Since(req.CreatedAt).Milliseconds(),
	})
	e.log.Info("request completed", "request_id", req.ID, "payouts", len(outs))
}
