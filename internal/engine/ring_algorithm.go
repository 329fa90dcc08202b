package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/wallet"
)

// ringAlgorithm routes a request through a single-signer ring
// transaction: the deposit is swept to a fresh stealth pool address
// behind a decoy ring, and the payouts are scheduled against pool
// liquidity. It serves both the ring and stealth selections.
type ringAlgorithm struct {
	e *Engine
}

func (a *ringAlgorithm) Name() domain.MixAlgorithm { return domain.AlgorithmRing }

// Prepare unseals the deposit key and prices the sweep.
func (a *ringAlgorithm) Prepare(ctx context.Context, req *domain.MixRequest) (*Plan, error) {
	e := a.e

	addr, err := e.store.GetDepositAddressByRequest(ctx, req.ID)
	if err != nil {
		return nil, errors.Transient("load deposit address", err)
	}
	depositKey, err := e.wallets.UnsealDepositKey(addr)
	if err != nil {
		return nil, errors.Fatal("unseal deposit key", err)
	}
	custodyID, err := e.ensureCustodyWallet(ctx, req.Currency, req.DepositAddress, req.InputAmount)
	if err != nil {
		return nil, err
	}

	client, err := e.chains.Client(req.Currency)
	if err != nil {
		return nil, err
	}
	networkFee, err := client.EstimateFee(ctx)
	if err != nil {
		return nil, errors.Transient("estimate network fee", err)
	}

	serviceFee := req.InputAmount.BasisPoints(req.FeeBps)
	payout := req.InputAmount - serviceFee - networkFee
	if payout <= 0 {
		return nil, errors.InsufficientFunds("fees consume the deposit")
	}

	return &Plan{
		Request:         *req,
		Payout:          payout,
		DepositWalletID: custodyID,
		DepositKey:      depositKey,
		NetworkFee:      networkFee,
	}, nil
}

// Execute signs and broadcasts the sweep. Signing consumes the
// deposit's key image, so a failure past that point is terminal for
// the request; the funds stay accounted in custody either way.
func (a *ringAlgorithm) Execute(ctx context.Context, plan *Plan) ([]domain.OutputTransaction, error) {
	e := a.e
	req := plan.Request

	spendKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errors.Fatal("generate stealth spend key", err)
	}
	viewKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errors.Fatal("generate stealth view key", err)
	}
	stealth, err := e.mixer.CreateStealthAddress(spendKey.Pub, viewKey.Pub)
	if err != nil {
		return nil, errors.Fatal("derive stealth address", err)
	}
	poolAddr, err := wallet.EncodeAddress(req.Currency, &crypto.KeyPair{Pub: stealth.OneTimePub})
	if err != nil {
		return nil, errors.Fatal("encode stealth pool address", err)
	}

	sweep := req.InputAmount - plan.NetworkFee
	inputs := []ring.Input{{
		Ref: domain.TxInputRef{
			Txid:        req.DepositTxid,
			OutputIndex: 0,
			Amount:      req.InputAmount,
		},
		Key:    plan.DepositKey,
		Height: req.DepositBlockHeight,
	}}
	outputs := []ring.Output{{
		TxOutput: domain.TxOutput{Address: poolAddr, Amount: sweep},
		Stealth:  stealth,
	}}

	tx, err := e.mixer.CreateRingTransaction(ctx, inputs, outputs, plan.NetworkFee)
	if err != nil {
		return nil, err
	}
	if err := e.mixer.VerifyRingTransaction(ctx, tx); err != nil {
		return nil, errors.Fatal("ring transaction failed self-verification", err)
	}

	txid, err := a.broadcast(ctx, req.Currency, tx)
	if err != nil {
		return nil, err
	}

	if _, err := e.wallets.AtomicSubtract(ctx, plan.DepositWalletID, req.InputAmount); err != nil {
		e.log.WithError(err).Error("debit deposit custody after sweep",
			"request_id", req.ID, "amount", req.InputAmount.String())
	}
	if _, err := e.ensureCustodyWallet(ctx, req.Currency, poolAddr, sweep); err != nil {
		e.log.WithError(err).Error("register stealth pool wallet",
			"request_id", req.ID, "address", poolAddr)
	}

	e.log.Info("ring sweep complete",
		"request_id", req.ID,
		"txid", txid,
		"ring_size", len(tx.Inputs[0].Ring),
		"confidential", tx.Confidential)
	return e.buildPayouts(&req, plan.Payout), nil
}

// Abort releases nothing: before signing there are no durable claims,
// and after signing the consumed key image already blocks re-entry.
func (a *ringAlgorithm) Abort(ctx context.Context, plan *Plan, reason error) {
	a.e.log.Warn("ring route aborted",
		"request_id", plan.Request.ID,
		"reason", reason.Error())
}

// broadcast pushes the sweep with a short retry ladder. The key image
// is already spent, so giving up is reported as fatal rather than
// retryable: re-running Execute would only trip the double-spend
// registry.
func (a *ringAlgorithm) broadcast(ctx context.Context, currency domain.Currency, tx *ring.RingTransaction) (string, error) {
	client, err := a.e.chains.Client(currency)
	if err != nil {
		return "", errors.Fatal("no chain client for sweep", err)
	}
	raw, err := encodeRingTransaction(currency, tx)
	if err != nil {
		return "", errors.Fatal("encode ring transaction", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		txid, err := client.Broadcast(ctx, raw)
		if err == nil {
			return txid, nil
		}
		lastErr = err
		select {
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		case <-ctx.Done():
			return "", errors.Fatal("sweep broadcast cancelled", ctx.Err())
		}
	}
	return "", errors.Fatal("sweep broadcast exhausted retries", lastErr)
}

// ringWire is the broadcast form of a ring transaction: key images and
// destinations, no ring member or signature internals.
type ringWire struct {
	Version      int              `json:"version"`
	ID           string           `json:"id"`
	Currency     string           `json:"currency"`
	KeyImages    []string         `json:"key_images"`
	Outputs      []ringWireOutput `json:"outputs"`
	Fee          int64            `json:"fee"`
	Confidential bool             `json:"confidential"`
	Message      string           `json:"message"`
}

type ringWireOutput struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

func encodeRingTransaction(currency domain.Currency, tx *ring.RingTransaction) ([]byte, error) {
	w := ringWire{
		Version:      1,
		ID:           tx.ID,
		Currency:     string(currency),
		KeyImages:    tx.KeyImages(),
		Fee:          int64(tx.Fee),
		Confidential: tx.Confidential,
		Message:      hex.EncodeToString(tx.Message),
	}
	for _, out := range tx.Outputs {
		w.Outputs = append(w.Outputs, ringWireOutput{Address: out.Address, Amount: int64(out.Amount)})
	}
	return json.Marshal(w)
}
