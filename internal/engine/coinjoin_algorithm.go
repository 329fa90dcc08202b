package engine

import (
	"context"
	"time"

	"github.com/R3E-Network/mixer_core/internal/coinjoin"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/wallet"
)

// sessionPollInterval paces the in-process phase polling. Sessions
// advance through channel ops, so a tight interval costs little.
const sessionPollInterval = 50 * time.Millisecond

// coinjoinAlgorithm routes a request through a coordinator session:
// the deposit key registers the confirmed deposit as the round input,
// a fresh one-time key receives the mixed denomination, and the
// payouts are scheduled against pool liquidity afterwards.
type coinjoinAlgorithm struct {
	e *Engine
}

func (a *coinjoinAlgorithm) Name() domain.MixAlgorithm { return domain.AlgorithmCoinJoin }

// Prepare joins (or opens) a session for the largest standard
// denomination the post-fee amount covers and registers the deposit.
// Denominations are tried largest first, stepping down when the
// session's fees push the funding requirement above the deposit.
func (a *coinjoinAlgorithm) Prepare(ctx context.Context, req *domain.MixRequest) (*Plan, error) {
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

	serviceFee := req.InputAmount.BasisPoints(req.FeeBps)
	base := req.InputAmount - serviceFee
	candidates := denominationsAtMost(req.Currency, base)
	if len(candidates) == 0 {
		return nil, errors.InputValidationf(
			"no standard %s denomination at or under %s", req.Currency, base).
			WithDetails("reason", "NoMatchingDenomination")
	}

	var (
		lastErr error
		result  *coinjoin.RegisterResult
		view    *coinjoin.SessionView
	)
	for _, denom := range candidates {
		result, view, err = a.register(ctx, req, depositKey, denom)
		if err == nil {
			break
		}
		lastErr = err
		if errors.KindOf(err) == errors.KindInsufficientFunds {
			continue // fees outgrew the deposit at this size, step down
		}
		return nil, err
	}
	if result == nil {
		return nil, lastErr
	}

	if result.Challenge != nil {
		proof, err := a.signMessage(depositKey, result.Challenge)
		if err != nil {
			return nil, errors.Fatal("sign funds challenge", err)
		}
		if err := e.sessions.SubmitProofOfFunds(ctx, view.ID, result.ParticipantID, proof); err != nil {
			return nil, err
		}
	}

	intermediateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, errors.Fatal("generate intermediate key", err)
	}

	roundFee := view.CoordinatorFee + view.NetworkFee
	payout := base - roundFee
	if payout <= 0 {
		return nil, errors.InsufficientFunds("round fees consume the deposit")
	}

	return &Plan{
		Request:         *req,
		Payout:          payout,
		DepositWalletID: custodyID,
		SessionID:       view.ID,
		ParticipantID:   result.ParticipantID,
		Denomination:    view.Denomination,
		RoundFee:        roundFee,
		DepositKey:      depositKey,
		IntermediateKey: intermediateKey,
	}, nil
}

// register joins an existing joinable session or opens one, retrying
// once with a fresh session when the target closed between the lookup
// and the registration.
func (a *coinjoinAlgorithm) register(ctx context.Context, req *domain.MixRequest, depositKey *crypto.KeyPair, denom domain.Amount) (*coinjoin.RegisterResult, *coinjoin.SessionView, error) {
	e := a.e
	input := coinjoin.Input{TxInputRef: domain.TxInputRef{
		Txid:        req.DepositTxid,
		OutputIndex: 0,
		Amount:      req.InputAmount,
	}}

	for attempt := 0; attempt < 2; attempt++ {
		sessionID, found := e.sessions.FindJoinable(req.Currency, denom)
		if !found {
			coordinatorKey, err := crypto.GenerateKeyPair()
			if err != nil {
				return nil, nil, errors.Fatal("generate coordinator key", err)
			}
			sessionID, err = e.sessions.CreateSession(ctx, req.Currency, denom, coordinatorKey)
			if err != nil {
				return nil, nil, err
			}
		}
		result, err := e.sessions.Register(ctx, sessionID, depositKey.PubBytes(), []coinjoin.Input{input})
		if err != nil {
			switch errorReason(err) {
			case "WrongPhase", "SessionFull":
				continue // session moved on without us, open a fresh one
			}
			return nil, nil, err
		}
		view, err := e.sessions.View(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		return result, view, nil
	}
	return nil, nil, errors.ProtocolViolation("no session stayed joinable").
		WithDetails("currency", string(req.Currency)).
		WithDetails("denomination", denom.String())
}

// Execute carries the registered participant through the remaining
// phases: output commitment, signing (surviving rebuilds), and the
// final result. On success the round's spend moves from the deposit
// custody wallet to the one-time intermediate wallet.
func (a *coinjoinAlgorithm) Execute(ctx context.Context, plan *Plan) ([]domain.OutputTransaction, error) {
	e := a.e
	cfg := e.sessions.Config()
	req := plan.Request

	intermediateAddr, err := wallet.EncodeAddress(req.Currency, plan.IntermediateKey)
	if err != nil {
		return nil, errors.Fatal("encode intermediate address", err)
	}

	view, err := a.waitPhase(ctx, plan, coinjoin.PhaseOutputs, cfg.RegistrationTimeout+cfg.OutputTimeout)
	if err != nil {
		return nil, err
	}
	if view.Phase == coinjoin.PhaseOutputs {
		blinded, err := a.blindOutput(intermediateAddr, plan.Denomination)
		if err != nil {
			return nil, err
		}
		err = e.sessions.RegisterOutputs(ctx, plan.SessionID, plan.ParticipantID, []coinjoin.BlindedOutput{*blinded})
		if err != nil && errorReason(err) != "WrongPhase" {
			return nil, err
		}
	}

	if err := a.signRound(ctx, plan); err != nil {
		return nil, err
	}

	resultCtx, cancel := context.WithTimeout(ctx, cfg.SigningTimeout+cfg.BroadcastTimeout+time.Minute)
	tx, err := e.sessions.Result(resultCtx, plan.SessionID)
	cancel()
	if err != nil {
		return nil, err
	}

	// Ledger move: the round consumed denomination + fees from the
	// deposit; the mixed denomination now sits on the one-time key.
	spent := plan.Denomination + plan.RoundFee
	if _, err := e.wallets.AtomicSubtract(ctx, plan.DepositWalletID, spent); err != nil {
		e.log.WithError(err).Error("debit deposit custody after round",
			"request_id", req.ID, "amount", spent.String())
	}
	if _, err := e.ensureCustodyWallet(ctx, req.Currency, intermediateAddr, plan.Denomination); err != nil {
		e.log.WithError(err).Error("register intermediate wallet",
			"request_id", req.ID, "address", intermediateAddr)
	}

	e.log.Info("coinjoin round complete",
		"request_id", req.ID,
		"session", plan.SessionID,
		"txid", tx.Txid,
		"denomination", plan.Denomination.String())
	return e.buildPayouts(&req, plan.Payout), nil
}

// Abort has nothing to release: an abandoned registration is blamed
// and unclaimed by the session's own timeout handling, and the ban it
// earns expires with the configured duration.
func (a *coinjoinAlgorithm) Abort(ctx context.Context, plan *Plan, reason error) {
	a.e.log.Warn("coinjoin route aborted",
		"request_id", plan.Request.ID,
		"session", plan.SessionID,
		"reason", reason.Error())
}

// blindOutput masks the intermediate address and proves the committed
// denomination is in range.
func (a *coinjoinAlgorithm) blindOutput(address string, denom domain.Amount) (*coinjoin.BlindedOutput, error) {
	factor, err := crypto.RandomScalar()
	if err != nil {
		return nil, errors.Fatal("draw blinding factor", err)
	}
	blinded, err := crypto.BlindOutput(address, factor)
	if err != nil {
		return nil, errors.Fatal("blind output", err)
	}
	proofBlind, err := crypto.RandomScalar()
	if err != nil {
		return nil, errors.Fatal("draw proof blind", err)
	}
	proof, err := ring.BuildRangeProof(denom, proofBlind)
	if err != nil {
		return nil, errors.Fatal("build range proof", err)
	}
	return &coinjoin.BlindedOutput{Blinded: blinded, Factor: factor, Proof: proof}, nil
}

// signRound signs the unsigned transaction, re-signing whenever a
// blame rebuild invalidates the previous message. The loop is bounded
// by the session size: each rebuild removes at least one participant.
func (a *coinjoinAlgorithm) signRound(ctx context.Context, plan *Plan) error {
	e := a.e
	cfg := e.sessions.Config()
	budget := cfg.MaxParticipants + 1

	for round := 0; round < budget; round++ {
		view, err := a.waitPhase(ctx, plan, coinjoin.PhaseSigning, cfg.OutputTimeout+cfg.SigningTimeout)
		if err != nil {
			return err
		}
		if view.Phase != coinjoin.PhaseSigning {
			return nil // already past signing; our signature landed
		}

		unsigned, err := e.sessions.UnsignedTx(ctx, plan.SessionID, plan.ParticipantID)
		if err != nil {
			if errorReason(err) == "WrongPhase" {
				continue
			}
			return err
		}
		ref, ok := findOwnInput(unsigned.Inputs, plan.Request.DepositTxid)
		if !ok {
			return errors.ProtocolViolation("own input missing from unsigned transaction").
				WithDetails("session", plan.SessionID)
		}
		sig, err := a.signMessage(plan.DepositKey, unsigned.Message)
		if err != nil {
			return errors.Fatal("sign round message", err)
		}
		err = e.sessions.Sign(ctx, plan.SessionID, plan.ParticipantID, []coinjoin.InputSignature{{
			Ref:       ref,
			Signature: sig,
		}})
		if err == nil {
			return nil
		}
		if errorReason(err) == "WrongPhase" {
			continue // rebuild raced the signature, fetch the new message
		}
		return err
	}
	return errors.ProtocolViolation("signing never settled").
		WithDetails("session", plan.SessionID)
}

// waitPhase polls the session until it reaches (or passes) the wanted
// phase. A failed session surfaces as a protocol violation unless this
// participant was blamed, which is a policy rejection: the ban makes
// retrying with the same deposit key pointless.
func (a *coinjoinAlgorithm) waitPhase(ctx context.Context, plan *Plan, want coinjoin.Phase, timeout time.Duration) (*coinjoin.SessionView, error) {
	deadline := time.Now().Add(timeout + time.Minute)
	for {
		view, err := a.e.sessions.View(ctx, plan.SessionID)
		if err != nil {
			return nil, err
		}
		if view.Phase == coinjoin.PhaseFailed {
			if containsParticipant(view.BlameList, plan.ParticipantID) {
				return view, errors.PolicyRejection("participant blamed by session").
					WithDetails("session", plan.SessionID)
			}
			return view, errors.ProtocolViolation("session failed").
				WithDetails("session", plan.SessionID)
		}
		if containsParticipant(view.BlameList, plan.ParticipantID) {
			return view, errors.PolicyRejection("participant blamed by session").
				WithDetails("session", plan.SessionID)
		}
		if phaseRank(view.Phase) >= phaseRank(want) {
			return view, nil
		}
		if time.Now().After(deadline) {
			return view, errors.Timeout("session never reached " + string(want)).
				WithDetails("session", plan.SessionID)
		}
		select {
		case <-time.After(sessionPollInterval):
		case <-ctx.Done():
			return nil, errors.Transient("phase wait cancelled", ctx.Err())
		}
	}
}

func (a *coinjoinAlgorithm) signMessage(key *crypto.KeyPair, message []byte) ([]byte, error) {
	if a.e.sessions.Config().UseSchnorr {
		return crypto.SignSchnorr(key.Priv, message)
	}
	return crypto.SignECDSA(key.Priv, message), nil
}

func phaseRank(p coinjoin.Phase) int {
	switch p {
	case coinjoin.PhaseRegistration:
		return 0
	case coinjoin.PhaseOutputs:
		return 1
	case coinjoin.PhaseSigning:
		return 2
	case coinjoin.PhaseBroadcasting:
		return 3
	case coinjoin.PhaseCompleted:
		return 4
	}
	return -1
}

func findOwnInput(inputs []domain.TxInputRef, txid string) (domain.TxInputRef, bool) {
	for _, in := range inputs {
		if in.Txid == txid {
			return in, true
		}
	}
	return domain.TxInputRef{}, false
}

func containsParticipant(list []string, id string) bool {
	for _, p := range list {
		if p == id {
			return true
		}
	}
	return false
}

// denominationsAtMost lists the standard denominations not exceeding
// limit, largest first.
func denominationsAtMost(c domain.Currency, limit domain.Amount) []domain.Amount {
	all := domain.StandardDenominations(c)
	out := make([]domain.Amount, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if all[i] <= limit {
			out = append(out, all[i])
		}
	}
	return out
}

func errorReason(err error) string {
	if e, ok := errors.AsError(err); ok {
		if reason, ok := e.Details["reason"].(string); ok {
			return reason
		}
	}
	return ""
}
