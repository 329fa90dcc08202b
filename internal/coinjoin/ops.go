package coinjoin

import (
	"context"
	"crypto/rand"
	"strconv"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
)

// SessionView is the caller-facing summary of a session.
type SessionView struct {
	ID              string          `json:"id"`
	Currency        domain.Currency `json:"currency"`
	Denomination    domain.Amount   `json:"denomination"`
	CoordinatorFee  domain.Amount   `json:"coordinator_fee"`
	NetworkFee      domain.Amount   `json:"network_fee"`
	Phase           Phase           `json:"phase"`
	Participants    int             `json:"participants"`
	MinParticipants int             `json:"min_participants"`
	MaxParticipants int             `json:"max_participants"`
	BlameList       []string        `json:"blame_list,omitempty"`
	PhaseDeadline   time.Time       `json:"phase_deadline"`
	CreatedAt       time.Time       `json:"created_at"`
	Txid            string          `json:"txid,omitempty"`
}

// Register enrolls a participant with their funding inputs during the
// REGISTRATION phase. The inputs' implied key images are claimed
// before the session sees the participant, so a double registration
// of the same outpoint fails no matter which session it targets.
// When proof of funds is required the result carries a challenge the
// participant must sign and return via SubmitProofOfFunds.
func (c *Coordinator) Register(ctx context.Context, sessionID string, pubKey []byte, inputs []Input) (*RegisterResult, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	idKey, err := crypto.ParsePubKey(pubKey)
	if err != nil {
		return nil, errors.InputValidation("invalid participant key: " + err.Error())
	}
	pid := deriveParticipantID(pubKey)

	if c.bans != nil {
		banned, err := c.bans.IsBanned(ctx, pid)
		if err != nil {
			return nil, errors.Transient("check ban list", err)
		}
		if banned {
			return nil, errors.PolicyRejection("participant is banned").
				WithDetails("reason", "Banned").
				WithDetails("participant", pid)
		}
	}

	if len(inputs) == 0 {
		return nil, errors.InputValidation("at least one input is required")
	}
	inputKeys := make([]*secp256k1.PublicKey, len(inputs))
	images := make([]string, len(inputs))
	var total domain.Amount
	for i, in := range inputs {
		if in.Txid == "" {
			return nil, errors.InputValidationf("input %d has no txid", i)
		}
		if in.Amount <= 0 {
			return nil, errors.InputValidationf("input %d has non-positive amount", i)
		}
		key := idKey
		if len(in.PubKey) > 0 {
			key, err = crypto.ParsePubKey(in.PubKey)
			if err != nil {
				return nil, errors.InputValidationf("input %d key invalid: %v", i, err)
			}
		}
		inputKeys[i] = key
		img, err := impliedKeyImage(in.TxInputRef)
		if err != nil {
			return nil, err
		}
		images[i] = img
		total += in.Amount
	}
	need := s.params.denomination + s.params.coordinatorFee + s.params.networkFee
	if total < need {
		return nil, errors.InsufficientFunds("inputs do not cover denomination and fees").
			WithDetails("required", need.String()).
			WithDetails("provided", total.String())
	}

	if err := c.claimParticipant(pid, sessionID); err != nil {
		return nil, err
	}
	if err := c.claimInputs(ctx, sessionID, images); err != nil {
		c.releaseParticipant(pid, sessionID)
		return nil, err
	}

	var challenge []byte
	if c.cfg.RequireProofOfFunds {
		challenge = make([]byte, 32)
		if _, err := rand.Read(challenge); err != nil {
			c.releaseInputs(sessionID, images)
			c.releaseParticipant(pid, sessionID)
			return nil, errors.Fatal("generate challenge", err)
		}
	}

	err = s.submit(ctx, func() error {
		if s.phase != PhaseRegistration {
			return errors.ProtocolViolation("registration is closed").
				WithDetails("reason", "WrongPhase").
				WithDetails("phase", string(s.phase))
		}
		if _, dup := s.members[pid]; dup {
			return errors.ProtocolViolation("participant already registered").
				WithDetails("participant", pid)
		}
		if s.activeCount() >= c.cfg.MaxParticipants {
			return errors.ProtocolViolation("session is full").
				WithDetails("reason", "SessionFull")
		}
		p := &participant{
			id:        pid,
			pubKey:    idKey,
			inputKeys: inputKeys,
			status:    StatusRegistered,
			joinedAt:  time.Now().UTC(),
			inputs:    inputs,
			images:    images,
			challenge: challenge,
		}
		if challenge == nil {
			p.status = StatusProven
		}
		s.members[pid] = p
		s.order = append(s.order, pid)
		s.updateMeta()
		events.New(events.EventSessionJoined).
			Entity("session", s.id).
			Message("participant joined").
			Metadata("participant", pid).
			Metadata("inputs", strconv.Itoa(len(inputs))).
			LogTo(c.events)
		c.log.Info("participant registered",
			"session", s.id, "participant", pid,
			"inputs", len(inputs), "active", s.activeCount())
		s.snapshot()
		if s.activeCount() == c.cfg.MaxParticipants && s.allReady(s.registrationReady) {
			s.advanceToOutputs()
		}
		return nil
	})
	if err != nil {
		c.releaseInputs(sessionID, images)
		c.releaseParticipant(pid, sessionID)
		return nil, err
	}
	return &RegisterResult{ParticipantID: pid, Challenge: challenge}, nil
}

// SubmitProofOfFunds completes registration when the coordinator
// demands proofs: the participant signs the challenge from Register
// with their identity key. An invalid proof blames and bans.
func (c *Coordinator) SubmitProofOfFunds(ctx context.Context, sessionID, participantID string, proof []byte) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.submit(ctx, func() error {
		if s.phase != PhaseRegistration {
			return errors.ProtocolViolation("registration is closed").
				WithDetails("reason", "WrongPhase")
		}
		p, ok := s.members[participantID]
		if !ok || p.status == StatusBlamed {
			return errors.InputValidationf("participant %s not registered", participantID)
		}
		if p.status == StatusProven {
			return nil
		}
		if p.challenge == nil {
			p.status = StatusProven
			return nil
		}
		if !s.verifySig(p.pubKey, p.challenge, proof) {
			s.blame(p, "invalid proof of funds")
			return errors.ProtocolViolation("invalid proof of funds").
				WithDetails("participant", participantID)
		}
		p.status = StatusProven
		if s.activeCount() == c.cfg.MaxParticipants && s.allReady(s.registrationReady) {
			s.advanceToOutputs()
		}
		return nil
	})
}

// CloseRegistration advances a session out of REGISTRATION before its
// window elapses. It requires every registered participant to be
// ready and the minimum quorum to be met; otherwise the session keeps
// accepting registrations until the timer decides.
func (c *Coordinator) CloseRegistration(ctx context.Context, sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.submit(ctx, func() error {
		if s.phase != PhaseRegistration {
			return errors.ProtocolViolation("registration is closed").
				WithDetails("reason", "WrongPhase")
		}
		if !s.allReady(s.registrationReady) {
			return errors.ProtocolViolation("participants still proving funds")
		}
		if !s.quorum() {
			return errors.ProtocolViolation("not enough participants").
				WithDetails("reason", "QuorumNotMet").
				WithDetails("active", strconv.Itoa(s.activeCount())).
				WithDetails("min", strconv.Itoa(c.cfg.MinParticipants))
		}
		s.advanceToOutputs()
		return nil
	})
}

// RegisterOutputs accepts a participant's blinded destination during
// OUTPUT_REGISTRATION. Exactly one output per participant is allowed
// and its value is fixed to the session denomination. The commitment
// and range proof are checked on arrival; failures blame immediately.
func (c *Coordinator) RegisterOutputs(ctx context.Context, sessionID, participantID string, outs []BlindedOutput) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.submit(ctx, func() error {
		if s.phase != PhaseOutputs {
			return errors.ProtocolViolation("output registration is closed").
				WithDetails("reason", "WrongPhase").
				WithDetails("phase", string(s.phase))
		}
		p, ok := s.members[participantID]
		if !ok || p.status == StatusBlamed {
			return errors.InputValidationf("participant %s not registered", participantID)
		}
		if p.status == StatusCommitted {
			return errors.ProtocolViolation("outputs already registered").
				WithDetails("participant", participantID)
		}
		if len(outs) != 1 {
			return errors.InputValidation("exactly one output per participant")
		}
		out := outs[0]
		if out.Blinded == nil || out.Factor == nil || out.Proof == nil {
			return errors.InputValidation("blinded output, factor and range proof are required")
		}
		if err := out.Proof.Verify(); err != nil {
			s.blame(p, "invalid range proof")
			s.afterOutputBlame()
			return errors.ProtocolViolation("invalid range proof: " + err.Error()).
				WithDetails("participant", participantID)
		}
		address, err := crypto.UnblindOutput(out.Blinded, out.Factor)
		if err != nil {
			s.blame(p, "output commitment mismatch")
			s.afterOutputBlame()
			return errors.ProtocolViolation("output commitment mismatch").
				WithDetails("participant", participantID)
		}
		p.output = &out
		p.address = address
		p.status = StatusCommitted
		events.New(events.EventSessionRegistered).
			Entity("session", s.id).
			Message("output registered").
			Metadata("participant", participantID).
			LogTo(c.events)
		s.snapshot()
		if s.allReady(committed) {
			s.advanceToSigning()
		}
		return nil
	})
}

// UnsignedTx returns the transaction under signature: every input,
// the shuffled outputs, and the shared message digest.
func (c *Coordinator) UnsignedTx(ctx context.Context, sessionID, participantID string) (*UnsignedTransaction, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	var out *UnsignedTransaction
	err = s.submit(ctx, func() error {
		if s.phase != PhaseSigning {
			return errors.ProtocolViolation("transaction is not ready").
				WithDetails("reason", "WrongPhase").
				WithDetails("phase", string(s.phase))
		}
		p, ok := s.members[participantID]
		if !ok || p.status == StatusBlamed {
			return errors.InputValidationf("participant %s not registered", participantID)
		}
		out = cloneUnsigned(s.unsigned)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sign collects a participant's signatures, one per registered input,
// over the session message. An invalid signature blames the signer
// and, when quorum holds, restarts signing over the reduced input
// set; otherwise the session fails. Once every active participant has
// signed, the session assembles and broadcasts.
func (c *Coordinator) Sign(ctx context.Context, sessionID, participantID string, sigs []InputSignature) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return s.submit(ctx, func() error {
		if s.phase != PhaseSigning {
			return errors.ProtocolViolation("signing is closed").
				WithDetails("reason", "WrongPhase").
				WithDetails("phase", string(s.phase))
		}
		p, ok := s.members[participantID]
		if !ok || p.status == StatusBlamed {
			return errors.InputValidationf("participant %s not registered", participantID)
		}
		if p.status == StatusSigned {
			return errors.ProtocolViolation("already signed").
				WithDetails("participant", participantID)
		}
		if len(sigs) != len(p.inputs) {
			return errors.InputValidationf("expected %d signatures, got %d", len(p.inputs), len(sigs))
		}
		ordered := make([]InputSignature, len(p.inputs))
		for i, in := range p.inputs {
			match, found := findSignature(sigs, in.TxInputRef)
			if !found {
				return errors.InputValidationf("missing signature for input %s:%d", in.Txid, in.OutputIndex)
			}
			if !s.verifySig(p.inputKeys[i], s.unsigned.Message, match.Signature) {
				s.blame(p, "invalid signature")
				if !s.quorum() {
					s.fail(errors.ProtocolViolation("quorum lost after blame"))
				} else {
					s.rebuildForSigning()
				}
				return errors.ProtocolViolation("invalid signature").
					WithDetails("participant", participantID).
					WithDetails("input", in.Txid)
			}
			ordered[i] = InputSignature{
				Ref:       in.TxInputRef,
				PubKey:    p.inputKeys[i].SerializeCompressed(),
				Signature: match.Signature,
			}
		}
		p.sigs = ordered
		p.status = StatusSigned
		c.log.Info("participant signed", "session", s.id, "participant", participantID)
		if s.allReady(signed) {
			s.enterPhase(PhaseBroadcasting, c.cfg.BroadcastTimeout)
		}
		return nil
	})
}

// Result blocks until the session reaches a terminal phase and
// returns the broadcast transaction, or the failure that ended it.
func (c *Coordinator) Result(ctx context.Context, sessionID string) (*Transaction, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, errors.Timeout("waiting for session result")
	case <-s.done:
	}
	if s.result != nil {
		return s.result, nil
	}
	if s.failure != nil {
		return nil, s.failure
	}
	return nil, errors.ProtocolViolation("session ended without result")
}

// View summarizes a session. Live sessions answer through their
// goroutine; terminal ones are frozen and read directly.
func (c *Coordinator) View(ctx context.Context, sessionID string) (*SessionView, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	var v *SessionView
	serr := s.submit(ctx, func() error {
		v = s.buildView()
		return nil
	})
	if serr != nil {
		select {
		case <-s.done:
			return s.buildView(), nil
		default:
			return nil, serr
		}
	}
	return v, nil
}

// FindJoinable returns a session in REGISTRATION with room for one
// more participant matching currency and denomination.
func (c *Coordinator) FindJoinable(currency domain.Currency, denomination domain.Amount) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, s := range c.sessions {
		if _, done := c.finished[id]; done {
			continue
		}
		m := s.meta.Load()
		if m == nil || m.phase != PhaseRegistration {
			continue
		}
		if m.currency != currency || m.denomination != denomination {
			continue
		}
		if m.active >= c.cfg.MaxParticipants {
			continue
		}
		return id, true
	}
	return "", false
}

// ActiveSessions lists the ids of sessions that have not reached a
// terminal phase.
func (c *Coordinator) ActiveSessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		if _, done := c.finished[id]; done {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func findSignature(sigs []InputSignature, ref domain.TxInputRef) (InputSignature, bool) {
	for _, sig := range sigs {
		if sig.Ref.Txid == ref.Txid && sig.Ref.OutputIndex == ref.OutputIndex {
			return sig, true
		}
	}
	return InputSignature{}, false
}
