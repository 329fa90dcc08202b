package coinjoin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
)

type sessionParams struct {
	id              string
	currency        domain.Currency
	denomination    domain.Amount
	coordinatorID   string
	coordinatorAddr string
	coordinatorFee  domain.Amount
	networkFee      domain.Amount
}

// participant is one registered peer. All fields are owned by the
// session goroutine after registration.
type participant struct {
	id        string
	pubKey    *secp256k1.PublicKey
	inputKeys []*secp256k1.PublicKey // aligned with inputs; identity key when none given
	status    ParticipantStatus
	joinedAt  time.Time
	inputs    []Input
	images    []string
	challenge []byte // proof-of-funds nonce; nil when proofs are off
	output    *BlindedOutput
	address   string // unblinded destination
	sigs      []InputSignature
	blamedFor string
}

// sessionOp is a unit of work executed by the session goroutine on
// behalf of a caller. The reply channel is buffered so the goroutine
// never blocks on a departed caller.
type sessionOp struct {
	fn    func() error
	reply chan error
}

// sessionMeta is the lock-free summary the coordinator reads for
// matchmaking without entering the session goroutine.
type sessionMeta struct {
	phase        Phase
	currency     domain.Currency
	denomination domain.Amount
	active       int
	deadline     time.Time
}

// session is one coinjoin round. A single goroutine (run) owns all
// mutable state below the ops channel; callers reach it only through
// submit. Once done is closed the state is frozen and safe to read
// directly.
type session struct {
	c      *Coordinator
	id     string
	params sessionParams

	ops      chan sessionOp
	cancelCh chan string
	done     chan struct{}
	meta     atomic.Pointer[sessionMeta]

	phase     Phase
	deadline  time.Time
	timer     *time.Timer
	order     []string
	members   map[string]*participant
	blameList []string
	unsigned  *UnsignedTransaction
	result    *Transaction
	failure   error
	createdAt time.Time
}

func newSession(c *Coordinator, params sessionParams) *session {
	now := time.Now().UTC()
	s := &session{
		c:         c,
		id:        params.id,
		params:    params,
		ops:       make(chan sessionOp),
		cancelCh:  make(chan string, 1),
		done:      make(chan struct{}),
		phase:     PhaseRegistration,
		deadline:  now.Add(c.cfg.RegistrationTimeout),
		timer:     time.NewTimer(c.cfg.RegistrationTimeout),
		members:   make(map[string]*participant),
		createdAt: now,
	}
	s.updateMeta()
	return s
}

// run owns the session until a terminal phase. Each loop turn handles
// exactly one of: a caller operation, the phase timer, or a
// coordinator cancellation. Broadcasting happens after the triggering
// operation has been acknowledged.
func (s *session) run() {
	defer s.c.wg.Done()
	s.snapshot()
	for {
		select {
		case op := <-s.ops:
			op.reply <- op.fn()
		case <-s.timer.C:
			s.onTimeout()
		case reason := <-s.cancelCh:
			s.fail(errors.ProtocolViolation("session cancelled: " + reason))
		}
		if s.phase == PhaseBroadcasting {
			s.performBroadcast()
		}
		if s.phase.Terminal() {
			s.shutdown()
			return
		}
	}
}

// shutdown freezes the session and answers any operations that raced
// with the terminal transition.
func (s *session) shutdown() {
	s.timer.Stop()
	close(s.done)
	for {
		select {
		case op := <-s.ops:
			op.reply <- errors.ProtocolViolation("session is closed")
		default:
			s.c.finishSession(s.id)
			return
		}
	}
}

// submit schedules fn on the session goroutine and waits for its
// result. It fails fast when the session is already closed; when the
// close races with the reply, the reply wins.
func (s *session) submit(ctx context.Context, fn func() error) error {
	op := sessionOp{fn: fn, reply: make(chan error, 1)}
	select {
	case s.ops <- op:
	case <-s.done:
		return errors.ProtocolViolation("session is closed")
	case <-ctx.Done():
		return errors.Timeout("session operation cancelled")
	}
	select {
	case err := <-op.reply:
		return err
	case <-s.done:
		select {
		case err := <-op.reply:
			return err
		default:
			return errors.ProtocolViolation("session is closed")
		}
	}
}

// cancel asks the session to fail. Safe from any goroutine; a no-op
// once the session is terminal or a cancel is already pending.
func (s *session) cancel(reason string) {
	select {
	case s.cancelCh <- reason:
	case <-s.done:
	default:
	}
}

func (s *session) updateMeta() {
	s.meta.Store(&sessionMeta{
		phase:        s.phase,
		currency:     s.params.currency,
		denomination: s.params.denomination,
		active:       s.activeCount(),
		deadline:     s.deadline,
	})
}

// ===== Participant accounting =====

func (s *session) activeCount() int {
	n := 0
	for _, p := range s.members {
		if p.status != StatusBlamed {
			n++
		}
	}
	return n
}

// active returns non-blamed participants in join order.
func (s *session) active() []*participant {
	out := make([]*participant, 0, len(s.order))
	for _, id := range s.order {
		if p := s.members[id]; p.status != StatusBlamed {
			out = append(out, p)
		}
	}
	return out
}

func (s *session) activeImages() []string {
	var imgs []string
	for _, p := range s.active() {
		imgs = append(imgs, p.images...)
	}
	return imgs
}

func (s *session) allReady(ready func(*participant) bool) bool {
	for _, p := range s.active() {
		if !ready(p) {
			return false
		}
	}
	return true
}

// registrationReady holds once a participant can enter output
// registration: proven, or merely registered when proofs are off.
func (s *session) registrationReady(p *participant) bool {
	if p.status == StatusProven {
		return true
	}
	return !s.c.cfg.RequireProofOfFunds && p.status == StatusRegistered
}

func committed(p *participant) bool { return p.status == StatusCommitted }
func signed(p *participant) bool    { return p.status == StatusSigned }

// verifySig checks a signature over message with the configured scheme.
func (s *session) verifySig(pub *secp256k1.PublicKey, message, sig []byte) bool {
	if s.c.cfg.UseSchnorr {
		return crypto.VerifySchnorr(pub, message, sig)
	}
	return crypto.VerifyECDSA(pub, message, sig)
}

// ===== Blame =====

// blame marks a participant, releases their input claims, and bans
// their id for the configured window. The session itself keeps going;
// callers decide whether the remaining quorum suffices.
func (s *session) blame(p *participant, reason string) {
	if p.status == StatusBlamed {
		return
	}
	p.status = StatusBlamed
	p.blamedFor = reason
	s.blameList = append(s.blameList, p.id)
	s.c.releaseInputs(s.id, p.images)
	s.c.releaseParticipant(p.id, s.id)
	if s.c.bans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.c.bans.Ban(ctx, p.id, reason, s.c.cfg.BanDuration); err != nil {
			s.c.log.Error("ban participant", "session", s.id, "participant", p.id, "error", err)
		}
		cancel()
	}
	s.updateMeta()
	events.New(events.EventSessionBlamed).
		Entity("session", s.id).
		Severity(events.SeverityWarning).
		Message(reason).
		Metadata("participant", p.id).
		LogTo(s.c.events)
	s.c.log.Warn("participant blamed", "session", s.id, "participant", p.id, "reason", reason)
}

// blameLaggards blames every active participant that has not reached
// the phase target.
func (s *session) blameLaggards(reason string, ready func(*participant) bool) {
	for _, p := range s.active() {
		if !ready(p) {
			s.blame(p, reason)
		}
	}
}

// quorum reports whether enough participants remain to continue.
func (s *session) quorum() bool {
	return s.activeCount() >= s.c.cfg.MinParticipants
}

// ===== Phase machinery =====

func (s *session) enterPhase(p Phase, window time.Duration) {
	s.phase = p
	s.deadline = time.Now().UTC().Add(window)
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(window)
	s.updateMeta()
	events.New(events.EventSessionPhase).
		Entity("session", s.id).
		Status(string(p)).
		Message("phase entered").
		Metadata("participants", strconv.Itoa(s.activeCount())).
		LogTo(s.c.events)
	s.c.log.Info("session phase",
		"session", s.id, "phase", string(p), "participants", s.activeCount())
	s.snapshot()
}

// onTimeout enforces the phase window: laggards are blamed and the
// session continues when the remaining quorum still meets the minimum,
// otherwise it fails.
func (s *session) onTimeout() {
	switch s.phase {
	case PhaseRegistration:
		s.blameLaggards("registration window expired", s.registrationReady)
		if s.quorum() {
			s.advanceToOutputs()
			return
		}
		s.fail(errors.Timeout("registration quorum not met"))
	case PhaseOutputs:
		s.blameLaggards("output window expired", committed)
		if s.quorum() {
			s.advanceToSigning()
			return
		}
		s.fail(errors.Timeout("output registration quorum not met"))
	case PhaseSigning:
		s.blameLaggards("signing window expired", signed)
		if s.quorum() {
			// Remaining signatures covered the old input set; everyone
			// must sign the rebuilt message.
			s.rebuildForSigning()
			return
		}
		s.fail(errors.Timeout("signing quorum not met"))
	case PhaseBroadcasting:
		s.fail(errors.Timeout("broadcast window expired"))
	}
}

func (s *session) advanceToOutputs() {
	s.enterPhase(PhaseOutputs, s.c.cfg.OutputTimeout)
}

// afterOutputBlame re-evaluates the output phase once a blame shrank
// it: fail on lost quorum, advance when every survivor has already
// committed.
func (s *session) afterOutputBlame() {
	if !s.quorum() {
		s.fail(errors.ProtocolViolation("quorum lost after blame"))
		return
	}
	if s.allReady(committed) {
		s.advanceToSigning()
	}
}

func (s *session) advanceToSigning() {
	if err := s.buildUnsigned(); err != nil {
		s.fail(err)
		return
	}
	s.enterPhase(PhaseSigning, s.c.cfg.SigningTimeout)
}

// rebuildForSigning restarts the signing phase after a blame shrank
// the input set. Collected signatures no longer match the message, so
// every remaining participant drops back to committed.
func (s *session) rebuildForSigning() {
	for _, p := range s.active() {
		if p.status == StatusSigned {
			p.status = StatusCommitted
		}
		p.sigs = nil
	}
	if err := s.buildUnsigned(); err != nil {
		s.fail(err)
		return
	}
	s.enterPhase(PhaseSigning, s.c.cfg.SigningTimeout)
}

// buildUnsigned assembles the message everyone signs: all active
// inputs in join order, one equal-denomination output per participant
// shuffled into an order the coordinator cannot be asked to explain,
// plus the coordinator fee output when a fee is configured.
func (s *session) buildUnsigned() error {
	var refs []domain.TxInputRef
	outs := make([]domain.TxOutput, 0, s.activeCount())
	for _, p := range s.active() {
		for _, in := range p.inputs {
			refs = append(refs, in.TxInputRef)
		}
		outs = append(outs, domain.TxOutput{Address: p.address, Amount: s.params.denomination})
	}
	if err := cryptoShuffle(outs); err != nil {
		return errors.Fatal("shuffle outputs", err)
	}
	if fee := s.params.coordinatorFee * domain.Amount(len(outs)); fee > 0 {
		outs = append(outs, domain.TxOutput{Address: s.params.coordinatorAddr, Amount: fee})
	}
	s.unsigned = &UnsignedTransaction{
		SessionID: s.id,
		Currency:  s.params.currency,
		Inputs:    refs,
		Outputs:   outs,
		Message:   domain.TransactionDigest(refs, outs),
	}
	events.New(events.EventSessionShuffled).
		Entity("session", s.id).
		Message("outputs shuffled").
		Metadata("outputs", strconv.Itoa(len(outs))).
		LogTo(s.c.events)
	return nil
}

// ===== Broadcast =====

// performBroadcast assembles the final transaction, pushes it to the
// chain, and commits the spent key images. Runs on the session
// goroutine after the last signer has been acknowledged.
func (s *session) performBroadcast() {
	tx, raw, err := s.assemble()
	if err != nil {
		s.fail(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.c.cfg.BroadcastTimeout)
	defer cancel()

	txid, err := s.broadcastRaw(ctx, raw)
	if err != nil {
		s.fail(errors.Transient("broadcast transaction", err))
		return
	}
	tx.Txid = txid
	s.result = tx
	s.c.commitInputs(ctx, s.id, s.activeImages())
	s.complete()
}

func (s *session) assemble() (*Transaction, []byte, error) {
	var (
		sigs    []InputSignature
		inTotal domain.Amount
	)
	for _, p := range s.active() {
		sigs = append(sigs, p.sigs...)
		for _, in := range p.inputs {
			inTotal += in.Amount
		}
	}
	var outTotal domain.Amount
	for _, o := range s.unsigned.Outputs {
		outTotal += o.Amount
	}
	tx := &Transaction{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		Currency:    s.params.currency,
		Inputs:      sigs,
		Outputs:     s.unsigned.Outputs,
		Fee:         inTotal - outTotal,
		Message:     s.unsigned.Message,
		FinalizedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(newWireTransaction(tx))
	if err != nil {
		return nil, nil, errors.Fatal("encode transaction", err)
	}
	return tx, raw, nil
}

// broadcastRaw pushes the encoded transaction, retrying inside the
// broadcast window. Without a broadcaster the transaction finalizes
// locally under a deterministic id.
func (s *session) broadcastRaw(ctx context.Context, raw []byte) (string, error) {
	if s.c.chain == nil {
		return hex.EncodeToString(crypto.Hash256([]byte("txid.v1"), raw)), nil
	}
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(time.Duration(attempt-1) * 2 * time.Second):
			}
		}
		txid, err := s.c.chain.Broadcast(ctx, s.params.currency, raw)
		if err == nil {
			return txid, nil
		}
		lastErr = err
		s.c.log.Warn("session broadcast attempt failed",
			"session", s.id, "attempt", attempt, "error", err)
	}
	return "", lastErr
}

// ===== Terminal transitions =====

func (s *session) complete() {
	s.phase = PhaseCompleted
	s.deadline = time.Now().UTC()
	s.c.releaseInputs(s.id, nil)
	s.c.releaseSessionMembers(s.id)
	s.updateMeta()
	events.New(events.EventSessionBroadcast).
		Entity("session", s.id).
		Status(string(PhaseCompleted)).
		Message("transaction broadcast").
		Metadata("txid", s.result.Txid).
		LogTo(s.c.events)
	events.New(events.EventSessionCompleted).
		Entity("session", s.id).
		Status(string(PhaseCompleted)).
		Message("session completed").
		Metadata("participants", strconv.Itoa(s.activeCount())).
		LogTo(s.c.events)
	s.c.log.Info("session completed",
		"session", s.id, "txid", s.result.Txid, "participants", s.activeCount())
	s.snapshot()
}

func (s *session) fail(err error) {
	if s.phase.Terminal() {
		return
	}
	s.failure = err
	s.phase = PhaseFailed
	s.deadline = time.Now().UTC()
	s.c.releaseInputs(s.id, nil)
	s.c.releaseSessionMembers(s.id)
	s.updateMeta()
	events.New(events.EventSessionCancelled).
		Entity("session", s.id).
		Status(string(PhaseFailed)).
		Severity(events.SeverityWarning).
		ErrorFrom(err).
		Message("session failed").
		LogTo(s.c.events)
	s.c.log.Warn("session failed", "session", s.id, "error", err)
	s.snapshot()
}

// ===== Persistence =====

// sessionState is the snapshot payload: enough to audit who was in
// the round and how it ended.
type sessionState struct {
	Order          []string          `json:"order"`
	Participants   map[string]string `json:"participants"`
	CoordinatorFee domain.Amount     `json:"coordinator_fee"`
	NetworkFee     domain.Amount     `json:"network_fee"`
	Txid           string            `json:"txid,omitempty"`
	Failure        string            `json:"failure,omitempty"`
}

// snapshot persists the session's externally visible state. Snapshot
// failures are logged and never interrupt the protocol.
func (s *session) snapshot() {
	if s.c.store == nil {
		return
	}
	state := sessionState{
		Order:          append([]string(nil), s.order...),
		Participants:   make(map[string]string, len(s.members)),
		CoordinatorFee: s.params.coordinatorFee,
		NetworkFee:     s.params.networkFee,
	}
	for id, p := range s.members {
		state.Participants[id] = string(p.status)
	}
	if s.result != nil {
		state.Txid = s.result.Txid
	}
	if s.failure != nil {
		state.Failure = s.failure.Error()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		s.c.log.Error("encode session state", "session", s.id, "error", err)
		return
	}
	now := time.Now().UTC()
	snap := domain.SessionSnapshot{
		ID:            s.id,
		CoordinatorID: s.params.coordinatorID,
		Currency:      s.params.currency,
		Denomination:  s.params.denomination,
		Phase:         string(s.phase),
		Participants:  s.activeCount(),
		BlameList:     append([]string(nil), s.blameList...),
		State:         raw,
		ExpiresAt:     now.Add(s.c.cfg.SessionRetention),
		CreatedAt:     s.createdAt,
		UpdatedAt:     now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.c.store.SaveSessionSnapshot(ctx, snap); err != nil {
		s.c.log.Warn("save session snapshot", "session", s.id, "error", err)
	}
}

// buildView summarizes the session for callers. Must run on the
// session goroutine, or after done is closed.
func (s *session) buildView() *SessionView {
	v := &SessionView{
		ID:              s.id,
		Currency:        s.params.currency,
		Denomination:    s.params.denomination,
		CoordinatorFee:  s.params.coordinatorFee,
		NetworkFee:      s.params.networkFee,
		Phase:           s.phase,
		Participants:    s.activeCount(),
		MinParticipants: s.c.cfg.MinParticipants,
		MaxParticipants: s.c.cfg.MaxParticipants,
		BlameList:       append([]string(nil), s.blameList...),
		PhaseDeadline:   s.deadline,
		CreatedAt:       s.createdAt,
	}
	if s.result != nil {
		v.Txid = s.result.Txid
	}
	return v
}

func cloneUnsigned(u *UnsignedTransaction) *UnsignedTransaction {
	out := &UnsignedTransaction{
		SessionID: u.SessionID,
		Currency:  u.Currency,
		Inputs:    append([]domain.TxInputRef(nil), u.Inputs...),
		Outputs:   append([]domain.TxOutput(nil), u.Outputs...),
		Message:   append([]byte(nil), u.Message...),
	}
	return out
}

