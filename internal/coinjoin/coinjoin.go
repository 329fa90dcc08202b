// Package coinjoin implements the multi-party session coordinator: a
// four-phase protocol (registration, output registration, signing,
// broadcasting) over equal-denomination outputs, with blame and
// banning for participants that stall or cheat.
//
// Each live session is owned by one goroutine consuming a merged
// stream of participant operations, phase-timer fires and coordinator
// cancellation. A phase advances when every current participant has
// reached the target state or when its window elapses; in the latter
// case laggards are blamed and the session continues only if the
// remaining quorum still meets the minimum.
package coinjoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/wallet"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// Phase is the session protocol stage.
type Phase string

const (
	PhaseRegistration Phase = "REGISTRATION"
	PhaseOutputs      Phase = "OUTPUT_REGISTRATION"
	PhaseSigning      Phase = "SIGNING"
	PhaseBroadcasting Phase = "BROADCASTING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// ParticipantStatus tracks a participant through the phases.
type ParticipantStatus string

const (
	StatusRegistered ParticipantStatus = "REGISTERED"
	StatusProven     ParticipantStatus = "PROVEN"
	StatusCommitted  ParticipantStatus = "COMMITTED"
	StatusSigned     ParticipantStatus = "SIGNED"
	StatusBlamed     ParticipantStatus = "BLAMED"
)

// Input is one funding outpoint a participant registers. PubKey may
// name a per-input key; when empty the participant's identity key
// must sign for it.
type Input struct {
	domain.TxInputRef
	PubKey []byte
}

// BlindedOutput is a participant's destination, masked from the
// coordinator until transaction assembly. The range proof covers the
// denomination commitment; a proof that fails to verify is blamed.
type BlindedOutput struct {
	Blinded *crypto.BlindedOutput
	Factor  *secp256k1.ModNScalar
	Proof   *ring.RangeProof
}

// RegisterResult is returned from Register. Challenge is non-nil when
// the coordinator requires proof of funds; the participant must return
// a signature over it before the registration window closes.
type RegisterResult struct {
	ParticipantID string
	Challenge     []byte
}

// UnsignedTransaction is the participant view during signing: the full
// input list, the shuffled outputs, and the message digest everyone
// signs segments of.
type UnsignedTransaction struct {
	SessionID string
	Currency  domain.Currency
	Inputs    []domain.TxInputRef
	Outputs   []domain.TxOutput
	Message   []byte
}

// InputSignature pairs an input with its collected signature.
type InputSignature struct {
	Ref       domain.TxInputRef
	PubKey    []byte
	Signature []byte
}

// Transaction is the assembled coinjoin transaction.
type Transaction struct {
	ID          string
	SessionID   string
	Currency    domain.Currency
	Inputs      []InputSignature
	Outputs     []domain.TxOutput
	Fee         domain.Amount
	Message     []byte
	Txid        string
	FinalizedAt time.Time
}

// Broadcaster pushes an assembled transaction to its chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, currency domain.Currency, raw []byte) (string, error)
}

// FeeEstimator supplies the per-participant network fee for a
// currency at session creation time.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, currency domain.Currency) (domain.Amount, error)
}

// Coordinator owns all live sessions. Construction wires the durable
// stores and registries; Start/Stop bound the background retention
// sweep and every session goroutine.
type Coordinator struct {
	cfg    config.CoinJoinConfig
	store  storage.SessionStore
	images *registry.KeyImages
	bans   *registry.Bans
	chain  Broadcaster
	fees   FeeEstimator
	events events.Logger
	log    *logger.Logger

	mu        sync.RWMutex
	running   bool
	sessions  map[string]*session
	finished  map[string]time.Time // terminal session id -> ended at
	outpoints map[string]string    // claimed input image -> session id
	members   map[string]string    // active participant id -> session id
	wg        sync.WaitGroup
	stopCh    chan struct{}
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithBroadcaster wires the chain broadcaster used at the end of the
// BROADCASTING phase. Without one, assembled transactions finalize
// locally and the caller broadcasts them.
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Coordinator) { c.chain = b }
}

// WithFeeEstimator wires per-currency network fee estimation into
// session creation. Without one the network fee is zero.
func WithFeeEstimator(f FeeEstimator) Option {
	return func(c *Coordinator) { c.fees = f }
}

// New builds a Coordinator.
func New(cfg config.CoinJoinConfig, store storage.SessionStore, images *registry.KeyImages, bans *registry.Bans, ev events.Logger, log *logger.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	if ev == nil {
		ev = events.NoOp{}
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		images:    images,
		bans:      bans,
		events:    ev,
		log:       log,
		sessions:  make(map[string]*session),
		finished:  make(map[string]time.Time),
		outpoints: make(map[string]string),
		members:   make(map[string]string),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the retention sweeper. Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.sweepLoop()
	c.log.Info("coinjoin coordinator started",
		"min_participants", c.cfg.MinParticipants,
		"max_participants", c.cfg.MaxParticipants)
}

// Stop cancels every live session and waits for their goroutines.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	live := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	for _, s := range live {
		s.cancel("coordinator shutdown")
	}
	c.wg.Wait()
	c.log.Info("coinjoin coordinator stopped")
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() config.CoinJoinConfig { return c.cfg }

// CreateSession opens a session for the largest standard denomination
// not exceeding amount.
func (c *Coordinator) CreateSession(ctx context.Context, currency domain.Currency, amount domain.Amount, coordinatorKey *crypto.KeyPair) (string, error) {
	if coordinatorKey == nil || coordinatorKey.Priv == nil {
		return "", errors.InputValidation("coordinator key is required")
	}
	if !currency.Valid() {
		return "", errors.InputValidationf("currency %q unknown", currency)
	}
	denom, ok := domain.LargestDenominationAtMost(currency, amount)
	if !ok {
		return "", errors.InputValidationf("no matching denomination for %s %s", amount, currency).
			WithDetails("reason", "NoMatchingDenomination")
	}

	coordinatorAddr, err := wallet.EncodeAddress(currency, coordinatorKey)
	if err != nil {
		return "", errors.Fatal("encode coordinator address", err)
	}

	var networkFee domain.Amount
	if c.fees != nil {
		fee, err := c.fees.EstimateFee(ctx, currency)
		if err != nil {
			return "", errors.Transient("estimate network fee", err)
		}
		networkFee = fee
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return "", errors.ProtocolViolation("coordinator is not running")
	}
	s := newSession(c, sessionParams{
		id:              uuid.NewString(),
		currency:        currency,
		denomination:    denom,
		coordinatorID:   deriveParticipantID(coordinatorKey.PubBytes()),
		coordinatorAddr: coordinatorAddr,
		coordinatorFee:  denom.BasisPoints(c.cfg.CoordinatorFeeBps),
		networkFee:      networkFee,
	})
	c.sessions[s.id] = s
	c.wg.Add(1)
	c.mu.Unlock()

	go s.run()

	events.New(events.EventSessionCreated).
		Entity("session", s.id).
		Status(string(PhaseRegistration)).
		Message("session created").
		Metadata("currency", string(currency)).
		Metadata("denomination", denom.String()).
		LogTo(c.events)
	c.log.Info("session created",
		"session", s.id, "currency", string(currency), "denomination", denom.String())
	return s.id, nil
}

// Session returns a live session by id.
func (c *Coordinator) session(id string) (*session, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(errors.KindInputValidation,
			fmt.Sprintf("session %s not found", id), storage.ErrNotFound)
	}
	return s, nil
}

// claimInputs reserves the implied key images for a session. The first
// claimant wins; a second session (or participant) presenting any of
// the same outpoints is rejected.
func (c *Coordinator) claimInputs(ctx context.Context, sessionID string, imgs []string) error {
	if c.images != nil {
		for _, img := range imgs {
			spent, err := c.images.Contains(ctx, img)
			if err != nil {
				return err
			}
			if spent {
				c.eventDoubleSpend(sessionID, img, "input already spent")
				return errors.DoubleSpend("input already spent").WithDetails("key_image", img)
			}
		}
	}
	c.mu.Lock()
	for _, img := range imgs {
		if owner, claimed := c.outpoints[img]; claimed {
			c.mu.Unlock()
			c.eventDoubleSpend(sessionID, img, "input already registered")
			return errors.DoubleSpend("input already registered").
				WithDetails("key_image", img).
				WithDetails("session", owner)
		}
	}
	for _, img := range imgs {
		c.outpoints[img] = sessionID
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) eventDoubleSpend(sessionID, img, msg string) {
	events.New(events.EventDoubleSpend).
		Entity("session", sessionID).
		Severity(events.SeverityWarning).
		Message(msg).
		Metadata("key_image", img).
		LogTo(c.events)
}

// claimParticipant binds a participant id to one active session. Any
// existing claim is rejected, so the same key cannot sit in two live
// sessions, nor register twice in one.
func (c *Coordinator) claimParticipant(participantID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, claimed := c.members[participantID]; claimed {
		return errors.ProtocolViolation("participant already active in a session").
			WithDetails("participant", participantID).
			WithDetails("session", owner)
	}
	c.members[participantID] = sessionID
	return nil
}

// releaseParticipant frees a participant claim held by sessionID.
func (c *Coordinator) releaseParticipant(participantID, sessionID string) {
	c.mu.Lock()
	if c.members[participantID] == sessionID {
		delete(c.members, participantID)
	}
	c.mu.Unlock()
}

// releaseSessionMembers frees every participant claim a session holds.
func (c *Coordinator) releaseSessionMembers(sessionID string) {
	c.mu.Lock()
	for id, owner := range c.members {
		if owner == sessionID {
			delete(c.members, id)
		}
	}
	c.mu.Unlock()
}

// releaseInputs frees a subset of a session's claims; nil means all.
func (c *Coordinator) releaseInputs(sessionID string, imgs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if imgs == nil {
		for img, owner := range c.outpoints {
			if owner == sessionID {
				delete(c.outpoints, img)
			}
		}
		return
	}
	for _, img := range imgs {
		if c.outpoints[img] == sessionID {
			delete(c.outpoints, img)
		}
	}
}

// commitInputs durably marks a completed session's inputs as spent.
func (c *Coordinator) commitInputs(ctx context.Context, sessionID string, imgs []string) {
	if c.images == nil {
		return
	}
	for _, img := range imgs {
		if err := c.images.TryInsert(ctx, img, sessionID); err != nil {
			// A conflict here means a racing spend won after our claim;
			// the transaction is already broadcast, so record and move on.
			c.log.Error("key image commit failed", "session", sessionID, "key_image", img, "error", err)
		}
	}
}

// finishSession marks a session terminal. The session object stays
// resident so Result and View keep answering; the sweeper evicts it
// after the retention window.
func (c *Coordinator) finishSession(id string) {
	c.mu.Lock()
	c.finished[id] = time.Now().UTC()
	c.mu.Unlock()
}

// sweepLoop evicts retained terminal sessions and deletes expired
// session snapshots on the retention cadence.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	interval := c.cfg.SessionRetention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-c.cfg.SessionRetention)

			c.mu.Lock()
			for id, endedAt := range c.finished {
				if endedAt.Before(cutoff) {
					delete(c.finished, id)
					delete(c.sessions, id)
				}
			}
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := c.store.DeleteSessionSnapshotsBefore(ctx, cutoff)
			cancel()
			if err != nil {
				c.log.Warn("session snapshot sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				c.log.Info("session snapshots swept", "removed", removed)
			}
		}
	}
}

// deriveParticipantID names a participant by their identity key, so
// bans follow the key across sessions.
func deriveParticipantID(pubKey []byte) string {
	sum := crypto.Hash256([]byte("participant.v1"), pubKey)
	return hex.EncodeToString(sum[:16])
}

// impliedKeyImage maps a transparent outpoint onto the registry's key
// image space: a deterministic curve point over (txid, vout), so the
// same outpoint always lands on the same image.
func impliedKeyImage(ref domain.TxInputRef) (string, error) {
	var vout [4]byte
	vout[0] = byte(ref.OutputIndex >> 24)
	vout[1] = byte(ref.OutputIndex >> 16)
	vout[2] = byte(ref.OutputIndex >> 8)
	vout[3] = byte(ref.OutputIndex)
	point, err := crypto.HashToPoint(crypto.Hash256([]byte("outpoint.v1"), []byte(ref.Txid), vout[:]))
	if err != nil {
		return "", errors.Fatal("derive outpoint image", err)
	}
	return crypto.KeyImageHex(point), nil
}
