package coinjoin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

var testDenom = domain.MustAmount("0.1") // BTC

func newTestCoordinator(t *testing.T, mutate func(*config.CoinJoinConfig)) (*Coordinator, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	log := logger.NewNop()
	cfg := config.Default().CoinJoin
	cfg.MinParticipants = 2
	cfg.MaxParticipants = 3
	cfg.CoordinatorFeeBps = 0
	if mutate != nil {
		mutate(&cfg)
	}
	images := registry.NewKeyImages(store, log, 1024)
	bans := registry.NewBans(store, log)
	c := New(cfg, store, images, bans, nil, log)
	c.Start()
	t.Cleanup(c.Stop)
	return c, store
}

type testPeer struct {
	key     *crypto.KeyPair
	id      string
	inputs  []Input
	address string
}

var txidSeq int

func nextTxid() string {
	txidSeq++
	return fmt.Sprintf("%064x", txidSeq)
}

// newTestPeer funds a peer with a single input covering the
// denomination plus fees exactly.
func newTestPeer(t *testing.T, amount domain.Amount, address string) *testPeer {
	t.Helper()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &testPeer{
		key:     key,
		address: address,
		inputs: []Input{{
			TxInputRef: domain.TxInputRef{Txid: nextTxid(), OutputIndex: 0, Amount: amount},
		}},
	}
}

func (p *testPeer) register(t *testing.T, c *Coordinator, sessionID string) {
	t.Helper()
	res, err := c.Register(context.Background(), sessionID, p.key.PubBytes(), p.inputs)
	require.NoError(t, err)
	p.id = res.ParticipantID
}

func (p *testPeer) blindedOutputs(t *testing.T, denom domain.Amount) []BlindedOutput {
	t.Helper()
	factor, err := crypto.RandomScalar()
	require.NoError(t, err)
	blinded, err := crypto.BlindOutput(p.address, factor)
	require.NoError(t, err)
	proofBlind, err := crypto.RandomScalar()
	require.NoError(t, err)
	proof, err := ring.BuildRangeProof(denom, proofBlind)
	require.NoError(t, err)
	return []BlindedOutput{{Blinded: blinded, Factor: factor, Proof: proof}}
}

func (p *testPeer) signatures(t *testing.T, useSchnorr bool, message []byte) []InputSignature {
	t.Helper()
	sigs := make([]InputSignature, len(p.inputs))
	for i, in := range p.inputs {
		var sig []byte
		if useSchnorr {
			var err error
			sig, err = crypto.SignSchnorr(p.key.Priv, message)
			require.NoError(t, err)
		} else {
			sig = crypto.SignECDSA(p.key.Priv, message)
		}
		sigs[i] = InputSignature{Ref: in.TxInputRef, Signature: sig}
	}
	return sigs
}

func newTestSession(t *testing.T, c *Coordinator) string {
	t.Helper()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := c.CreateSession(context.Background(), domain.CurrencyBTC, testDenom, key)
	require.NoError(t, err)
	return id
}

func TestSessionHappyPath(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)
	ctx := context.Background()

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qdest000000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qdest000000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qdest000000000000000000000000000000003"),
	}
	for _, p := range peers {
		p.register(t, c, sid)
	}

	// Third registration filled the session; it is now collecting outputs.
	view, err := c.View(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, PhaseOutputs, view.Phase)
	assert.Equal(t, 3, view.Participants)

	for _, p := range peers {
		require.NoError(t, c.RegisterOutputs(ctx, sid, p.id, p.blindedOutputs(t, testDenom)))
	}

	unsigned, err := c.UnsignedTx(ctx, sid, peers[0].id)
	require.NoError(t, err)
	assert.Len(t, unsigned.Inputs, 3)
	assert.Len(t, unsigned.Outputs, 3)
	assert.Equal(t, domain.TransactionDigest(unsigned.Inputs, unsigned.Outputs), unsigned.Message)

	for _, p := range peers {
		require.NoError(t, c.Sign(ctx, sid, p.id, p.signatures(t, c.cfg.UseSchnorr, unsigned.Message)))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := c.Result(waitCtx, sid)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.NotEmpty(t, tx.Txid)
	assert.Len(t, tx.Inputs, 3)
	assert.Len(t, tx.Outputs, 3)
	assert.Equal(t, domain.Amount(0), tx.Fee)

	want := map[string]bool{}
	for _, p := range peers {
		want[p.address] = true
	}
	for _, out := range tx.Outputs {
		assert.Equal(t, testDenom, out.Amount)
		assert.True(t, want[out.Address], "unexpected output address %s", out.Address)
	}

	view, err = c.View(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, view.Phase)
	assert.Empty(t, view.BlameList)

	// Spent outpoints are committed to the registry.
	img, err := impliedKeyImage(peers[0].inputs[0].TxInputRef)
	require.NoError(t, err)
	spent, err := c.images.Contains(ctx, img)
	require.NoError(t, err)
	assert.True(t, spent)
}

func TestSessionBlamesInvalidSignatureAndContinues(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)
	ctx := context.Background()

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qblame0000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qblame0000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qblame0000000000000000000000000000003"),
	}
	for _, p := range peers {
		p.register(t, c, sid)
	}
	for _, p := range peers {
		require.NoError(t, c.RegisterOutputs(ctx, sid, p.id, p.blindedOutputs(t, testDenom)))
	}

	unsigned, err := c.UnsignedTx(ctx, sid, peers[0].id)
	require.NoError(t, err)

	// A valid signature lands first, then the cheater submits garbage.
	require.NoError(t, c.Sign(ctx, sid, peers[0].id, peers[0].signatures(t, c.cfg.UseSchnorr, unsigned.Message)))

	bogus := make([]InputSignature, len(peers[1].inputs))
	for i, in := range peers[1].inputs {
		bogus[i] = InputSignature{Ref: in.TxInputRef, Signature: make([]byte, 64)}
	}
	err = c.Sign(ctx, sid, peers[1].id, bogus)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))

	banned, err := c.bans.IsBanned(ctx, peers[1].id)
	require.NoError(t, err)
	assert.True(t, banned)

	// The round rebuilt without the cheater; survivors sign the new message.
	rebuilt, err := c.UnsignedTx(ctx, sid, peers[0].id)
	require.NoError(t, err)
	assert.Len(t, rebuilt.Inputs, 2)
	assert.Len(t, rebuilt.Outputs, 2)
	assert.NotEqual(t, unsigned.Message, rebuilt.Message)

	require.NoError(t, c.Sign(ctx, sid, peers[0].id, peers[0].signatures(t, c.cfg.UseSchnorr, rebuilt.Message)))
	require.NoError(t, c.Sign(ctx, sid, peers[2].id, peers[2].signatures(t, c.cfg.UseSchnorr, rebuilt.Message)))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := c.Result(waitCtx, sid)
	require.NoError(t, err)
	assert.Len(t, tx.Outputs, 2)
	for _, out := range tx.Outputs {
		assert.NotEqual(t, peers[1].address, out.Address)
	}

	view, err := c.View(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, view.Phase)
	assert.Equal(t, []string{peers[1].id}, view.BlameList)
}

func TestRegisterRejectsDoubleSpend(t *testing.T) {
	c, _ := newTestCoordinator(t, func(cfg *config.CoinJoinConfig) {
		cfg.MaxParticipants = 10
	})
	sidA := newTestSession(t, c)
	sidB := newTestSession(t, c)
	ctx := context.Background()

	honest := newTestPeer(t, testDenom, "bc1qds000000000000000000000000000000001")
	honest.register(t, c, sidA)

	// A different key presenting the same outpoint is refused in any
	// session, including the one holding the claim.
	thief := newTestPeer(t, testDenom, "bc1qds000000000000000000000000000000002")
	thief.inputs = honest.inputs

	_, err := c.Register(ctx, sidB, thief.key.PubBytes(), thief.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindDoubleSpend, errors.KindOf(err))

	_, err = c.Register(ctx, sidA, thief.key.PubBytes(), thief.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindDoubleSpend, errors.KindOf(err))
}

func TestRegisterRejectsSpentOutpointAfterCompletion(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	sid := newTestSession(t, c)

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qspent000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qspent000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qspent000000000000000000000000000003"),
	}
	completeSession(t, c, sid, peers)

	// The registry remembers the spend; replaying the outpoint fails.
	replay := newTestPeer(t, testDenom, "bc1qspent000000000000000000000000000004")
	replay.inputs = peers[0].inputs
	sid2 := newTestSession(t, c)
	_, err := c.Register(ctx, sid2, replay.key.PubBytes(), replay.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindDoubleSpend, errors.KindOf(err))
}

// completeSession drives peers through the full protocol.
func completeSession(t *testing.T, c *Coordinator, sid string, peers []*testPeer) *Transaction {
	t.Helper()
	ctx := context.Background()
	for _, p := range peers {
		p.register(t, c, sid)
	}
	if len(peers) < c.cfg.MaxParticipants {
		require.NoError(t, c.CloseRegistration(ctx, sid))
	}
	for _, p := range peers {
		require.NoError(t, c.RegisterOutputs(ctx, sid, p.id, p.blindedOutputs(t, testDenom)))
	}
	unsigned, err := c.UnsignedTx(ctx, sid, peers[0].id)
	require.NoError(t, err)
	for _, p := range peers {
		require.NoError(t, c.Sign(ctx, sid, p.id, p.signatures(t, c.cfg.UseSchnorr, unsigned.Message)))
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := c.Result(waitCtx, sid)
	require.NoError(t, err)
	return tx
}

func TestRegistrationTimeoutWithoutQuorumFails(t *testing.T) {
	c, _ := newTestCoordinator(t, func(cfg *config.CoinJoinConfig) {
		cfg.RegistrationTimeout = 100 * time.Millisecond
	})
	sid := newTestSession(t, c)
	ctx := context.Background()

	lone := newTestPeer(t, testDenom, "bc1qlone000000000000000000000000000000001")
	lone.register(t, c, sid)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.Result(waitCtx, sid)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))

	// The lone participant did nothing wrong: no ban, and their
	// outpoint is free to enter the next round.
	banned, err := c.bans.IsBanned(ctx, lone.id)
	require.NoError(t, err)
	assert.False(t, banned)

	sid2 := newTestSession(t, c)
	_, err = c.Register(ctx, sid2, lone.key.PubBytes(), lone.inputs)
	require.NoError(t, err)
}

func TestOutputTimeoutBlamesLaggardAndContinues(t *testing.T) {
	c, _ := newTestCoordinator(t, func(cfg *config.CoinJoinConfig) {
		cfg.OutputTimeout = 200 * time.Millisecond
	})
	sid := newTestSession(t, c)
	ctx := context.Background()

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qlag0000000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qlag0000000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qlag0000000000000000000000000000000003"),
	}
	for _, p := range peers {
		p.register(t, c, sid)
	}
	// Only two of three commit outputs; the third stalls out.
	require.NoError(t, c.RegisterOutputs(ctx, sid, peers[0].id, peers[0].blindedOutputs(t, testDenom)))
	require.NoError(t, c.RegisterOutputs(ctx, sid, peers[1].id, peers[1].blindedOutputs(t, testDenom)))

	deadline := time.Now().Add(5 * time.Second)
	var unsigned *UnsignedTransaction
	for time.Now().Before(deadline) {
		var err error
		unsigned, err = c.UnsignedTx(ctx, sid, peers[0].id)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, unsigned, "session never reached signing")
	assert.Len(t, unsigned.Outputs, 2)

	require.NoError(t, c.Sign(ctx, sid, peers[0].id, peers[0].signatures(t, c.cfg.UseSchnorr, unsigned.Message)))
	require.NoError(t, c.Sign(ctx, sid, peers[1].id, peers[1].signatures(t, c.cfg.UseSchnorr, unsigned.Message)))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := c.Result(waitCtx, sid)
	require.NoError(t, err)
	assert.Len(t, tx.Outputs, 2)

	banned, err := c.bans.IsBanned(ctx, peers[2].id)
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestCreateSessionNoMatchingDenomination(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = c.CreateSession(context.Background(), domain.CurrencyBTC, domain.MustAmount("0.0005"), key)
	require.Error(t, err)
	assert.Equal(t, errors.KindInputValidation, errors.KindOf(err))
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "NoMatchingDenomination", e.Details["reason"])
}

func TestRegisterInsufficientFunds(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)

	poor := newTestPeer(t, testDenom-1, "bc1qpoor000000000000000000000000000000001")
	_, err := c.Register(context.Background(), sid, poor.key.PubBytes(), poor.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindInsufficientFunds, errors.KindOf(err))
}

func TestRegisterRejectsBannedParticipant(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)
	ctx := context.Background()

	peer := newTestPeer(t, testDenom, "bc1qban0000000000000000000000000000000001")
	pid := deriveParticipantID(peer.key.PubBytes())
	require.NoError(t, c.bans.Ban(ctx, pid, "test ban", time.Hour))

	_, err := c.Register(ctx, sid, peer.key.PubBytes(), peer.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindPolicyRejection, errors.KindOf(err))
}

func TestRegisterWrongPhase(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)
	ctx := context.Background()

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qphase00000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qphase00000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qphase00000000000000000000000000000003"),
	}
	for _, p := range peers {
		p.register(t, c, sid)
	}

	late := newTestPeer(t, testDenom, "bc1qphase00000000000000000000000000000004")
	_, err := c.Register(ctx, sid, late.key.PubBytes(), late.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))

	// The late registrant keeps their claims for another session.
	sid2 := newTestSession(t, c)
	_, err = c.Register(ctx, sid2, late.key.PubBytes(), late.inputs)
	require.NoError(t, err)
}

func TestParticipantCannotJoinTwoSessions(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sidA := newTestSession(t, c)
	sidB := newTestSession(t, c)
	ctx := context.Background()

	peer := newTestPeer(t, testDenom, "bc1qtwo0000000000000000000000000000000001")
	peer.register(t, c, sidA)

	other := newTestPeer(t, testDenom, "bc1qtwo0000000000000000000000000000000002")
	other.key = peer.key // same identity, fresh outpoint
	_, err := c.Register(ctx, sidB, other.key.PubBytes(), other.inputs)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))
}

func TestRegisterOutputsRejectsBadRangeProof(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)
	ctx := context.Background()

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qproof00000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qproof00000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qproof00000000000000000000000000000003"),
	}
	for _, p := range peers {
		p.register(t, c, sid)
	}

	outs := peers[0].blindedOutputs(t, testDenom)
	outs[0].Proof.Checksum[0] ^= 0xff
	err := c.RegisterOutputs(ctx, sid, peers[0].id, outs)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))

	banned, err := c.bans.IsBanned(ctx, peers[0].id)
	require.NoError(t, err)
	assert.True(t, banned)

	view, err := c.View(ctx, sid)
	require.NoError(t, err)
	assert.Contains(t, view.BlameList, peers[0].id)
	assert.Equal(t, 2, view.Participants)
}

func TestFindJoinable(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)

	got, ok := c.FindJoinable(domain.CurrencyBTC, testDenom)
	require.True(t, ok)
	assert.Equal(t, sid, got)

	_, ok = c.FindJoinable(domain.CurrencyETH, testDenom)
	assert.False(t, ok)

	_, ok = c.FindJoinable(domain.CurrencyBTC, domain.MustAmount("0.01"))
	assert.False(t, ok)

	// A full session stops matching.
	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qjoin000000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qjoin000000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qjoin000000000000000000000000000000003"),
	}
	for _, p := range peers {
		p.register(t, c, sid)
	}
	_, ok = c.FindJoinable(domain.CurrencyBTC, testDenom)
	assert.False(t, ok)
}

func TestCryptoShufflePreservesMultiset(t *testing.T) {
	outs := make([]domain.TxOutput, 8)
	for i := range outs {
		outs[i] = domain.TxOutput{Address: fmt.Sprintf("addr-%d", i), Amount: domain.Amount(i + 1)}
	}
	shuffled := append([]domain.TxOutput(nil), outs...)
	require.NoError(t, cryptoShuffle(shuffled))

	seen := map[string]int{}
	for _, o := range shuffled {
		seen[o.Address]++
	}
	require.Len(t, seen, 8)
	for _, o := range outs {
		assert.Equal(t, 1, seen[o.Address])
	}
}

func TestCryptoShuffleActuallyPermutes(t *testing.T) {
	moved := false
	for trial := 0; trial < 50 && !moved; trial++ {
		outs := make([]domain.TxOutput, 8)
		for i := range outs {
			outs[i] = domain.TxOutput{Address: fmt.Sprintf("addr-%d", i)}
		}
		require.NoError(t, cryptoShuffle(outs))
		if outs[0].Address != "addr-0" {
			moved = true
		}
	}
	assert.True(t, moved, "shuffle left the first element in place 50 times")
}

func TestSessionSnapshotPersisted(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	sid := newTestSession(t, c)
	ctx := context.Background()

	peers := []*testPeer{
		newTestPeer(t, testDenom, "bc1qsnap000000000000000000000000000000001"),
		newTestPeer(t, testDenom, "bc1qsnap000000000000000000000000000000002"),
		newTestPeer(t, testDenom, "bc1qsnap000000000000000000000000000000003"),
	}
	completeSession(t, c, sid, peers)

	snap, err := store.GetSessionSnapshot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, string(PhaseCompleted), snap.Phase)
	assert.Equal(t, 3, snap.Participants)
	assert.Equal(t, domain.CurrencyBTC, snap.Currency)
	assert.Equal(t, testDenom, snap.Denomination)
}
