package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/mixer_core/internal/audit"
	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/coinjoin"
	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/security"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/vault"
	"github.com/R3E-Network/mixer_core/internal/wallet"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

type testEnv struct {
	engine  *Engine
	store   *storage.Memory
	wallets *wallet.Manager
	coord   *coinjoin.Coordinator
	btc     *chain.Simulated
	eth     *chain.Simulated
}

// newTestEnv assembles the full stack over the in-memory store and the
// simulated chains. start=false leaves the background loops off so
// lifecycle steps can be asserted one at a time.
func newTestEnv(t *testing.T, start bool, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Engine.TickInterval = 20 * time.Millisecond
	cfg.Engine.ConfirmPollEvery = 20 * time.Millisecond
	cfg.Engine.RetryBaseDelay = 20 * time.Millisecond
	cfg.Engine.MaxRetries = 3
	cfg.Engine.JanitorInterval = time.Hour
	cfg.CoinJoin.MinParticipants = 2
	cfg.CoinJoin.MaxParticipants = 3
	cfg.CoinJoin.CoordinatorFeeBps = 0
	cfg.CoinJoin.RegistrationTimeout = 500 * time.Millisecond
	cfg.CoinJoin.OutputTimeout = 2 * time.Second
	cfg.CoinJoin.SigningTimeout = 2 * time.Second
	cfg.CoinJoin.BroadcastTimeout = time.Second
	cfg.Chains = config.ChainsConfig{} // 1-confirmation clamp everywhere
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemory()
	log := logger.NewNop()
	ev := events.NewRingBuffer(2048)

	v, err := vault.NewLocal("engine-test-master-secret", "engine-test-salt", 1024)
	require.NoError(t, err)
	wallets := wallet.NewManager(store, store, nil, v, ev, log, cfg.Wallet)

	btc := chain.NewSimulated(domain.CurrencyBTC)
	eth := chain.NewSimulated(domain.CurrencyETH)
	chains := chain.NewRegistry(btc, eth)

	images := registry.NewKeyImages(store, log, 1024)
	bans := registry.NewBans(store, log)
	coord := coinjoin.New(cfg.CoinJoin, store, images, bans, ev, log,
		coinjoin.WithBroadcaster(chains),
		coinjoin.WithFeeEstimator(chains))
	coord.Start()
	t.Cleanup(coord.Stop)

	src := ring.NewSyntheticSource(2000, cfg.Ring.ConfidentialOutputs)
	mixer, err := ring.NewMixer(cfg.Ring, images, src, log)
	require.NoError(t, err)

	validator := security.NewValidator(cfg.Security, security.NewAddressLists(), store, nil, ev, log)

	aud := audit.NewWriter(store, log)
	aud.Start()
	t.Cleanup(aud.Stop)

	eng := New(cfg.Engine, cfg.Chains, store, wallets, validator, chains, coord, mixer, ev, aud, log)
	if start {
		require.NoError(t, eng.Start())
		t.Cleanup(eng.Stop)
	}

	return &testEnv{engine: eng, store: store, wallets: wallets, coord: coord, btc: btc, eth: eth}
}

// provisionFloat seeds pool liquidity the payouts draw from.
func (env *testEnv) provisionFloat(t *testing.T, currency domain.Currency, balance domain.Amount) domain.Wallet {
	t.Helper()
	w, err := env.wallets.Provision(context.Background(), currency, domain.WalletPool)
	require.NoError(t, err)
	w, err = env.wallets.UpdateBalance(context.Background(), w.ID, balance)
	require.NoError(t, err)
	return w
}

var depositSeq int

func nextBTCTxid() string {
	depositSeq++
	return fmt.Sprintf("%064x", depositSeq)
}

func nextETHTxid() string {
	depositSeq++
	return fmt.Sprintf("0x%064x", depositSeq)
}

// btcAddr pads a tag into a well-formed bech32-shaped address. Tags
// are lowercase letters and digits only.
func btcAddr(tag string) string {
	return "bc1q" + tag + strings.Repeat("0", 38-len(tag))
}

func ethAddr(tag string) string {
	return "0x" + strings.Repeat("0", 40-len(tag)) + tag
}

func btcRequest(user string, amount string, addrs ...string) domain.MixRequest {
	return mixRequest(domain.CurrencyBTC, user, amount, addrs...)
}

func ethRequest(user string, amount string, addrs ...string) domain.MixRequest {
	return mixRequest(domain.CurrencyETH, user, amount, addrs...)
}

func mixRequest(c domain.Currency, user, amount string, addrs ...string) domain.MixRequest {
	outputs := make([]domain.OutputSpec, len(addrs))
	share := 100 / len(addrs)
	for i, a := range addrs {
		outputs[i] = domain.OutputSpec{Address: a, Percentage: share}
	}
	outputs[len(outputs)-1].Percentage = 100 - share*(len(addrs)-1)
	return domain.MixRequest{
		UserID:      user,
		Currency:    c,
		InputAmount: domain.MustAmount(amount),
		Outputs:     outputs,
	}
}

func TestCreateIssuesDepositAddress(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("alice", "0.5", btcAddr("create1")))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, int64(25), created.FeeBps)
	assert.True(t, domain.ValidAddress(domain.CurrencyBTC, created.DepositAddress))
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), created.ExpiresAt, time.Minute)

	addr, err := env.store.GetDepositAddressByRequest(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.DepositAddress, addr.Address)
	assert.False(t, addr.Used)

	// The sealed key must recover to the key behind the address.
	kp, err := env.wallets.UnsealDepositKey(addr)
	require.NoError(t, err)
	reencoded, err := wallet.EncodeAddress(domain.CurrencyBTC, kp)
	require.NoError(t, err)
	assert.Equal(t, addr.Address, reencoded)
}

func TestCreateEnforcesAmountLimits(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	limits := domain.LimitsFor(domain.CurrencyBTC)

	atMax := btcRequest("bob", "10", btcAddr("limits1"))
	atMax.InputAmount = limits.Max
	_, err := env.engine.Create(ctx, atMax)
	require.NoError(t, err, "exactly the maximum must be accepted")

	over := btcRequest("bob", "10", btcAddr("limits2"))
	over.InputAmount = limits.Max + 1
	_, err = env.engine.Create(ctx, over)
	require.Error(t, err)
	assert.Equal(t, errors.KindPolicyRejection, errors.KindOf(err))

	under := btcRequest("bob", "10", btcAddr("limits3"))
	under.InputAmount = limits.Min - 1
	_, err = env.engine.Create(ctx, under)
	require.Error(t, err)
	assert.Equal(t, errors.KindInputValidation, errors.KindOf(err))
}

func TestCreateEnforcesDailyCap(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	limits := domain.LimitsFor(domain.CurrencyBTC)

	for i := 0; i < limits.DailyCount; i++ {
		addr := btcAddr(fmt.Sprintf("daily%d", i))
		_, err := env.engine.Create(ctx, btcRequest("carol", "0.01", addr))
		require.NoError(t, err, "request %d under the cap", i+1)
	}

	_, err := env.engine.Create(ctx, btcRequest("carol", "0.01", btcAddr("dailyover")))
	require.Error(t, err)
	assert.Equal(t, errors.KindPolicyRejection, errors.KindOf(err))
	structured, ok := errors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "DailyCap", structured.Details["reason"])
}

func TestCreateBlocksSanctionedDestination(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	dest := btcAddr("sanctioned1")
	env.engine.security.Lists().AddSanctioned(dest)

	blocked, err := env.engine.Create(ctx, btcRequest("mallory", "0.5", dest))
	require.Error(t, err)
	assert.Equal(t, errors.KindPolicyRejection, errors.KindOf(err))
	require.NotEmpty(t, blocked.ID, "blocked request must still be returned")
	assert.Equal(t, domain.StatusBlocked, blocked.Status)

	stored, err := env.store.GetMixRequest(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, stored.Status)
	assert.NotZero(t, stored.RiskScore)
}

func TestOnDepositConfirmedIsIdempotent(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("dave", "0.5", btcAddr("deposit1")))
	require.NoError(t, err)
	txid := nextBTCTxid()

	require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, txid, created.InputAmount, 42))

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeposited, got.Status)
	assert.Equal(t, txid, got.DepositTxid)
	assert.Equal(t, int64(42), got.DepositBlockHeight)
	require.NotNil(t, got.DepositConfirmedAt)

	addr, err := env.store.GetDepositAddressByRequest(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, addr.Used)

	// Replay with the same txid is a no-op.
	require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, txid, created.InputAmount, 42))

	// A different txid after the first is refused.
	err = env.engine.OnDepositConfirmed(ctx, created.ID, nextBTCTxid(), created.InputAmount, 43)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))

	// The deposit became a custody pool wallet.
	wallets, err := env.wallets.ListByCurrency(ctx, domain.CurrencyBTC)
	require.NoError(t, err)
	var custody *domain.Wallet
	for i := range wallets {
		if wallets[i].Address == created.DepositAddress {
			custody = &wallets[i]
		}
	}
	require.NotNil(t, custody)
	assert.Equal(t, created.InputAmount, custody.Balance)
	assert.Equal(t, domain.WalletPool, custody.Type)
}

func TestOnDepositConfirmedRejectsShortDeposit(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("erin", "0.5", btcAddr("short1")))
	require.NoError(t, err)

	short := created.InputAmount - domain.BalanceTolerance
	err = env.engine.OnDepositConfirmed(ctx, created.ID, nextBTCTxid(), short, 7)
	require.Error(t, err)
	assert.Equal(t, errors.KindInsufficientFunds, errors.KindOf(err))

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "short deposit must not advance the request")
}

func TestCancelPendingIsIdempotent(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("frank", "0.5", btcAddr("cancel1")))
	require.NoError(t, err)

	first, err := env.engine.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, first.Status)

	second, err := env.engine.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, second.Status)

	outs, err := env.store.ListOutputsByRequest(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, outs, "a pending cancel refunds nothing")
}

func TestCancelDepositedSchedulesRefund(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	dest := btcAddr("refund1")

	created, err := env.engine.Create(ctx, btcRequest("grace", "0.5", dest))
	require.NoError(t, err)
	require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, nextBTCTxid(), created.InputAmount, 9))

	cancelled, err := env.engine.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	outs, err := env.store.ListOutputsByRequest(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	wantRefund := created.InputAmount - created.InputAmount.BasisPoints(created.FeeBps)
	assert.Equal(t, wantRefund, outs[0].Amount)
	assert.Equal(t, dest, outs[0].Address)
	assert.Equal(t, domain.OutputPending, outs[0].Status)

	// Mixing can no longer start.
	_, err = env.engine.Cancel(ctx, created.ID)
	require.NoError(t, err, "repeat cancel stays idempotent")
}

func TestCancelRefusesActiveMix(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("heidi", "0.5", btcAddr("active1")))
	require.NoError(t, err)
	require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, nextBTCTxid(), created.InputAmount, 3))

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, env.engine.transition(ctx, &got, domain.StatusDeposited, domain.StatusPooling))

	_, err = env.engine.Cancel(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))
}

func TestExpiryFailsPendingRequests(t *testing.T) {
	env := newTestEnv(t, false, func(cfg *config.Config) {
		cfg.Engine.DepositExpiry = 30 * time.Millisecond
	})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("ivan", "0.5", btcAddr("expire1")))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	env.engine.expirePending(ctx)

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "deposit timeout", got.ErrorMessage)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, btcRequest("judy", "0.5", btcAddr("fsm1")))
	require.NoError(t, err)

	err = env.engine.transition(ctx, &created, domain.StatusPending, domain.StatusMixing)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocolViolation, errors.KindOf(err))

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestChooseAlgorithm(t *testing.T) {
	env := newTestEnv(t, false, nil)

	fits := btcRequest("kim", "0.15", btcAddr("algo1"))
	fits.FeeBps = 25
	assert.Equal(t, domain.AlgorithmCoinJoin, env.engine.chooseAlgorithm(&fits))

	tiny := ethRequest("kim", "0.05", ethAddr("aa"))
	tiny.FeeBps = 25
	assert.Equal(t, domain.AlgorithmRing, env.engine.chooseAlgorithm(&tiny))
}

func TestTickHonorsConcurrencyBudget(t *testing.T) {
	env := newTestEnv(t, true, func(cfg *config.Config) {
		cfg.Engine.MaxConcurrentMixes = 1
		cfg.Engine.TickInterval = time.Hour // manual ticks only
		cfg.Engine.ConfirmPollEvery = time.Hour
	})
	ctx := context.Background()
	env.provisionFloat(t, domain.CurrencyETH, domain.MustAmount("10"))

	var ids []string
	for i := 0; i < 2; i++ {
		addr := ethAddr(fmt.Sprintf("ab%02d", i))
		created, err := env.engine.Create(ctx, ethRequest("leo", "0.05", addr))
		require.NoError(t, err)
		require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, nextETHTxid(), created.InputAmount, 5))
		ids = append(ids, created.ID)
	}

	started, err := env.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started, "budget of one driver at a time")

	second, err := env.engine.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeposited, second.Status, "second request waits for capacity")
}

// TestRingMixEndToEnd walks one request through the full lifecycle on
// the ring route: deposit watching, the sweep to a stealth pool
// address, payout broadcast from pool liquidity, confirmation and
// completion.
func TestRingMixEndToEnd(t *testing.T) {
	env := newTestEnv(t, true, nil)
	ctx := context.Background()
	float := env.provisionFloat(t, domain.CurrencyETH, domain.MustAmount("1"))

	destA := ethAddr("f1")
	destB := ethAddr("f2")
	req := ethRequest("mia", "0.05", destA, destB)
	req.Outputs[0].Percentage = 60
	req.Outputs[1].Percentage = 40

	created, err := env.engine.Create(ctx, req)
	require.NoError(t, err)

	env.eth.InjectDeposit(created.DepositAddress, nextETHTxid(), created.InputAmount)

	require.Eventually(t, func() bool {
		got, err := env.engine.Get(ctx, created.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 10*time.Second, 25*time.Millisecond, "request should complete end to end")

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmRing, got.Algorithm)

	// Payouts: input minus service fee minus the simulated network fee,
	// split 60/40 with the remainder on the last output.
	serviceFee := created.InputAmount.BasisPoints(created.FeeBps)
	networkFee := domain.Amount(10_000)
	wantPayout := created.InputAmount - serviceFee - networkFee

	outs, err := env.store.ListOutputsByRequest(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	var total domain.Amount
	for _, out := range outs {
		assert.Equal(t, domain.OutputConfirmed, out.Status)
		assert.NotEmpty(t, out.Txid)
		require.NotNil(t, out.ConfirmedAt)
		total += out.Amount
	}
	assert.Equal(t, wantPayout, total)

	// The deposit was swept into custody: deposit wallet empty, a new
	// stealth pool wallet holds the sweep.
	wallets, err := env.wallets.ListByCurrency(ctx, domain.CurrencyETH)
	require.NoError(t, err)
	var depositBal, stealthBal domain.Amount
	stealthFound := false
	for _, w := range wallets {
		switch w.Address {
		case created.DepositAddress:
			depositBal = w.Balance
		case float.Address:
		default:
			stealthFound = true
			stealthBal = w.Balance
		}
	}
	assert.Zero(t, depositBal, "deposit custody fully swept")
	require.True(t, stealthFound, "stealth pool wallet registered")
	assert.Equal(t, created.InputAmount-networkFee, stealthBal)

	// The sweep consumed the deposit's key image.
	images, err := env.store.ListKeyImagesSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, images)

	// Pool float funded the payouts.
	floatBal, err := env.wallets.GetBalance(ctx, float.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("1")-wantPayout, floatBal)
}

// TestCoinJoinMixEndToEnd drives three equal deposits into one session
// and through to completed payouts.
func TestCoinJoinMixEndToEnd(t *testing.T) {
	env := newTestEnv(t, true, nil)
	ctx := context.Background()
	env.provisionFloat(t, domain.CurrencyBTC, domain.MustAmount("1"))

	users := []string{"nina", "omar", "pete"}
	ids := make([]string, 0, 3)

	// First request opens the session before the others look for it.
	first, err := env.engine.Create(ctx, btcRequest(users[0], "0.15", btcAddr("cjout1")))
	require.NoError(t, err)
	env.btc.InjectDeposit(first.DepositAddress, nextBTCTxid(), first.InputAmount)
	ids = append(ids, first.ID)

	require.Eventually(t, func() bool {
		return len(env.coord.ActiveSessions()) > 0
	}, 5*time.Second, 10*time.Millisecond, "first request should open a session")

	for i := 1; i < 3; i++ {
		addr := btcAddr(fmt.Sprintf("cjout%d", i+1))
		created, err := env.engine.Create(ctx, btcRequest(users[i], "0.15", addr))
		require.NoError(t, err)
		env.btc.InjectDeposit(created.DepositAddress, nextBTCTxid(), created.InputAmount)
		ids = append(ids, created.ID)
	}

	for _, id := range ids {
		id := id
		require.Eventually(t, func() bool {
			got, err := env.engine.Get(ctx, id)
			return err == nil && got.Status == domain.StatusCompleted
		}, 15*time.Second, 25*time.Millisecond, "request %s should complete", id)
	}

	// All three rode the same session and the round transaction pays
	// the standard denomination to three one-time outputs.
	sessionIDs := make(map[string]struct{})
	for _, id := range ids {
		got, err := env.engine.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.AlgorithmCoinJoin, got.Algorithm)
		require.NotEmpty(t, got.SessionID)
		sessionIDs[got.SessionID] = struct{}{}
	}
	require.Len(t, sessionIDs, 1, "equal concurrent deposits should batch into one session")

	for sid := range sessionIDs {
		tx, err := env.coord.Result(ctx, sid)
		require.NoError(t, err)
		require.Len(t, tx.Outputs, 3)
		denom := domain.MustAmount("0.1")
		for _, out := range tx.Outputs {
			assert.Equal(t, denom, out.Amount)
		}
		view, err := env.coord.View(ctx, sid)
		require.NoError(t, err)
		assert.Empty(t, view.BlameList)
	}

	// Every request paid out its post-fee amount.
	for _, id := range ids {
		got, err := env.engine.Get(ctx, id)
		require.NoError(t, err)
		outs, err := env.store.ListOutputsByRequest(ctx, id)
		require.NoError(t, err)
		require.Len(t, outs, 1)
		assert.Equal(t, domain.OutputConfirmed, outs[0].Status)

		serviceFee := got.InputAmount.BasisPoints(got.FeeBps)
		networkFee := domain.Amount(10_000) // simulated flat fee
		assert.Equal(t, got.InputAmount-serviceFee-networkFee, outs[0].Amount)
	}
}

// TestRefundBroadcastsFromCustody cancels a funded request and follows
// the refund through the confirmer.
func TestRefundBroadcastsFromCustody(t *testing.T) {
	env := newTestEnv(t, true, func(cfg *config.Config) {
		cfg.Engine.TickInterval = time.Hour // keep the mix from starting
	})
	ctx := context.Background()
	dest := btcAddr("refundflow")

	created, err := env.engine.Create(ctx, btcRequest("quinn", "0.5", dest))
	require.NoError(t, err)
	require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, nextBTCTxid(), created.InputAmount, 11))

	_, err = env.engine.Cancel(ctx, created.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		outs, err := env.store.ListOutputsByRequest(ctx, created.ID)
		return err == nil && len(outs) == 1 && outs[0].Status == domain.OutputConfirmed
	}, 5*time.Second, 25*time.Millisecond, "refund should broadcast and confirm")

	// The refund was funded by the deposit custody wallet.
	wallets, err := env.wallets.ListByCurrency(ctx, domain.CurrencyBTC)
	require.NoError(t, err)
	var custodyBal domain.Amount = -1
	for _, w := range wallets {
		if w.Address == created.DepositAddress {
			custodyBal = w.Balance
		}
	}
	wantRemainder := created.InputAmount.BasisPoints(created.FeeBps)
	assert.Equal(t, wantRemainder, custodyBal, "service fee remains in custody")

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status, "refund completion never resurrects the request")
}

// TestResumeRestartsDepositWatchers simulates a restart: requests
// created while the engine was down get their watchers on Start.
func TestResumeRestartsDepositWatchers(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	env.provisionFloat(t, domain.CurrencyETH, domain.MustAmount("1"))

	created, err := env.engine.Create(ctx, ethRequest("ruth", "0.05", ethAddr("cd")))
	require.NoError(t, err)

	require.NoError(t, env.engine.Start())
	t.Cleanup(env.engine.Stop)

	env.eth.InjectDeposit(created.DepositAddress, nextETHTxid(), created.InputAmount)

	require.Eventually(t, func() bool {
		got, err := env.engine.Get(ctx, created.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 10*time.Second, 25*time.Millisecond, "resumed watcher should drive the request home")
}

func TestOutputRetriesExhaustFailRequest(t *testing.T) {
	env := newTestEnv(t, true, func(cfg *config.Config) {
		cfg.Engine.TickInterval = time.Hour
		cfg.Engine.MaxRetries = 2
	})
	ctx := context.Background()

	// No pool liquidity at all: payout broadcast can never fund.
	dest := btcAddr("nofunds1")
	created, err := env.engine.Create(ctx, btcRequest("sara", "0.5", dest))
	require.NoError(t, err)
	require.NoError(t, env.engine.OnDepositConfirmed(ctx, created.ID, nextBTCTxid(), created.InputAmount, 2))

	got, err := env.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, env.engine.transition(ctx, &got, domain.StatusDeposited, domain.StatusPooling))
	require.NoError(t, env.engine.transition(ctx, &got, domain.StatusPooling, domain.StatusMixing))
	require.NoError(t, env.engine.transition(ctx, &got, domain.StatusMixing, domain.StatusCompleting))

	// A payout larger than any custody wallet can fund.
	now := time.Now().UTC()
	out := domain.OutputTransaction{
		ID:           "out-unfundable",
		MixRequestID: created.ID,
		OutputIndex:  0,
		Address:      dest,
		Amount:       created.InputAmount * 10,
		ScheduledAt:  now,
		Status:       domain.OutputPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, env.store.CreateOutputTransactions(ctx, []domain.OutputTransaction{out}))

	require.Eventually(t, func() bool {
		final, err := env.engine.Get(ctx, created.ID)
		return err == nil && final.Status == domain.StatusFailed
	}, 5*time.Second, 25*time.Millisecond, "exhausted payout retries should fail the request")

	outs, err := env.store.ListOutputsByRequest(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, domain.OutputFailed, outs[0].Status)
	assert.GreaterOrEqual(t, outs[0].Attempts, 2)
	assert.NotEmpty(t, outs[0].LastError)
}
