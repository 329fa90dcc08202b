package wallet

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/vault"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

func newTestManager(t *testing.T) (*Manager, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	v, err := vault.NewLocal("wallet-test-secret", "wallet-test-salt", 1024)
	require.NoError(t, err)
	cfg := config.Default().Wallet
	cfg.BalanceCacheTTL = 50 * time.Millisecond
	m := NewManager(store, store, nil, v, nil, logger.NewNop(), cfg)
	t.Cleanup(func() { m.Close() })
	return m, store
}

func btcTestAddr(tag string) string {
	return "bc1q" + tag + strings.Repeat("0", 38-len(tag))
}

func TestCreateValidatesAndDeduplicates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     domain.WalletHot,
		Address:  btcTestAddr("dedupe"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.True(t, w.IsActive)
	assert.Equal(t, domain.WalletActive, w.Status)

	_, err = m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     domain.WalletHot,
		Address:  btcTestAddr("dedupe"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindInputValidation, errors.KindOf(err))

	_, err = m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     domain.WalletHot,
		Address:  "not-an-address",
	})
	require.Error(t, err)

	_, err = m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     "paper",
		Address:  btcTestAddr("badtype"),
	})
	require.Error(t, err)
}

func TestProvisionEncodesPerCurrency(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, currency := range domain.Currencies() {
		w, err := m.Provision(ctx, currency, domain.WalletPool)
		require.NoError(t, err, "provision %s", currency)
		assert.True(t, domain.ValidAddress(currency, w.Address),
			"%s address %q fails its format", currency, w.Address)
	}
}

func TestGetBalanceServesFromCache(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     domain.WalletPool,
		Address:  btcTestAddr("cache"),
	})
	require.NoError(t, err)
	_, err = m.UpdateBalance(ctx, w.ID, domain.MustAmount("1.5"))
	require.NoError(t, err)

	bal, err := m.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("1.5"), bal)

	// A write behind the manager's back stays invisible until the TTL
	// lapses.
	_, err = store.UpdateWalletBalance(ctx, w.ID, domain.MustAmount("9"))
	require.NoError(t, err)
	bal, err = m.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("1.5"), bal)

	time.Sleep(80 * time.Millisecond)
	bal, err = m.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("9"), bal)
}

func TestAtomicSubtractContention(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     domain.WalletPool,
		Address:  btcTestAddr("race"),
	})
	require.NoError(t, err)
	_, err = m.UpdateBalance(ctx, w.ID, domain.MustAmount("1.0"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.AtomicSubtract(ctx, w.ID, domain.MustAmount("0.7"))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	bal, err := m.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("0.3"), bal)
}

func TestAtomicSubtractRefusesLockedWallet(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	w, err := store.CreateWallet(ctx, domain.Wallet{
		Currency: domain.CurrencyBTC,
		Type:     domain.WalletHot,
		Address:  btcTestAddr("locked"),
		Balance:  domain.MustAmount("2"),
		IsActive: true,
		IsLocked: true,
		Status:   domain.WalletLocked,
	})
	require.NoError(t, err)

	_, err = m.AtomicSubtract(ctx, w.ID, domain.MustAmount("1"))
	assert.True(t, errors.Is(err, storage.ErrWalletUnavailable))
}

func TestCreditSerialisesConcurrentAdds(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.Create(ctx, domain.Wallet{
		Currency: domain.CurrencyETH,
		Type:     domain.WalletPool,
		Address:  "0x" + strings.Repeat("ab", 20),
	})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Credit(ctx, w.ID, domain.MustAmount("0.1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := m.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("1.6"), bal)
}

func TestBatchUpdateInvalidatesCache(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Provision(ctx, domain.CurrencyBTC, domain.WalletPool)
	require.NoError(t, err)
	b, err := m.Provision(ctx, domain.CurrencyBTC, domain.WalletPool)
	require.NoError(t, err)

	// Warm the cache with zeros.
	for _, id := range []string{a.ID, b.ID} {
		_, err := m.GetBalance(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, m.BatchUpdateBalances(ctx, []domain.BalanceUpdate{
		{WalletID: a.ID, NewBalance: domain.MustAmount("3")},
		{WalletID: b.ID, NewBalance: domain.MustAmount("4")},
	}))

	bal, err := m.GetBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("3"), bal)
	bal, err = m.GetBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MustAmount("4"), bal)
}

func TestFindOptimalForWithdrawalNilWhenDry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	got, err := m.FindOptimalForWithdrawal(ctx, domain.CurrencySOL, domain.MustAmount("10"))
	require.NoError(t, err)
	assert.Nil(t, got)

	w, err := m.Provision(ctx, domain.CurrencySOL, domain.WalletPool)
	require.NoError(t, err)
	_, err = m.UpdateBalance(ctx, w.ID, domain.MustAmount("25"))
	require.NoError(t, err)

	got, err = m.FindOptimalForWithdrawal(ctx, domain.CurrencySOL, domain.MustAmount("10"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.ID, got.ID)
}

func TestRotateProvisionsReplacements(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := store.CreateWallet(ctx, domain.Wallet{
		Currency:   domain.CurrencyBTC,
		Type:       domain.WalletHot,
		Address:    btcTestAddr("stale"),
		IsActive:   true,
		Status:     domain.WalletActive,
		LastUsedAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
	})
	require.NoError(t, err)

	rotated, err := m.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)

	fleet, err := m.ListByCurrency(ctx, domain.CurrencyBTC)
	require.NoError(t, err)
	assert.Len(t, fleet, 2)

	// The touched original no longer qualifies.
	rotated, err = m.Rotate(ctx)
	require.NoError(t, err)
	assert.Zero(t, rotated)
}

func TestDepositAddressSealUnsealRoundTrip(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	d, err := m.IssueDepositAddress(ctx, "req-1", domain.CurrencyBTC)
	require.NoError(t, err)
	assert.True(t, domain.ValidAddress(domain.CurrencyBTC, d.Address))
	assert.True(t, domain.ValidDerivationPath(d.DerivationPath))
	assert.NotEmpty(t, d.PrivateKeyCiphertext)
	assert.NotEmpty(t, d.IV)

	stored, err := store.GetDepositAddressByRequest(ctx, "req-1")
	require.NoError(t, err)

	kp, err := m.UnsealDepositKey(stored)
	require.NoError(t, err)
	addr, err := EncodeAddress(domain.CurrencyBTC, kp)
	require.NoError(t, err)
	assert.Equal(t, d.Address, addr)
}
