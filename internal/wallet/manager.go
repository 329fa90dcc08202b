// Package wallet custodies the mixer's wallet fleet. Every balance
// mutation in the system goes through the Manager: conditional debits,
// absolute updates and batch writes, with a short-TTL cache in front
// of reads and scheduled rotation and archival keeping the fleet
// fresh. It also issues the per-request deposit addresses, sealing
// each private key through the vault before it is persisted.
package wallet

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/vault"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// stripeCount bounds lock contention without a per-wallet mutex map
// that would grow with the fleet.
const stripeCount = 64

// Manager owns wallet custody. Storage sentinel errors
// (storage.ErrNotFound, storage.ErrInsufficientBalance,
// storage.ErrWalletUnavailable) pass through unchanged so callers can
// branch on the structured reason.
type Manager struct {
	wallets  storage.WalletStore
	deposits storage.DepositAddressStore
	cache    BalanceCache
	vault    vault.Vault
	events   events.Logger
	log      *logger.Logger
	cfg      config.WalletConfig

	stripes [stripeCount]sync.Mutex
	addrSeq int64

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewManager wires the manager. A nil cache falls back to the
// in-process TTL cache; nil events and logger fall back to no-ops.
func NewManager(
	wallets storage.WalletStore,
	deposits storage.DepositAddressStore,
	cache BalanceCache,
	v vault.Vault,
	ev events.Logger,
	log *logger.Logger,
	cfg config.WalletConfig,
) *Manager {
	if cache == nil {
		cache = NewTTLCache(cfg.BalanceCacheTTL)
	}
	if ev == nil {
		ev = events.NoOp{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		wallets:  wallets,
		deposits: deposits,
		cache:    cache,
		vault:    v,
		events:   ev,
		log:      log,
		cfg:      cfg,
	}
}

func (m *Manager) stripe(walletID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(walletID))
	return &m.stripes[h.Sum32()%stripeCount]
}

// Create registers a wallet. Address uniqueness is checked with an
// existence probe before the insert.
func (m *Manager) Create(ctx context.Context, w domain.Wallet) (domain.Wallet, error) {
	if !w.Currency.Valid() {
		return domain.Wallet{}, errors.InputValidationf("invalid currency %q", w.Currency)
	}
	switch w.Type {
	case domain.WalletHot, domain.WalletCold, domain.WalletPool, domain.WalletMultisig:
	default:
		return domain.Wallet{}, errors.InputValidationf("invalid wallet type %q", w.Type)
	}
	if !domain.ValidAddress(w.Currency, w.Address) {
		return domain.Wallet{}, errors.InputValidationf("invalid %s address %q", w.Currency, w.Address)
	}
	if w.Balance < 0 {
		return domain.Wallet{}, errors.InputValidation("negative initial balance")
	}

	exists, err := m.wallets.WalletExistsByAddress(ctx, w.Address)
	if err != nil {
		return domain.Wallet{}, err
	}
	if exists {
		return domain.Wallet{}, errors.InputValidationf("wallet address %s already registered", w.Address)
	}

	now := time.Now().UTC()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.IsActive = true
	w.IsLocked = false
	w.Status = domain.WalletActive
	w.LastUsedAt = now
	w.LastBalanceUpdate = now
	w.CreatedAt = now
	w.UpdatedAt = now

	created, err := m.wallets.CreateWallet(ctx, w)
	if err != nil {
		return domain.Wallet{}, err
	}
	m.cache.Set(ctx, created.ID, created.Balance)
	return created, nil
}

// Provision creates a wallet around a freshly generated key. The
// rotation job uses it to mint replacements.
func (m *Manager) Provision(ctx context.Context, currency domain.Currency, typ domain.WalletType) (domain.Wallet, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return domain.Wallet{}, errors.Wrap(errors.KindFatal, "generate wallet key", err)
	}
	address, err := EncodeAddress(currency, kp)
	if err != nil {
		return domain.Wallet{}, err
	}
	return m.Create(ctx, domain.Wallet{
		Currency: currency,
		Type:     typ,
		Address:  address,
	})
}

// Get reads one wallet.
func (m *Manager) Get(ctx context.Context, id string) (domain.Wallet, error) {
	return m.wallets.GetWallet(ctx, id)
}

// ListByCurrency lists the fleet for one currency.
func (m *Manager) ListByCurrency(ctx context.Context, currency domain.Currency) ([]domain.Wallet, error) {
	return m.wallets.ListWalletsByCurrency(ctx, currency)
}

// GetBalance reads the balance through the cache. The second lookup
// under the stripe lock keeps a concurrent writer's fill from being
// overwritten with a stale read.
func (m *Manager) GetBalance(ctx context.Context, id string) (domain.Amount, error) {
	if bal, ok := m.cache.Get(ctx, id); ok {
		return bal, nil
	}

	mu := m.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	if bal, ok := m.cache.Get(ctx, id); ok {
		return bal, nil
	}
	bal, err := m.wallets.GetWalletBalance(ctx, id)
	if err != nil {
		return 0, err
	}
	m.cache.Set(ctx, id, bal)
	return bal, nil
}

// UpdateBalance sets an absolute balance, serialised per wallet, and
// emits wallet.balance_changed with the old and new values.
func (m *Manager) UpdateBalance(ctx context.Context, id string, newBalance domain.Amount) (domain.Wallet, error) {
	if newBalance < 0 {
		return domain.Wallet{}, errors.InputValidation("negative balance")
	}

	mu := m.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	old, err := m.wallets.GetWalletBalance(ctx, id)
	if err != nil {
		return domain.Wallet{}, err
	}
	w, err := m.wallets.UpdateWalletBalance(ctx, id, newBalance)
	if err != nil {
		return domain.Wallet{}, err
	}
	m.cache.Set(ctx, id, newBalance)

	events.New(events.EventBalanceChanged).
		Entity("wallet", id).
		Message("balance updated").
		Metadata("old", old.String()).
		Metadata("new", newBalance.String()).
		LogTo(m.events)
	return w, nil
}

// AtomicSubtract debits a wallet in one conditional update. Exactly one
// of two racing callers wins; the loser sees
// storage.ErrInsufficientBalance or storage.ErrWalletUnavailable.
func (m *Manager) AtomicSubtract(ctx context.Context, id string, amount domain.Amount) (domain.Wallet, error) {
	if amount <= 0 {
		return domain.Wallet{}, errors.InputValidation("debit amount must be positive")
	}

	mu := m.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := m.wallets.AtomicSubtractBalance(ctx, id, amount)
	if err != nil {
		return domain.Wallet{}, err
	}
	m.cache.Set(ctx, id, w.Balance)

	events.New(events.EventBalanceChanged).
		Entity("wallet", id).
		Message("balance debited").
		Metadata("debit", amount.String()).
		Metadata("new", w.Balance.String()).
		LogTo(m.events)
	return w, nil
}

// Credit adds to a wallet balance, serialised per wallet. The
// read-add-write pair runs under the stripe lock so concurrent credits
// never lose an increment.
func (m *Manager) Credit(ctx context.Context, id string, amount domain.Amount) (domain.Wallet, error) {
	if amount <= 0 {
		return domain.Wallet{}, errors.InputValidation("credit amount must be positive")
	}

	mu := m.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	old, err := m.wallets.GetWalletBalance(ctx, id)
	if err != nil {
		return domain.Wallet{}, err
	}
	w, err := m.wallets.UpdateWalletBalance(ctx, id, old+amount)
	if err != nil {
		return domain.Wallet{}, err
	}
	m.cache.Set(ctx, id, w.Balance)

	events.New(events.EventBalanceChanged).
		Entity("wallet", id).
		Message("balance credited").
		Metadata("credit", amount.String()).
		Metadata("new", w.Balance.String()).
		LogTo(m.events)
	return w, nil
}

// BatchUpdateBalances applies every update in one transaction. Cache
// entries are invalidated before the commit so a reader racing the
// batch refills from the store instead of serving the pre-batch value
// for a full TTL.
func (m *Manager) BatchUpdateBalances(ctx context.Context, updates []domain.BalanceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	for i, u := range updates {
		if u.NewBalance < 0 {
			return errors.InputValidationf("negative balance for wallet %s", u.WalletID)
		}
		ids[i] = u.WalletID
	}

	m.cache.Invalidate(ctx, ids...)
	if err := m.wallets.BatchUpdateBalances(ctx, updates); err != nil {
		return err
	}

	for _, u := range updates {
		events.New(events.EventBalanceChanged).
			Entity("wallet", u.WalletID).
			Message("balance updated in batch").
			Metadata("new", u.NewBalance.String()).
			LogTo(m.events)
	}
	return nil
}

// FindOptimalForWithdrawal returns the best withdrawal source, or nil
// when no wallet can cover the amount.
func (m *Manager) FindOptimalForWithdrawal(ctx context.Context, currency domain.Currency, amount domain.Amount) (*domain.Wallet, error) {
	w, err := m.wallets.FindOptimalWallet(ctx, currency, amount)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// FindForRotation lists active hot and pool wallets idle past the
// configured rotation window.
func (m *Manager) FindForRotation(ctx context.Context) ([]domain.Wallet, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.RotationIdle)
	return m.wallets.ListWalletsForRotation(ctx, cutoff)
}

// Rotate provisions a replacement for every rotation candidate and
// touches the old wallet so it leaves the candidate set. Per-wallet
// failures are logged and skipped; the sweep continues.
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	candidates, err := m.FindForRotation(ctx)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, w := range candidates {
		replacement, err := m.Provision(ctx, w.Currency, w.Type)
		if err != nil {
			m.log.WithError(err).Warn("wallet rotation skipped", "wallet_id", w.ID)
			continue
		}
		if err := m.wallets.TouchWalletUsage(ctx, w.ID, time.Now().UTC()); err != nil {
			m.log.WithError(err).Warn("wallet rotation touch failed", "wallet_id", w.ID)
		}
		rotated++

		events.New(events.EventWalletRotated).
			Entity("wallet", w.ID).
			Message("wallet rotated").
			Metadata("replacement_id", replacement.ID).
			Metadata("currency", string(w.Currency)).
			LogTo(m.events)
	}
	return rotated, nil
}

// ArchiveInactive archives zero-balance wallets idle past the given
// window, in batches with a pause between them. Zero idle or batchSize
// fall back to the configured defaults. Returns how many wallets were
// archived.
func (m *Manager) ArchiveInactive(ctx context.Context, idle time.Duration, batchSize int) (int64, error) {
	if idle <= 0 {
		idle = m.cfg.ArchiveIdle
	}
	if batchSize <= 0 {
		batchSize = m.cfg.ArchiveBatchSize
	}
	cutoff := time.Now().UTC().Add(-idle)

	var total int64
	for {
		n, err := m.wallets.ArchiveInactiveWallets(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(m.cfg.ArchiveBatchPause):
		}
	}

	if total > 0 {
		events.New(events.EventWalletArchived).
			Entity("wallet", "fleet").
			Message("inactive wallets archived").
			Metadata("count", strconv.FormatInt(total, 10)).
			LogTo(m.events)
	}
	return total, nil
}

// IssueDepositAddress mints a single-use deposit address for a mix
// request: fresh keypair, currency-native encoding, private key sealed
// through the vault before anything touches the store.
func (m *Manager) IssueDepositAddress(ctx context.Context, mixRequestID string, currency domain.Currency) (domain.DepositAddress, error) {
	if mixRequestID == "" {
		return domain.DepositAddress{}, errors.InputValidation("missing mix request id")
	}
	if !currency.Valid() {
		return domain.DepositAddress{}, errors.InputValidationf("invalid currency %q", currency)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return domain.DepositAddress{}, errors.Wrap(errors.KindFatal, "generate deposit key", err)
	}
	address, err := EncodeAddress(currency, kp)
	if err != nil {
		return domain.DepositAddress{}, err
	}
	ciphertext, iv, err := m.vault.Seal(kp.PrivBytes())
	if err != nil {
		return domain.DepositAddress{}, err
	}

	index := atomic.AddInt64(&m.addrSeq, 1)
	d := domain.DepositAddress{
		ID:                   uuid.NewString(),
		MixRequestID:         mixRequestID,
		Currency:             currency,
		Address:              address,
		PrivateKeyCiphertext: ciphertext,
		IV:                   iv,
		DerivationPath:       derivationPath(currency, uint32(index)),
		AddressIndex:         int(index),
		CreatedAt:            time.Now().UTC(),
	}
	return m.deposits.CreateDepositAddress(ctx, d)
}

// UnsealDepositKey recovers the signing key of a deposit address.
func (m *Manager) UnsealDepositKey(addr domain.DepositAddress) (*crypto.KeyPair, error) {
	plaintext, err := m.vault.Unseal(addr.PrivateKeyCiphertext, addr.IV)
	if err != nil {
		return nil, err
	}
	return crypto.KeyPairFromBytes(plaintext)
}

// StartMaintenance schedules the rotation and archival sweeps on their
// cron expressions. Call StopMaintenance on shutdown.
func (m *Manager) StartMaintenance() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.cfg.RotationSchedule, func() {
		n, err := m.Rotate(context.Background())
		if err != nil {
			m.log.WithError(err).Error("wallet rotation sweep failed")
			return
		}
		m.log.Info("wallet rotation sweep done", "rotated", n)
	}); err != nil {
		return errors.Wrap(errors.KindFatal, "schedule wallet rotation", err)
	}
	if _, err := c.AddFunc(m.cfg.ArchiveSchedule, func() {
		n, err := m.ArchiveInactive(context.Background(), 0, 0)
		if err != nil {
			m.log.WithError(err).Error("wallet archival sweep failed")
			return
		}
		m.log.Info("wallet archival sweep done", "archived", n)
	}); err != nil {
		return errors.Wrap(errors.KindFatal, "schedule wallet archival", err)
	}

	c.Start()
	m.cron = c
	return nil
}

// StopMaintenance stops the cron schedule and waits for a running
// sweep to finish.
func (m *Manager) StopMaintenance() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Close stops maintenance and releases the cache.
func (m *Manager) Close() error {
	m.StopMaintenance()
	return m.cache.Close()
}
