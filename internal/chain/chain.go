// Package chain abstracts the supported currency networks behind a
// single client interface. Production deployments speak JSON-RPC to
// real nodes; dev mode and tests run against the in-memory simulator.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// DefaultPollInterval paces the deposit watchers. Real chains confirm
// on the order of seconds to minutes; 15s keeps node load reasonable.
const DefaultPollInterval = 15 * time.Second

// ErrTxNotFound is returned by GetTransaction when the chain has no
// record of the id, neither confirmed nor in the mempool.
var ErrTxNotFound = errors.New("chain: transaction not found")

// Deposit is an observed credit to a watched address. Watchers re-emit
// a deposit whenever its confirmation count advances, so subscribers
// apply their own threshold.
type Deposit struct {
	Currency      domain.Currency
	Address       string
	TxID          string
	Amount        domain.Amount
	Confirmations int64
	ObservedAt    time.Time
}

// Tx is the chain's view of a transaction the mixer cares about.
type Tx struct {
	TxID          string
	BlockHeight   int64
	Confirmations int64
	Success       bool
}

// Client is the per-currency chain access contract.
type Client interface {
	Currency() domain.Currency
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	GetTransaction(ctx context.Context, txid string) (*Tx, error)
	GetConfirmations(ctx context.Context, txid string) (int64, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	SubscribeAddress(ctx context.Context, address string) (<-chan Deposit, error)
	EstimateFee(ctx context.Context) (domain.Amount, error)
}

// Registry resolves a Client by currency.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.Currency]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[domain.Currency]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for its currency.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Currency()] = c
}

// Client returns the registered client for the currency.
func (r *Registry) Client(currency domain.Currency) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[currency]
	if !ok {
		return nil, errors.InputValidationf("no chain client for currency %s", currency)
	}
	return c, nil
}

// Broadcast routes a raw transaction to the currency's client. The
// registry itself serves callers that hold transactions for several
// currencies, like the coinjoin coordinator.
func (r *Registry) Broadcast(ctx context.Context, currency domain.Currency, raw []byte) (string, error) {
	c, err := r.Client(currency)
	if err != nil {
		return "", err
	}
	return c.Broadcast(ctx, raw)
}

// EstimateFee routes a fee estimate to the currency's client.
func (r *Registry) EstimateFee(ctx context.Context, currency domain.Currency) (domain.Amount, error) {
	c, err := r.Client(currency)
	if err != nil {
		return 0, err
	}
	return c.EstimateFee(ctx)
}

// Currencies lists the currencies with a registered client.
func (r *Registry) Currencies() []domain.Currency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Currency, 0, len(r.clients))
	for _, c := range domain.Currencies() {
		if _, ok := r.clients[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Chain client modes accepted in ChainConfig.Mode.
const (
	ModeSimulated = "simulated"
	ModeRPC       = "rpc"
)

// Build assembles the full client set from config. An empty mode means
// simulated, so a zero config always yields a working registry.
func Build(cfg config.ChainsConfig, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.NewDefault("chain")
	}
	specs := []struct {
		currency domain.Currency
		cc       config.ChainConfig
	}{
		{domain.CurrencyBTC, cfg.BTC},
		{domain.CurrencyETH, cfg.ETH},
		{domain.CurrencyUSDTERC20, cfg.USDTERC20},
		{domain.CurrencyUSDTTRC20, cfg.USDTTRC20},
		{domain.CurrencySOL, cfg.SOL},
	}
	reg := NewRegistry()
	for _, s := range specs {
		c, err := newClient(s.currency, s.cc, log)
		if err != nil {
			return nil, fmt.Errorf("chain client %s: %w", s.currency, err)
		}
		reg.Register(c)
	}
	return reg, nil
}

func newClient(currency domain.Currency, cc config.ChainConfig, log *logger.Logger) (Client, error) {
	switch cc.Mode {
	case "", ModeSimulated:
		return NewSimulated(currency), nil
	case ModeRPC:
		switch currency {
		case domain.CurrencyBTC:
			return NewBitcoin(cc, log)
		case domain.CurrencyETH, domain.CurrencyUSDTERC20:
			return NewEthereum(cc, currency, log), nil
		case domain.CurrencyUSDTTRC20:
			return NewTron(cc, log), nil
		case domain.CurrencySOL:
			return NewSolana(cc, log), nil
		}
		return nil, fmt.Errorf("no rpc client for currency %s", currency)
	default:
		return nil, fmt.Errorf("unknown chain mode %q", cc.Mode)
	}
}

// scaleUnits converts a raw on-chain integer amount with the given
// decimal precision into 1e-8 units.
func scaleUnits(raw *big.Int, decimals int) (domain.Amount, error) {
	v := new(big.Int).Set(raw)
	switch {
	case decimals < 8:
		v.Mul(v, pow10(8-decimals))
	case decimals > 8:
		v.Quo(v, pow10(decimals-8))
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %s overflows 1e-8 units", raw)
	}
	return domain.Amount(v.Int64()), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
