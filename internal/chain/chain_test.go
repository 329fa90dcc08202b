package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

const testBTCAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func recvDeposit(t *testing.T, ch <-chan Deposit) Deposit {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("deposit channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deposit")
	}
	return Deposit{}
}

func TestSimulatedDepositLifecycle(t *testing.T) {
	sim := NewSimulated(domain.CurrencyBTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sim.SubscribeAddress(ctx, testBTCAddress)
	if err != nil {
		t.Fatalf("SubscribeAddress: %v", err)
	}

	sim.InjectDeposit(testBTCAddress, "tx-1", domain.MustAmount("0.5"))
	d := recvDeposit(t, ch)
	if d.TxID != "tx-1" || d.Amount != domain.MustAmount("0.5") || d.Confirmations != 1 {
		t.Fatalf("unexpected deposit %+v", d)
	}
	if d.Currency != domain.CurrencyBTC || d.Address != testBTCAddress {
		t.Fatalf("deposit routing fields wrong: %+v", d)
	}

	sim.AdvanceBlocks(2)
	d = recvDeposit(t, ch)
	if d.Confirmations != 3 {
		t.Fatalf("confirmations = %d, want 3", d.Confirmations)
	}

	conf, err := sim.GetConfirmations(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetConfirmations: %v", err)
	}
	if conf != 3 {
		t.Fatalf("GetConfirmations = %d, want 3", conf)
	}
}

func TestSimulatedSubscribeSeesEarlierDeposits(t *testing.T) {
	sim := NewSimulated(domain.CurrencyBTC)
	sim.InjectDeposit(testBTCAddress, "tx-early", domain.MustAmount("1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sim.SubscribeAddress(ctx, testBTCAddress)
	if err != nil {
		t.Fatalf("SubscribeAddress: %v", err)
	}
	if d := recvDeposit(t, ch); d.TxID != "tx-early" {
		t.Fatalf("TxID = %s, want tx-early", d.TxID)
	}
}

func TestSimulatedSubscribeInvalidAddress(t *testing.T) {
	sim := NewSimulated(domain.CurrencyBTC)
	_, err := sim.SubscribeAddress(context.Background(), "not-an-address")
	if errors.KindOf(err) != errors.KindInputValidation {
		t.Fatalf("kind = %v, want %v", errors.KindOf(err), errors.KindInputValidation)
	}
}

func TestSimulatedSubscribeClosesOnCancel(t *testing.T) {
	sim := NewSimulated(domain.CurrencyBTC)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := sim.SubscribeAddress(ctx, testBTCAddress)
	if err != nil {
		t.Fatalf("SubscribeAddress: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got deposit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSimulatedBroadcastAndLookup(t *testing.T) {
	sim := NewSimulated(domain.CurrencyETH)
	ctx := context.Background()

	txid, err := sim.Broadcast(ctx, []byte("raw-tx-bytes"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	tx, err := sim.GetTransaction(ctx, txid)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !tx.Success || tx.Confirmations != 1 {
		t.Fatalf("unexpected tx %+v", tx)
	}

	again, err := sim.Broadcast(ctx, []byte("raw-tx-bytes"))
	if err != nil {
		t.Fatalf("Broadcast again: %v", err)
	}
	if again != txid {
		t.Fatalf("txid not deterministic: %s vs %s", again, txid)
	}

	if _, err := sim.GetTransaction(ctx, "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}
	if _, err := sim.Broadcast(ctx, nil); errors.KindOf(err) != errors.KindInputValidation {
		t.Fatalf("kind = %v, want %v", errors.KindOf(err), errors.KindInputValidation)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewSimulated(domain.CurrencyBTC), NewSimulated(domain.CurrencySOL))

	c, err := reg.Client(domain.CurrencyBTC)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if c.Currency() != domain.CurrencyBTC {
		t.Fatalf("currency = %s, want BTC", c.Currency())
	}
	if _, err := reg.Client(domain.CurrencyETH); errors.KindOf(err) != errors.KindInputValidation {
		t.Fatalf("kind = %v, want %v", errors.KindOf(err), errors.KindInputValidation)
	}
	got := reg.Currencies()
	if len(got) != 2 || got[0] != domain.CurrencyBTC || got[1] != domain.CurrencySOL {
		t.Fatalf("Currencies = %v", got)
	}
}

func TestBuildDefaultsToSimulated(t *testing.T) {
	reg, err := Build(config.ChainsConfig{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, currency := range domain.Currencies() {
		c, err := reg.Client(currency)
		if err != nil {
			t.Fatalf("Client(%s): %v", currency, err)
		}
		if _, ok := c.(*Simulated); !ok {
			t.Fatalf("client for %s is %T, want *Simulated", currency, c)
		}
	}
}

func TestBuildRejectsUnknownMode(t *testing.T) {
	cfg := config.ChainsConfig{BTC: config.ChainConfig{Mode: "carrier-pigeon"}}
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestScaleUnits(t *testing.T) {
	cases := []struct {
		name     string
		raw      *big.Int
		decimals int
		want     domain.Amount
		wantErr  bool
	}{
		{"wei to units", big.NewInt(1_000_000_000_000_000_000), 18, domain.MustAmount("1"), false},
		{"wei truncates", big.NewInt(123_456_789_012_345_678), 18, domain.Amount(12_345_678), false},
		{"usdt 6 decimals", big.NewInt(123_456_789), 6, domain.Amount(12_345_678_900), false},
		{"lamports", big.NewInt(1_000_000_000), 9, domain.MustAmount("1"), false},
		{"exact 8", big.NewInt(42), 8, domain.Amount(42), false},
		{"overflow", new(big.Int).Mul(big.NewInt(1 << 62), big.NewInt(1 << 10)), 8, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scaleUnits(tc.raw, tc.decimals)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("scaleUnits: %v", err)
			}
			if got != tc.want {
				t.Fatalf("scaleUnits = %d, want %d", got, tc.want)
			}
		})
	}
}
