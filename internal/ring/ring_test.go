package ring

import (
	"context"
	"testing"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/internal/storage"
)

func testRingConfig(alg string, confidential bool) config.RingConfig {
	return config.RingConfig{
		RingSize:            7,
		MinRingSize:         2,
		MaxRingSize:         64,
		Algorithm:           alg,
		DecoySelection:      "uniform",
		DecoyMinimumAge:     10,
		DecoyMaximumAge:     1000,
		ConfidentialOutputs: confidential,
	}
}

func newTestMixer(t *testing.T, alg string, confidential bool, images *registry.KeyImages) *Mixer {
	t.Helper()
	m, err := NewMixer(testRingConfig(alg, confidential), images, NewSyntheticSource(5000, confidential), nil)
	if err != nil {
		t.Fatalf("NewMixer: %v", err)
	}
	return m
}

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func mustScalar(t *testing.T) *secp256k1.ModNScalar {
	t.Helper()
	s, err := crypto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	return s
}

// buildRing places real at slot realIdx among size-1 random decoys.
// Confidential rings get a commitment per member; the real member's
// commitment opens to (blindReal, value).
func buildRing(t *testing.T, real *crypto.KeyPair, size, realIdx int, confidential bool, realCommitment *secp256k1.PublicKey) []Member {
	t.Helper()
	ring := make([]Member, size)
	for i := range ring {
		if i == realIdx {
			ring[i] = Member{PubKey: real.Pub, Commitment: realCommitment}
			continue
		}
		kp := mustKeyPair(t)
		m := Member{PubKey: kp.Pub}
		if confidential {
			m.Commitment = crypto.ScalarBaseMult(mustScalar(t))
		}
		ring[i] = m
	}
	return ring
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"clsag", "mlsag", "borromean"} {
		for _, confidential := range []bool{false, true} {
			name := alg
			if confidential {
				name += "/confidential"
			}
			t.Run(name, func(t *testing.T) {
				m := newTestMixer(t, alg, confidential, nil)
				real := mustKeyPair(t)
				message := []byte("spend output 7f3a")

				var com *Commitment
				var realCommitment *secp256k1.PublicKey
				if confidential {
					value, _ := scalarFromUint64(250_000_000)
					blindReal := mustScalar(t)
					pseudoBlind := mustScalar(t)
					realCommitment = crypto.PedersenCommit(blindReal, value)
					com = &Commitment{
						Pseudo:     crypto.PedersenCommit(pseudoBlind, value),
						BlindDelta: crypto.ScalarSub(blindReal, pseudoBlind),
					}
				}
				ring := buildRing(t, real, 7, 3, confidential, realCommitment)

				sig, err := m.CreateSignature(context.Background(), message, real, ring, com)
				if err != nil {
					t.Fatalf("CreateSignature: %v", err)
				}
				if sig.Algorithm != Algorithm(alg) {
					t.Errorf("algorithm = %s, want %s", sig.Algorithm, alg)
				}
				if len(sig.S) != len(ring) {
					t.Errorf("responses = %d, want %d", len(sig.S), len(ring))
				}

				verifyCom := com
				if com != nil {
					verifyCom = &Commitment{Pseudo: com.Pseudo}
				}
				if !m.VerifySignature(message, sig, ring, verifyCom) {
					t.Fatal("signature did not verify")
				}
			})
		}
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	m := newTestMixer(t, "clsag", false, nil)
	real := mustKeyPair(t)
	ring := buildRing(t, real, 7, 0, false, nil)

	sig, err := m.CreateSignature(context.Background(), []byte("original"), real, ring, nil)
	if err != nil {
		t.Fatalf("CreateSignature: %v", err)
	}
	if m.VerifySignature([]byte("tampered"), sig, ring, nil) {
		t.Error("tampered message verified")
	}
}

func TestVerifyRejectsSwappedRingMember(t *testing.T) {
	m := newTestMixer(t, "clsag", false, nil)
	real := mustKeyPair(t)
	ring := buildRing(t, real, 7, 2, false, nil)
	message := []byte("swap test")

	sig, err := m.CreateSignature(context.Background(), message, real, ring, nil)
	if err != nil {
		t.Fatalf("CreateSignature: %v", err)
	}

	swapped := make([]Member, len(ring))
	copy(swapped, ring)
	swapped[5] = Member{PubKey: mustKeyPair(t).Pub}
	if m.VerifySignature(message, sig, swapped, nil) {
		t.Error("signature verified against a different ring")
	}
}

func TestVerifyRejectsTamperedResponse(t *testing.T) {
	for _, alg := range []string{"clsag", "mlsag", "borromean"} {
		t.Run(alg, func(t *testing.T) {
			m := newTestMixer(t, alg, false, nil)
			real := mustKeyPair(t)
			ring := buildRing(t, real, 7, 4, false, nil)
			message := []byte("response tamper")

			sig, err := m.CreateSignature(context.Background(), message, real, ring, nil)
			if err != nil {
				t.Fatalf("CreateSignature: %v", err)
			}
			sig.S[0] = mustScalar(t)
			if m.VerifySignature(message, sig, ring, nil) {
				t.Error("tampered response verified")
			}
		})
	}
}

func TestSignRequiresRealKeyInRing(t *testing.T) {
	m := newTestMixer(t, "clsag", false, nil)
	outsider := mustKeyPair(t)
	ring := buildRing(t, mustKeyPair(t), 7, 0, false, nil)

	_, err := m.CreateSignature(context.Background(), []byte("m"), outsider, ring, nil)
	if errors.KindOf(err) != errors.KindInputValidation {
		t.Errorf("kind = %s, want INPUT_VALIDATION", errors.KindOf(err))
	}
}

func TestSignEnforcesRingBounds(t *testing.T) {
	m := newTestMixer(t, "clsag", false, nil)
	real := mustKeyPair(t)
	ring := buildRing(t, real, 1, 0, false, nil)

	_, err := m.CreateSignature(context.Background(), []byte("m"), real, ring, nil)
	if errors.KindOf(err) != errors.KindInputValidation {
		t.Errorf("kind = %s, want INPUT_VALIDATION", errors.KindOf(err))
	}
}

func TestSignConsumesKeyImage(t *testing.T) {
	images := registry.NewKeyImages(storage.NewMemory(), nil, 0)
	m := newTestMixer(t, "clsag", false, images)
	real := mustKeyPair(t)
	ctx := context.Background()

	ring := buildRing(t, real, 7, 1, false, nil)
	sig, err := m.CreateSignature(ctx, []byte("first spend"), real, ring, nil)
	if err != nil {
		t.Fatalf("first CreateSignature: %v", err)
	}
	spent, err := images.Contains(ctx, crypto.KeyImageHex(sig.KeyImage))
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !spent {
		t.Error("key image not registered after signing")
	}

	// Same real key in a different ring: mathematically signable, but
	// the registry refuses a second spend.
	other := buildRing(t, real, 7, 5, false, nil)
	_, err = m.CreateSignature(ctx, []byte("second spend"), real, other, nil)
	if errors.KindOf(err) != errors.KindDoubleSpend {
		t.Errorf("kind = %s, want DOUBLE_SPEND", errors.KindOf(err))
	}
}

func TestStealthScanFindsOwnOutputs(t *testing.T) {
	m := newTestMixer(t, "clsag", false, nil)

	spend := mustKeyPair(t)
	view := mustKeyPair(t)
	otherSpend := mustKeyPair(t)
	otherView := mustKeyPair(t)

	mine, err := m.CreateStealthAddress(spend.Pub, view.Pub)
	if err != nil {
		t.Fatalf("CreateStealthAddress: %v", err)
	}
	theirs, err := m.CreateStealthAddress(otherSpend.Pub, otherView.Pub)
	if err != nil {
		t.Fatalf("CreateStealthAddress: %v", err)
	}

	txs := []*RingTransaction{
		{
			ID: "tx-1",
			Outputs: []Output{
				{TxOutput: domain.TxOutput{Amount: domain.MustAmount("0.1")}, Stealth: mine},
				{TxOutput: domain.TxOutput{Amount: domain.MustAmount("0.2")}, Stealth: theirs},
			},
		},
		{
			ID: "tx-2",
			Outputs: []Output{
				{TxOutput: domain.TxOutput{Amount: domain.MustAmount("0.3")}},
			},
		},
	}

	matches := m.ScanForIncomingPayments(txs, view.Priv, spend.Pub)
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	got := matches[0]
	if got.TxID != "tx-1" || got.OutputIndex != 0 {
		t.Errorf("match = %s[%d], want tx-1[0]", got.TxID, got.OutputIndex)
	}
	if got.Amount != domain.MustAmount("0.1") {
		t.Errorf("amount = %s, want 0.1", got.Amount)
	}

	// The recovered one-time key must control the output.
	recovered, err := crypto.RecoverStealthPrivateKey(view.Priv, spend.Priv, mine.EphemeralPub)
	if err != nil {
		t.Fatalf("RecoverStealthPrivateKey: %v", err)
	}
	if !crypto.PointsEqual(recovered.PubKey(), mine.OneTimePub) {
		t.Error("recovered key does not match one-time public key")
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"clsag", CLSAG, false},
		{"mlsag", MLSAG, false},
		{"borromean", Borromean, false},
		{"", CLSAG, false},
		{"ringct", "", true},
	}
	for _, tc := range cases {
		got, err := ParseAlgorithm(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAlgorithm(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAlgorithm(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAlgorithm(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
