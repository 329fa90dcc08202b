// Package ring implements the single-signer anonymous path: linkable
// ring signatures (CLSAG, MLSAG, Borromean) over decoy sets drawn from
// chain history, stealth destinations, and confidential outputs with
// range proofs. It is the fallback when a CoinJoin quorum cannot form.
//
// All three algorithms produce the same Signature shape: a starting
// challenge c0, one response per ring slot, and the key image that
// links every spend of the same key. Verification re-walks the ring
// and checks that the challenge chain closes back onto c0.
package ring

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/registry"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// Algorithm selects the ring signature construction.
type Algorithm string

const (
	CLSAG     Algorithm = "clsag"
	MLSAG     Algorithm = "mlsag"
	Borromean Algorithm = "borromean"
)

// ParseAlgorithm maps a config string onto an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case CLSAG, MLSAG, Borromean:
		return Algorithm(s), nil
	case "":
		return CLSAG, nil
	default:
		return "", errors.InputValidationf("ring algorithm %q unknown", s)
	}
}

// Member is one slot of a ring: a candidate public key and, in
// confidential mode, the commitment attached to its output.
type Member struct {
	PubKey     *secp256k1.PublicKey
	Commitment *secp256k1.PublicKey
	Height     int64
}

// Commitment carries the confidential-amount context for one signing.
// Pseudo is the pseudo-output commitment the transaction balances
// against. BlindDelta is the signer's secret z with
// C_real − Pseudo = z·G; verifiers leave it nil.
type Commitment struct {
	Pseudo     *secp256k1.PublicKey
	BlindDelta *secp256k1.ModNScalar
}

// Signature is a linkable ring signature. S holds one response per
// ring slot; T is the second response row used only by MLSAG in
// confidential mode. AuxImage is the commitment-row image D = z·H_p(P)
// that CLSAG and Borromean fold into the challenge chain when a
// commitment is present.
type Signature struct {
	Algorithm Algorithm
	C0        *secp256k1.ModNScalar
	S         []*secp256k1.ModNScalar
	T         []*secp256k1.ModNScalar
	KeyImage  *secp256k1.PublicKey
	AuxImage  *secp256k1.PublicKey
}

// Mixer is the ring path coordinator. It owns decoy selection, the
// signing algorithms and range proofs, and consults the key image
// registry so a key can be spent exactly once.
type Mixer struct {
	cfg    config.RingConfig
	alg    Algorithm
	images *registry.KeyImages
	decoys *Selector
	log    *logger.Logger
}

// NewMixer wires a Mixer from config. src supplies decoy candidates;
// images is the process-wide spent set.
func NewMixer(cfg config.RingConfig, images *registry.KeyImages, src DecoySource, log *logger.Logger) (*Mixer, error) {
	if log == nil {
		log = logger.NewNop()
	}
	alg, err := ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = 11
	}
	if cfg.MinRingSize == 0 {
		cfg.MinRingSize = 7
	}
	if cfg.MaxRingSize == 0 {
		cfg.MaxRingSize = 64
	}
	if cfg.RingSize < cfg.MinRingSize || cfg.RingSize > cfg.MaxRingSize {
		return nil, errors.InputValidationf("ring size %d outside [%d,%d]",
			cfg.RingSize, cfg.MinRingSize, cfg.MaxRingSize)
	}
	sel, err := NewSelector(cfg, src)
	if err != nil {
		return nil, err
	}
	return &Mixer{cfg: cfg, alg: alg, images: images, decoys: sel, log: log}, nil
}

// Config returns the active ring parameters.
func (m *Mixer) Config() config.RingConfig { return m.cfg }

// CreateSignature signs message with real, hiding it among the ring
// members. The real public key must occupy some ring slot. The key
// image x·H_p(P) is checked against the spent set before signing and
// registered after, so the first signature wins and every later
// attempt with the same key fails with a double-spend error.
func (m *Mixer) CreateSignature(ctx context.Context, message []byte, real *crypto.KeyPair, ring []Member, com *Commitment) (*Signature, error) {
	if len(message) == 0 {
		return nil, errors.InputValidation("message is empty")
	}
	if real == nil || real.Priv == nil {
		return nil, errors.InputValidation("real key is required")
	}
	if err := m.checkRingShape(ring, com); err != nil {
		return nil, err
	}
	realIdx := -1
	for i, mem := range ring {
		if crypto.PointsEqual(mem.PubKey, real.Pub) {
			realIdx = i
			break
		}
	}
	if realIdx < 0 {
		return nil, errors.InputValidation("real key is not a ring member")
	}

	image, err := crypto.ComputeKeyImage(real.Priv)
	if err != nil {
		return nil, errors.Fatal("compute key image", err)
	}
	imageHex := crypto.KeyImageHex(image)
	if m.images != nil {
		spent, err := m.images.Contains(ctx, imageHex)
		if err != nil {
			return nil, err
		}
		if spent {
			return nil, errors.DoubleSpend("key image already spent").WithDetails("key_image", imageHex)
		}
	}

	var sig *Signature
	switch m.alg {
	case CLSAG:
		sig, err = signCLSAG(message, real, ring, realIdx, image, com)
	case MLSAG:
		sig, err = signMLSAG(message, real, ring, realIdx, image, com)
	case Borromean:
		sig, err = signBorromean(message, real, ring, realIdx, image, com)
	}
	if err != nil {
		return nil, err
	}

	if m.images != nil {
		if err := m.images.TryInsert(ctx, imageHex, ""); err != nil {
			return nil, err
		}
	}
	m.log.Debug("ring signature created",
		"algorithm", string(m.alg), "ring_size", len(ring), "key_image", imageHex)
	return sig, nil
}

// VerifySignature re-derives the Fiat–Shamir challenge across every
// ring position and reports whether the chain closes onto c0. It is
// pure math; registry checks belong to VerifyRingTransaction.
func (m *Mixer) VerifySignature(message []byte, sig *Signature, ring []Member, com *Commitment) bool {
	if sig == nil || sig.C0 == nil || sig.KeyImage == nil || len(message) == 0 {
		return false
	}
	if err := m.checkRingShape(ring, com); err != nil {
		return false
	}
	if len(sig.S) != len(ring) {
		return false
	}
	switch sig.Algorithm {
	case CLSAG:
		return verifyCLSAG(message, sig, ring, com)
	case MLSAG:
		return verifyMLSAG(message, sig, ring, com)
	case Borromean:
		return verifyBorromean(message, sig, ring, com)
	default:
		return false
	}
}

// CreateStealthAddress derives a fresh one-time destination for the
// holder of (spendPub, viewPub).
func (m *Mixer) CreateStealthAddress(spendPub, viewPub *secp256k1.PublicKey) (*crypto.StealthAddress, error) {
	if spendPub == nil || viewPub == nil {
		return nil, errors.InputValidation("spend and view keys are required")
	}
	return crypto.DeriveStealthAddress(spendPub, viewPub)
}

// StealthMatch identifies one transaction output that pays the
// scanning wallet.
type StealthMatch struct {
	TxID        string
	OutputIndex int
	Address     *crypto.StealthAddress
	Amount      domain.Amount
}

// ScanForIncomingPayments walks every stealth output of the given
// transactions and returns those whose one-time key belongs to the
// holder of viewPriv and spendPub.
func (m *Mixer) ScanForIncomingPayments(txs []*RingTransaction, viewPriv *secp256k1.PrivateKey, spendPub *secp256k1.PublicKey) []StealthMatch {
	var matches []StealthMatch
	if viewPriv == nil || spendPub == nil {
		return matches
	}
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		for i, out := range tx.Outputs {
			if out.Stealth == nil {
				continue
			}
			if crypto.MatchesStealthOutput(viewPriv, spendPub, out.Stealth.OneTimePub, out.Stealth.EphemeralPub) {
				matches = append(matches, StealthMatch{
					TxID:        tx.ID,
					OutputIndex: i,
					Address:     out.Stealth,
					Amount:      out.Amount,
				})
			}
		}
	}
	return matches
}

func (m *Mixer) checkRingShape(ring []Member, com *Commitment) error {
	if len(ring) < m.cfg.MinRingSize || len(ring) > m.cfg.MaxRingSize {
		return errors.InputValidationf("ring size %d outside [%d,%d]",
			len(ring), m.cfg.MinRingSize, m.cfg.MaxRingSize)
	}
	confidential := com != nil && com.Pseudo != nil
	for i, mem := range ring {
		if mem.PubKey == nil {
			return errors.InputValidationf("ring member %d has no public key", i)
		}
		if confidential && mem.Commitment == nil {
			return errors.InputValidationf("ring member %d has no commitment", i)
		}
	}
	return nil
}

// ringDigest binds the signature to the exact ring contents, the key
// image and the pseudo-output so none can be swapped after the fact.
func ringDigest(tag string, ring []Member, image *secp256k1.PublicKey, com *Commitment) []byte {
	chunks := make([][]byte, 0, 2*len(ring)+3)
	chunks = append(chunks, []byte(tag))
	for _, mem := range ring {
		chunks = append(chunks, mem.PubKey.SerializeCompressed())
		if mem.Commitment != nil {
			chunks = append(chunks, mem.Commitment.SerializeCompressed())
		}
	}
	chunks = append(chunks, image.SerializeCompressed())
	if com != nil && com.Pseudo != nil {
		chunks = append(chunks, com.Pseudo.SerializeCompressed())
	}
	return crypto.Hash256(chunks...)
}

// randomIndex draws a uniform slot in [0,n) from crypto/rand using
// four bytes and modulo reduction.
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, errors.InputValidation("empty range")
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.Fatal("read random index", err)
	}
	return int(binary.BigEndian.Uint32(buf[:]) % uint32(n)), nil
}

// randomScalars draws n uniformly random responses.
func randomScalars(n int) ([]*secp256k1.ModNScalar, error) {
	out := make([]*secp256k1.ModNScalar, n)
	for i := range out {
		s, err := crypto.RandomScalar()
		if err != nil {
			return nil, errors.Fatal("draw response scalar", err)
		}
		out[i] = s
	}
	return out, nil
}
