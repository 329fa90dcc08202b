package ring

import (
	"bytes"
	"encoding/binary"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// RangeProofBits is the committed amount width: amounts prove
// membership in [0, 2^64).
const RangeProofBits = 64

// RangeProof asserts that a Pedersen commitment opens to an amount in
// [0, 2^64). One term per bit; the terms sum to the commitment, which
// also fixes the blinding.
type RangeProof struct {
	Commitment []byte   `json:"commitment"`
	Terms      [][]byte `json:"terms"`
	Checksum   []byte   `json:"checksum"`
}

// BuildRangeProof commits to amount under blind and decomposes the
// commitment into per-bit terms C_i = f_i·G + b_i·2^i·H with
// Σf_i = blind, so ΣC_i equals the commitment.
func BuildRangeProof(amount domain.Amount, blind *secp256k1.ModNScalar) (*RangeProof, error) {
	if amount < 0 {
		return nil, errors.InputValidationf("amount %s is negative", amount)
	}
	if blind == nil {
		return nil, errors.InputValidation("blinding factor is required")
	}

	value, err := scalarFromUint64(uint64(amount))
	if err != nil {
		return nil, err
	}
	commitment := crypto.PedersenCommit(blind, value)

	terms := make([][]byte, RangeProofBits)
	var sumF secp256k1.ModNScalar
	for i := 0; i < RangeProofBits; i++ {
		var f *secp256k1.ModNScalar
		if i == RangeProofBits-1 {
			// Last blind closes the sum: Σf_i = blind.
			f = crypto.ScalarSub(blind, &sumF)
		} else {
			if f, err = crypto.RandomScalar(); err != nil {
				return nil, errors.Fatal("draw term blind", err)
			}
			sumF.Add(f)
		}
		var bitValue uint64
		if uint64(amount)&(1<<uint(i)) != 0 {
			bitValue = 1 << uint(i)
		}
		bv, err := scalarFromUint64(bitValue)
		if err != nil {
			return nil, err
		}
		terms[i] = crypto.PedersenCommit(f, bv).SerializeCompressed()
	}

	p := &RangeProof{
		Commitment: commitment.SerializeCompressed(),
		Terms:      terms,
	}
	p.Checksum = p.checksum()
	return p, nil
}

// Verify checks the proof structure: 64 well-formed terms, the binding
// checksum, and that the terms sum to the commitment point.
func (p *RangeProof) Verify() error {
	if p == nil {
		return errors.ProtocolViolation("range proof missing")
	}
	if len(p.Terms) != RangeProofBits {
		return errors.ProtocolViolation("range proof term count invalid").
			WithDetails("terms", len(p.Terms))
	}
	commitment, err := crypto.ParsePubKey(p.Commitment)
	if err != nil {
		return errors.ProtocolViolation("range proof commitment malformed")
	}
	if !bytes.Equal(p.Checksum, p.checksum()) {
		return errors.ProtocolViolation("range proof checksum mismatch")
	}

	var sum *secp256k1.PublicKey
	for i, raw := range p.Terms {
		term, err := crypto.ParsePubKey(raw)
		if err != nil {
			return errors.ProtocolViolation("range proof term malformed").
				WithDetails("term", i)
		}
		if sum == nil {
			sum = term
		} else {
			sum = crypto.PointAdd(sum, term)
		}
	}
	if !crypto.PointsEqual(sum, commitment) {
		return errors.ProtocolViolation("range proof terms do not sum to commitment")
	}
	return nil
}

// CommitmentPoint parses the committed point.
func (p *RangeProof) CommitmentPoint() (*secp256k1.PublicKey, error) {
	return crypto.ParsePubKey(p.Commitment)
}

func (p *RangeProof) checksum() []byte {
	chunks := make([][]byte, 0, len(p.Terms)+2)
	chunks = append(chunks, []byte("rangeproof.v1"), p.Commitment)
	chunks = append(chunks, p.Terms...)
	return crypto.Hash256(chunks...)
}

func scalarFromUint64(v uint64) (*secp256k1.ModNScalar, error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return crypto.ScalarFromBytes(b[:])
}
