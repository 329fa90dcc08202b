package ring

import (
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// MLSAG: the matrix form. In confidential mode every slot carries two
// rows — the key row over P_i with linking image I, and the commitment
// row over C_i − C_pseudo with no image — and the challenge chain
// covers both rows' terms per slot. Transparent mode degenerates to a
// single key row.

func signMLSAG(message []byte, real *crypto.KeyPair, ring []Member, realIdx int, image *secp256k1.PublicKey, com *Commitment) (*Signature, error) {
	confidential := com != nil && com.Pseudo != nil
	if confidential && com.BlindDelta == nil {
		return nil, errors.InputValidation("confidential signing requires the blinding delta")
	}
	digest := ringDigest("MLSAG", ring, image, com)
	n := len(ring)

	hps := make([]*secp256k1.PublicKey, n)
	offsets := make([]*secp256k1.PublicKey, n)
	for i, mem := range ring {
		hp, err := crypto.HashToPoint(mem.PubKey.SerializeCompressed())
		if err != nil {
			return nil, errors.Fatal("hash ring member to point", err)
		}
		hps[i] = hp
		if confidential {
			offsets[i] = crypto.PointSub(mem.Commitment, com.Pseudo)
		}
	}

	alpha0, err := crypto.RandomScalar()
	if err != nil {
		return nil, errors.Fatal("draw signing nonce", err)
	}
	s0, err := randomScalars(n)
	if err != nil {
		return nil, err
	}

	var alpha1 *secp256k1.ModNScalar
	var s1 []*secp256k1.ModNScalar
	if confidential {
		if alpha1, err = crypto.RandomScalar(); err != nil {
			return nil, errors.Fatal("draw signing nonce", err)
		}
		if s1, err = randomScalars(n); err != nil {
			return nil, err
		}
	}

	c := make([]*secp256k1.ModNScalar, n)
	L0 := crypto.ScalarBaseMult(alpha0)
	R0 := crypto.ScalarMult(alpha0, hps[realIdx])
	var L1 *secp256k1.PublicKey
	if confidential {
		L1 = crypto.ScalarBaseMult(alpha1)
	}
	c[(realIdx+1)%n] = mlsagChallenge(digest, message, L0, R0, L1)

	for j := 1; j < n; j++ {
		i := (realIdx + j) % n
		L0 = crypto.PointAdd(crypto.ScalarBaseMult(s0[i]), crypto.ScalarMult(c[i], ring[i].PubKey))
		R0 = crypto.PointAdd(crypto.ScalarMult(s0[i], hps[i]), crypto.ScalarMult(c[i], image))
		L1 = nil
		if confidential {
			L1 = crypto.PointAdd(crypto.ScalarBaseMult(s1[i]), crypto.ScalarMult(c[i], offsets[i]))
		}
		c[(i+1)%n] = mlsagChallenge(digest, message, L0, R0, L1)
	}

	s0[realIdx] = crypto.ScalarSub(alpha0, crypto.ScalarMul(c[realIdx], &real.Priv.Key))
	if confidential {
		s1[realIdx] = crypto.ScalarSub(alpha1, crypto.ScalarMul(c[realIdx], com.BlindDelta))
	}

	return &Signature{
		Algorithm: MLSAG,
		C0:        c[0],
		S:         s0,
		T:         s1,
		KeyImage:  image,
	}, nil
}

func verifyMLSAG(message []byte, sig *Signature, ring []Member, com *Commitment) bool {
	confidential := com != nil && com.Pseudo != nil
	if confidential && len(sig.T) != len(ring) {
		return false
	}
	digest := ringDigest("MLSAG", ring, sig.KeyImage, com)

	c := sig.C0
	for i, mem := range ring {
		hp, err := crypto.HashToPoint(mem.PubKey.SerializeCompressed())
		if err != nil {
			return false
		}
		L0 := crypto.PointAdd(crypto.ScalarBaseMult(sig.S[i]), crypto.ScalarMult(c, mem.PubKey))
		R0 := crypto.PointAdd(crypto.ScalarMult(sig.S[i], hp), crypto.ScalarMult(c, sig.KeyImage))
		var L1 *secp256k1.PublicKey
		if confidential {
			offset := crypto.PointSub(mem.Commitment, com.Pseudo)
			L1 = crypto.PointAdd(crypto.ScalarBaseMult(sig.T[i]), crypto.ScalarMult(c, offset))
		}
		c = mlsagChallenge(digest, message, L0, R0, L1)
	}
	want := sig.C0.Bytes()
	got := c.Bytes()
	return want == got
}

func mlsagChallenge(digest, message []byte, L0, R0, L1 *secp256k1.PublicKey) *secp256k1.ModNScalar {
	chunks := [][]byte{
		[]byte("MLSAG.round"), digest, message,
		L0.SerializeCompressed(), R0.SerializeCompressed(),
	}
	if L1 != nil {
		chunks = append(chunks, L1.SerializeCompressed())
	}
	return crypto.HashToScalar(chunks...)
}
