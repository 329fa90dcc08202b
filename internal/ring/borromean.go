package ring

import (
	"encoding/binary"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// Borromean: the chained form with slot-indexed challenges. Each
// challenge commits to the slot position it closes, so responses
// cannot be rotated to a different alignment of the same ring. Key
// and commitment aggregation reuse the CLSAG folding.

func signBorromean(message []byte, real *crypto.KeyPair, ring []Member, realIdx int, image *secp256k1.PublicKey, com *Commitment) (*Signature, error) {
	aux, err := auxiliaryImage(real, com)
	if err != nil {
		return nil, err
	}
	cc, err := newCLSAGContext("BORROMEAN", ring, image, aux, com)
	if err != nil {
		return nil, err
	}
	n := len(ring)

	alpha, err := crypto.RandomScalar()
	if err != nil {
		return nil, errors.Fatal("draw signing nonce", err)
	}
	s, err := randomScalars(n)
	if err != nil {
		return nil, err
	}

	c := make([]*secp256k1.ModNScalar, n)
	L := crypto.ScalarBaseMult(alpha)
	R := crypto.ScalarMult(alpha, cc.hps[realIdx])
	c[(realIdx+1)%n] = borromeanChallenge(cc.digest, message, (realIdx+1)%n, L, R)

	for j := 1; j < n; j++ {
		i := (realIdx + j) % n
		L = crypto.PointAdd(crypto.ScalarBaseMult(s[i]), crypto.ScalarMult(c[i], cc.agg[i]))
		R = crypto.PointAdd(crypto.ScalarMult(s[i], cc.hps[i]), crypto.ScalarMult(c[i], cc.imgAgg))
		c[(i+1)%n] = borromeanChallenge(cc.digest, message, (i+1)%n, L, R)
	}

	xAgg := cc.aggregateWitness("BORROMEAN", &real.Priv.Key, com)
	s[realIdx] = crypto.ScalarSub(alpha, crypto.ScalarMul(c[realIdx], xAgg))

	return &Signature{
		Algorithm: Borromean,
		C0:        c[0],
		S:         s,
		KeyImage:  image,
		AuxImage:  aux,
	}, nil
}

func verifyBorromean(message []byte, sig *Signature, ring []Member, com *Commitment) bool {
	cc, err := newCLSAGContext("BORROMEAN", ring, sig.KeyImage, sig.AuxImage, com)
	if err != nil {
		return false
	}
	n := len(ring)
	c := sig.C0
	for i := 0; i < n; i++ {
		L := crypto.PointAdd(crypto.ScalarBaseMult(sig.S[i]), crypto.ScalarMult(c, cc.agg[i]))
		R := crypto.PointAdd(crypto.ScalarMult(sig.S[i], cc.hps[i]), crypto.ScalarMult(c, cc.imgAgg))
		c = borromeanChallenge(cc.digest, message, (i+1)%n, L, R)
	}
	want := sig.C0.Bytes()
	got := c.Bytes()
	return want == got
}

func borromeanChallenge(digest, message []byte, slot int, L, R *secp256k1.PublicKey) *secp256k1.ModNScalar {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(slot))
	return crypto.HashToScalar(
		[]byte("BORROMEAN.round"), digest, message, idx[:],
		L.SerializeCompressed(), R.SerializeCompressed(),
	)
}
