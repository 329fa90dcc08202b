package ring

import (
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// CLSAG: one challenge chain over aggregated keys. In confidential
// mode each slot's key and commitment collapse into a single point
// W_i = μ_P·P_i + μ_C·(C_i − C_pseudo), the witness into
// μ_P·x + μ_C·z, and the linking term into Ĩ = μ_P·I + μ_C·D with
// D = z·H_p(P). Without a commitment the coefficients degenerate to
// the plain linkable ring signature over P_i and I.

// clsagContext holds everything both sign and verify need per ring:
// the binding digest, per-slot aggregated keys, per-slot hash points
// and the aggregated linking image.
type clsagContext struct {
	digest []byte
	agg    []*secp256k1.PublicKey
	hps    []*secp256k1.PublicKey
	imgAgg *secp256k1.PublicKey
}

func newCLSAGContext(tag string, ring []Member, image, aux *secp256k1.PublicKey, com *Commitment) (*clsagContext, error) {
	digest := ringDigest(tag, ring, image, com)

	confidential := com != nil && com.Pseudo != nil
	var muP, muC *secp256k1.ModNScalar
	if confidential {
		if aux == nil {
			return nil, errors.InputValidation("confidential signature missing auxiliary image")
		}
		muP = crypto.HashToScalar([]byte(tag+".mu.key"), digest)
		muC = crypto.HashToScalar([]byte(tag+".mu.com"), digest)
	}

	ctx := &clsagContext{
		digest: digest,
		agg:    make([]*secp256k1.PublicKey, len(ring)),
		hps:    make([]*secp256k1.PublicKey, len(ring)),
	}
	for i, mem := range ring {
		hp, err := crypto.HashToPoint(mem.PubKey.SerializeCompressed())
		if err != nil {
			return nil, errors.Fatal("hash ring member to point", err)
		}
		ctx.hps[i] = hp
		if confidential {
			offset := crypto.PointSub(mem.Commitment, com.Pseudo)
			ctx.agg[i] = crypto.PointAdd(
				crypto.ScalarMult(muP, mem.PubKey),
				crypto.ScalarMult(muC, offset),
			)
		} else {
			ctx.agg[i] = mem.PubKey
		}
	}
	if confidential {
		ctx.imgAgg = crypto.PointAdd(
			crypto.ScalarMult(muP, image),
			crypto.ScalarMult(muC, aux),
		)
	} else {
		ctx.imgAgg = image
	}
	return ctx, nil
}

// aggregateWitness folds the private key and blinding delta the same
// way newCLSAGContext folds the public points.
func (c *clsagContext) aggregateWitness(tag string, x *secp256k1.ModNScalar, com *Commitment) *secp256k1.ModNScalar {
	if com == nil || com.Pseudo == nil {
		return x
	}
	muP := crypto.HashToScalar([]byte(tag+".mu.key"), c.digest)
	muC := crypto.HashToScalar([]byte(tag+".mu.com"), c.digest)
	return crypto.ScalarAdd(crypto.ScalarMul(muP, x), crypto.ScalarMul(muC, com.BlindDelta))
}

func (c *clsagContext) challenge(tag string, message []byte, L, R *secp256k1.PublicKey) *secp256k1.ModNScalar {
	return crypto.HashToScalar(
		[]byte(tag+".round"), c.digest, message,
		L.SerializeCompressed(), R.SerializeCompressed(),
	)
}

func signCLSAG(message []byte, real *crypto.KeyPair, ring []Member, realIdx int, image *secp256k1.PublicKey, com *Commitment) (*Signature, error) {
	aux, err := auxiliaryImage(real, com)
	if err != nil {
		return nil, err
	}
	cc, err := newCLSAGContext("CLSAG", ring, image, aux, com)
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
	c[(realIdx+1)%n] = cc.challenge("CLSAG", message, L, R)

	for j := 1; j < n; j++ {
		i := (realIdx + j) % n
		L = crypto.PointAdd(crypto.ScalarBaseMult(s[i]), crypto.ScalarMult(c[i], cc.agg[i]))
		R = crypto.PointAdd(crypto.ScalarMult(s[i], cc.hps[i]), crypto.ScalarMult(c[i], cc.imgAgg))
		c[(i+1)%n] = cc.challenge("CLSAG", message, L, R)
	}

	// Close the chain: s_r = α − c_r·x_agg.
	xAgg := cc.aggregateWitness("CLSAG", &real.Priv.Key, com)
	s[realIdx] = crypto.ScalarSub(alpha, crypto.ScalarMul(c[realIdx], xAgg))

	return &Signature{
		Algorithm: CLSAG,
		C0:        c[0],
		S:         s,
		KeyImage:  image,
		AuxImage:  aux,
	}, nil
}

func verifyCLSAG(message []byte, sig *Signature, ring []Member, com *Commitment) bool {
	cc, err := newCLSAGContext("CLSAG", ring, sig.KeyImage, sig.AuxImage, com)
	if err != nil {
		return false
	}
	c := sig.C0
	for i := range ring {
		L := crypto.PointAdd(crypto.ScalarBaseMult(sig.S[i]), crypto.ScalarMult(c, cc.agg[i]))
		R := crypto.PointAdd(crypto.ScalarMult(sig.S[i], cc.hps[i]), crypto.ScalarMult(c, cc.imgAgg))
		c = cc.challenge("CLSAG", message, L, R)
	}
	want := sig.C0.Bytes()
	got := c.Bytes()
	return want == got
}

// auxiliaryImage computes D = z·H_p(P) for the commitment row, nil in
// transparent mode. Signing requires the blinding delta; its absence
// means the caller is trying to sign a confidential ring it cannot
// actually open.
func auxiliaryImage(real *crypto.KeyPair, com *Commitment) (*secp256k1.PublicKey, error) {
	if com == nil || com.Pseudo == nil {
		return nil, nil
	}
	if com.BlindDelta == nil {
		return nil, errors.InputValidation("confidential signing requires the blinding delta")
	}
	hp, err := crypto.HashToPoint(real.Pub.SerializeCompressed())
	if err != nil {
		return nil, errors.Fatal("hash public key to point", err)
	}
	return crypto.ScalarMult(com.BlindDelta, hp), nil
}
