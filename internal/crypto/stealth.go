package crypto

import (
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// StealthAddress is a one-time destination. OneTimePub is the key the
// funds are paid to; EphemeralPub (R = r·G) is published alongside the
// output so the recipient can recover the spend key.
type StealthAddress struct {
	OneTimePub   *secp256k1.PublicKey
	EphemeralPub *secp256k1.PublicKey
}

// DeriveStealthAddress builds P' = H(r·V)·G + S for the recipient's
// spend key S and view key V, using a fresh ephemeral scalar r.
func DeriveStealthAddress(spendPub, viewPub *secp256k1.PublicKey) (*StealthAddress, error) {
	r, err := RandomScalar()
	if err != nil {
		return nil, err
	}
	return deriveStealthWithEphemeral(spendPub, viewPub, r)
}

func deriveStealthWithEphemeral(spendPub, viewPub *secp256k1.PublicKey, r *secp256k1.ModNScalar) (*StealthAddress, error) {
	shared := ScalarMult(r, viewPub)
	s := HashToScalar(shared.SerializeCompressed())
	oneTime := PointAdd(ScalarBaseMult(s), spendPub)
	return &StealthAddress{
		OneTimePub:   oneTime,
		EphemeralPub: ScalarBaseMult(r),
	}, nil
}

// MatchesStealthOutput reports whether an output paying oneTimePub with
// the published ephemeral key R belongs to the holder of viewPriv and
// spendPub: it recomputes H(v·R)·G + S and compares.
func MatchesStealthOutput(viewPriv *secp256k1.PrivateKey, spendPub, oneTimePub, ephemeralPub *secp256k1.PublicKey) bool {
	shared := ScalarMult(&viewPriv.Key, ephemeralPub)
	s := HashToScalar(shared.SerializeCompressed())
	expect := PointAdd(ScalarBaseMult(s), spendPub)
	return PointsEqual(expect, oneTimePub)
}

// RecoverStealthPrivateKey derives the one-time spend scalar
// x' = H(v·R) + x for an output that MatchesStealthOutput.
func RecoverStealthPrivateKey(viewPriv, spendPriv *secp256k1.PrivateKey, ephemeralPub *secp256k1.PublicKey) (*secp256k1.PrivateKey, error) {
	shared := ScalarMult(&viewPriv.Key, ephemeralPub)
	s := HashToScalar(shared.SerializeCompressed())
	x := ScalarAdd(s, &spendPriv.Key)
	if x.IsZero() {
		return nil, fmt.Errorf("derived one-time key is zero")
	}
	return secp256k1.NewPrivateKey(x), nil
}
