package crypto

import (
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SchnorrSignatureLen is R (compressed) followed by s.
const SchnorrSignatureLen = CompressedPubKeyLen + ScalarLen

// SignSchnorr produces a Schnorr signature with challenge
// e = H(R ‖ P ‖ m) and response s = k + e·x mod n. The nonce k is
// deterministic per RFC 6979 so a repeated message never leaks the key.
func SignSchnorr(priv *secp256k1.PrivateKey, message []byte) ([]byte, error) {
	k, err := DeterministicNonce(priv, message, []byte("schnorr"))
	if err != nil {
		return nil, err
	}
	R := ScalarBaseMult(k)
	P := priv.PubKey()

	e := HashToScalar(R.SerializeCompressed(), P.SerializeCompressed(), message)

	// s = k + e·x
	s := ScalarAdd(k, ScalarMul(e, &priv.Key))

	sig := make([]byte, 0, SchnorrSignatureLen)
	sig = append(sig, R.SerializeCompressed()...)
	sig = append(sig, ScalarBytes(s)...)
	return sig, nil
}

// VerifySchnorr checks s·G = R + e·P for e = H(R ‖ P ‖ m).
func VerifySchnorr(pub *secp256k1.PublicKey, message, sig []byte) bool {
	R, s, err := parseSchnorr(sig)
	if err != nil {
		return false
	}
	e := HashToScalar(R.SerializeCompressed(), pub.SerializeCompressed(), message)

	left := ScalarBaseMult(s)
	right := PointAdd(R, ScalarMult(e, pub))
	return PointsEqual(left, right)
}

func parseSchnorr(sig []byte) (*secp256k1.PublicKey, *secp256k1.ModNScalar, error) {
	if len(sig) != SchnorrSignatureLen {
		return nil, nil, fmt.Errorf("schnorr signature must be %d bytes, got %d", SchnorrSignatureLen, len(sig))
	}
	R, err := ParsePubKey(sig[:CompressedPubKeyLen])
	if err != nil {
		return nil, nil, err
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(sig[CompressedPubKeyLen:]); overflow {
		return nil, nil, fmt.Errorf("schnorr response exceeds curve order")
	}
	return R, &s, nil
}
